package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"pocketSettle/internal/audit"
	"pocketSettle/internal/model"
	"pocketSettle/internal/storage"
)

// Sweeper is a periodic maintenance job.
type Sweeper interface {
	Name() string
	Sweep(ctx context.Context) (int, error)
}

// ExpirySweeper moves active pockets past their expiry to expired.
type ExpirySweeper struct {
	store  storage.Store
	audit  audit.Recorder
	logger *zap.Logger
	now    func() time.Time
}

func NewExpirySweeper(store storage.Store, recorder audit.Recorder, logger *zap.Logger) *ExpirySweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &ExpirySweeper{store: store, audit: recorder, logger: logger, now: time.Now}
}

func (s *ExpirySweeper) Name() string { return "pocket-expiry" }

func (s *ExpirySweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	ids, err := s.store.ExpirePockets(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("expire pockets: %w", err)
	}
	for _, id := range ids {
		s.logger.Info("pocket expired", zap.String("pocket_id", id))
		if err := s.audit.Record(ctx, audit.Event{Kind: audit.KindExpired, PocketID: id, At: now.UTC()}); err != nil {
			s.logger.Warn("audit record failed", zap.Error(err))
		}
	}
	return len(ids), nil
}

// StaleClaimSweeper fails processing records that outlived the claim deadline,
// which means the worker died between commit and dispatch outcome. The debit
// stays reserved because the transfer may have gone through.
type StaleClaimSweeper struct {
	store  storage.Store
	audit  audit.Recorder
	logger *zap.Logger
	maxAge time.Duration
	now    func() time.Time
}

func NewStaleClaimSweeper(store storage.Store, recorder audit.Recorder, maxAge time.Duration, logger *zap.Logger) *StaleClaimSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &StaleClaimSweeper{store: store, audit: recorder, logger: logger, maxAge: maxAge, now: time.Now}
}

func (s *StaleClaimSweeper) Name() string { return "stale-claims" }

func (s *StaleClaimSweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	stale, err := s.store.ListStaleClaims(ctx, now.Add(-s.maxAge))
	if err != nil {
		return 0, fmt.Errorf("list stale claims: %w", err)
	}

	swept := 0
	for _, rec := range stale {
		rec.Status = model.ClaimFailed
		rec.Reserved = true
		rec.FailureReason = "no dispatch outcome recorded before deadline"
		if err := s.store.UpdateClaim(ctx, rec); err != nil {
			s.logger.Warn("mark stale claim failed", zap.String("claim_id", rec.ID), zap.Error(err))
			continue
		}
		swept++
		s.logger.Warn("stale claim needs reconciliation",
			zap.String("claim_id", rec.ID),
			zap.String("pocket_id", rec.PocketID),
			zap.String("amount", rec.Amount.String()),
		)
		if err := s.audit.Record(ctx, audit.Event{
			Kind:      audit.KindStale,
			PocketID:  rec.PocketID,
			ClaimID:   rec.ID,
			Identity:  rec.Identity.Key(),
			AccountID: rec.AccountID,
			Amount:    rec.Amount.String(),
			Reason:    rec.FailureReason,
			At:        now.UTC(),
		}); err != nil {
			s.logger.Warn("audit record failed", zap.Error(err))
		}
	}
	return swept, nil
}

// StartSweeps runs every sweeper on interval until the returned cron is
// stopped. Overlapping runs of the same sweeper are skipped.
func StartSweeps(ctx context.Context, interval time.Duration, logger *zap.Logger, sweepers ...Sweeper) (*cron.Cron, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := fmt.Sprintf("@every %s", interval)
	for _, sw := range sweepers {
		sw := sw
		if _, err := c.AddFunc(spec, func() {
			n, err := sw.Sweep(ctx)
			if err != nil {
				logger.Warn("sweep failed", zap.String("sweeper", sw.Name()), zap.Error(err))
				return
			}
			if n > 0 {
				logger.Info("sweep complete", zap.String("sweeper", sw.Name()), zap.Int("affected", n))
			}
		}); err != nil {
			return nil, fmt.Errorf("register %s: %w", sw.Name(), err)
		}
	}
	c.Start()
	return c, nil
}
