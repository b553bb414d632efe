// Package claim coordinates a single claim attempt end to end: lock, fresh
// validation, risk gating, allocation commit, dispatch and recording.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pocketSettle/internal/allocation"
	"pocketSettle/internal/audit"
	"pocketSettle/internal/dispatch"
	"pocketSettle/internal/lock"
	"pocketSettle/internal/model"
	"pocketSettle/internal/risk"
	"pocketSettle/internal/selector"
	"pocketSettle/internal/storage"
	"pocketSettle/internal/telemetry"
	"pocketSettle/internal/wallet"
)

// CleanupTimeout bounds writes made after the claim deadline has passed. The
// claim lock must outlive Timeout by at least this much.
const CleanupTimeout = 5 * time.Second

// Transferer submits a value transfer on one ledger. Calls repeating a
// reference on the same ledger must resend the original transfer, not a new one.
type Transferer interface {
	SubmitTransfer(ctx context.Context, ledgerID, reference, address string, amount decimal.Decimal, asset string) (string, error)
}

type RiskEvaluator interface {
	Evaluate(ctx context.Context, req risk.Request) (model.RiskAssessment, error)
}

type Allocator interface {
	ComputeAmount(pocket model.Pocket) (decimal.Decimal, error)
}

type LedgerSelector interface {
	SelectOrder(c selector.Criteria) []string
}

type Dispatcher interface {
	Dispatch(ctx context.Context, op dispatch.Operation, candidates []string, policy dispatch.RetryPolicy) (dispatch.Result, error)
}

// Config tunes the coordinator.
type Config struct {
	LockTTL time.Duration
	// Timeout is the overall deadline of one claim attempt.
	Timeout time.Duration
	// ReleaseOnFailure credits the debit back when every ledger failed. When
	// false the debit stays reserved for manual reconciliation.
	ReleaseOnFailure bool
	// CommitRetries bounds re-reads after losing a pocket version race.
	CommitRetries      int
	Retry              dispatch.RetryPolicy
	MaxFee             float64
	PreferLowCost      bool
	PreferFastFinality bool
}

func DefaultConfig() Config {
	return Config{
		LockTTL:          30 * time.Second,
		Timeout:          25 * time.Second,
		ReleaseOnFailure: true,
		CommitRetries:    5,
		Retry:            dispatch.DefaultRetryPolicy(),
		PreferLowCost:    true,
	}
}

// Deps are the collaborators a Coordinator needs. Audit, Logger and Metrics
// are optional.
type Deps struct {
	Store      storage.Store
	Locker     lock.Locker
	Risk       RiskEvaluator
	Allocator  Allocator
	Selector   LedgerSelector
	Dispatcher Dispatcher
	Transferer Transferer
	Accounts   wallet.AccountResolver
	Audit      audit.Recorder
	Logger     *zap.Logger
	Metrics    *telemetry.Metrics
}

// Request is an inbound claim.
type Request struct {
	PocketID       string
	Platform       string
	PlatformUserID string
	// Origin is the IP-equivalent source of the request, used by risk windows.
	Origin string
	Flags  []string
}

func (r Request) identity() model.Identity {
	return model.Identity{Platform: r.Platform, PlatformUserID: r.PlatformUserID}.Normalized()
}

// Settlement is the result of a claim that reached dispatch.
type Settlement struct {
	ClaimID       string               `json:"claim_id"`
	PocketID      string               `json:"pocket_id"`
	Amount        decimal.Decimal      `json:"amount"`
	Asset         string               `json:"asset"`
	PayoutAddress string               `json:"payout_address"`
	LedgerID      string               `json:"ledger_id,omitempty"`
	TxRef         string               `json:"tx_ref,omitempty"`
	Attempts      int                  `json:"attempts"`
	Review        bool                 `json:"review"`
	Risk          model.RiskAssessment `json:"risk"`
}

// Outcome is the caller-facing summary of a claim attempt.
type Outcome struct {
	Success       bool   `json:"success"`
	Amount        string `json:"amount,omitempty"`
	PayoutAddress string `json:"payout_address,omitempty"`
	TxRef         string `json:"tx_ref,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Outcome summarizes a successful settlement.
func (s *Settlement) Outcome() Outcome {
	return OutcomeOf(s, nil)
}

// OutcomeOf summarizes the return values of SubmitClaim.
func OutcomeOf(s *Settlement, err error) Outcome {
	if err != nil {
		return Outcome{Error: ReasonOf(err)}
	}
	if s == nil {
		return Outcome{Error: "internal error"}
	}
	return Outcome{
		Success:       true,
		Amount:        s.Amount.String(),
		PayoutAddress: s.PayoutAddress,
		TxRef:         s.TxRef,
	}
}

type Coordinator struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

func NewCoordinator(cfg Config, deps Deps) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Allocator == nil {
		deps.Allocator = allocation.Engine{}
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.CommitRetries < 0 {
		cfg.CommitRetries = 0
	}
	return &Coordinator{cfg: cfg, deps: deps, now: time.Now}
}

// SubmitClaim runs one claim attempt. Rejections and failures are *Error
// values; a non-nil Settlement is returned on success and alongside a dispatch
// failure.
func (c *Coordinator) SubmitClaim(ctx context.Context, req Request) (*Settlement, error) {
	start := c.now()
	settlement, err := c.submit(ctx, req)
	c.deps.Metrics.RecordClaim(ctx, outcomeLabel(err), c.now().Sub(start))
	return settlement, err
}

func (c *Coordinator) submit(ctx context.Context, req Request) (*Settlement, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	identity := req.identity()
	if req.PocketID == "" || identity.IsZero() {
		return nil, newError(KindValidation, ErrInvalidRequest, errors.New("pocket id, platform and platform user id are required"))
	}
	logger := c.deps.Logger.With(zap.String("pocket_id", req.PocketID), zap.String("identity", identity.Key()))

	lease, err := c.deps.Locker.Acquire(ctx, lockKey(req.PocketID, identity), c.cfg.LockTTL)
	if errors.Is(err, lock.ErrLockHeld) {
		return nil, newError(KindContention, ErrClaimInProgress, nil)
	}
	if err != nil {
		return nil, newError(KindInternal, ErrClaimInProgress, err)
	}
	defer func() {
		releaseCtx, cancel := cleanupContext(ctx)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			logger.Warn("release claim lock", zap.Error(err))
		}
	}()

	pocket, err := c.loadActivePocket(ctx, req.PocketID, logger)
	if err != nil {
		return nil, err
	}

	account, err := c.deps.Accounts.ResolveAccount(ctx, identity)
	if errors.Is(err, wallet.ErrUnknownIdentity) {
		return nil, newError(KindValidation, ErrNoAccount, err)
	}
	if err != nil {
		return nil, newError(KindInternal, ErrNoAccount, err)
	}

	if err := c.checkNotClaimed(ctx, pocket.ID, account.ID, identity); err != nil {
		return nil, err
	}

	assessment, err := c.assessRisk(ctx, req, identity, account, pocket)
	if err != nil {
		return nil, err
	}
	review := assessment.Action == model.RiskReview

	record, pocket, err := c.commit(ctx, pocket, identity, account, review, logger)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("claim_id", record.ID))
	logger.Info("allocation committed",
		zap.String("amount", record.Amount.String()),
		zap.Int("claimed_count", pocket.ClaimedCount),
		zap.Bool("review", review),
	)

	if review {
		c.record(ctx, logger, audit.Event{
			Kind:      audit.KindReview,
			PocketID:  record.PocketID,
			ClaimID:   record.ID,
			Identity:  identity.Key(),
			AccountID: account.ID,
			Amount:    record.Amount.String(),
			Score:     assessment.Score,
			Action:    assessment.Action,
			Signals:   assessment.Signals,
			Reason:    "claim proceeded under review",
		})
	}

	settlement := &Settlement{
		ClaimID:       record.ID,
		PocketID:      record.PocketID,
		Amount:        record.Amount,
		Asset:         record.Asset,
		PayoutAddress: record.PayoutAddress,
		Review:        review,
		Risk:          assessment,
	}
	return c.settle(ctx, record, settlement, logger)
}

func (c *Coordinator) loadActivePocket(ctx context.Context, id string, logger *zap.Logger) (model.Pocket, error) {
	pocket, err := c.deps.Store.GetPocket(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Pocket{}, newError(KindValidation, ErrPocketNotFound, nil)
	}
	if err != nil {
		return model.Pocket{}, newError(KindInternal, ErrPocketNotFound, err)
	}
	if err := c.validatePocket(ctx, pocket, logger); err != nil {
		return model.Pocket{}, err
	}
	return pocket, nil
}

// validatePocket rejects a pocket that cannot take a claim, moving it to its
// terminal status when the check itself proves the transition.
func (c *Coordinator) validatePocket(ctx context.Context, pocket model.Pocket, logger *zap.Logger) error {
	switch pocket.Status {
	case model.PocketActive:
	case model.PocketDepleted:
		return newError(KindValidation, ErrFullyClaimed, nil)
	case model.PocketExpired:
		return newError(KindValidation, ErrPocketExpired, nil)
	default:
		return newError(KindValidation, ErrPocketInactive, fmt.Errorf("status %s", pocket.Status))
	}

	if pocket.RemainingAmount.IsNegative() || pocket.ClaimedCount > pocket.TotalSlots {
		return c.invariant(ctx, pocket.ID, "", fmt.Errorf("pocket state out of range: remaining=%s claimed=%d/%d",
			pocket.RemainingAmount, pocket.ClaimedCount, pocket.TotalSlots), logger)
	}
	if pocket.IsExpired(c.now()) {
		c.transition(ctx, pocket, model.PocketExpired, logger)
		return newError(KindValidation, ErrPocketExpired, nil)
	}
	if pocket.IsExhausted() {
		c.transition(ctx, pocket, model.PocketDepleted, logger)
		return newError(KindValidation, ErrFullyClaimed, nil)
	}
	return nil
}

func (c *Coordinator) transition(ctx context.Context, pocket model.Pocket, status model.PocketStatus, logger *zap.Logger) {
	_, err := c.deps.Store.TransitionPocket(ctx, pocket.ID, pocket.Version, status)
	switch {
	case err == nil:
		logger.Info("pocket transitioned", zap.String("status", string(status)))
	case errors.Is(err, storage.ErrVersionConflict):
		logger.Debug("pocket changed before transition", zap.String("status", string(status)))
	default:
		logger.Warn("pocket transition failed", zap.String("status", string(status)), zap.Error(err))
	}
}

func (c *Coordinator) checkNotClaimed(ctx context.Context, pocketID, accountID string, identity model.Identity) error {
	prior, err := c.deps.Store.FindBlockingClaim(ctx, pocketID, accountID, identity)
	if err != nil {
		return newError(KindInternal, ErrAlreadyClaimed, err)
	}
	if prior != nil {
		return newError(KindValidation, ErrAlreadyClaimed, nil)
	}
	return nil
}

func (c *Coordinator) assessRisk(ctx context.Context, req Request, identity model.Identity, account model.Account, pocket model.Pocket) (model.RiskAssessment, error) {
	if c.deps.Risk == nil {
		return model.RiskAssessment{Action: model.RiskAllow}, nil
	}
	assessment, err := c.deps.Risk.Evaluate(ctx, risk.Request{
		Identity:  identity,
		AccountID: account.ID,
		Origin:    req.Origin,
		Action:    risk.ActionClaim,
		Amount:    riskAmount(pocket),
		Flags:     req.Flags,
	})
	if err != nil {
		return model.RiskAssessment{}, newError(KindInternal, ErrRiskBlocked, err)
	}
	if assessment.Action == model.RiskBlock {
		c.record(ctx, c.deps.Logger, audit.Event{
			Kind:      audit.KindBlock,
			PocketID:  pocket.ID,
			Identity:  identity.Key(),
			AccountID: account.ID,
			Score:     assessment.Score,
			Action:    assessment.Action,
			Signals:   assessment.Signals,
			Reason:    "claim blocked before allocation",
		})
		return assessment, newError(KindRisk, ErrRiskBlocked, nil)
	}
	return assessment, nil
}

// riskAmount is the largest amount the next claim could receive.
func riskAmount(pocket model.Pocket) decimal.Decimal {
	if !pocket.Randomized {
		return allocation.FixedShare(pocket)
	}
	if r, err := allocation.Bounds(pocket); err == nil {
		return r.Max
	}
	return pocket.RemainingAmount
}

// commit allocates and debits the pocket, re-reading it after losing a race to
// another claimant.
func (c *Coordinator) commit(ctx context.Context, pocket model.Pocket, identity model.Identity, account model.Account, review bool, logger *zap.Logger) (model.ClaimRecord, model.Pocket, error) {
	for attempt := 0; ; attempt++ {
		amount, err := c.deps.Allocator.ComputeAmount(pocket)
		switch {
		case errors.Is(err, allocation.ErrNoSlots):
			return model.ClaimRecord{}, pocket, newError(KindValidation, ErrFullyClaimed, nil)
		case err != nil:
			return model.ClaimRecord{}, pocket, c.invariant(ctx, pocket.ID, identity.Key(), err, logger)
		}
		if err := allocation.CheckConservation(pocket, amount); err != nil {
			return model.ClaimRecord{}, pocket, c.invariant(ctx, pocket.ID, identity.Key(), err, logger)
		}

		record := model.ClaimRecord{
			ID:            uuid.NewString(),
			PocketID:      pocket.ID,
			Identity:      identity,
			AccountID:     account.ID,
			PayoutAddress: account.PayoutAddress,
			Amount:        amount,
			Asset:         pocket.Asset,
			Status:        model.ClaimProcessing,
			Review:        review,
			Reserved:      true,
		}
		updated, err := c.deps.Store.CommitAllocation(ctx, pocket, record)
		switch {
		case err == nil:
			if updated.RemainingAmount.IsNegative() {
				return record, updated, c.invariant(ctx, pocket.ID, identity.Key(),
					fmt.Errorf("remaining amount %s after debit", updated.RemainingAmount), logger)
			}
			return record, updated, nil
		case errors.Is(err, storage.ErrDuplicateClaim):
			return model.ClaimRecord{}, pocket, newError(KindValidation, ErrAlreadyClaimed, nil)
		case !errors.Is(err, storage.ErrVersionConflict):
			return model.ClaimRecord{}, pocket, newError(KindInternal, ErrPocketContended, fmt.Errorf("commit allocation: %w", err))
		}

		if attempt >= c.cfg.CommitRetries {
			logger.Warn("pocket commit retries exhausted", zap.Int("attempts", attempt+1))
			return model.ClaimRecord{}, pocket, newError(KindContention, ErrPocketContended, err)
		}
		logger.Debug("pocket version conflict, re-reading", zap.Int("attempt", attempt+1))
		if pocket, err = c.loadActivePocket(ctx, pocket.ID, logger); err != nil {
			return model.ClaimRecord{}, pocket, err
		}
	}
}

// settle dispatches a committed claim and records the outcome.
func (c *Coordinator) settle(ctx context.Context, record model.ClaimRecord, settlement *Settlement, logger *zap.Logger) (*Settlement, error) {
	candidates := c.deps.Selector.SelectOrder(selector.Criteria{
		Asset:              record.Asset,
		MaxFee:             c.cfg.MaxFee,
		PreferLowCost:      c.cfg.PreferLowCost,
		PreferFastFinality: c.cfg.PreferFastFinality,
	})

	var (
		result dispatch.Result
		err    error
	)
	if len(candidates) == 0 {
		err = fmt.Errorf("%w: no eligible ledger for %s", dispatch.ErrExhausted, record.Asset)
	} else {
		op := func(ctx context.Context, ledgerID string) (string, error) {
			return c.deps.Transferer.SubmitTransfer(ctx, ledgerID, record.ID, record.PayoutAddress, record.Amount, record.Asset)
		}
		result, err = c.deps.Dispatcher.Dispatch(ctx, op, candidates, c.cfg.Retry)
	}
	settlement.Attempts = result.Attempts

	writeCtx, cancel := cleanupContext(ctx)
	defer cancel()

	if err == nil {
		settledAt := c.now()
		record.Status = model.ClaimSuccess
		record.LedgerID = result.LedgerID
		record.TxRef = result.TxRef
		record.Reserved = false
		record.SettledAt = &settledAt
		settlement.LedgerID = result.LedgerID
		settlement.TxRef = result.TxRef

		if uerr := c.deps.Store.UpdateClaim(writeCtx, record); uerr != nil {
			// The transfer went through; the record stays processing for the
			// stale sweep and an operator.
			logger.Error("settled transfer not recorded", zap.String("tx_ref", result.TxRef), zap.Error(uerr))
			c.record(writeCtx, logger, audit.Event{
				Kind:     audit.KindInvariant,
				PocketID: record.PocketID,
				ClaimID:  record.ID,
				LedgerID: result.LedgerID,
				Amount:   record.Amount.String(),
				Reason:   "settled transfer not recorded: " + uerr.Error(),
			})
		}
		logger.Info("claim settled", zap.String("ledger", result.LedgerID), zap.String("tx_ref", result.TxRef),
			zap.Int("attempts", result.Attempts))
		return settlement, nil
	}

	record.Status = model.ClaimFailed
	record.FailureReason = err.Error()
	if c.cfg.ReleaseOnFailure {
		if _, rerr := c.deps.Store.ReleaseAllocation(writeCtx, record); rerr != nil {
			logger.Error("release allocation failed", zap.Error(rerr))
			record.Reserved = true
			if uerr := c.deps.Store.UpdateClaim(writeCtx, record); uerr != nil {
				logger.Error("record dispatch failure", zap.Error(uerr))
			}
		}
	} else if uerr := c.deps.Store.UpdateClaim(writeCtx, record); uerr != nil {
		logger.Error("record dispatch failure", zap.Error(uerr))
	}

	logger.Warn("claim dispatch exhausted", zap.Int("attempts", result.Attempts), zap.Error(err))
	c.record(writeCtx, logger, audit.Event{
		Kind:      audit.KindFailure,
		PocketID:  record.PocketID,
		ClaimID:   record.ID,
		Identity:  record.Identity.Key(),
		AccountID: record.AccountID,
		Amount:    record.Amount.String(),
		Reason:    err.Error(),
	})
	return settlement, newError(KindDispatch, ErrDispatchExhausted, err)
}

func (c *Coordinator) invariant(ctx context.Context, pocketID, identity string, cause error, logger *zap.Logger) error {
	logger.Error("invariant violation", zap.Error(cause))
	c.record(ctx, logger, audit.Event{
		Kind:     audit.KindInvariant,
		PocketID: pocketID,
		Identity: identity,
		Reason:   cause.Error(),
	})
	return newError(KindInvariant, ErrInvariantViolation, cause)
}

func (c *Coordinator) record(ctx context.Context, logger *zap.Logger, event audit.Event) {
	if event.At.IsZero() {
		event.At = c.now().UTC()
	}
	if err := c.deps.Audit.Record(ctx, event); err != nil {
		logger.Warn("audit record failed", zap.String("kind", string(event.Kind)), zap.Error(err))
	}
}

func lockKey(pocketID string, identity model.Identity) string {
	return pocketID + ":" + identity.Key()
}

// cleanupContext survives cancellation of ctx so post-dispatch writes and lock
// release still happen after the claim deadline.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), CleanupTimeout)
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	return string(KindOf(err))
}
