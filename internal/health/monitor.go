// Package health keeps a cached view of every configured ledger's liveness and
// congestion, refreshed on a fixed interval independent of claim traffic.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pocketSettle/internal/model"
	"pocketSettle/internal/telemetry"
)

// ProbeResult is what a single ledger probe observes.
type ProbeResult struct {
	Reachable   bool
	Latency     time.Duration
	FeePrice    float64
	BlockHeight uint64
}

// Prober fetches liveness and a congestion proxy for one ledger.
type Prober interface {
	ProbeHealth(ctx context.Context, ledgerID string) (ProbeResult, error)
}

// Config controls probe cadence.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	// StaleAfter is how old a cached record may be before it counts as unknown.
	// Zero means Interval plus Timeout.
	StaleAfter time.Duration
}

// Monitor probes ledgers and serves the latest cached health.
type Monitor struct {
	cfg     Config
	prober  Prober
	ledgers map[string]model.LedgerDefinition
	ids     []string
	logger  *zap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]model.ChainHealth

	cron *cron.Cron
}

func NewMonitor(cfg Config, ledgers []model.LedgerDefinition, prober Prober, logger *zap.Logger, metrics *telemetry.Metrics) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = cfg.Interval + cfg.Timeout
	}

	byID := make(map[string]model.LedgerDefinition, len(ledgers))
	ids := make([]string, 0, len(ledgers))
	for _, ledger := range ledgers {
		byID[ledger.ID] = ledger
		ids = append(ids, ledger.ID)
	}
	sort.Strings(ids)

	return &Monitor{
		cfg:     cfg,
		prober:  prober,
		ledgers: byID,
		ids:     ids,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		cache:   make(map[string]model.ChainHealth, len(ledgers)),
	}
}

// Ledgers returns the configured ledger definitions ordered by id.
func (m *Monitor) Ledgers() []model.LedgerDefinition {
	out := make([]model.LedgerDefinition, 0, len(m.ids))
	for _, id := range m.ids {
		out = append(out, m.ledgers[id])
	}
	return out
}

// ProbeAll runs one round of probes concurrently and overwrites the cache.
func (m *Monitor) ProbeAll(ctx context.Context) []model.ChainHealth {
	results := make([]model.ChainHealth, len(m.ids))

	var g errgroup.Group
	for i, id := range m.ids {
		i, id := i, id
		g.Go(func() error {
			results[i] = m.probeOne(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	for _, h := range results {
		m.cache[h.LedgerID] = h
	}
	m.mu.Unlock()

	healthy := 0
	for _, h := range results {
		if h.Healthy() {
			healthy++
		}
	}
	m.logger.Debug("probe round complete", zap.Int("ledgers", len(results)), zap.Int("healthy", healthy))
	return results
}

func (m *Monitor) probeOne(ctx context.Context, id string) model.ChainHealth {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	start := m.now()
	res, err := m.prober.ProbeHealth(probeCtx, id)
	elapsed := m.now().Sub(start)

	if err == nil && !res.Reachable {
		err = errors.New("ledger reported unreachable")
	}
	if err != nil {
		if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("probe timed out after %s: %w", m.cfg.Timeout, err)
		}
		m.logger.Warn("ledger probe failed", zap.String("ledger", id), zap.Error(err))
		m.metrics.RecordProbe(ctx, id, false, elapsed)
		return unhealthy(id, err.Error(), m.now())
	}

	tier := ClassifyTier(res.FeePrice, m.ledgers[id].FeeThresholds)
	m.metrics.RecordProbe(ctx, id, true, elapsed)
	return model.ChainHealth{
		LedgerID:    id,
		Reachable:   true,
		Latency:     res.Latency,
		FeePrice:    res.FeePrice,
		BlockHeight: res.BlockHeight,
		Tier:        tier,
		ProbedAt:    m.now(),
	}
}

// Get returns the cached health of a ledger. The bool is false when the ledger
// was never probed or its record is stale; the returned record is then
// unhealthy.
func (m *Monitor) Get(id string) (model.ChainHealth, bool) {
	m.mu.RLock()
	h, ok := m.cache[id]
	m.mu.RUnlock()

	if !ok {
		return unhealthy(id, "unknown", time.Time{}), false
	}
	if m.now().Sub(h.ProbedAt) > m.cfg.StaleAfter {
		stale := h
		stale.Reachable = false
		stale.Tier = model.TierCritical
		stale.Error = "stale"
		return stale, false
	}
	return h, true
}

// IsHealthy reports whether the ledger has a fresh, healthy record.
func (m *Monitor) IsHealthy(id string) bool {
	h, ok := m.Get(id)
	return ok && h.Healthy()
}

// MarkUnhealthy downgrades a ledger locally until the next probe overwrites it.
func (m *Monitor) MarkUnhealthy(id, reason string) {
	m.mu.Lock()
	prev := m.cache[id]
	h := unhealthy(id, reason, m.now())
	h.BlockHeight = prev.BlockHeight
	h.FeePrice = prev.FeePrice
	m.cache[id] = h
	m.mu.Unlock()

	m.logger.Warn("ledger marked unhealthy", zap.String("ledger", id), zap.String("reason", reason))
}

// Snapshot returns the current cache view for every configured ledger.
func (m *Monitor) Snapshot() []model.ChainHealth {
	out := make([]model.ChainHealth, 0, len(m.ids))
	for _, id := range m.ids {
		h, _ := m.Get(id)
		out = append(out, h)
	}
	return out
}

// Start probes once immediately and then on every interval until Stop or ctx
// cancellation. Overlapping rounds are skipped.
func (m *Monitor) Start(ctx context.Context) error {
	m.ProbeAll(ctx)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := fmt.Sprintf("@every %s", m.cfg.Interval)
	if _, err := c.AddFunc(spec, func() { m.ProbeAll(ctx) }); err != nil {
		return fmt.Errorf("register probe job: %w", err)
	}
	m.cron = c
	c.Start()

	go func() {
		<-ctx.Done()
		m.Stop()
	}()

	m.logger.Info("health monitor started", zap.Duration("interval", m.cfg.Interval), zap.Int("ledgers", len(m.ids)))
	return nil
}

// Stop halts scheduled probes and waits for a running round to finish.
func (m *Monitor) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
}

func unhealthy(id, reason string, at time.Time) model.ChainHealth {
	return model.ChainHealth{
		LedgerID:  id,
		Reachable: false,
		Tier:      model.TierCritical,
		ProbedAt:  at,
		Error:     reason,
	}
}
