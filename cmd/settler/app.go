package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"pocketSettle/internal/allocation"
	"pocketSettle/internal/audit"
	"pocketSettle/internal/chain"
	"pocketSettle/internal/claim"
	"pocketSettle/internal/config"
	"pocketSettle/internal/dispatch"
	"pocketSettle/internal/health"
	"pocketSettle/internal/lock"
	"pocketSettle/internal/model"
	"pocketSettle/internal/risk"
	"pocketSettle/internal/selector"
	"pocketSettle/internal/storage"
	"pocketSettle/internal/storage/postgres"
	"pocketSettle/internal/telemetry"
	"pocketSettle/internal/wallet"
)

// app holds the wired engine for one process.
type app struct {
	ledgers     []model.LedgerDefinition
	store       storage.Store
	gateway     *chain.Gateway
	monitor     *health.Monitor
	recorder    audit.Recorder
	coordinator *claim.Coordinator
	closers     []func()
}

func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.ledgers, err = config.LoadLedgers(cfg.LedgersFile)
	if err != nil {
		return nil, err
	}

	accounts, err := wallet.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		return nil, err
	}

	metrics, err := telemetry.NewMetrics(otel.Meter("pocketsettle"))
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	if a.store, err = openStore(ctx, cfg, a); err != nil {
		return nil, err
	}

	var (
		locker  lock.Locker = lock.NewMemoryLocker()
		counter risk.Counter
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		locker = lock.NewRedisLocker(client, "")
		counter = risk.NewRedisCounter(client, "")
	}

	if a.recorder, err = openRecorder(ctx, cfg, a); err != nil {
		return nil, err
	}

	rules, err := risk.NewRuleSet(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("compile risk rules: %w", err)
	}
	gate := risk.NewGate(cfg.Risk, counter, risk.NewBlocklist(cfg.BlockedIdentities, cfg.BlockedOrigins), rules, logger)

	a.gateway, err = chain.DialGateway(ctx, a.ledgers, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.gateway.Close)

	a.monitor = health.NewMonitor(health.Config{
		Interval: cfg.ProbeInterval,
		Timeout:  cfg.ProbeTimeout,
	}, a.ledgers, a.gateway, logger, metrics)

	a.coordinator = claim.NewCoordinator(cfg.Claim, claim.Deps{
		Store:      a.store,
		Locker:     locker,
		Risk:       gate,
		Allocator:  allocation.Engine{},
		Selector:   selector.New(a.ledgers, a.monitor, cfg.LatencyThreshold),
		Dispatcher: dispatch.NewExecutor(a.monitor, logger, metrics),
		Transferer: a.gateway,
		Accounts:   accounts,
		Audit:      a.recorder,
		Logger:     logger,
		Metrics:    metrics,
	})
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, a *app) (storage.Store, error) {
	if cfg.PGDSN == "" {
		return storage.NewMemoryStore(), nil
	}
	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return store, nil
}

func openRecorder(ctx context.Context, cfg config.Config, a *app) (audit.Recorder, error) {
	var recorders audit.Multi
	if cfg.AuditSQLitePath != "" {
		rec, err := audit.OpenSQLite(ctx, cfg.AuditSQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open audit db: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rec.Close() })
		recorders = append(recorders, rec)
	}
	if cfg.AuditJSONLPath != "" {
		recorders = append(recorders, audit.NewJSONLRecorder(cfg.AuditJSONLPath))
	}
	if len(recorders) == 0 {
		return audit.Nop{}, nil
	}
	return recorders, nil
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func setupTelemetry(ctx context.Context, cfg config.Config, logger *zap.Logger) (func(), error) {
	if cfg.OTLPEndpoint == "" {
		return func() {}, nil
	}
	shutdown, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, cfg.OTLPInsecure, "settler")
	if err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Warn("metrics shutdown failed", zap.Error(err))
		}
	}, nil
}
