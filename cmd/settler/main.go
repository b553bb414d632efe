package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pocketSettle/internal/claim"
	"pocketSettle/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:          "settler",
		Short:        "Reward pocket claim settlement engine",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("ledgers-file", "./ledgers.yaml", "ledger registry YAML")
	root.PersistentFlags().String("accounts-file", "./accounts.yaml", "identity to payout account YAML")
	root.PersistentFlags().String("pg-dsn", "", "Postgres DSN (in-memory store when empty)")
	root.PersistentFlags().String("redis-addr", "", "Redis address for locks and risk windows (in-process when empty)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run health probes and background sweeps",
		RunE:  runServe,
	}
	serveCmd.Flags().Duration("probe-interval", 15*time.Second, "ledger probe interval")
	serveCmd.Flags().Duration("probe-timeout", 5*time.Second, "per-ledger probe timeout")
	serveCmd.Flags().Duration("sweep-interval", time.Minute, "expiry and stale-claim sweep interval")
	serveCmd.Flags().String("otlp-endpoint", "", "OTLP/gRPC metrics endpoint")
	root.AddCommand(serveCmd)

	claimCmd := &cobra.Command{
		Use:   "claim",
		Short: "Submit one claim against a pocket",
		RunE:  runClaim,
	}
	claimCmd.Flags().String("pocket", "", "pocket id")
	claimCmd.Flags().String("platform", "", "identity platform")
	claimCmd.Flags().String("user", "", "platform user id")
	claimCmd.Flags().String("origin", "", "request origin (IP or equivalent)")
	claimCmd.Flags().StringSlice("flag", nil, "request flags raised by the caller (comma-separated)")
	root.AddCommand(claimCmd)

	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Probe every ledger once and print its health",
		RunE:  runProbe,
	}
	probeCmd.Flags().Duration("probe-timeout", 5*time.Second, "per-ledger probe timeout")
	root.AddCommand(probeCmd)

	root.AddCommand(newPocketCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and the logger shared by every subcommand.
func setup(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := setupTelemetry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer shutdown()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.gateway.VerifyDecimals(ctx); err != nil {
		logger.Warn("asset decimals check failed", zap.Error(err))
	}

	if err := a.monitor.Start(ctx); err != nil {
		return fmt.Errorf("start health monitor: %w", err)
	}
	defer a.monitor.Stop()

	sweeps, err := claim.StartSweeps(ctx, cfg.SweepInterval, logger,
		claim.NewExpirySweeper(a.store, a.recorder, logger),
		claim.NewStaleClaimSweeper(a.store, a.recorder, cfg.StaleClaimAge, logger),
	)
	if err != nil {
		return err
	}
	defer sweeps.Stop()

	logger.Info("settler start",
		zap.Int("ledgers", len(a.ledgers)),
		zap.Duration("probe_interval", cfg.ProbeInterval),
		zap.Duration("sweep_interval", cfg.SweepInterval),
		zap.Bool("postgres", cfg.PGDSN != ""),
		zap.Bool("redis", cfg.RedisAddr != ""),
	)

	<-ctx.Done()
	logger.Info("settler stopping")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
