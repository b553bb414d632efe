package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pocketSettle/internal/chain"
	"pocketSettle/internal/claim"
	"pocketSettle/internal/config"
	"pocketSettle/internal/health"
)

// cleanupTimeout bounds shutdown work after the command context is done.
const cleanupTimeout = 5 * time.Second

func runClaim(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	req := claim.Request{}
	req.PocketID, _ = cmd.Flags().GetString("pocket")
	req.Platform, _ = cmd.Flags().GetString("platform")
	req.PlatformUserID, _ = cmd.Flags().GetString("user")
	req.Origin, _ = cmd.Flags().GetString("origin")
	req.Flags, _ = cmd.Flags().GetStringSlice("flag")
	if req.PocketID == "" || req.Platform == "" || req.PlatformUserID == "" {
		return fmt.Errorf("--pocket, --platform and --user are required")
	}
	if cfg.PGDSN == "" {
		return fmt.Errorf("pg-dsn is required to claim from a stored pocket")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// A one-shot claim has no running monitor; seed the health cache first.
	a.monitor.ProbeAll(ctx)

	settlement, err := a.coordinator.SubmitClaim(ctx, req)
	if err != nil {
		logger.Info("claim not settled",
			zap.String("pocket_id", req.PocketID),
			zap.String("kind", string(claim.KindOf(err))),
			zap.Error(err),
		)
	}
	return printJSON(claim.OutcomeOf(settlement, err))
}

func runProbe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledgers, err := config.LoadLedgers(cfg.LedgersFile)
	if err != nil {
		return err
	}
	gateway, err := chain.DialGateway(ctx, ledgers, logger)
	if err != nil {
		return err
	}
	defer gateway.Close()

	monitor := health.NewMonitor(health.Config{Timeout: cfg.ProbeTimeout}, ledgers, gateway, logger, nil)
	return printJSON(monitor.ProbeAll(ctx))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
