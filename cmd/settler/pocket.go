package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pocketSettle/internal/model"
)

func newPocketCmd() *cobra.Command {
	pocketCmd := &cobra.Command{
		Use:   "pocket",
		Short: "Manage reward pockets",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an active pocket",
		RunE:  runPocketCreate,
	}
	createCmd.Flags().String("id", "", "pocket id (random when empty)")
	createCmd.Flags().String("asset", "", "asset symbol")
	createCmd.Flags().Int32("precision", model.DefaultPrecision, "decimal places of paid amounts, 0 for whole units")
	createCmd.Flags().String("total", "", "total amount")
	createCmd.Flags().Int("slots", 0, "number of claim slots")
	createCmd.Flags().Bool("randomized", false, "draw a random amount per claim")
	createCmd.Flags().String("min", "", "minimum per-claim amount (randomized only)")
	createCmd.Flags().String("max", "", "maximum per-claim amount (randomized only)")
	createCmd.Flags().Duration("expires-in", 24*time.Hour, "time until the pocket expires, 0 for never")
	pocketCmd.AddCommand(createCmd)

	return pocketCmd
}

func runPocketCreate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.PGDSN == "" {
		return fmt.Errorf("pg-dsn is required to create a pocket")
	}

	pocket, err := pocketFromFlags(cmd, time.Now().UTC())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	defer a.Close()
	store, err := openStore(ctx, cfg, a)
	if err != nil {
		return err
	}
	if err := store.CreatePocket(ctx, pocket); err != nil {
		return fmt.Errorf("create pocket: %w", err)
	}

	logger.Info("pocket created",
		zap.String("pocket_id", pocket.ID),
		zap.String("asset", pocket.Asset),
		zap.String("total", pocket.TotalAmount.String()),
		zap.Int("slots", pocket.TotalSlots),
		zap.Bool("randomized", pocket.Randomized),
	)
	return printJSON(pocket)
}

func pocketFromFlags(cmd *cobra.Command, now time.Time) (model.Pocket, error) {
	flags := cmd.Flags()
	id, _ := flags.GetString("id")
	asset, _ := flags.GetString("asset")
	precision, _ := flags.GetInt32("precision")
	totalRaw, _ := flags.GetString("total")
	slots, _ := flags.GetInt("slots")
	randomized, _ := flags.GetBool("randomized")
	minRaw, _ := flags.GetString("min")
	maxRaw, _ := flags.GetString("max")
	expiresIn, _ := flags.GetDuration("expires-in")

	if asset == "" {
		return model.Pocket{}, fmt.Errorf("--asset is required")
	}
	if id == "" {
		id = uuid.NewString()
	}

	total, err := decimal.NewFromString(totalRaw)
	if err != nil {
		return model.Pocket{}, fmt.Errorf("--total: %w", err)
	}
	minAmount, err := optionalDecimal(minRaw)
	if err != nil {
		return model.Pocket{}, fmt.Errorf("--min: %w", err)
	}
	maxAmount, err := optionalDecimal(maxRaw)
	if err != nil {
		return model.Pocket{}, fmt.Errorf("--max: %w", err)
	}

	pocket := model.Pocket{
		ID:              id,
		Asset:           asset,
		Precision:       model.PrecisionOf(precision),
		TotalAmount:     total,
		RemainingAmount: total,
		TotalSlots:      slots,
		Randomized:      randomized,
		MinAmount:       minAmount,
		MaxAmount:       maxAmount,
		Status:          model.PocketActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if expiresIn > 0 {
		pocket.ExpiresAt = now.Add(expiresIn)
	}
	if err := pocket.Validate(); err != nil {
		return model.Pocket{}, err
	}
	return pocket, nil
}

func optionalDecimal(raw string) (decimal.NullDecimal, error) {
	if raw == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}
