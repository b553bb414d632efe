package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pocketSettle/internal/model"
	"pocketSettle/internal/storage"
)

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "claim_records_identity_once"})
	assert.True(t, isUniqueViolation(err))
	assert.Equal(t, "claim_records_identity_once", constraintName(err))

	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
	assert.False(t, isUniqueViolation(nil))
}

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("SETTLER_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("SETTLER_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	s, err := NewStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestStoreClaimLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	pocket := model.Pocket{
		ID:              "test-" + uuid.NewString(),
		Asset:           "USDC",
		Precision:       model.PrecisionOf(2),
		TotalAmount:     decimal.NewFromInt(20),
		RemainingAmount: decimal.NewFromInt(20),
		TotalSlots:      2,
		Status:          model.PocketActive,
		ExpiresAt:       time.Now().Add(time.Hour),
	}
	require.NoError(t, s.CreatePocket(ctx, pocket))
	assert.ErrorIs(t, s.CreatePocket(ctx, pocket), storage.ErrPocketExists)

	p, err := s.GetPocket(ctx, pocket.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), p.Version)

	claim := model.ClaimRecord{
		ID:            uuid.NewString(),
		PocketID:      p.ID,
		Identity:      model.Identity{Platform: "Telegram", PlatformUserID: "42"},
		AccountID:     "acc-42",
		PayoutAddress: "0x000000000000000000000000000000000000dEaD",
		Amount:        decimal.NewFromInt(10),
		Asset:         "USDC",
		Status:        model.ClaimProcessing,
		Reserved:      true,
	}
	p, err = s.CommitAllocation(ctx, p, claim)
	require.NoError(t, err)
	assert.Equal(t, 1, p.ClaimedCount)
	assert.Equal(t, int64(2), p.Version)

	dup := claim
	dup.ID = uuid.NewString()
	dup.AccountID = "acc-other"
	_, err = s.CommitAllocation(ctx, p, dup)
	assert.ErrorIs(t, err, storage.ErrDuplicateClaim)

	_, err = s.CommitAllocation(ctx, model.Pocket{ID: p.ID, Version: 1}, dup)
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	blocking, err := s.FindBlockingClaim(ctx, p.ID, "acc-42", model.Identity{})
	require.NoError(t, err)
	require.NotNil(t, blocking)
	assert.Equal(t, "telegram", blocking.Identity.Platform)

	p, err = s.ReleaseAllocation(ctx, model.ClaimRecord{ID: claim.ID, FailureReason: "exhausted"})
	require.NoError(t, err)
	assert.Equal(t, 0, p.ClaimedCount)
	assert.True(t, p.RemainingAmount.Equal(decimal.NewFromInt(20)))

	rec, err := s.GetClaim(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ClaimFailed, rec.Status)
	assert.False(t, rec.Reserved)
}
