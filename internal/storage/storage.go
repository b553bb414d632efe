// Package storage defines persistence for pockets and claim records.
package storage

import (
	"context"
	"errors"
	"time"

	"pocketSettle/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means the pocket changed since it was read.
	ErrVersionConflict = errors.New("pocket version conflict")
	// ErrDuplicateClaim means the claimant already holds a blocking record.
	ErrDuplicateClaim = errors.New("duplicate claim")
	// ErrClaimImmutable means the record is already settled.
	ErrClaimImmutable = errors.New("claim record is settled")
	ErrPocketExists   = errors.New("pocket already exists")
)

// Store persists pockets and claim records. Pocket writes are conditional on
// the version the caller read.
type Store interface {
	CreatePocket(ctx context.Context, pocket model.Pocket) error
	GetPocket(ctx context.Context, id string) (model.Pocket, error)
	// TransitionPocket moves the pocket to status if its version still matches.
	TransitionPocket(ctx context.Context, id string, version int64, status model.PocketStatus) (model.Pocket, error)

	// FindBlockingClaim returns a record for the pocket that prevents another
	// claim by the account or the identity, or nil.
	FindBlockingClaim(ctx context.Context, pocketID, accountID string, identity model.Identity) (*model.ClaimRecord, error)
	// CommitAllocation debits the pocket read at pocket.Version by claim.Amount,
	// takes one slot and inserts claim in one atomic step. The pocket becomes
	// depleted when the debit exhausts it.
	CommitAllocation(ctx context.Context, pocket model.Pocket, claim model.ClaimRecord) (model.Pocket, error)
	// UpdateClaim writes the outcome fields of a record that is not yet settled.
	UpdateClaim(ctx context.Context, claim model.ClaimRecord) error
	// ReleaseAllocation credits a reserved debit back to its pocket, frees the
	// slot and clears the record's reservation, atomically.
	ReleaseAllocation(ctx context.Context, claim model.ClaimRecord) (model.Pocket, error)
	GetClaim(ctx context.Context, id string) (model.ClaimRecord, error)
	ListClaims(ctx context.Context, pocketID string) ([]model.ClaimRecord, error)

	// ExpirePockets moves active pockets whose expiry is at or before now to
	// expired and returns their ids.
	ExpirePockets(ctx context.Context, now time.Time) ([]string, error)
	// ListStaleClaims returns processing records last updated before cutoff.
	ListStaleClaims(ctx context.Context, cutoff time.Time) ([]model.ClaimRecord, error)
}

// NextStatus returns the status a pocket should have after its amounts change:
// an active pocket with no slots or value left is depleted, a depleted pocket
// that regained both returns to active.
func NextStatus(p model.Pocket) model.PocketStatus {
	switch {
	case p.Status == model.PocketActive && p.IsExhausted():
		return model.PocketDepleted
	case p.Status == model.PocketDepleted && !p.IsExhausted():
		return model.PocketActive
	default:
		return p.Status
	}
}
