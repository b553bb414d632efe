package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PocketStatus is the lifecycle state of a Pocket.
type PocketStatus string

const (
	PocketPending   PocketStatus = "pending"
	PocketActive    PocketStatus = "active"
	PocketDepleted  PocketStatus = "depleted"
	PocketExpired   PocketStatus = "expired"
	PocketCancelled PocketStatus = "cancelled"
)

// DefaultPrecision is the number of decimal places used when a pocket does not
// carry its asset precision.
const DefaultPrecision int32 = 2

// MaxPrecision bounds the decimal places an asset may declare.
const MaxPrecision int32 = 36

var (
	ErrInvalidPocket      = errors.New("invalid pocket")
	ErrInconsistentBounds = errors.New("inconsistent min/max bounds")
)

// Pocket is a finite value pool shared among a bounded number of claim slots.
type Pocket struct {
	ID              string              `json:"id"`
	Asset           string              `json:"asset"`
	Precision       *int32              `json:"precision,omitempty"`
	TotalAmount     decimal.Decimal     `json:"total_amount"`
	RemainingAmount decimal.Decimal     `json:"remaining_amount"`
	TotalSlots      int                 `json:"total_slots"`
	ClaimedCount    int                 `json:"claimed_count"`
	Randomized      bool                `json:"randomized"`
	MinAmount       decimal.NullDecimal `json:"min_amount"`
	MaxAmount       decimal.NullDecimal `json:"max_amount"`
	ExpiresAt       time.Time           `json:"expires_at"`
	Status          PocketStatus        `json:"status"`
	Version         int64               `json:"version"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// IsTerminal reports whether the pocket can never accept another claim.
func (s PocketStatus) IsTerminal() bool {
	switch s {
	case PocketDepleted, PocketExpired, PocketCancelled:
		return true
	default:
		return false
	}
}

// PrecisionOf returns places as an explicit pocket precision. Zero is a valid
// precision for assets without fractional units.
func PrecisionOf(places int32) *int32 {
	return &places
}

// AssetPrecision returns the rounding precision for amounts paid from the
// pocket, DefaultPrecision when none was set.
func (p Pocket) AssetPrecision() int32 {
	if p.Precision == nil {
		return DefaultPrecision
	}
	return *p.Precision
}

// OnGrid reports whether amount has no more decimal places than the pocket's
// asset precision.
func (p Pocket) OnGrid(amount decimal.Decimal) bool {
	return amount.Equal(amount.RoundFloor(p.AssetPrecision()))
}

// RemainingSlots returns how many claims the pocket can still accept.
func (p Pocket) RemainingSlots() int {
	if p.ClaimedCount >= p.TotalSlots {
		return 0
	}
	return p.TotalSlots - p.ClaimedCount
}

// IsExpired reports whether the pocket expiry has passed at now.
func (p Pocket) IsExpired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// IsExhausted reports whether every slot is taken or nothing is left to pay.
func (p Pocket) IsExhausted() bool {
	return p.ClaimedCount >= p.TotalSlots || !p.RemainingAmount.IsPositive()
}

// Validate rejects pockets that could never be settled consistently. Bounds are
// checked against a fresh pocket: a configured min must leave room for every
// slot and must not exceed a configured max.
func (p Pocket) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPocket)
	}
	if p.TotalSlots <= 0 {
		return fmt.Errorf("%w: total slots must be positive", ErrInvalidPocket)
	}
	if !p.TotalAmount.IsPositive() {
		return fmt.Errorf("%w: total amount must be positive", ErrInvalidPocket)
	}
	if p.RemainingAmount.IsNegative() || p.RemainingAmount.GreaterThan(p.TotalAmount) {
		return fmt.Errorf("%w: remaining amount out of range", ErrInvalidPocket)
	}
	if p.ClaimedCount < 0 || p.ClaimedCount > p.TotalSlots {
		return fmt.Errorf("%w: claimed count out of range", ErrInvalidPocket)
	}
	if p.Precision != nil && (*p.Precision < 0 || *p.Precision > MaxPrecision) {
		return fmt.Errorf("%w: precision must be within 0..%d", ErrInvalidPocket, MaxPrecision)
	}
	if !p.OnGrid(p.TotalAmount) || !p.OnGrid(p.RemainingAmount) {
		return fmt.Errorf("%w: amounts must have at most %d decimal places", ErrInvalidPocket, p.AssetPrecision())
	}
	if !p.Randomized {
		if p.MinAmount.Valid || p.MaxAmount.Valid {
			return fmt.Errorf("%w: bounds apply to randomized pockets only", ErrInvalidPocket)
		}
		share := p.TotalAmount.DivRound(decimal.NewFromInt(int64(p.TotalSlots)), p.AssetPrecision()+4).
			RoundFloor(p.AssetPrecision())
		if !share.IsPositive() {
			return fmt.Errorf("%w: fixed share rounds to zero", ErrInvalidPocket)
		}
		return nil
	}

	slots := decimal.NewFromInt(int64(p.TotalSlots))
	unit := decimal.New(1, -p.AssetPrecision())
	if p.TotalAmount.LessThan(unit.Mul(slots)) {
		return fmt.Errorf("%w: total cannot pay one unit per slot", ErrInconsistentBounds)
	}
	if p.MinAmount.Valid && !p.OnGrid(p.MinAmount.Decimal) {
		return fmt.Errorf("%w: min amount finer than precision %d", ErrInconsistentBounds, p.AssetPrecision())
	}
	if p.MaxAmount.Valid && !p.OnGrid(p.MaxAmount.Decimal) {
		return fmt.Errorf("%w: max amount finer than precision %d", ErrInconsistentBounds, p.AssetPrecision())
	}
	if p.MinAmount.Valid {
		if !p.MinAmount.Decimal.IsPositive() {
			return fmt.Errorf("%w: min amount must be positive", ErrInconsistentBounds)
		}
		if p.MinAmount.Decimal.Mul(slots).GreaterThan(p.TotalAmount) {
			return fmt.Errorf("%w: min amount times slots exceeds total", ErrInconsistentBounds)
		}
	}
	if p.MaxAmount.Valid {
		if !p.MaxAmount.Decimal.IsPositive() {
			return fmt.Errorf("%w: max amount must be positive", ErrInconsistentBounds)
		}
		if p.MinAmount.Valid && p.MaxAmount.Decimal.LessThanOrEqual(p.MinAmount.Decimal) {
			return fmt.Errorf("%w: max amount must exceed min amount", ErrInconsistentBounds)
		}
		if p.MaxAmount.Decimal.Mul(slots).LessThan(p.TotalAmount) {
			return fmt.Errorf("%w: max amount times slots cannot drain the pool", ErrInconsistentBounds)
		}
	}
	return nil
}
