// Package allocation computes how much a single claim against a pocket is worth.
package allocation

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/shopspring/decimal"

	"pocketSettle/internal/model"
)

var (
	// ErrNoSlots is returned when the pocket has no remaining claim slot.
	ErrNoSlots = errors.New("no remaining slots")
	// ErrInconsistentBounds mirrors the creation-time bounds failure.
	ErrInconsistentBounds = model.ErrInconsistentBounds
	// ErrConservation is returned when a payout would break pool conservation.
	ErrConservation = errors.New("allocation breaks pool conservation")
)

var (
	half = decimal.RequireFromString("0.5")
	two  = decimal.NewFromInt(2)
)

// Range is the effective interval a randomized claim is drawn from. Both ends
// lie on the asset precision grid. Min < Max means the half-open [Min, Max);
// Min == Max means the claim is paid exactly Min.
type Range struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Engine computes claim payouts. Random is the entropy source for randomized
// draws; nil means crypto/rand.
type Engine struct {
	Random io.Reader
}

// ComputeAmount returns the payout for the next claim against pocket.
func ComputeAmount(pocket model.Pocket) (decimal.Decimal, error) {
	return Engine{}.ComputeAmount(pocket)
}

// ComputeAmount returns the payout for the next claim against pocket. It has no
// side effects; the caller commits the debit.
func (e Engine) ComputeAmount(pocket model.Pocket) (decimal.Decimal, error) {
	if pocket.RemainingSlots() < 1 {
		return decimal.Zero, ErrNoSlots
	}
	if !pocket.Randomized {
		return FixedShare(pocket), nil
	}

	bounds, err := Bounds(pocket)
	if err != nil {
		return decimal.Zero, err
	}
	return e.draw(bounds, pocket.AssetPrecision())
}

// FixedShare is the equal split of the total, rounded down so that every slot
// can be paid.
func FixedShare(pocket model.Pocket) decimal.Decimal {
	precision := pocket.AssetPrecision()
	return pocket.TotalAmount.
		DivRound(decimal.NewFromInt(int64(pocket.TotalSlots)), precision+8).
		RoundFloor(precision)
}

// Bounds returns the effective range for the next randomized claim. The upper
// bound is clamped so that each remaining slot can still receive min. A min
// derived from the average yields to the upper bound; a configured min does not.
func Bounds(pocket model.Pocket) (Range, error) {
	slots := pocket.RemainingSlots()
	if slots < 1 {
		return Range{}, ErrNoSlots
	}
	remainingSlots := decimal.NewFromInt(int64(slots))
	precision := pocket.AssetPrecision()
	avg := pocket.RemainingAmount.DivRound(remainingSlots, precision+8)

	min := avg.Mul(half)
	configuredMin := pocket.MinAmount.Valid
	if configuredMin {
		min = pocket.MinAmount.Decimal
	}
	min = min.RoundCeil(precision)

	max := avg.Mul(two)
	if pocket.MaxAmount.Valid {
		max = pocket.MaxAmount.Decimal
	}
	max = max.RoundFloor(precision)
	if !configuredMin && max.LessThan(min) {
		min = max
	}

	reserve := remainingSlots.Sub(decimal.NewFromInt(1)).Mul(min)
	if ceiling := pocket.RemainingAmount.Sub(reserve).RoundFloor(precision); ceiling.LessThan(max) {
		max = ceiling
	}
	if !configuredMin && max.LessThan(min) && max.IsPositive() {
		min = max
	}
	if max.LessThan(min) || !min.IsPositive() {
		return Range{}, fmt.Errorf("%w: max %s below min %s", ErrInconsistentBounds, max, min)
	}
	return Range{Min: min, Max: max}, nil
}

// CheckConservation verifies that paying amount keeps the pool non-negative and
// leaves enough for the remaining slots' minimum payouts.
func CheckConservation(pocket model.Pocket, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: non-positive amount %s", ErrConservation, amount)
	}
	after := pocket.RemainingAmount.Sub(amount)
	if after.IsNegative() {
		return fmt.Errorf("%w: remaining %s minus %s is negative", ErrConservation, pocket.RemainingAmount, amount)
	}

	slotsAfter := pocket.RemainingSlots() - 1
	if slotsAfter <= 0 {
		return nil
	}
	var floor decimal.Decimal
	switch {
	case !pocket.Randomized:
		floor = FixedShare(pocket)
	case pocket.MinAmount.Valid:
		floor = pocket.MinAmount.Decimal
	default:
		return nil
	}
	if needed := floor.Mul(decimal.NewFromInt(int64(slotsAfter))); after.LessThan(needed) {
		return fmt.Errorf("%w: %s left cannot cover %d slots of %s", ErrConservation, after, slotsAfter, floor)
	}
	return nil
}

// draw picks a uniform amount from r on the grid of the asset precision.
func (e Engine) draw(r Range, precision int32) (decimal.Decimal, error) {
	if r.Min.Equal(r.Max) {
		return r.Min, nil
	}
	lo := r.Min.Shift(precision).Ceil().BigInt()
	hi := r.Max.Shift(precision).Ceil().BigInt()

	span := new(big.Int).Sub(hi, lo)
	if span.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: no amount on the grid in [%s, %s)", ErrInconsistentBounds, r.Min, r.Max)
	}

	reader := e.Random
	if reader == nil {
		reader = rand.Reader
	}
	offset, err := rand.Int(reader, span)
	if err != nil {
		return decimal.Zero, fmt.Errorf("draw amount: %w", err)
	}
	return decimal.NewFromBigInt(new(big.Int).Add(lo, offset), -precision), nil
}
