package allocation

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"pocketSettle/internal/model"
)

// TestLuckyDrawBoundsProperty checks every draw lands inside the effective bounds
// and never exceeds what is left in the pool.
func TestLuckyDrawBoundsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("draw lies in [min, max) and within remaining", prop.ForAll(
		func(totalCents int64, slots int, claimed int) bool {
			if claimed >= slots {
				claimed = slots - 1
			}
			pocket := model.Pocket{
				ID:              "prop",
				TotalAmount:     decimal.New(totalCents, -2),
				RemainingAmount: decimal.New(totalCents, -2),
				TotalSlots:      slots,
				ClaimedCount:    claimed,
				Randomized:      true,
				Status:          model.PocketActive,
			}
			bounds, err := Bounds(pocket)
			if err != nil {
				return false
			}
			amount, err := ComputeAmount(pocket)
			if err != nil {
				return false
			}
			if amount.GreaterThan(pocket.RemainingAmount) {
				return false
			}
			return inRange(amount, bounds)
		},
		gen.Int64Range(10000, 100000000),
		gen.IntRange(1, 200),
		gen.IntRange(0, 199),
	))

	properties.TestingRun(t)
}

// inRange reports whether amount honours r: [Min, Max) or exactly Min when the
// range has collapsed to a single point.
func inRange(amount decimal.Decimal, r Range) bool {
	if r.Min.Equal(r.Max) {
		return amount.Equal(r.Min)
	}
	return amount.GreaterThanOrEqual(r.Min) && amount.LessThan(r.Max)
}

// TestTightPoolDrainProperty drains pools holding only a few cents per slot.
// Every claim must succeed, land inside its bounds and stay on the cent grid.
func TestTightPoolDrainProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("tight randomized pools drain without violations", prop.ForAll(
		func(slots int, centsPerSlot int64, extra int64, withMin bool) bool {
			total := decimal.New(int64(slots)*centsPerSlot+extra, -2)
			pocket := model.Pocket{
				ID:              "tight",
				TotalAmount:     total,
				RemainingAmount: total,
				TotalSlots:      slots,
				Randomized:      true,
				Status:          model.PocketActive,
			}
			if withMin {
				pocket.MinAmount = decimal.NewNullDecimal(decimal.New(1, -2))
			}
			if pocket.Validate() != nil {
				return false
			}
			for pocket.RemainingSlots() > 0 {
				bounds, err := Bounds(pocket)
				if err != nil {
					return false
				}
				amount, err := ComputeAmount(pocket)
				if err != nil || !inRange(amount, bounds) || !pocket.OnGrid(amount) {
					return false
				}
				if err := CheckConservation(pocket, amount); err != nil {
					return false
				}
				pocket.RemainingAmount = pocket.RemainingAmount.Sub(amount)
				pocket.ClaimedCount++
			}
			return !pocket.RemainingAmount.IsNegative()
		},
		gen.IntRange(1, 20),
		gen.Int64Range(1, 3),
		gen.Int64Range(0, 5),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestPoolConservationProperty drains a pocket claim by claim and checks the pool
// never goes negative and the paid sum never exceeds the total.
func TestPoolConservationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("sequential claims conserve the pool", prop.ForAll(
		func(totalCents int64, slots int, randomized bool) bool {
			pocket := model.Pocket{
				ID:              "prop",
				TotalAmount:     decimal.New(totalCents, -2),
				RemainingAmount: decimal.New(totalCents, -2),
				TotalSlots:      slots,
				Randomized:      randomized,
				Status:          model.PocketActive,
			}
			paid := decimal.Zero
			for pocket.RemainingSlots() > 0 && pocket.RemainingAmount.IsPositive() {
				amount, err := ComputeAmount(pocket)
				if err != nil {
					return false
				}
				if err := CheckConservation(pocket, amount); err != nil {
					return false
				}
				pocket.RemainingAmount = pocket.RemainingAmount.Sub(amount)
				pocket.ClaimedCount++
				paid = paid.Add(amount)
				if pocket.RemainingAmount.IsNegative() {
					return false
				}
			}
			return paid.LessThanOrEqual(pocket.TotalAmount)
		},
		gen.Int64Range(10000, 10000000),
		gen.IntRange(1, 50),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
