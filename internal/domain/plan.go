package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	MinTranches = 3
	MaxTranches = 5

	// TranchePlanSchemaVersion is bumped whenever the persisted plan layout changes.
	TranchePlanSchemaVersion = 1
)

var ratioTolerance = decimal.New(1, -6)

// TranchePlan is immutable once created.
type TranchePlan struct {
	PositionID    string
	Symbol        string
	Direction     Direction
	TotalSize     decimal.Decimal
	TrancheRatios []decimal.Decimal
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
	CreatedAt     time.Time
	Deadline      time.Time
}

func (p TranchePlan) Validate() error {
	if p.PositionID == "" {
		return fmt.Errorf("%w: empty position id", ErrInvalidPlan)
	}
	if p.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidPlan)
	}
	if _, err := ParseDirection(string(p.Direction)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if !p.TotalSize.IsPositive() {
		return fmt.Errorf("%w: total size must be positive, got %s", ErrInvalidPlan, p.TotalSize)
	}
	if err := ValidateRatios(p.TrancheRatios); err != nil {
		return err
	}
	if !p.Deadline.After(p.CreatedAt) {
		return fmt.Errorf("%w: deadline %s not after creation %s", ErrInvalidPlan, p.Deadline, p.CreatedAt)
	}
	if p.StopLossPct.IsNegative() || p.TakeProfitPct.IsNegative() {
		return fmt.Errorf("%w: negative stop-loss or take-profit percentage", ErrInvalidPlan)
	}
	return nil
}

// ValidateRatios checks the 3..5 tranche count and that the ratios sum to one.
func ValidateRatios(ratios []decimal.Decimal) error {
	if len(ratios) < MinTranches || len(ratios) > MaxTranches {
		return fmt.Errorf("%w: need %d..%d tranches, got %d", ErrInvalidPlan, MinTranches, MaxTranches, len(ratios))
	}
	sum := decimal.Zero
	for i, r := range ratios {
		if !r.IsPositive() {
			return fmt.Errorf("%w: tranche %d ratio must be positive, got %s", ErrInvalidPlan, i, r)
		}
		sum = sum.Add(r)
	}
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(ratioTolerance) {
		return fmt.Errorf("%w: tranche ratios sum to %s", ErrInvalidPlan, sum)
	}
	return nil
}

// TrancheQuantity is totalSize × ratio[i].
func (p TranchePlan) TrancheQuantity(i int) decimal.Decimal {
	return p.TotalSize.Mul(p.TrancheRatios[i])
}

func (p TranchePlan) Tranches() int { return len(p.TrancheRatios) }

type TrancheFill struct {
	PositionID   string
	TrancheIndex int
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	FilledAt     time.Time
	OrderID      string
}

// Same reports whether two records describe the same execution.
func (f TrancheFill) Same(o TrancheFill) bool {
	return f.PositionID == o.PositionID &&
		f.TrancheIndex == o.TrancheIndex &&
		f.Price.Equal(o.Price) &&
		f.Quantity.Equal(o.Quantity) &&
		f.OrderID == o.OrderID
}

// CostBasis returns Σ(price×qty)/Σ(qty) and Σ(qty) over the log.
func CostBasis(fills []TrancheFill) (avg, qty decimal.Decimal) {
	notional := decimal.Zero
	qty = decimal.Zero
	for _, f := range fills {
		notional = notional.Add(f.Price.Mul(f.Quantity))
		qty = qty.Add(f.Quantity)
	}
	if qty.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	return notional.DivRound(qty, 12), qty
}

// PositionBook is a position together with its plan and fill log.
type PositionBook struct {
	Position Position
	Plan     TranchePlan
	Fills    []TrancheFill
}

// NextTranche is the index of the first unfilled tranche.
func (b *PositionBook) NextTranche() int {
	if len(b.Fills) == 0 {
		return 0
	}
	return b.Fills[len(b.Fills)-1].TrancheIndex + 1
}

func (b *PositionBook) LastFill() (TrancheFill, bool) {
	if len(b.Fills) == 0 {
		return TrancheFill{}, false
	}
	return b.Fills[len(b.Fills)-1], true
}

// CheckFill verifies that f may be appended to the log.
func (b *PositionBook) CheckFill(f TrancheFill) error {
	if f.PositionID != b.Position.ID {
		return fmt.Errorf("%w: fill for %s appended to %s", ErrFillConflict, f.PositionID, b.Position.ID)
	}
	if f.TrancheIndex < b.NextTranche() || f.TrancheIndex >= b.Plan.Tranches() {
		return fmt.Errorf("%w: tranche %d out of order (next %d of %d)",
			ErrFillConflict, f.TrancheIndex, b.NextTranche(), b.Plan.Tranches())
	}
	return nil
}

// Recompute rebuilds the derived entry fields and the initial protective levels
// from the fill log. Protective levels are only reset while entering; once open
// the supervisor owns them.
func (b *PositionBook) Recompute() {
	avg, qty := CostBasis(b.Fills)
	b.Position.AvgEntryPrice = avg
	b.Position.TotalQuantityFilled = qty
	if !b.Position.Status.Entering() || avg.IsZero() {
		return
	}
	b.Position.StopLossPrice, b.Position.TakeProfitPrice = InitialLevels(
		b.Position.Direction, avg, b.Plan.StopLossPct, b.Plan.TakeProfitPct)
}

// InitialLevels places the stop pct below (long) or above (short) the entry and
// the target pct on the other side.
func InitialLevels(dir Direction, avg, slPct, tpPct decimal.Decimal) (sl, tp decimal.Decimal) {
	hundred := decimal.NewFromInt(100)
	one := decimal.NewFromInt(1)
	slOff := slPct.Div(hundred)
	tpOff := tpPct.Div(hundred)
	if dir == Short {
		return avg.Mul(one.Add(slOff)), avg.Mul(one.Sub(tpOff))
	}
	return avg.Mul(one.Sub(slOff)), avg.Mul(one.Add(tpOff))
}

// Clone returns a deep copy safe to hand to another goroutine.
func (b *PositionBook) Clone() *PositionBook {
	c := *b
	c.Plan.TrancheRatios = append([]decimal.Decimal(nil), b.Plan.TrancheRatios...)
	c.Fills = append([]TrancheFill(nil), b.Fills...)
	return &c
}
