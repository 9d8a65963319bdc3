package supervisor

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/tranche-trader/internal/domain"
)

var hundred = decimal.NewFromInt(100)

type EmergencyConfig struct {
	MinStrength decimal.Decimal
	Recency     time.Duration
}

// Triggers reports whether o opposes a position held in dir strongly and
// recently enough to force it closed.
func (c EmergencyConfig) Triggers(o *domain.RiskOverride, dir domain.Direction, now time.Time) bool {
	if o == nil || o.Direction != dir.Opposite() {
		return false
	}
	if o.Strength.LessThan(c.MinStrength) {
		return false
	}
	age := now.Sub(o.AsOf)
	return age >= 0 && age <= c.Recency
}

type ReversalConfig struct {
	Bars         int
	BaselineBars int
	BarInterval  time.Duration
	VolumeRatio  decimal.Decimal
	MinMovePct   decimal.Decimal
	// WinningPct disables the check once unrealized profit reaches it.
	WinningPct decimal.Decimal
}

// Window is the number of completed bars Detect wants.
func (c ReversalConfig) Window() int { return c.Bars + c.BaselineBars }

// Detect looks at the last Bars bars against the BaselineBars before them. All
// recent bars must close against dir, their mean volume must exceed the
// baseline mean by VolumeRatio, and the move from the first open to the last
// close must be at least MinMovePct.
func (c ReversalConfig) Detect(dir domain.Direction, bars []domain.Bar) (bool, string) {
	if c.Bars <= 0 || len(bars) < c.Bars+1 {
		return false, ""
	}
	recent := bars[len(bars)-c.Bars:]
	base := bars[:len(bars)-c.Bars]
	if len(base) > c.BaselineBars && c.BaselineBars > 0 {
		base = base[len(base)-c.BaselineBars:]
	}

	for _, b := range recent {
		if !b.Against(dir) {
			return false, ""
		}
	}

	baseVol := meanVolume(base)
	if !baseVol.IsPositive() {
		return false, ""
	}
	ratio := meanVolume(recent).Div(baseVol)
	if ratio.LessThan(c.VolumeRatio) {
		return false, ""
	}

	open := recent[0].Open
	if open.IsZero() {
		return false, ""
	}
	move := recent[len(recent)-1].Close.Sub(open).Abs().Mul(hundred).Div(open)
	if move.LessThan(c.MinMovePct) {
		return false, ""
	}
	return true, fmt.Sprintf("%d bars against, volume x%s, move %s%%",
		len(recent), ratio.StringFixed(2), move.StringFixed(2))
}

func meanVolume(bars []domain.Bar) decimal.Decimal {
	if len(bars) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, b := range bars {
		sum = sum.Add(b.Volume)
	}
	return sum.Div(decimal.NewFromInt(int64(len(bars))))
}

// Bracket applies Step to profits up to UpTo. A zero UpTo is open-ended.
type Bracket struct {
	UpTo decimal.Decimal
	Step decimal.Decimal
}

type TrailingConfig struct {
	// Activation is the profit in quote currency above which the stop trails.
	Activation decimal.Decimal
	Brackets   []Bracket
}

// StepFor returns the step size of the bracket containing profit.
func (c TrailingConfig) StepFor(profit decimal.Decimal) decimal.Decimal {
	for _, b := range c.Brackets {
		if b.UpTo.IsZero() || profit.LessThanOrEqual(b.UpTo) {
			return b.Step
		}
	}
	if len(c.Brackets) == 0 {
		return decimal.Zero
	}
	return c.Brackets[len(c.Brackets)-1].Step
}

// Ratchet advances the high-water mark to price if it improved and returns the
// stop that locks step_count × step of that profit. The returned stop is never
// looser than pos.StopLossPrice.
func (c TrailingConfig) Ratchet(pos domain.Position, price decimal.Decimal) (hwm, stop decimal.Decimal, moved bool) {
	hwm, stop = pos.TrailingHighWaterMark, pos.StopLossPrice
	if hwm.IsZero() || better(pos.Direction, price, hwm) {
		hwm = price
	}
	if !pos.TotalQuantityFilled.IsPositive() {
		return hwm, stop, false
	}

	profit := domain.ProfitAt(pos.Direction, pos.AvgEntryPrice, hwm, pos.TotalQuantityFilled)
	if !profit.GreaterThan(c.Activation) {
		return hwm, stop, false
	}
	step := c.StepFor(profit)
	if !step.IsPositive() {
		return hwm, stop, false
	}
	steps := profit.Sub(c.Activation).Div(step).Floor()
	if steps.LessThan(decimal.NewFromInt(1)) {
		return hwm, stop, false
	}

	locked := steps.Mul(step)
	candidate := pos.AvgEntryPrice.Add(pos.Direction.Sign().Mul(locked.Div(pos.TotalQuantityFilled)))
	if stop.IsZero() || better(pos.Direction, candidate, stop) {
		return hwm, candidate, true
	}
	return hwm, stop, false
}

// better reports whether a is more favorable than b for a position held in dir.
func better(dir domain.Direction, a, b decimal.Decimal) bool {
	if dir == domain.Short {
		return a.LessThan(b)
	}
	return a.GreaterThan(b)
}

// stopHit reports whether price has crossed stop against the position.
func stopHit(dir domain.Direction, price, stop decimal.Decimal) bool {
	if stop.IsZero() {
		return false
	}
	if dir == domain.Short {
		return price.GreaterThanOrEqual(stop)
	}
	return price.LessThanOrEqual(stop)
}

func targetHit(dir domain.Direction, price, target decimal.Decimal) bool {
	if target.IsZero() {
		return false
	}
	if dir == domain.Short {
		return price.LessThanOrEqual(target)
	}
	return price.GreaterThanOrEqual(target)
}
