package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ratios(vals ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = d(v)
	}
	return out
}

func validPlan() TranchePlan {
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	return TranchePlan{
		PositionID:    "p1",
		Symbol:        "SBER",
		Direction:     Long,
		TotalSize:     d("1"),
		TrancheRatios: ratios("0.3", "0.3", "0.4"),
		StopLossPct:   d("3"),
		TakeProfitPct: d("5"),
		CreatedAt:     now,
		Deadline:      now.Add(30 * time.Minute),
	}
}

func TestTranchePlan_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TranchePlan)
		ok     bool
	}{
		{"valid", func(*TranchePlan) {}, true},
		{"five tranches", func(p *TranchePlan) { p.TrancheRatios = ratios("0.2", "0.2", "0.2", "0.2", "0.2") }, true},
		{"within tolerance", func(p *TranchePlan) { p.TrancheRatios = ratios("0.3333333", "0.3333333", "0.3333333") }, true},
		{"outside tolerance", func(p *TranchePlan) { p.TrancheRatios = ratios("0.333", "0.333", "0.333") }, false},
		{"two tranches", func(p *TranchePlan) { p.TrancheRatios = ratios("0.5", "0.5") }, false},
		{"six tranches", func(p *TranchePlan) { p.TrancheRatios = ratios("0.1", "0.1", "0.2", "0.2", "0.2", "0.2") }, false},
		{"zero ratio", func(p *TranchePlan) { p.TrancheRatios = ratios("0", "0.5", "0.5") }, false},
		{"sum above one", func(p *TranchePlan) { p.TrancheRatios = ratios("0.4", "0.3", "0.4") }, false},
		{"zero size", func(p *TranchePlan) { p.TotalSize = decimal.Zero }, false},
		{"bad direction", func(p *TranchePlan) { p.Direction = "sideways" }, false},
		{"deadline before creation", func(p *TranchePlan) { p.Deadline = p.CreatedAt }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPlan()
			tt.mutate(&p)
			err := p.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrInvalidPlan), "expected ErrInvalidPlan, got %v", err)
		})
	}
}

func TestCostBasis_Recompute(t *testing.T) {
	fills := []TrancheFill{
		{PositionID: "p1", TrancheIndex: 0, Price: d("99"), Quantity: d("0.3")},
		{PositionID: "p1", TrancheIndex: 1, Price: d("98"), Quantity: d("0.3")},
		{PositionID: "p1", TrancheIndex: 2, Price: d("97"), Quantity: d("0.4")},
	}

	avg, qty := CostBasis(fills)
	assert.True(t, avg.Equal(d("97.9")), "avg = %s", avg)
	assert.True(t, qty.Equal(d("1")), "qty = %s", qty)

	again, _ := CostBasis(fills)
	assert.True(t, avg.Equal(again))

	avg, qty = CostBasis(nil)
	assert.True(t, avg.IsZero())
	assert.True(t, qty.IsZero())
}

func TestPositionBook_RecomputeSetsInitialLevels(t *testing.T) {
	plan := validPlan()
	book := &PositionBook{
		Position: Position{ID: "p1", Symbol: "SBER", Direction: Long, Status: StatusBuilding},
		Plan:     plan,
		Fills: []TrancheFill{
			{PositionID: "p1", TrancheIndex: 0, Price: d("99"), Quantity: d("0.3")},
			{PositionID: "p1", TrancheIndex: 1, Price: d("98"), Quantity: d("0.3")},
			{PositionID: "p1", TrancheIndex: 2, Price: d("97"), Quantity: d("0.4")},
		},
	}
	book.Recompute()

	assert.True(t, book.Position.StopLossPrice.Equal(d("94.963")), "sl = %s", book.Position.StopLossPrice)
	assert.True(t, book.Position.TakeProfitPrice.Equal(d("102.795")), "tp = %s", book.Position.TakeProfitPrice)

	// Once open the supervisor owns the levels.
	book.Position.Status = StatusOpen
	book.Position.StopLossPrice = d("98.4")
	book.Recompute()
	assert.True(t, book.Position.StopLossPrice.Equal(d("98.4")))
}

func TestPositionBook_CheckFill(t *testing.T) {
	book := &PositionBook{Position: Position{ID: "p1"}, Plan: validPlan()}

	require.NoError(t, book.CheckFill(TrancheFill{PositionID: "p1", TrancheIndex: 0}))
	book.Fills = append(book.Fills, TrancheFill{PositionID: "p1", TrancheIndex: 0})

	assert.ErrorIs(t, book.CheckFill(TrancheFill{PositionID: "p1", TrancheIndex: 0}), ErrFillConflict)
	assert.ErrorIs(t, book.CheckFill(TrancheFill{PositionID: "p1", TrancheIndex: 3}), ErrFillConflict)
	assert.ErrorIs(t, book.CheckFill(TrancheFill{PositionID: "p2", TrancheIndex: 1}), ErrFillConflict)
	assert.Equal(t, 1, book.NextTranche())
}

func TestInitialLevels_Short(t *testing.T) {
	sl, tp := InitialLevels(Short, d("100"), d("3"), d("5"))
	assert.True(t, sl.Equal(d("103")))
	assert.True(t, tp.Equal(d("95")))
}

func TestPosition_Profit(t *testing.T) {
	long := Position{Direction: Long, AvgEntryPrice: d("100"), TotalQuantityFilled: d("2")}
	assert.True(t, long.UnrealizedPnL(d("103")).Equal(d("6")))
	assert.True(t, long.UnrealizedPct(d("103")).Equal(d("3")))

	short := Position{Direction: Short, AvgEntryPrice: d("100"), TotalQuantityFilled: d("2")}
	assert.True(t, short.UnrealizedPnL(d("103")).Equal(d("-6")))
	assert.True(t, short.UnrealizedPct(d("97")).Equal(d("3")))
}
