package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case Long, Short:
		return Direction(s), nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// Opposite returns the direction that closes a position held in d.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Sign is +1 for long and -1 for short.
func (d Direction) Sign() decimal.Decimal {
	if d == Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

type PositionStatus string

const (
	StatusSampling    PositionStatus = "sampling"
	StatusBuilding    PositionStatus = "building"
	StatusOpen        PositionStatus = "open"
	StatusReconciling PositionStatus = "reconciling"
	StatusClosed      PositionStatus = "closed"
	StatusDiscarded   PositionStatus = "discarded"
)

// Entering reports whether the tranche scheduler owns the position.
func (s PositionStatus) Entering() bool {
	return s == StatusSampling || s == StatusBuilding
}

// Terminal reports whether no component will touch the position again.
func (s PositionStatus) Terminal() bool {
	return s == StatusClosed || s == StatusDiscarded
}

type CloseReason string

const (
	ReasonEmergencyOverride CloseReason = "EmergencyOverride"
	ReasonReversalStop      CloseReason = "ReversalStop"
	ReasonStopLoss          CloseReason = "StopLoss"
	ReasonTakeProfit        CloseReason = "TakeProfit"
	ReasonTimeout           CloseReason = "Timeout"
	ReasonManualForce       CloseReason = "ManualForce"
)

// Position is the live view of one trade. AvgEntryPrice and TotalQuantityFilled
// are derived from the fill log and never persisted on their own.
type Position struct {
	ID                    string
	Symbol                string
	Direction             Direction
	Status                PositionStatus
	AvgEntryPrice         decimal.Decimal
	TotalQuantityFilled   decimal.Decimal
	StopLossPrice         decimal.Decimal
	TakeProfitPrice       decimal.Decimal
	TrailingHighWaterMark decimal.Decimal
	CreatedAt             time.Time
	OpenedAt              *time.Time
	ClosedAt              *time.Time
	CloseReason           CloseReason
	ClosePrice            decimal.NullDecimal
	RealizedPnL           decimal.NullDecimal
	Note                  string
}

// PositionFields are the mutable columns written together with a status change.
type PositionFields struct {
	StopLossPrice         decimal.Decimal
	TakeProfitPrice       decimal.Decimal
	TrailingHighWaterMark decimal.Decimal
	OpenedAt              *time.Time
	ClosedAt              *time.Time
	CloseReason           CloseReason
	ClosePrice            decimal.NullDecimal
	RealizedPnL           decimal.NullDecimal
	Note                  string
}

func (p Position) Fields() PositionFields {
	return PositionFields{
		StopLossPrice:         p.StopLossPrice,
		TakeProfitPrice:       p.TakeProfitPrice,
		TrailingHighWaterMark: p.TrailingHighWaterMark,
		OpenedAt:              p.OpenedAt,
		ClosedAt:              p.ClosedAt,
		CloseReason:           p.CloseReason,
		ClosePrice:            p.ClosePrice,
		RealizedPnL:           p.RealizedPnL,
		Note:                  p.Note,
	}
}

// Apply copies status and fields onto the position.
func (p *Position) Apply(status PositionStatus, f PositionFields) {
	p.Status = status
	p.StopLossPrice = f.StopLossPrice
	p.TakeProfitPrice = f.TakeProfitPrice
	p.TrailingHighWaterMark = f.TrailingHighWaterMark
	p.OpenedAt = f.OpenedAt
	p.ClosedAt = f.ClosedAt
	p.CloseReason = f.CloseReason
	p.ClosePrice = f.ClosePrice
	p.RealizedPnL = f.RealizedPnL
	p.Note = f.Note
}

// UnrealizedPnL is the mark-to-market profit in quote currency at price.
func (p Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	return ProfitAt(p.Direction, p.AvgEntryPrice, price, p.TotalQuantityFilled)
}

// UnrealizedPct is the profit at price as a percentage of the entry price.
func (p Position) UnrealizedPct(price decimal.Decimal) decimal.Decimal {
	if p.AvgEntryPrice.IsZero() {
		return decimal.Zero
	}
	return price.Sub(p.AvgEntryPrice).Mul(p.Direction.Sign()).
		Div(p.AvgEntryPrice).Mul(decimal.NewFromInt(100))
}

// ProfitAt returns (exit-entry)*qty for long and (entry-exit)*qty for short.
func ProfitAt(dir Direction, entry, exit, qty decimal.Decimal) decimal.Decimal {
	return exit.Sub(entry).Mul(dir.Sign()).Mul(qty)
}
