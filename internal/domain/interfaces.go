package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceFeed returns ErrPriceUnavailable (possibly wrapped) when no price can be
// produced; a zero price is a valid quote.
type PriceFeed interface {
	GetCurrentPrice(ctx context.Context, symbol string) (Quote, error)
}

type OrderRequest struct {
	PositionID   string
	TrancheIndex int
	Symbol       string
	Direction    Direction
	Quantity     decimal.Decimal
	PriceHint    decimal.Decimal
}

type OrderResult struct {
	OrderID        string
	FilledPrice    decimal.Decimal
	FilledQuantity decimal.Decimal
}

type CloseRequest struct {
	PositionID string
	Symbol     string
	Direction  Direction
	Quantity   decimal.Decimal
	PriceHint  decimal.Decimal
}

type CloseResult struct {
	OrderID    string
	ClosePrice decimal.Decimal
}

// QuantityValidator is implemented by venues that only accept some order
// quantities, e.g. whole exchange lots.
type QuantityValidator interface {
	ValidateQuantity(symbol string, qty decimal.Decimal) error
}

// ExecutionVenue has the same contract for a live exchange and a simulator.
type ExecutionVenue interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	ClosePosition(ctx context.Context, req CloseRequest) (CloseResult, error)
}

type PositionStore interface {
	CreatePosition(ctx context.Context, pos Position, plan TranchePlan) error
	// AppendFill is idempotent by (positionID, trancheIndex).
	AppendFill(ctx context.Context, fill TrancheFill) error
	UpdateStatus(ctx context.Context, positionID string, status PositionStatus, fields PositionFields) error
	LoadIncompletePositions(ctx context.Context) ([]*PositionBook, error)
	GetPosition(ctx context.Context, positionID string) (*PositionBook, error)
	SaveAlert(ctx context.Context, alert ReconciliationAlert) error
	ListAlerts(ctx context.Context, includeResolved bool) ([]ReconciliationAlert, error)
	ResolveAlert(ctx context.Context, id uint) error
}

// RiskSignal returns nil without error when there is no override for symbol.
type RiskSignal interface {
	GetLatestDirectionalOverride(ctx context.Context, symbol string) (*RiskOverride, error)
}

type AlertKind string

const (
	AlertFillNotPersisted  AlertKind = "fill_not_persisted"
	AlertCloseNotPersisted AlertKind = "close_not_persisted"
	AlertVenueExhausted    AlertKind = "venue_retries_exhausted"
	AlertRecovered         AlertKind = "reconciling_on_restart"
	AlertTaskPanic         AlertKind = "task_panic"
	AlertCloseRejected     AlertKind = "close_rejected"
	AlertClosePartial      AlertKind = "close_partially_executed"
)

type ReconciliationAlert struct {
	ID         uint
	PositionID string
	Symbol     string
	Kind       AlertKind
	Detail     string
	CreatedAt  time.Time
	Resolved   bool
}

// Notifier reports durable events to operators. Implementations must not block
// the caller for long and must swallow their own delivery errors.
type Notifier interface {
	NotifyFill(pos Position, fill TrancheFill)
	NotifyOpened(pos Position)
	NotifyClosed(pos Position)
	NotifyAlert(alert ReconciliationAlert)
}
