package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Decimal columns are stored as text so SQLite never coerces them to REAL.

type PositionRow struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Symbol    string `gorm:"index;not null" json:"symbol"`
	Direction string `gorm:"not null" json:"direction"`
	Status    string `gorm:"index;not null" json:"status"`

	StopLossPrice         decimal.Decimal `gorm:"type:text;not null" json:"stop_loss_price"`
	TakeProfitPrice       decimal.Decimal `gorm:"type:text;not null" json:"take_profit_price"`
	TrailingHighWaterMark decimal.Decimal `gorm:"type:text;not null" json:"trailing_high_water_mark"`

	OpenedAt    *time.Time          `json:"opened_at"`
	ClosedAt    *time.Time          `json:"closed_at"`
	CloseReason string              `json:"close_reason"`
	ClosePrice  decimal.NullDecimal `gorm:"type:text" json:"close_price"`
	RealizedPnL decimal.NullDecimal `gorm:"column:realized_pnl;type:text" json:"realized_pnl"`
	Note        string              `gorm:"type:text" json:"note"`
}

func (PositionRow) TableName() string { return "positions" }

type TranchePlanRow struct {
	PositionID    string          `gorm:"primaryKey;size:36" json:"position_id"`
	SchemaVersion int             `gorm:"not null" json:"schema_version"`
	Symbol        string          `gorm:"not null" json:"symbol"`
	Direction     string          `gorm:"not null" json:"direction"`
	TotalSize     decimal.Decimal `gorm:"type:text;not null" json:"total_size"`
	StopLossPct   decimal.Decimal `gorm:"type:text;not null" json:"stop_loss_pct"`
	TakeProfitPct decimal.Decimal `gorm:"type:text;not null" json:"take_profit_pct"`
	CreatedAt     time.Time       `json:"created_at"`
	Deadline      time.Time       `gorm:"not null" json:"deadline"`

	Ratios []TrancheRatioRow `gorm:"foreignKey:PositionID;references:PositionID" json:"ratios"`
}

func (TranchePlanRow) TableName() string { return "tranche_plans" }

type TrancheRatioRow struct {
	PositionID   string          `gorm:"primaryKey;size:36" json:"position_id"`
	TrancheIndex int             `gorm:"primaryKey;autoIncrement:false" json:"tranche_index"`
	Ratio        decimal.Decimal `gorm:"type:text;not null" json:"ratio"`
}

func (TrancheRatioRow) TableName() string { return "tranche_ratios" }

// TrancheFillRow is append-only; the composite key makes (position, tranche)
// unique.
type TrancheFillRow struct {
	PositionID   string          `gorm:"primaryKey;size:36" json:"position_id"`
	TrancheIndex int             `gorm:"primaryKey;autoIncrement:false" json:"tranche_index"`
	Price        decimal.Decimal `gorm:"type:text;not null" json:"price"`
	Quantity     decimal.Decimal `gorm:"type:text;not null" json:"quantity"`
	FilledAt     time.Time       `gorm:"not null" json:"filled_at"`
	OrderID      string          `json:"order_id"`
}

func (TrancheFillRow) TableName() string { return "tranche_fills" }

type AlertRow struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	PositionID string    `gorm:"index" json:"position_id"`
	Symbol     string    `json:"symbol"`
	Kind       string    `gorm:"not null" json:"kind"`
	Detail     string    `gorm:"type:text" json:"detail"`
	Resolved   bool      `gorm:"index;not null;default:false" json:"resolved"`
}

func (AlertRow) TableName() string { return "reconciliation_alerts" }

type SchemaMigration struct {
	Version   int `gorm:"primaryKey;autoIncrement:false"`
	AppliedAt time.Time
}
