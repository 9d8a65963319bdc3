package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PriceSample struct {
	Symbol     string
	Price      decimal.Decimal
	Volume     decimal.Decimal
	ObservedAt time.Time
}

// PriceBaseline is an immutable statistical snapshot of one sampling window.
type PriceBaseline struct {
	Symbol         string
	Samples        int
	Min            decimal.Decimal
	Max            decimal.Decimal
	P50            decimal.Decimal
	P90            decimal.Decimal
	TrendDirection int
	TrendMagnitude decimal.Decimal
	ComputedAt     time.Time
}

// Usable reports whether the baseline is young enough to base a decision on.
// Anything older than twice the sampling window must be ignored.
func (b *PriceBaseline) Usable(now time.Time, window time.Duration) bool {
	if b == nil {
		return false
	}
	return now.Sub(b.ComputedAt) <= 2*window
}

// EntryCheck is the verdict on a candidate entry price.
type EntryCheck struct {
	Suitable bool
	Reason   string
}

// Bar is a fixed-interval OHLCV aggregate of samples.
type Bar struct {
	Start  time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// Against reports whether the bar moved against a position held in dir.
func (b Bar) Against(dir Direction) bool {
	if dir == Long {
		return b.Close.LessThan(b.Open)
	}
	return b.Close.GreaterThan(b.Open)
}

// Quote is one price observation from a feed. Volume may be zero when the feed
// does not report it.
type Quote struct {
	Symbol string
	Price  decimal.Decimal
	Volume decimal.Decimal
	At     time.Time
}

type RiskOverride struct {
	Symbol    string
	Direction Direction
	Strength  decimal.Decimal
	AsOf      time.Time
}
