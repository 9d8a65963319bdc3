package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidPlan      = errors.New("invalid tranche plan")
	ErrFillConflict     = errors.New("tranche fill conflicts with recorded log")
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrPositionClosed   = errors.New("position already closed")
	ErrOrderRejected    = errors.New("order rejected by venue")
	ErrPartialFill      = errors.New("order partially executed")
)
