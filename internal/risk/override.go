package risk

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/camuig/tranche-trader/internal/domain"
)

// OverrideSource implements domain.RiskSignal. Each symbol's latest override
// is a hash at "risk:override:{symbol}" with fields direction, strength and
// as_of (Unix seconds).
type OverrideSource struct {
	rdb *redis.Client
}

func NewOverrideSource(rdb *redis.Client) *OverrideSource {
	return &OverrideSource{rdb: rdb}
}

func overrideKey(symbol string) string {
	return "risk:override:" + symbol
}

func (s *OverrideSource) GetLatestDirectionalOverride(ctx context.Context, symbol string) (*domain.RiskOverride, error) {
	vals, err := s.rdb.HGetAll(ctx, overrideKey(symbol)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get override %s: %w", symbol, err)
	}
	return parseOverride(symbol, vals)
}

// Publish stores o as the latest override for its symbol.
func (s *OverrideSource) Publish(ctx context.Context, o domain.RiskOverride) error {
	fields := map[string]interface{}{
		"direction": string(o.Direction),
		"strength":  o.Strength.String(),
		"as_of":     strconv.FormatInt(o.AsOf.Unix(), 10),
	}
	if err := s.rdb.HSet(ctx, overrideKey(o.Symbol), fields).Err(); err != nil {
		return fmt.Errorf("redis: publish override %s: %w", o.Symbol, err)
	}
	return nil
}

// parseOverride returns nil for an empty hash.
func parseOverride(symbol string, vals map[string]string) (*domain.RiskOverride, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	dir, err := domain.ParseDirection(vals["direction"])
	if err != nil {
		return nil, fmt.Errorf("redis: override %s: %w", symbol, err)
	}
	strength, err := decimal.NewFromString(vals["strength"])
	if err != nil {
		return nil, fmt.Errorf("redis: override %s strength: %w", symbol, err)
	}
	sec, err := strconv.ParseInt(vals["as_of"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis: override %s as_of: %w", symbol, err)
	}
	return &domain.RiskOverride{
		Symbol:    symbol,
		Direction: dir,
		Strength:  strength,
		AsOf:      time.Unix(sec, 0).UTC(),
	}, nil
}

// None never reports an override. Used when no risk source is configured.
type None struct{}

func (None) GetLatestDirectionalOverride(context.Context, string) (*domain.RiskOverride, error) {
	return nil, nil
}

var (
	_ domain.RiskSignal = (*OverrideSource)(nil)
	_ domain.RiskSignal = None{}
)
