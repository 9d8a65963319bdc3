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

// PriceFeed implements domain.PriceFeed over hashes at "price:{symbol}" with
// fields price, volume (optional) and ts (Unix nanoseconds). Quotes older
// than MaxAge are reported unavailable.
type PriceFeed struct {
	rdb    *redis.Client
	maxAge time.Duration
	now    func() time.Time
}

func NewPriceFeed(rdb *redis.Client, maxAge time.Duration) *PriceFeed {
	return &PriceFeed{rdb: rdb, maxAge: maxAge, now: time.Now}
}

func priceKey(symbol string) string {
	return "price:" + symbol
}

func (f *PriceFeed) GetCurrentPrice(ctx context.Context, symbol string) (domain.Quote, error) {
	vals, err := f.rdb.HGetAll(ctx, priceKey(symbol)).Result()
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	q, err := parseQuote(symbol, vals)
	if err != nil {
		return domain.Quote{}, err
	}
	if f.maxAge > 0 && f.now().Sub(q.At) > f.maxAge {
		return domain.Quote{}, fmt.Errorf("%w: %s quote from %s is stale", domain.ErrPriceUnavailable, symbol, q.At.Format(time.RFC3339))
	}
	return q, nil
}

func parseQuote(symbol string, vals map[string]string) (domain.Quote, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return domain.Quote{}, fmt.Errorf("%w: no price for %s", domain.ErrPriceUnavailable, symbol)
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse price %s: %w", symbol, err)
	}
	tsStr, ok := vals["ts"]
	if !ok {
		return domain.Quote{}, fmt.Errorf("%w: no timestamp for %s", domain.ErrPriceUnavailable, symbol)
	}
	nanos, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse ts %s: %w", symbol, err)
	}

	q := domain.Quote{Symbol: symbol, Price: price, Volume: decimal.Zero, At: time.Unix(0, nanos).UTC()}
	if v, ok := vals["volume"]; ok && v != "" {
		if q.Volume, err = decimal.NewFromString(v); err != nil {
			return domain.Quote{}, fmt.Errorf("redis: parse volume %s: %w", symbol, err)
		}
	}
	return q, nil
}

var _ domain.PriceFeed = (*PriceFeed)(nil)
