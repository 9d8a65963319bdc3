package broker

import (
	"context"
	"fmt"
	"time"

	pb "github.com/russianinvestments/invest-api-go-sdk/proto"
	"github.com/shopspring/decimal"

	"github.com/camuig/tranche-trader/internal/domain"
)

// CandleFeed quotes the close and volume of the latest one-minute candle.
type CandleFeed struct {
	bc       *BrokerClient
	lookback time.Duration
}

func NewCandleFeed(bc *BrokerClient) *CandleFeed {
	return &CandleFeed{bc: bc, lookback: 10 * time.Minute}
}

func (f *CandleFeed) GetCurrentPrice(ctx context.Context, symbol string) (domain.Quote, error) {
	type result struct {
		q   domain.Quote
		err error
	}
	// The SDK call does not take a context; the caller's timeout still bounds the wait.
	ch := make(chan result, 1)
	go func() {
		q, err := f.fetch(symbol)
		ch <- result{q, err}
	}()

	select {
	case <-ctx.Done():
		return domain.Quote{}, fmt.Errorf("%w: %s: %w", domain.ErrPriceUnavailable, symbol, ctx.Err())
	case r := <-ch:
		return r.q, r.err
	}
}

func (f *CandleFeed) fetch(symbol string) (domain.Quote, error) {
	uid, err := f.bc.ResolveTickerToUID(symbol)
	if err != nil {
		return domain.Quote{}, err
	}

	now := time.Now()
	md := f.bc.Client.NewMarketDataServiceClient()
	resp, err := md.GetCandles(
		uid,
		pb.CandleInterval_CANDLE_INTERVAL_1_MIN,
		now.Add(-f.lookback), now,
		pb.GetCandlesRequest_CANDLE_SOURCE_EXCHANGE,
		0,
	)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("get candles %s: %w", symbol, err)
	}
	return lastQuote(symbol, resp.GetCandles())
}

// lastQuote picks the newest candle. A symbol with no trades in the lookback
// has no price.
func lastQuote(symbol string, candles []*pb.HistoricCandle) (domain.Quote, error) {
	var last *pb.HistoricCandle
	for _, c := range candles {
		if last == nil || c.GetTime().AsTime().After(last.GetTime().AsTime()) {
			last = c
		}
	}
	if last == nil {
		return domain.Quote{}, fmt.Errorf("%w: no recent candles for %s", domain.ErrPriceUnavailable, symbol)
	}
	return domain.Quote{
		Symbol: symbol,
		Price:  toDecimal(last.GetClose()),
		Volume: decimal.NewFromInt(last.GetVolume()),
		At:     last.GetTime().AsTime(),
	}, nil
}

var _ domain.PriceFeed = (*CandleFeed)(nil)
