package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/camuig/tranche-trader/internal/domain"
	"github.com/camuig/tranche-trader/internal/logger"
	"github.com/camuig/tranche-trader/internal/retry"
)

// PaperVenue fills every order immediately at the price hint, moved against
// the trader by SlippageBps. Order ids are the same deterministic ids the
// exchange venue sends, and a repeated id returns the original execution.
type PaperVenue struct {
	slippage decimal.Decimal
	feed     domain.PriceFeed
	logger   *logger.Logger

	mu       sync.Mutex
	orders   map[string]domain.OrderResult
	holdings map[string]decimal.Decimal // signed: long positive
}

// NewPaperVenue uses feed for orders that arrive without a price hint; feed
// may be nil.
func NewPaperVenue(slippageBps decimal.Decimal, feed domain.PriceFeed, log *logger.Logger) *PaperVenue {
	return &PaperVenue{
		slippage: slippageBps.Div(decimal.NewFromInt(10000)),
		feed:     feed,
		logger:   log,
		orders:   make(map[string]domain.OrderResult),
		holdings: make(map[string]decimal.Decimal),
	}
}

func (p *PaperVenue) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	id := trancheOrderID(req.PositionID, req.TrancheIndex)
	return p.execute(ctx, id, req.Symbol, req.Direction, req.Quantity, req.PriceHint)
}

func (p *PaperVenue) ClosePosition(ctx context.Context, req domain.CloseRequest) (domain.CloseResult, error) {
	res, err := p.execute(ctx, closeOrderID(req.PositionID), req.Symbol, req.Direction.Opposite(), req.Quantity, req.PriceHint)
	if err != nil {
		return domain.CloseResult{}, err
	}
	return domain.CloseResult{OrderID: res.OrderID, ClosePrice: res.FilledPrice}, nil
}

func (p *PaperVenue) execute(ctx context.Context, id, symbol string, side domain.Direction, qty, hint decimal.Decimal) (domain.OrderResult, error) {
	if !qty.IsPositive() {
		return domain.OrderResult{}, retry.Permanent(fmt.Errorf("%w: quantity %s", domain.ErrOrderRejected, qty))
	}

	p.mu.Lock()
	if res, ok := p.orders[id]; ok {
		p.mu.Unlock()
		return res, nil
	}
	p.mu.Unlock()

	price := hint
	if !price.IsPositive() {
		if p.feed == nil {
			return domain.OrderResult{}, retry.Permanent(fmt.Errorf("%w: no price for %s", domain.ErrOrderRejected, symbol))
		}
		q, err := p.feed.GetCurrentPrice(ctx, symbol)
		if err != nil {
			return domain.OrderResult{}, fmt.Errorf("paper price %s: %w", symbol, err)
		}
		price = q.Price
	}
	// Buying pays up, selling gives up.
	price = price.Mul(decimal.NewFromInt(1).Add(p.slippage.Mul(side.Sign())))

	res := domain.OrderResult{OrderID: id, FilledPrice: price, FilledQuantity: qty}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.orders[id]; ok {
		return prev, nil
	}
	p.orders[id] = res
	p.holdings[symbol] = p.holdings[symbol].Add(qty.Mul(side.Sign()))

	p.logger.Info("PAPER order filled",
		"order_id", id, "symbol", symbol, "side", string(side),
		"qty", qty.String(), "price", price.String())
	return res, nil
}

// Holding is the signed net quantity held in symbol.
func (p *PaperVenue) Holding(symbol string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.holdings[symbol]
}

var _ domain.ExecutionVenue = (*PaperVenue)(nil)
