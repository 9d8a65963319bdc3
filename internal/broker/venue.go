package broker

import (
	"context"
	"fmt"

	"github.com/russianinvestments/invest-api-go-sdk/investgo"
	pb "github.com/russianinvestments/invest-api-go-sdk/proto"
	"github.com/shopspring/decimal"

	"github.com/camuig/tranche-trader/internal/domain"
	"github.com/camuig/tranche-trader/internal/retry"
)

// Venue sends market orders to the sandbox or live exchange. Quantities are
// in lots.
type Venue struct {
	bc *BrokerClient
}

func NewVenue(bc *BrokerClient) *Venue {
	return &Venue{bc: bc}
}

func (v *Venue) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	res, err := v.post(ctx, req.Symbol, req.Direction, req.Quantity, trancheOrderID(req.PositionID, req.TrancheIndex))
	if err != nil {
		return domain.OrderResult{}, err
	}
	return domain.OrderResult{
		OrderID:        res.orderID,
		FilledPrice:    res.price,
		FilledQuantity: res.lots,
	}, nil
}

// ClosePosition sends the opposite-side market order for the whole quantity.
func (v *Venue) ClosePosition(ctx context.Context, req domain.CloseRequest) (domain.CloseResult, error) {
	res, err := v.post(ctx, req.Symbol, req.Direction.Opposite(), req.Quantity, closeOrderID(req.PositionID))
	if err != nil {
		return domain.CloseResult{}, err
	}
	if !res.lots.Equal(req.Quantity) {
		return domain.CloseResult{}, retry.Permanent(fmt.Errorf("%w: close %s of %s executed %s of %s lots @ %s",
			domain.ErrPartialFill, res.orderID, req.PositionID, res.lots, req.Quantity, res.price))
	}
	return domain.CloseResult{OrderID: res.orderID, ClosePrice: res.price}, nil
}

// ValidateQuantity refuses quantities that are not whole lots.
func (v *Venue) ValidateQuantity(_ string, qty decimal.Decimal) error {
	_, err := lots(qty)
	return err
}

var _ domain.QuantityValidator = (*Venue)(nil)

type execution struct {
	orderID string
	price   decimal.Decimal
	lots    decimal.Decimal
}

func (v *Venue) post(ctx context.Context, symbol string, dir domain.Direction, qty decimal.Decimal, orderID string) (execution, error) {
	if err := ctx.Err(); err != nil {
		return execution{}, err
	}
	n, err := lots(qty)
	if err != nil {
		return execution{}, err
	}
	uid, err := v.bc.ResolveTickerToUID(symbol)
	if err != nil {
		return execution{}, err
	}

	side := pb.OrderDirection_ORDER_DIRECTION_BUY
	if dir == domain.Short {
		side = pb.OrderDirection_ORDER_DIRECTION_SELL
	}

	short := &investgo.PostOrderRequestShort{
		InstrumentId: uid,
		Quantity:     n,
		AccountId:    v.bc.AccountID(),
		OrderType:    pb.OrderType_ORDER_TYPE_MARKET,
		OrderId:      orderID,
	}

	var resp *investgo.PostOrderResponse
	switch {
	case v.bc.Sandbox:
		sandbox := v.bc.Client.NewSandboxServiceClient()
		resp, err = sandbox.PostSandboxOrder(&investgo.PostOrderRequest{
			InstrumentId: short.InstrumentId,
			Quantity:     short.Quantity,
			Direction:    side,
			AccountId:    short.AccountId,
			OrderType:    short.OrderType,
			OrderId:      short.OrderId,
		})
	case dir == domain.Long:
		resp, err = v.bc.Client.NewOrdersServiceClient().Buy(short)
	default:
		resp, err = v.bc.Client.NewOrdersServiceClient().Sell(short)
	}
	if err != nil {
		return execution{}, classify(string(dir)+" order "+symbol, err)
	}

	res := execution{
		orderID: resp.GetOrderId(),
		price:   toDecimal(resp.GetExecutedOrderPrice()),
		lots:    decimal.NewFromInt(resp.GetLotsExecuted()),
	}
	v.bc.Logger.Info("order executed",
		"symbol", symbol, "side", string(dir), "order_id", res.orderID,
		"lots", n, "executed_lots", res.lots.String(), "price", res.price.String())
	return res, nil
}

var _ domain.ExecutionVenue = (*Venue)(nil)
