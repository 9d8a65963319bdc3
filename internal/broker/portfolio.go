package broker

import (
	"fmt"

	pb "github.com/russianinvestments/invest-api-go-sdk/proto"
	"github.com/shopspring/decimal"
)

// Holding is what the exchange believes the account holds in one instrument.
// Operators compare it against the stored fill log when reconciling.
type Holding struct {
	Ticker        string
	InstrumentUID string
	Figi          string
	Quantity      decimal.Decimal
	AvgPrice      decimal.Decimal
	CurrentPrice  decimal.Decimal
}

func (bc *BrokerClient) GetHoldings() ([]Holding, error) {
	accountID := bc.AccountID()
	currency := pb.PortfolioRequest_RUB

	var positions []*pb.PortfolioPosition
	if bc.Sandbox {
		r, err := bc.Client.NewSandboxServiceClient().GetSandboxPortfolio(accountID, currency)
		if err != nil {
			return nil, fmt.Errorf("get sandbox portfolio: %w", err)
		}
		positions = r.GetPositions()
	} else {
		r, err := bc.Client.NewOperationsServiceClient().GetPortfolio(accountID, currency)
		if err != nil {
			return nil, fmt.Errorf("get portfolio: %w", err)
		}
		positions = r.GetPositions()
	}

	var out []Holding
	for _, pos := range positions {
		if pos.GetInstrumentType() == "currency" {
			continue
		}
		out = append(out, Holding{
			Ticker:        bc.tickerForUID(pos.GetInstrumentUid()),
			InstrumentUID: pos.GetInstrumentUid(),
			Figi:          pos.GetFigi(),
			Quantity:      toDecimal(pos.GetQuantity()),
			AvgPrice:      toDecimal(pos.GetAveragePositionPrice()),
			CurrentPrice:  toDecimal(pos.GetCurrentPrice()),
		})
	}
	return out, nil
}

// HoldingFor returns the holding for ticker, or a zero holding when the
// account has none.
func (bc *BrokerClient) HoldingFor(ticker string) (Holding, error) {
	uid, err := bc.ResolveTickerToUID(ticker)
	if err != nil {
		return Holding{}, err
	}
	holdings, err := bc.GetHoldings()
	if err != nil {
		return Holding{}, err
	}
	for _, h := range holdings {
		if h.InstrumentUID == uid {
			h.Ticker = ticker
			return h, nil
		}
	}
	return Holding{Ticker: ticker, InstrumentUID: uid}, nil
}
