package broker

import (
	"fmt"
)

// ResolveTickerToUID resolves a ticker to its instrument UID, caching the answer.
func (bc *BrokerClient) ResolveTickerToUID(ticker string) (string, error) {
	bc.mu.RLock()
	uid, ok := bc.uids[ticker]
	bc.mu.RUnlock()
	if ok {
		return uid, nil
	}

	instruments := bc.Client.NewInstrumentsServiceClient()
	resp, err := instruments.FindInstrument(ticker)
	if err != nil {
		return "", fmt.Errorf("find instrument %s: %w", ticker, err)
	}

	for _, inst := range resp.GetInstruments() {
		if inst.GetTicker() == ticker {
			uid = inst.GetUid()
			break
		}
	}
	if uid == "" {
		return "", fmt.Errorf("instrument not found: %s", ticker)
	}

	bc.mu.Lock()
	bc.uids[ticker] = uid
	bc.mu.Unlock()
	return uid, nil
}

// tickerForUID is the reverse lookup over tickers already resolved.
func (bc *BrokerClient) tickerForUID(uid string) string {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	for ticker, u := range bc.uids {
		if u == uid {
			return ticker
		}
	}
	return ""
}

// FilterTradable reports which tickers can currently take market orders via
// the API. Tickers that cannot be resolved are reported as not tradable.
func (bc *BrokerClient) FilterTradable(tickers []string) (map[string]bool, error) {
	result := make(map[string]bool, len(tickers))
	uids := make([]string, 0, len(tickers))
	byUID := make(map[string]string, len(tickers))
	for _, t := range tickers {
		result[t] = false
		uid, err := bc.ResolveTickerToUID(t)
		if err != nil {
			bc.Logger.Warn("resolve ticker", "ticker", t, "error", err)
			continue
		}
		uids = append(uids, uid)
		byUID[uid] = t
	}
	if len(uids) == 0 {
		return result, nil
	}

	md := bc.Client.NewMarketDataServiceClient()
	resp, err := md.GetTradingStatuses(uids)
	if err != nil {
		return nil, fmt.Errorf("get trading statuses: %w", err)
	}
	for _, s := range resp.GetTradingStatuses() {
		if t, ok := byUID[s.GetInstrumentUid()]; ok {
			result[t] = s.GetApiTradeAvailableFlag() && s.GetMarketOrderAvailableFlag()
		}
	}
	return result, nil
}
