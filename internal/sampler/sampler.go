// Package sampler keeps a rolling window of price observations per symbol and
// derives the percentile baseline used to judge entry prices.
package sampler

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/tranche-trader/internal/domain"
)

var (
	p50 = decimal.NewFromFloat(0.5)
	p90 = decimal.NewFromFloat(0.9)
)

// Sampler is the window for one symbol. It has a single writer (the ingestion
// task) and many readers; readers copy the in-window slice under the lock and
// compute outside it, so a baseline never sees a buffer mutated mid-scan.
type Sampler struct {
	symbol     string
	window     time.Duration
	minSamples int
	now        func() time.Time

	mu      sync.Mutex
	buf     []domain.PriceSample
	head    int
	version uint64
}

func New(symbol string, window time.Duration, minSamples int, now func() time.Time) *Sampler {
	if now == nil {
		now = time.Now
	}
	return &Sampler{
		symbol:     symbol,
		window:     window,
		minSamples: minSamples,
		now:        now,
	}
}

// Add records a sample and evicts everything older than the window relative
// to the newest observation. Samples older than the newest one are dropped so
// the buffer stays time-ordered. A sample stamped with the same time as the
// newest one replaces it: feeds that re-report a still-forming candle carry
// its running volume, which must count once.
func (s *Sampler) Add(price, volume decimal.Decimal, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.buf); n > s.head {
		last := &s.buf[n-1]
		if at.Before(last.ObservedAt) {
			return false
		}
		if at.Equal(last.ObservedAt) {
			last.Price, last.Volume = price, volume
			s.version++
			return true
		}
	}
	s.buf = append(s.buf, domain.PriceSample{
		Symbol:     s.symbol,
		Price:      price,
		Volume:     volume,
		ObservedAt: at,
	})
	s.version++

	cutoff := at.Add(-s.window)
	for s.head < len(s.buf) && s.buf[s.head].ObservedAt.Before(cutoff) {
		s.buf[s.head] = domain.PriceSample{}
		s.head++
	}
	if s.head > 32 && s.head*2 > len(s.buf) {
		n := copy(s.buf, s.buf[s.head:])
		s.buf = s.buf[:n]
		s.head = 0
	}
	return true
}

// Version increases with every accepted sample.
func (s *Sampler) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Snapshot copies the samples inside the window ending at now, oldest first.
func (s *Sampler) Snapshot(now time.Time) []domain.PriceSample {
	cutoff := now.Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.PriceSample, 0, len(s.buf)-s.head)
	for _, smp := range s.buf[s.head:] {
		if smp.ObservedAt.Before(cutoff) || smp.ObservedAt.After(now) {
			continue
		}
		out = append(out, smp)
	}
	return out
}

// Baseline returns nil when fewer than minSamples observations are in the
// window. Callers must read nil as "wait", never as a favorable signal.
func (s *Sampler) Baseline() *domain.PriceBaseline {
	now := s.now()
	samples := s.Snapshot(now)
	if len(samples) < s.minSamples || len(samples) == 0 {
		return nil
	}

	prices := make([]decimal.Decimal, len(samples))
	for i, smp := range samples {
		prices[i] = smp.Price
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })

	first := samples[0].Price
	last := samples[len(samples)-1].Price
	b := &domain.PriceBaseline{
		Symbol:     s.symbol,
		Samples:    len(samples),
		Min:        prices[0],
		Max:        prices[len(prices)-1],
		P50:        percentile(prices, p50),
		P90:        percentile(prices, p90),
		ComputedAt: now,
	}
	b.TrendDirection = last.Cmp(first)
	if !first.IsZero() {
		b.TrendMagnitude = last.Sub(first).Abs().Mul(decimal.NewFromInt(100)).Div(first)
	}
	return b
}

// IsGoodEntryPrice: long is suitable at or below p90, short at or above it.
func (s *Sampler) IsGoodEntryPrice(price decimal.Decimal, dir domain.Direction) domain.EntryCheck {
	b := s.Baseline()
	if b == nil {
		return domain.EntryCheck{Reason: "insufficient samples in window"}
	}
	switch dir {
	case domain.Long:
		if price.LessThanOrEqual(b.P90) {
			return domain.EntryCheck{Suitable: true, Reason: "price " + price.String() + " <= p90 " + b.P90.String()}
		}
		return domain.EntryCheck{Reason: "price " + price.String() + " above p90 " + b.P90.String()}
	case domain.Short:
		if price.GreaterThanOrEqual(b.P90) {
			return domain.EntryCheck{Suitable: true, Reason: "price " + price.String() + " >= p90 " + b.P90.String()}
		}
		return domain.EntryCheck{Reason: "price " + price.String() + " below p90 " + b.P90.String()}
	}
	return domain.EntryCheck{Reason: "unknown direction " + string(dir)}
}

// Bars aggregates in-window samples into interval buckets and returns the last
// n completed ones, oldest first. The bucket containing now is still forming
// and never included. Empty buckets are skipped.
func (s *Sampler) Bars(interval time.Duration, n int) []domain.Bar {
	if interval <= 0 || n <= 0 {
		return nil
	}
	now := s.now()
	current := now.Truncate(interval)

	var bars []domain.Bar
	for _, smp := range s.Snapshot(now) {
		start := smp.ObservedAt.Truncate(interval)
		if !start.Before(current) {
			break
		}
		if len(bars) == 0 || !bars[len(bars)-1].Start.Equal(start) {
			bars = append(bars, domain.Bar{
				Start:  start,
				Open:   smp.Price,
				High:   smp.Price,
				Low:    smp.Price,
				Close:  smp.Price,
				Volume: smp.Volume,
			})
			continue
		}
		bar := &bars[len(bars)-1]
		if smp.Price.GreaterThan(bar.High) {
			bar.High = smp.Price
		}
		if smp.Price.LessThan(bar.Low) {
			bar.Low = smp.Price
		}
		bar.Close = smp.Price
		bar.Volume = bar.Volume.Add(smp.Volume)
	}
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars
}

func (s *Sampler) Window() time.Duration { return s.window }

// percentile interpolates linearly between the order statistics of sorted.
func percentile(sorted []decimal.Decimal, p decimal.Decimal) decimal.Decimal {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p.Mul(decimal.NewFromInt(int64(n - 1)))
	lo := int(rank.IntPart())
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := rank.Sub(decimal.NewFromInt(int64(lo)))
	return sorted[lo].Add(sorted[lo+1].Sub(sorted[lo]).Mul(frac))
}
