package sampler

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/tranche-trader/internal/domain"
)

// Registry owns one Sampler per symbol. It is created once and injected into
// the ingestion task and the position tasks.
type Registry struct {
	window     time.Duration
	minSamples int
	now        func() time.Time

	mu       sync.RWMutex
	samplers map[string]*Sampler
}

type Option func(*Registry)

// WithClock replaces time.Now, used by tests to pin the window.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(window time.Duration, minSamples int, opts ...Option) *Registry {
	r := &Registry{
		window:     window,
		minSamples: minSamples,
		now:        time.Now,
		samplers:   make(map[string]*Sampler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// For returns the sampler for symbol, creating it on first use.
func (r *Registry) For(symbol string) *Sampler {
	r.mu.RLock()
	s, ok := r.samplers[symbol]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.samplers[symbol]; ok {
		return s
	}
	s = New(symbol, r.window, r.minSamples, r.now)
	r.samplers[symbol] = s
	return s
}

func (r *Registry) AddSample(symbol string, price, volume decimal.Decimal, at time.Time) bool {
	return r.For(symbol).Add(price, volume, at)
}

func (r *Registry) GetBaseline(symbol string) *domain.PriceBaseline {
	return r.For(symbol).Baseline()
}

func (r *Registry) IsGoodEntryPrice(symbol string, price decimal.Decimal, dir domain.Direction) domain.EntryCheck {
	return r.For(symbol).IsGoodEntryPrice(price, dir)
}

func (r *Registry) Bars(symbol string, interval time.Duration, n int) []domain.Bar {
	return r.For(symbol).Bars(interval, n)
}

func (r *Registry) Window() time.Duration { return r.window }
