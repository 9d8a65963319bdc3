package sampler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/camuig/tranche-trader/internal/domain"
	"github.com/camuig/tranche-trader/internal/logger"
	"github.com/camuig/tranche-trader/internal/metrics"
)

// Ingestor runs one polling task per tracked symbol, feeding the registry.
type Ingestor struct {
	feed     domain.PriceFeed
	samplers *Registry
	interval time.Duration
	timeout  time.Duration
	logger   *logger.Logger

	mu      sync.Mutex
	ctx     context.Context
	stopped bool
	tracked map[string]bool
	pending []string
	wg      sync.WaitGroup
}

func NewIngestor(feed domain.PriceFeed, samplers *Registry, interval, timeout time.Duration, log *logger.Logger) *Ingestor {
	return &Ingestor{
		feed:     feed,
		samplers: samplers,
		interval: interval,
		timeout:  timeout,
		logger:   log,
		tracked:  make(map[string]bool),
	}
}

// Track starts ingestion for symbol if it is not already running. Symbols
// tracked before Run are started when Run begins; once Run has returned Track
// is a no-op.
func (in *Ingestor) Track(symbol string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.stopped || in.tracked[symbol] {
		return
	}
	in.tracked[symbol] = true
	if in.ctx == nil {
		in.pending = append(in.pending, symbol)
		return
	}
	in.start(in.ctx, symbol)
}

// Run blocks until ctx is cancelled and every symbol task has returned.
func (in *Ingestor) Run(ctx context.Context) error {
	in.mu.Lock()
	in.ctx = ctx
	for _, symbol := range in.pending {
		in.start(ctx, symbol)
	}
	in.pending = nil
	in.mu.Unlock()

	in.logger.Info("price ingestion started", "interval", in.interval.String())
	<-ctx.Done()

	in.mu.Lock()
	in.ctx = nil
	in.stopped = true
	in.mu.Unlock()

	in.wg.Wait()
	in.logger.Info("price ingestion stopped")
	return nil
}

func (in *Ingestor) start(ctx context.Context, symbol string) {
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		in.poll(ctx, symbol)
	}()
}

func (in *Ingestor) poll(ctx context.Context, symbol string) {
	ticker := time.NewTicker(in.interval)
	defer ticker.Stop()

	in.logger.Debug("ingesting symbol", "symbol", symbol)
	in.PollOnce(ctx, symbol)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.PollOnce(ctx, symbol)
		}
	}
}

// PollOnce fetches one quote with a bounded timeout. An unavailable price adds
// nothing to the window.
func (in *Ingestor) PollOnce(ctx context.Context, symbol string) {
	qctx, cancel := context.WithTimeout(ctx, in.timeout)
	defer cancel()

	q, err := in.feed.GetCurrentPrice(qctx, symbol)
	if err != nil {
		metrics.FeedErrors.WithLabelValues(symbol).Inc()
		if !errors.Is(err, domain.ErrPriceUnavailable) && ctx.Err() == nil {
			in.logger.Warn("price feed poll failed", "symbol", symbol, "error", err)
		}
		return
	}
	if q.At.IsZero() {
		q.At = in.samplers.now()
	}
	if in.samplers.AddSample(symbol, q.Price, q.Volume, q.At) {
		metrics.SamplesIngested.WithLabelValues(symbol).Inc()
	}
}
