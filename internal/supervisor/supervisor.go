// Package supervisor owns Open positions until they close.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/tranche-trader/internal/domain"
	"github.com/camuig/tranche-trader/internal/logger"
	"github.com/camuig/tranche-trader/internal/metrics"
	"github.com/camuig/tranche-trader/internal/reconcile"
	"github.com/camuig/tranche-trader/internal/retry"
)

type Config struct {
	PollInterval time.Duration
	FeedTimeout  time.Duration
	MaxHold      time.Duration
	Emergency    EmergencyConfig
	Reversal     ReversalConfig
	Trailing     TrailingConfig
}

// BarSource yields completed OHLCV bars, oldest first.
type BarSource interface {
	Bars(symbol string, interval time.Duration, n int) []domain.Bar
}

type Outcome string

const (
	Pending     Outcome = ""
	Closed      Outcome = "closed"
	Reconciling Outcome = "reconciling"
	Stopped     Outcome = "stopped"
)

// Decision is the verdict of one evaluation. Price is the hint passed to the
// venue when closing.
type Decision struct {
	Close  bool
	Reason domain.CloseReason
	Price  decimal.Decimal
	Note   string
}

// Watch is the in-memory state of one supervised position.
type Watch struct {
	Book *domain.PositionBook
	// OnTick, when set, receives a copy of the position after every tick.
	OnTick func(domain.Position)

	lastPrice decimal.Decimal
	forceNote string
	forced    bool
	// rejected is set once a close refusal has been escalated.
	rejected bool
}

func NewWatch(book *domain.PositionBook) *Watch {
	return &Watch{Book: book}
}

// Force makes the next tick close with ManualForce.
func (w *Watch) Force(note string) {
	w.forced = true
	w.forceNote = note
}

type Supervisor struct {
	feed     domain.PriceFeed
	venue    domain.ExecutionVenue
	store    domain.PositionStore
	risk     domain.RiskSignal
	bars     BarSource
	notifier domain.Notifier
	alerts   *reconcile.Escalator
	cfg      Config
	retry    retry.Policy
	logger   *logger.Logger
	now      func() time.Time
}

func New(
	feed domain.PriceFeed,
	venue domain.ExecutionVenue,
	store domain.PositionStore,
	risk domain.RiskSignal,
	bars BarSource,
	notifier domain.Notifier,
	alerts *reconcile.Escalator,
	cfg Config,
	policy retry.Policy,
	log *logger.Logger,
) *Supervisor {
	return &Supervisor{
		feed:     feed,
		venue:    venue,
		store:    store,
		risk:     risk,
		bars:     bars,
		notifier: notifier,
		alerts:   alerts,
		cfg:      cfg,
		retry:    policy,
		logger:   log,
		now:      time.Now,
	}
}

// SetClock replaces time.Now.
func (s *Supervisor) SetClock(now func() time.Time) { s.now = now }

// Run ticks every poll interval until the position closes, needs
// reconciliation, or ctx ends. A string received on force closes it.
func (s *Supervisor) Run(ctx context.Context, w *Watch, force <-chan string) Outcome {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	pos := w.Book.Position
	s.logger.Info("supervising position",
		"position_id", pos.ID, "symbol", pos.Symbol, "direction", string(pos.Direction),
		"avg_entry", pos.AvgEntryPrice.String(), "stop_loss", pos.StopLossPrice.String(),
		"take_profit", pos.TakeProfitPrice.String())

	for {
		out := s.Tick(ctx, w)
		if w.OnTick != nil {
			w.OnTick(w.Book.Position)
		}
		if out != Pending {
			return out
		}
		select {
		case <-ctx.Done():
			s.logger.Info("supervision suspended", "position_id", pos.ID)
			return Stopped
		case note := <-force:
			w.Force(note)
		case <-ticker.C:
		}
	}
}

// Tick fetches the current price, evaluates the exit policy and closes the
// position when it triggers. A missing price skips the tick.
func (s *Supervisor) Tick(ctx context.Context, w *Watch) Outcome {
	pos := &w.Book.Position
	now := s.now()

	qctx, cancel := context.WithTimeout(ctx, s.cfg.FeedTimeout)
	quote, err := s.feed.GetCurrentPrice(qctx, pos.Symbol)
	cancel()
	if err == nil {
		w.lastPrice = quote.Price
	}

	if w.forced {
		hint := w.lastPrice
		if hint.IsZero() {
			hint = pos.AvgEntryPrice
		}
		return s.close(ctx, w, Decision{Close: true, Reason: domain.ReasonManualForce, Price: hint, Note: w.forceNote})
	}
	if err != nil {
		metrics.SkippedTicks.WithLabelValues("supervisor").Inc()
		s.logger.Debug("supervisor tick skipped", "position_id", pos.ID, "error", err)
		return Pending
	}

	prevStop := pos.StopLossPrice
	dec := s.Evaluate(ctx, pos, quote.Price, now)
	if !pos.StopLossPrice.Equal(prevStop) {
		metrics.StopRatchets.Inc()
		s.logger.Info("trailing stop tightened",
			"position_id", pos.ID, "from", prevStop.String(), "to", pos.StopLossPrice.String(),
			"high_water_mark", pos.TrailingHighWaterMark.String())
		s.persistLevels(ctx, pos)
	}
	if !dec.Close {
		return Pending
	}
	return s.close(ctx, w, dec)
}

// Evaluate applies the exit policy in priority order and returns at the first
// trigger. The trailing ratchet runs after the early exits so that a stop
// tightened on this tick is the one the fixed stop-loss check uses.
func (s *Supervisor) Evaluate(ctx context.Context, pos *domain.Position, price decimal.Decimal, now time.Time) Decision {
	if o := s.override(ctx, pos.Symbol); s.cfg.Emergency.Triggers(o, pos.Direction, now) {
		return Decision{
			Close:  true,
			Reason: domain.ReasonEmergencyOverride,
			Price:  price,
			Note:   fmt.Sprintf("override %s strength %s as of %s", o.Direction, o.Strength, o.AsOf.Format(time.RFC3339)),
		}
	}

	rc := s.cfg.Reversal
	if rc.Bars > 0 && pos.UnrealizedPct(price).LessThan(rc.WinningPct) {
		bars := s.bars.Bars(pos.Symbol, rc.BarInterval, rc.Window())
		if ok, note := rc.Detect(pos.Direction, bars); ok {
			return Decision{Close: true, Reason: domain.ReasonReversalStop, Price: price, Note: note}
		}
	}

	pos.TrailingHighWaterMark, pos.StopLossPrice, _ = s.cfg.Trailing.Ratchet(*pos, price)

	if stopHit(pos.Direction, price, pos.StopLossPrice) {
		return Decision{Close: true, Reason: domain.ReasonStopLoss, Price: pos.StopLossPrice,
			Note: "price " + price.String() + " crossed stop"}
	}
	if targetHit(pos.Direction, price, pos.TakeProfitPrice) {
		return Decision{Close: true, Reason: domain.ReasonTakeProfit, Price: pos.TakeProfitPrice,
			Note: "price " + price.String() + " reached target"}
	}
	if s.cfg.MaxHold > 0 && pos.OpenedAt != nil && now.Sub(*pos.OpenedAt) >= s.cfg.MaxHold {
		return Decision{Close: true, Reason: domain.ReasonTimeout, Price: price,
			Note: "held " + now.Sub(*pos.OpenedAt).Round(time.Second).String()}
	}
	return Decision{}
}

// override reads the risk signal. An unreachable signal counts as no
// override for this tick; the fixed stop still protects the position.
func (s *Supervisor) override(ctx context.Context, symbol string) *domain.RiskOverride {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.FeedTimeout)
	defer cancel()
	o, err := s.risk.GetLatestDirectionalOverride(rctx, symbol)
	if err != nil {
		s.logger.Warn("risk signal unavailable", "symbol", symbol, "error", err)
		return nil
	}
	return o
}

// close runs decide → persist → report detached from ctx.
func (s *Supervisor) close(ctx context.Context, w *Watch, dec Decision) Outcome {
	cctx := context.WithoutCancel(ctx)
	pos := &w.Book.Position
	req := domain.CloseRequest{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		Quantity:   pos.TotalQuantityFilled,
		PriceHint:  dec.Price,
	}

	res, err := retry.Value(cctx, s.policy("close position", pos.ID), func(ctx context.Context) (domain.CloseResult, error) {
		return s.venue.ClosePosition(ctx, req)
	})
	if err != nil {
		metrics.SkippedTicks.WithLabelValues("supervisor").Inc()
		switch {
		case errors.Is(err, domain.ErrPartialFill):
			return s.reconciling(cctx, pos, domain.AlertClosePartial, fmt.Errorf("close %s: %w", dec.Reason, err))
		case errors.Is(err, domain.ErrRetriesExhausted):
			s.alerts.Raise(cctx, *pos, domain.AlertVenueExhausted,
				fmt.Errorf("close %s: %w", dec.Reason, err))
		case !w.rejected:
			w.rejected = true
			s.alerts.Raise(cctx, *pos, domain.AlertCloseRejected,
				fmt.Errorf("close %s refused, position still open: %w", dec.Reason, err))
		default:
			s.logger.Warn("close order refused", "position_id", pos.ID, "reason", string(dec.Reason), "error", err)
		}
		return Pending
	}

	now := s.now().UTC()
	pnl := domain.ProfitAt(pos.Direction, pos.AvgEntryPrice, res.ClosePrice, pos.TotalQuantityFilled)
	fields := pos.Fields()
	fields.ClosedAt = &now
	fields.CloseReason = dec.Reason
	fields.ClosePrice = decimal.NewNullDecimal(res.ClosePrice)
	fields.RealizedPnL = decimal.NewNullDecimal(pnl)
	fields.Note = dec.Note

	err = retry.Do(cctx, s.policy("record close", pos.ID), func(ctx context.Context) error {
		return s.store.UpdateStatus(ctx, pos.ID, domain.StatusClosed, fields)
	})
	if err != nil {
		cause := fmt.Errorf("close order %s %s at %s not recorded: %w", res.OrderID, dec.Reason, res.ClosePrice, err)
		return s.reconciling(cctx, pos, domain.AlertCloseNotPersisted, cause)
	}

	pos.Apply(domain.StatusClosed, fields)
	metrics.Exits.WithLabelValues(string(dec.Reason), string(pos.Direction)).Inc()
	s.notifier.NotifyClosed(*pos)
	s.logger.Info("position closed",
		"position_id", pos.ID, "symbol", pos.Symbol, "reason", string(dec.Reason),
		"close_price", res.ClosePrice.String(), "realized_pnl", pnl.String(), "note", dec.Note)
	return Closed
}

// reconciling parks a position whose exchange state no longer matches the
// store. The task stops; only an operator moves the position on.
func (s *Supervisor) reconciling(ctx context.Context, pos *domain.Position, kind domain.AlertKind, cause error) Outcome {
	fields := pos.Fields()
	fields.Note = cause.Error()
	pos.Apply(domain.StatusReconciling, fields)
	if err := s.store.UpdateStatus(ctx, pos.ID, domain.StatusReconciling, fields); err != nil {
		s.logger.Error("persist reconciling status", "position_id", pos.ID, "error", err)
	}
	s.alerts.Raise(ctx, *pos, kind, cause)
	return Reconciling
}

// persistLevels writes a tightened stop. A failed write only loses the
// tightening on restart; the in-memory stop keeps protecting the position.
func (s *Supervisor) persistLevels(ctx context.Context, pos *domain.Position) {
	err := retry.Do(context.WithoutCancel(ctx), s.policy("persist stop", pos.ID), func(ctx context.Context) error {
		return s.store.UpdateStatus(ctx, pos.ID, domain.StatusOpen, pos.Fields())
	})
	if err != nil {
		s.logger.Warn("persist trailing stop", "position_id", pos.ID, "error", err)
	}
}

func (s *Supervisor) policy(op, positionID string) retry.Policy {
	p := s.retry
	p.Notify = func(err error, wait time.Duration) {
		s.logger.Warn("retrying "+op, "position_id", positionID, "wait", wait.String(), "error", err)
	}
	return p
}
