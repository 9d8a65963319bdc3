// Package executor builds positions in tranches: Sampling → Building → Open.
package executor

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
	PollInterval  time.Duration
	Cooldown      time.Duration
	WarmupTimeout time.Duration
	FeedTimeout   time.Duration
}

// Baselines is the read side of the price sampler.
type Baselines interface {
	GetBaseline(symbol string) *domain.PriceBaseline
	IsGoodEntryPrice(symbol string, price decimal.Decimal, dir domain.Direction) domain.EntryCheck
	Window() time.Duration
}

type Outcome string

const (
	Pending     Outcome = ""
	Opened      Outcome = "open"
	Discarded   Outcome = "discarded"
	Reconciling Outcome = "reconciling"
	Stopped     Outcome = "stopped"
)

// Entry is the in-memory state of one position being built. Only the task
// running it may touch it.
type Entry struct {
	Book      *domain.PositionBook
	ForceNote string
	// OnStep, when set, receives a copy of the position after every step.
	OnStep func(domain.Position)
	forced bool
}

func NewEntry(book *domain.PositionBook) *Entry {
	return &Entry{Book: book}
}

// Abandon stops filling. The next step opens with what was filled or
// discards the entry when nothing was.
func (e *Entry) Abandon(note string) {
	e.forced = true
	e.ForceNote = note
}

func (e *Entry) Forced() bool { return e.forced }

type TrancheScheduler struct {
	feed      domain.PriceFeed
	venue     domain.ExecutionVenue
	store     domain.PositionStore
	baselines Baselines
	notifier  domain.Notifier
	alerts    *reconcile.Escalator
	cfg       Config
	retry     retry.Policy
	logger    *logger.Logger
	now       func() time.Time
}

func NewTrancheScheduler(
	feed domain.PriceFeed,
	venue domain.ExecutionVenue,
	store domain.PositionStore,
	baselines Baselines,
	notifier domain.Notifier,
	alerts *reconcile.Escalator,
	cfg Config,
	policy retry.Policy,
	log *logger.Logger,
) *TrancheScheduler {
	return &TrancheScheduler{
		feed:      feed,
		venue:     venue,
		store:     store,
		baselines: baselines,
		notifier:  notifier,
		alerts:    alerts,
		cfg:       cfg,
		retry:     policy,
		logger:    log,
		now:       time.Now,
	}
}

// SetClock replaces time.Now.
func (s *TrancheScheduler) SetClock(now func() time.Time) { s.now = now }

// ValidatePlan checks every tranche quantity against the venue's order rules
// when the venue publishes them, so a plan it would refuse on every tick is
// rejected before it is stored.
func (s *TrancheScheduler) ValidatePlan(plan domain.TranchePlan) error {
	v, ok := s.venue.(domain.QuantityValidator)
	if !ok {
		return nil
	}
	for i := 0; i < plan.Tranches(); i++ {
		if err := v.ValidateQuantity(plan.Symbol, plan.TrancheQuantity(i)); err != nil {
			return fmt.Errorf("%w: tranche %d: %v", domain.ErrInvalidPlan, i, err)
		}
	}
	return nil
}

// Run steps the entry every poll interval until it leaves the entering
// states. A string received on force abandons the remaining tranches.
func (s *TrancheScheduler) Run(ctx context.Context, e *Entry, force <-chan string) Outcome {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	log := s.logger.With("position_id", e.Book.Position.ID, "symbol", e.Book.Position.Symbol)
	log.Info("entry started",
		"status", string(e.Book.Position.Status),
		"filled", len(e.Book.Fills), "tranches", e.Book.Plan.Tranches(),
		"deadline", e.Book.Plan.Deadline)

	for {
		out := s.Step(ctx, e)
		if e.OnStep != nil {
			e.OnStep(e.Book.Position)
		}
		if out != Pending {
			return out
		}
		select {
		case <-ctx.Done():
			log.Info("entry suspended", "filled", len(e.Book.Fills))
			return Stopped
		case note := <-force:
			e.Abandon(note)
		case <-ticker.C:
		}
	}
}

// Step runs one evaluation of the entry state machine.
func (s *TrancheScheduler) Step(ctx context.Context, e *Entry) Outcome {
	now := s.now()
	pos := &e.Book.Position
	plan := e.Book.Plan

	switch {
	case e.forced:
		return s.finish(ctx, e, "manual", "force close before completion: "+e.ForceNote)
	case !now.Before(plan.Deadline):
		return s.finish(ctx, e, "deadline", "entry deadline elapsed")
	case e.Book.NextTranche() >= plan.Tranches():
		return s.finish(ctx, e, "", "")
	}

	if pos.Status == domain.StatusSampling {
		base := s.baselines.GetBaseline(pos.Symbol)
		if !base.Usable(now, s.baselines.Window()) {
			if now.Sub(pos.CreatedAt) >= s.cfg.WarmupTimeout {
				return s.discard(ctx, e, "warmup_timeout", "no usable baseline within warm-up timeout")
			}
			return Pending
		}
		if err := s.updateStatus(ctx, pos, domain.StatusBuilding, pos.Fields()); err != nil {
			s.logger.Warn("start building", "position_id", pos.ID, "error", err)
			return Pending
		}
		s.logger.Info("baseline ready, building", "position_id", pos.ID,
			"p50", base.P50.String(), "p90", base.P90.String(), "samples", base.Samples)
	}

	if last, ok := e.Book.LastFill(); ok && now.Sub(last.FilledAt) < s.cfg.Cooldown {
		return Pending
	}

	qctx, cancel := context.WithTimeout(ctx, s.cfg.FeedTimeout)
	quote, err := s.feed.GetCurrentPrice(qctx, pos.Symbol)
	cancel()
	if err != nil {
		metrics.SkippedTicks.WithLabelValues("entry").Inc()
		s.logger.Debug("entry tick skipped", "position_id", pos.ID, "error", err)
		return Pending
	}

	check := s.baselines.IsGoodEntryPrice(pos.Symbol, quote.Price, pos.Direction)
	if !check.Suitable {
		s.logger.Debug("price not favorable", "position_id", pos.ID, "reason", check.Reason)
		return Pending
	}

	return s.fillTranche(ctx, e, e.Book.NextTranche(), quote.Price, check.Reason)
}

// fillTranche places one order and persists the fill. The order and the write
// run detached from ctx so shutdown cannot split them.
func (s *TrancheScheduler) fillTranche(ctx context.Context, e *Entry, idx int, hint decimal.Decimal, why string) Outcome {
	cctx := context.WithoutCancel(ctx)
	pos := &e.Book.Position
	req := domain.OrderRequest{
		PositionID:   pos.ID,
		TrancheIndex: idx,
		Symbol:       pos.Symbol,
		Direction:    pos.Direction,
		Quantity:     e.Book.Plan.TrancheQuantity(idx),
		PriceHint:    hint,
	}

	res, err := retry.Value(cctx, s.policy("place order", pos.ID), func(ctx context.Context) (domain.OrderResult, error) {
		return s.venue.PlaceOrder(ctx, req)
	})
	if err != nil {
		metrics.SkippedTicks.WithLabelValues("entry").Inc()
		if errors.Is(err, domain.ErrRetriesExhausted) {
			s.alerts.Raise(cctx, *pos, domain.AlertVenueExhausted,
				fmt.Errorf("tranche %d order: %w", idx, err))
			return Pending
		}
		s.logger.Warn("tranche order failed", "position_id", pos.ID, "tranche", idx, "error", err)
		return Pending
	}
	if !res.FilledQuantity.IsPositive() {
		s.logger.Info("tranche order not filled", "position_id", pos.ID, "tranche", idx, "order_id", res.OrderID)
		return Pending
	}

	fill := domain.TrancheFill{
		PositionID:   pos.ID,
		TrancheIndex: idx,
		Price:        res.FilledPrice,
		Quantity:     res.FilledQuantity,
		FilledAt:     s.now().UTC(),
		OrderID:      res.OrderID,
	}
	err = retry.Do(cctx, s.policy("append fill", pos.ID), func(ctx context.Context) error {
		return s.store.AppendFill(ctx, fill)
	})
	if err != nil {
		return s.reconciling(cctx, e, domain.AlertFillNotPersisted,
			fmt.Errorf("tranche %d order %s filled %s@%s: %w", idx, res.OrderID, fill.Quantity, fill.Price, err))
	}

	e.Book.Fills = append(e.Book.Fills, fill)
	e.Book.Recompute()
	metrics.Fills.WithLabelValues(string(pos.Direction)).Inc()
	s.notifier.NotifyFill(*pos, fill)
	s.logger.Info("tranche filled",
		"position_id", pos.ID, "tranche", idx,
		"price", fill.Price.String(), "qty", fill.Quantity.String(),
		"avg_entry", pos.AvgEntryPrice.String(), "reason", why)

	if e.Book.NextTranche() >= e.Book.Plan.Tranches() {
		return s.finish(ctx, e, "", "")
	}
	return Pending
}

// finish hands a filled position over as Open, or discards it when nothing
// was filled. Unfilled tranches are abandoned, never forced.
func (s *TrancheScheduler) finish(ctx context.Context, e *Entry, cause, note string) Outcome {
	if len(e.Book.Fills) == 0 {
		return s.discard(ctx, e, cause, note)
	}

	pos := &e.Book.Position
	now := s.now().UTC()
	fields := pos.Fields()
	fields.OpenedAt = &now
	fields.TrailingHighWaterMark = pos.AvgEntryPrice
	if note != "" {
		fields.Note = fmt.Sprintf("opened with %d of %d tranches: %s", len(e.Book.Fills), e.Book.Plan.Tranches(), note)
	}

	if err := s.updateStatus(ctx, pos, domain.StatusOpen, fields); err != nil {
		s.logger.Warn("open position", "position_id", pos.ID, "error", err)
		return Pending
	}
	s.notifier.NotifyOpened(*pos)
	s.logger.Info("position open",
		"position_id", pos.ID, "symbol", pos.Symbol, "direction", string(pos.Direction),
		"avg_entry", pos.AvgEntryPrice.String(), "qty", pos.TotalQuantityFilled.String(),
		"tranches", len(e.Book.Fills), "stop_loss", pos.StopLossPrice.String(),
		"take_profit", pos.TakeProfitPrice.String())
	return Opened
}

func (s *TrancheScheduler) discard(ctx context.Context, e *Entry, cause, note string) Outcome {
	pos := &e.Book.Position
	now := s.now().UTC()
	fields := pos.Fields()
	fields.ClosedAt = &now
	fields.Note = note

	if err := s.updateStatus(ctx, pos, domain.StatusDiscarded, fields); err != nil {
		s.logger.Warn("discard position", "position_id", pos.ID, "error", err)
		return Pending
	}
	metrics.Discarded.WithLabelValues(cause).Inc()
	s.logger.Info("entry discarded, nothing filled", "position_id", pos.ID, "cause", cause, "note", note)
	return Discarded
}

// reconciling is entered when a trade may exist that the store does not know
// about. The task stops; only an operator moves the position on.
func (s *TrancheScheduler) reconciling(ctx context.Context, e *Entry, kind domain.AlertKind, cause error) Outcome {
	pos := &e.Book.Position
	fields := pos.Fields()
	fields.Note = cause.Error()
	pos.Apply(domain.StatusReconciling, fields)
	if err := s.store.UpdateStatus(ctx, pos.ID, domain.StatusReconciling, fields); err != nil {
		s.logger.Error("persist reconciling status", "position_id", pos.ID, "error", err)
	}
	s.alerts.Raise(ctx, *pos, kind, cause)
	return Reconciling
}

// updateStatus writes the transition and applies it in memory only once the
// store has confirmed it.
func (s *TrancheScheduler) updateStatus(ctx context.Context, pos *domain.Position, status domain.PositionStatus, fields domain.PositionFields) error {
	err := retry.Do(context.WithoutCancel(ctx), s.policy("update status", pos.ID), func(ctx context.Context) error {
		return s.store.UpdateStatus(ctx, pos.ID, status, fields)
	})
	if err != nil {
		return fmt.Errorf("%s -> %s: %w", pos.Status, status, err)
	}
	pos.Apply(status, fields)
	return nil
}

func (s *TrancheScheduler) policy(op, positionID string) retry.Policy {
	p := s.retry
	p.Notify = func(err error, wait time.Duration) {
		s.logger.Warn("retrying "+op, "position_id", positionID, "wait", wait.String(), "error", err)
	}
	return p
}
