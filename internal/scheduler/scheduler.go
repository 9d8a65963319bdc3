// Package scheduler runs one task per position: entry, then supervision.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/camuig/tranche-trader/internal/domain"
	"github.com/camuig/tranche-trader/internal/executor"
	"github.com/camuig/tranche-trader/internal/logger"
	"github.com/camuig/tranche-trader/internal/metrics"
	"github.com/camuig/tranche-trader/internal/reconcile"
	"github.com/camuig/tranche-trader/internal/supervisor"
)

var (
	ErrNotRunning  = errors.New("scheduler not running")
	ErrReconciling = errors.New("position awaits manual reconciliation")
)

// Defaults fill in whatever a signal leaves out.
type Defaults struct {
	TrancheRatios []decimal.Decimal
	Deadline      time.Duration
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
}

// Hints optionally shape one entry. Zero values take the defaults.
type Hints struct {
	TrancheRatios []decimal.Decimal
	Deadline      time.Duration
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
	Note          string
}

// Tracker starts price ingestion for a symbol.
type Tracker interface {
	Track(symbol string)
}

type task struct {
	force chan string

	mu       sync.Mutex
	snapshot domain.Position
}

func (t *task) publish(p domain.Position) {
	t.mu.Lock()
	t.snapshot = p
	t.mu.Unlock()
}

func (t *task) position() domain.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot
}

type Scheduler struct {
	store    domain.PositionStore
	entry    *executor.TrancheScheduler
	exit     *supervisor.Supervisor
	prices   Tracker
	alerts   *reconcile.Escalator
	defaults Defaults
	logger   *logger.Logger
	now      func() time.Time

	mu    sync.Mutex
	ctx   context.Context
	tasks map[string]*task
	wg    sync.WaitGroup
}

func NewScheduler(
	store domain.PositionStore,
	entry *executor.TrancheScheduler,
	exit *supervisor.Supervisor,
	prices Tracker,
	alerts *reconcile.Escalator,
	defaults Defaults,
	log *logger.Logger,
) *Scheduler {
	return &Scheduler{
		store:    store,
		entry:    entry,
		exit:     exit,
		prices:   prices,
		alerts:   alerts,
		defaults: defaults,
		logger:   log,
		now:      time.Now,
		tasks:    make(map[string]*task),
	}
}

// SetClock replaces time.Now.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Run recovers incomplete positions, then blocks until ctx is cancelled and
// every position task has stopped. In-flight orders finish their writes first.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.recover(ctx); err != nil {
		s.mu.Lock()
		s.ctx = nil
		s.mu.Unlock()
		return err
	}

	s.logger.Info("scheduler started")
	<-ctx.Done()

	s.mu.Lock()
	s.ctx = nil
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// recover resumes every position found Sampling, Building or Open. Positions
// left Reconciling stay parked and are announced again.
func (s *Scheduler) recover(ctx context.Context) error {
	books, err := s.store.LoadIncompletePositions(ctx)
	if err != nil {
		return fmt.Errorf("load incomplete positions: %w", err)
	}

	for _, book := range books {
		pos := book.Position
		if pos.Status == domain.StatusReconciling {
			s.alerts.Raise(ctx, pos, domain.AlertRecovered,
				fmt.Errorf("position still reconciling after restart: %s", pos.Note))
			continue
		}
		s.logger.Info("recovering position",
			"position_id", pos.ID, "symbol", pos.Symbol, "status", string(pos.Status),
			"fills", len(book.Fills), "tranches", book.Plan.Tranches())
		s.prices.Track(pos.Symbol)
		s.start(ctx, book)
	}
	s.logger.Info("recovery complete", "positions", len(books))
	return nil
}

// SubmitEntrySignal persists a new plan and starts building the position.
func (s *Scheduler) SubmitEntrySignal(ctx context.Context, symbol string, dir domain.Direction, totalSize decimal.Decimal, hints Hints) (string, error) {
	s.mu.Lock()
	runCtx := s.ctx
	s.mu.Unlock()
	if runCtx == nil {
		return "", ErrNotRunning
	}

	now := s.now().UTC()
	plan := s.plan(uuid.NewString(), symbol, dir, totalSize, hints, now)
	if err := plan.Validate(); err != nil {
		return "", err
	}
	if err := s.entry.ValidatePlan(plan); err != nil {
		return "", err
	}

	pos := domain.Position{
		ID:        plan.PositionID,
		Symbol:    symbol,
		Direction: dir,
		Status:    domain.StatusSampling,
		CreatedAt: now,
		Note:      hints.Note,
	}
	if err := s.store.CreatePosition(ctx, pos, plan); err != nil {
		return "", fmt.Errorf("create position: %w", err)
	}

	s.logger.Info("entry signal accepted",
		"position_id", pos.ID, "symbol", symbol, "direction", string(dir),
		"size", totalSize.String(), "tranches", plan.Tranches(), "deadline", plan.Deadline)

	s.prices.Track(symbol)
	s.start(runCtx, &domain.PositionBook{Position: pos, Plan: plan})
	return pos.ID, nil
}

func (s *Scheduler) plan(id, symbol string, dir domain.Direction, size decimal.Decimal, h Hints, now time.Time) domain.TranchePlan {
	ratios := h.TrancheRatios
	if len(ratios) == 0 {
		ratios = s.defaults.TrancheRatios
	}
	deadline := h.Deadline
	if deadline <= 0 {
		deadline = s.defaults.Deadline
	}
	sl := h.StopLossPct
	if !sl.IsPositive() {
		sl = s.defaults.StopLossPct
	}
	tp := h.TakeProfitPct
	if !tp.IsPositive() {
		tp = s.defaults.TakeProfitPct
	}
	return domain.TranchePlan{
		PositionID:    id,
		Symbol:        symbol,
		Direction:     dir,
		TotalSize:     size,
		TrancheRatios: append([]decimal.Decimal(nil), ratios...),
		StopLossPct:   sl,
		TakeProfitPct: tp,
		CreatedAt:     now,
		Deadline:      now.Add(deadline),
	}
}

// GetPositionStatus returns the live view of a running position, or the last
// stored state of one that is not.
func (s *Scheduler) GetPositionStatus(ctx context.Context, positionID string) (domain.Position, error) {
	s.mu.Lock()
	t, ok := s.tasks[positionID]
	s.mu.Unlock()
	if ok {
		return t.position(), nil
	}

	book, err := s.store.GetPosition(ctx, positionID)
	if err != nil {
		return domain.Position{}, err
	}
	return book.Position, nil
}

// Active lists positions with a running task, oldest first.
func (s *Scheduler) Active() []domain.Position {
	s.mu.Lock()
	out := make([]domain.Position, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.position())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ForceClose asks the position's task to close it with ManualForce, or to
// abandon the entry if it is still building. The request is acknowledged
// once queued; the close itself happens on the task.
func (s *Scheduler) ForceClose(ctx context.Context, positionID, reason string) error {
	s.mu.Lock()
	t, ok := s.tasks[positionID]
	s.mu.Unlock()

	if !ok {
		book, err := s.store.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}
		switch {
		case book.Position.Status.Terminal():
			return fmt.Errorf("position %s: %w", positionID, domain.ErrPositionClosed)
		case book.Position.Status == domain.StatusReconciling:
			return fmt.Errorf("position %s: %w", positionID, ErrReconciling)
		}
		return fmt.Errorf("position %s has no running task: %w", positionID, ErrNotRunning)
	}

	select {
	case t.force <- reason:
		s.logger.Info("force close requested", "position_id", positionID, "reason", reason)
	default:
		s.logger.Info("force close already pending", "position_id", positionID)
	}
	return nil
}

// start launches the position task unless the scheduler is shutting down; a
// position not started here is picked up by the next recovery.
func (s *Scheduler) start(ctx context.Context, book *domain.PositionBook) {
	t := &task{force: make(chan string, 1), snapshot: book.Position}
	id := book.Position.ID

	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		s.logger.Warn("scheduler stopping, position left for recovery", "position_id", id)
		return
	}
	s.tasks[id] = t
	s.refreshGauge()
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.tasks, id)
			s.refreshGauge()
			s.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				pos := t.position()
				s.logger.Error("panic in position task", "position_id", id, "panic", fmt.Sprint(r))
				s.alerts.Raise(context.WithoutCancel(ctx), pos, domain.AlertTaskPanic, fmt.Errorf("%v", r))
			}
		}()
		s.runTask(ctx, t, book)
	}()
}

// runTask drives entry then supervision on one goroutine, so the two never
// own the position at the same time.
func (s *Scheduler) runTask(ctx context.Context, t *task, book *domain.PositionBook) {
	publish := func(p domain.Position) {
		t.publish(p)
		s.mu.Lock()
		s.refreshGauge()
		s.mu.Unlock()
	}

	w := supervisor.NewWatch(book)
	if book.Position.Status.Entering() {
		e := executor.NewEntry(book)
		e.OnStep = publish
		if out := s.entry.Run(ctx, e, t.force); out != executor.Opened {
			return
		}
		w = supervisor.NewWatch(e.Book)
		if e.Forced() {
			w.Force(e.ForceNote)
		}
	}

	w.OnTick = publish
	s.exit.Run(ctx, w, t.force)
}

// refreshGauge must be called with s.mu held.
func (s *Scheduler) refreshGauge() {
	counts := map[domain.PositionStatus]int{
		domain.StatusSampling:    0,
		domain.StatusBuilding:    0,
		domain.StatusOpen:        0,
		domain.StatusReconciling: 0,
	}
	for _, t := range s.tasks {
		if st := t.position().Status; !st.Terminal() {
			counts[st]++
		}
	}
	for status, n := range counts {
		metrics.Positions.WithLabelValues(string(status)).Set(float64(n))
	}
}
