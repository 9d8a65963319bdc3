package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/tranche-trader/internal/domain"
	"github.com/camuig/tranche-trader/internal/logger"
	"github.com/camuig/tranche-trader/internal/reconcile"
	"github.com/camuig/tranche-trader/internal/retry"
	"github.com/camuig/tranche-trader/internal/sampler"
	"github.com/camuig/tranche-trader/internal/storage/memory"
)

var t0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(dt time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(dt)
	c.mu.Unlock()
}

type feed struct {
	mu    sync.Mutex
	price decimal.Decimal
	err   error
}

func (f *feed) Set(p string) {
	f.mu.Lock()
	f.price, f.err = d(p), nil
	f.mu.Unlock()
}

func (f *feed) GetCurrentPrice(_ context.Context, symbol string) (domain.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Quote{}, f.err
	}
	return domain.Quote{Symbol: symbol, Price: f.price}, nil
}

type venue struct {
	mu     sync.Mutex
	orders []domain.OrderRequest
	err    error
}

func (v *venue) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return domain.OrderResult{}, v.err
	}
	v.orders = append(v.orders, req)
	return domain.OrderResult{
		OrderID:        fmt.Sprintf("%s-%d", req.PositionID, req.TrancheIndex),
		FilledPrice:    req.PriceHint,
		FilledQuantity: req.Quantity,
	}, nil
}

func (v *venue) ClosePosition(_ context.Context, req domain.CloseRequest) (domain.CloseResult, error) {
	return domain.CloseResult{OrderID: "close-" + req.PositionID, ClosePrice: req.PriceHint}, nil
}

type notifier struct {
	mu     sync.Mutex
	fills  int
	opened int
	alerts []domain.ReconciliationAlert
}

func (n *notifier) NotifyFill(domain.Position, domain.TrancheFill) {
	n.mu.Lock()
	n.fills++
	n.mu.Unlock()
}

func (n *notifier) NotifyOpened(domain.Position) {
	n.mu.Lock()
	n.opened++
	n.mu.Unlock()
}

func (n *notifier) NotifyClosed(domain.Position) {}

func (n *notifier) NotifyAlert(a domain.ReconciliationAlert) {
	n.mu.Lock()
	n.alerts = append(n.alerts, a)
	n.mu.Unlock()
}

// brokenFills loses every fill write.
type brokenFills struct {
	*memory.Store
}

func (b brokenFills) AppendFill(context.Context, domain.TrancheFill) error {
	return errors.New("disk I/O error")
}

type harness struct {
	clock    *clock
	feed     *feed
	venue    *venue
	store    *memory.Store
	notifier *notifier
	samplers *sampler.Registry
	sched    *TrancheScheduler
}

func newHarness(t *testing.T, store domain.PositionStore) *harness {
	t.Helper()
	h := &harness{
		clock:    &clock{now: t0},
		feed:     &feed{},
		venue:    &venue{},
		notifier: &notifier{},
	}
	if ms, ok := store.(*memory.Store); ok {
		h.store = ms
	} else if bf, ok := store.(brokenFills); ok {
		h.store = bf.Store
	}
	h.samplers = sampler.NewRegistry(15*time.Minute, 5, sampler.WithClock(h.clock.Now))
	log := logger.Discard()
	alerts := reconcile.NewEscalator(store, h.notifier, log)
	h.sched = NewTrancheScheduler(h.feed, h.venue, store, h.samplers, h.notifier, alerts,
		Config{
			PollInterval:  time.Millisecond,
			Cooldown:      time.Minute,
			WarmupTimeout: 15 * time.Minute,
			FeedTimeout:   time.Second,
		},
		retry.Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxAttempts: 2},
		log)
	h.sched.SetClock(h.clock.Now)
	return h
}

// warm puts ten samples at 100 into the window so p50 = p90 = 100.
func (h *harness) warm(symbol string) {
	for i := 10; i > 0; i-- {
		h.samplers.AddSample(symbol, d("100"), decimal.Zero, t0.Add(-time.Duration(i)*time.Second))
	}
}

func (h *harness) create(t *testing.T, id string, status domain.PositionStatus, ratios ...string) *domain.PositionBook {
	t.Helper()
	rs := make([]decimal.Decimal, len(ratios))
	for i, r := range ratios {
		rs[i] = d(r)
	}
	pos := domain.Position{ID: id, Symbol: "SBER", Direction: domain.Long, Status: status, CreatedAt: t0}
	plan := domain.TranchePlan{
		PositionID:    id,
		Symbol:        "SBER",
		Direction:     domain.Long,
		TotalSize:     d("1"),
		TrancheRatios: rs,
		StopLossPct:   d("3"),
		TakeProfitPct: d("5"),
		CreatedAt:     t0,
		Deadline:      t0.Add(30 * time.Minute),
	}
	require.NoError(t, h.store.CreatePosition(context.Background(), pos, plan))
	book, err := h.store.GetPosition(context.Background(), id)
	require.NoError(t, err)
	return book
}

// wholeLots refuses fractional quantities.
type wholeLots struct{ *venue }

func (wholeLots) ValidateQuantity(_ string, qty decimal.Decimal) error {
	if !qty.Equal(qty.Truncate(0)) {
		return fmt.Errorf("%w: %s lots", domain.ErrOrderRejected, qty)
	}
	return nil
}

func TestValidatePlan_WholeLots(t *testing.T) {
	h := newHarness(t, memory.NewStore())
	plan := domain.TranchePlan{
		Symbol:        "SBER",
		TotalSize:     d("1"),
		TrancheRatios: []decimal.Decimal{d("0.3"), d("0.3"), d("0.4")},
	}
	assert.NoError(t, h.sched.ValidatePlan(plan), "venue without lot rules accepts any size")

	strict := NewTrancheScheduler(h.feed, wholeLots{h.venue}, h.store, h.samplers, h.notifier, nil,
		Config{}, retry.Policy{}, logger.Discard())
	err := strict.ValidatePlan(plan)
	assert.ErrorIs(t, err, domain.ErrInvalidPlan)
	assert.ErrorContains(t, err, "tranche 0")

	plan.TotalSize = d("10")
	assert.NoError(t, strict.ValidatePlan(plan))
}

func TestStep_FillsThreeTranchesAndOpens(t *testing.T) {
	h := newHarness(t, memory.NewStore())
	ctx := context.Background()
	h.warm("SBER")
	e := NewEntry(h.create(t, "p1", domain.StatusSampling, "0.3", "0.3", "0.4"))

	h.feed.Set("99")
	assert.Equal(t, Pending, h.sched.Step(ctx, e))
	assert.Equal(t, domain.StatusBuilding, e.Book.Position.Status)
	require.Len(t, e.Book.Fills, 1)

	h.feed.Set("98")
	assert.Equal(t, Pending, h.sched.Step(ctx, e), "cooldown blocks the next tranche")
	require.Len(t, e.Book.Fills, 1)

	h.clock.Advance(time.Minute)
	assert.Equal(t, Pending, h.sched.Step(ctx, e))
	h.clock.Advance(time.Minute)
	h.feed.Set("97")
	assert.Equal(t, Opened, h.sched.Step(ctx, e))

	pos := e.Book.Position
	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.True(t, pos.AvgEntryPrice.Equal(d("97.9")), pos.AvgEntryPrice.String())
	assert.True(t, pos.TotalQuantityFilled.Equal(d("1")))
	assert.True(t, pos.StopLossPrice.Equal(d("94.963")), pos.StopLossPrice.String())
	require.NotNil(t, pos.OpenedAt)

	stored, err := h.store.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, stored.Position.Status)
	assert.Len(t, stored.Fills, 3)
	assert.True(t, stored.Position.AvgEntryPrice.Equal(d("97.9")))
	assert.Equal(t, 3, h.notifier.fills)
	assert.Equal(t, 1, h.notifier.opened)
}

func TestStep_WaitsWhilePriceAboveP90(t *testing.T) {
	h := newHarness(t, memory.NewStore())
	h.warm("SBER")
	e := NewEntry(h.create(t, "p1", domain.StatusBuilding, "0.3", "0.3", "0.4"))

	h.feed.Set("100.5")
	assert.Equal(t, Pending, h.sched.Step(context.Background(), e))
	assert.Empty(t, h.venue.orders)
}

func TestStep_FeedUnavailableSkipsTick(t *testing.T) {
	h := newHarness(t, memory.NewStore())
	h.warm("SBER")
	e := NewEntry(h.create(t, "p1", domain.StatusBuilding, "0.3", "0.3", "0.4"))

	h.feed.err = domain.ErrPriceUnavailable
	assert.Equal(t, Pending, h.sched.Step(context.Background(), e))
	assert.Empty(t, h.venue.orders)
}

func TestStep_ResumesAfterRestartWithoutDuplicates(t *testing.T) {
	store := memory.NewStore()
	h := newHarness(t, store)
	ctx := context.Background()
	h.warm("SBER")
	h.create(t, "p1", domain.StatusBuilding, "0.2", "0.2", "0.2", "0.2", "0.2")
	for i, p := range []string{"100", "102"} {
		require.NoError(t, store.AppendFill(ctx, domain.TrancheFill{
			PositionID: "p1", TrancheIndex: i, Price: d(p), Quantity: d("0.2"),
			FilledAt: t0.Add(-time.Duration(2-i) * time.Minute), OrderID: fmt.Sprintf("pre-%d", i),
		}))
	}

	books, err := store.LoadIncompletePositions(ctx)
	require.NoError(t, err)
	require.Len(t, books, 1)
	e := NewEntry(books[0])
	assert.Equal(t, 2, e.Book.NextTranche())

	for _, p := range []string{"99", "98", "97"} {
		h.feed.Set(p)
		h.sched.Step(ctx, e)
		h.clock.Advance(time.Minute)
	}

	require.Len(t, h.venue.orders, 3)
	for i, o := range h.venue.orders {
		assert.Equal(t, i+2, o.TrancheIndex)
	}
	stored, err := store.GetPosition(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, stored.Fills, 5)
	assert.Equal(t, "pre-0", stored.Fills[0].OrderID)
	assert.Equal(t, "pre-1", stored.Fills[1].OrderID)
	assert.Equal(t, domain.StatusOpen, stored.Position.Status)

	avg, _ := domain.CostBasis(stored.Fills)
	assert.True(t, stored.Position.AvgEntryPrice.Equal(avg))
	assert.True(t, avg.Equal(d("99.2")), avg.String())
}

func TestStep_DeadlineOpensPartialFill(t *testing.T) {
	h := newHarness(t, memory.NewStore())
	ctx := context.Background()
	h.warm("SBER")
	e := NewEntry(h.create(t, "p1", domain.StatusBuilding, "0.3", "0.3", "0.4"))

	h.feed.Set("99")
	require.Equal(t, Pending, h.sched.Step(ctx, e))
	h.clock.Advance(30 * time.Minute)

	assert.Equal(t, Opened, h.sched.Step(ctx, e))
	assert.True(t, e.Book.Position.TotalQuantityFilled.Equal(d("0.3")))
	assert.Contains(t, e.Book.Position.Note, "1 of 3")
	assert.Len(t, h.venue.orders, 1)
}

func TestStep_DeadlineWithoutFillsDiscards(t *testing.T) {
	h := newHarness(t, memory.NewStore())
	ctx := context.Background()
	h.warm("SBER")
	e := NewEntry(h.create(t, "p1", domain.StatusBuilding, "0.3", "0.3", "0.4"))

	h.clock.Advance(31 * time.Minute)
	assert.Equal(t, Discarded, h.sched.Step(ctx, e))

	stored, err := h.store.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDiscarded, stored.Position.Status)
	assert.Empty(t, h.venue.orders)
}

func TestStep_WarmupTimeoutDiscards(t *testing.T) {
	h := newHarness(t, memory.NewStore())
	ctx := context.Background()
	e := NewEntry(h.create(t, "p1", domain.StatusSampling, "0.3", "0.3", "0.4"))

	h.feed.Set("99")
	assert.Equal(t, Pending, h.sched.Step(ctx, e))
	assert.Equal(t, domain.StatusSampling, e.Book.Position.Status)

	h.clock.Advance(15 * time.Minute)
	assert.Equal(t, Discarded, h.sched.Step(ctx, e))
	assert.Empty(t, h.venue.orders)
}

func TestStep_AbandonAfterFillOpens(t *testing.T) {
	h := newHarness(t, memory.NewStore())
	ctx := context.Background()
	h.warm("SBER")
	e := NewEntry(h.create(t, "p1", domain.StatusBuilding, "0.3", "0.3", "0.4"))

	h.feed.Set("99")
	h.sched.Step(ctx, e)
	e.Abandon("operator")

	assert.Equal(t, Opened, h.sched.Step(ctx, e))
	assert.True(t, e.Forced())
	assert.Len(t, e.Book.Fills, 1)
}

func TestStep_AbandonBeforeFillDiscards(t *testing.T) {
	h := newHarness(t, memory.NewStore())
	e := NewEntry(h.create(t, "p1", domain.StatusSampling, "0.3", "0.3", "0.4"))
	e.Abandon("operator")

	assert.Equal(t, Discarded, h.sched.Step(context.Background(), e))
}

func TestStep_LostFillWriteGoesReconciling(t *testing.T) {
	mem := memory.NewStore()
	h := newHarness(t, brokenFills{Store: mem})
	ctx := context.Background()
	h.warm("SBER")
	e := NewEntry(h.create(t, "p1", domain.StatusBuilding, "0.3", "0.3", "0.4"))

	h.feed.Set("99")
	assert.Equal(t, Reconciling, h.sched.Step(ctx, e))
	assert.Equal(t, domain.StatusReconciling, e.Book.Position.Status)
	assert.Empty(t, e.Book.Fills)

	stored, err := mem.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReconciling, stored.Position.Status)

	alerts, err := mem.ListAlerts(ctx, false)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertFillNotPersisted, alerts[0].Kind)
	assert.Len(t, h.notifier.alerts, 1)
}

func TestStep_VenueExhaustedRaisesAlert(t *testing.T) {
	h := newHarness(t, memory.NewStore())
	ctx := context.Background()
	h.warm("SBER")
	e := NewEntry(h.create(t, "p1", domain.StatusBuilding, "0.3", "0.3", "0.4"))

	h.venue.err = errors.New("connection reset")
	h.feed.Set("99")
	assert.Equal(t, Pending, h.sched.Step(ctx, e))
	assert.Empty(t, e.Book.Fills)

	alerts, err := h.store.ListAlerts(ctx, false)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertVenueExhausted, alerts[0].Kind)
}

func TestStep_RejectedOrderIsNotRetried(t *testing.T) {
	h := newHarness(t, memory.NewStore())
	ctx := context.Background()
	h.warm("SBER")
	e := NewEntry(h.create(t, "p1", domain.StatusBuilding, "0.3", "0.3", "0.4"))

	h.venue.err = retry.Permanent(domain.ErrOrderRejected)
	h.feed.Set("99")
	assert.Equal(t, Pending, h.sched.Step(ctx, e))

	alerts, err := h.store.ListAlerts(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestRun_ReturnsStoppedOnCancel(t *testing.T) {
	h := newHarness(t, memory.NewStore())
	e := NewEntry(h.create(t, "p1", domain.StatusSampling, "0.3", "0.3", "0.4"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() { done <- h.sched.Run(ctx, e, nil) }()
	cancel()

	select {
	case out := <-done:
		assert.Equal(t, Stopped, out)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ForceDuringBuilding(t *testing.T) {
	h := newHarness(t, memory.NewStore())
	h.warm("SBER")
	e := NewEntry(h.create(t, "p1", domain.StatusBuilding, "0.3", "0.3", "0.4"))
	h.feed.Set("99")
	require.Equal(t, Pending, h.sched.Step(context.Background(), e))
	h.feed.Set("101")

	force := make(chan string, 1)
	force <- "operator"
	out := h.sched.Run(context.Background(), e, force)

	assert.Equal(t, Opened, out)
	assert.Equal(t, "operator", e.ForceNote)
}
