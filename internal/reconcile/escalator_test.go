package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/tranche-trader/internal/domain"
	"github.com/camuig/tranche-trader/internal/logger"
	"github.com/camuig/tranche-trader/internal/storage/memory"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type notifier struct {
	alerts []domain.ReconciliationAlert
}

func (n *notifier) NotifyFill(domain.Position, domain.TrancheFill) {}
func (n *notifier) NotifyOpened(domain.Position)                   {}
func (n *notifier) NotifyClosed(domain.Position)                   {}
func (n *notifier) NotifyAlert(a domain.ReconciliationAlert)       { n.alerts = append(n.alerts, a) }

type noAlerts struct {
	*memory.Store
}

func (noAlerts) SaveAlert(context.Context, domain.ReconciliationAlert) error {
	return errors.New("database is locked")
}

// seed stores a short position with the given fills and marks it Reconciling.
func seed(t *testing.T, store *memory.Store, id string, prices ...string) domain.Position {
	t.Helper()
	ctx := context.Background()
	plan := domain.TranchePlan{
		PositionID:    id,
		Symbol:        "GAZP",
		Direction:     domain.Short,
		TotalSize:     d("3"),
		TrancheRatios: []decimal.Decimal{d("0.3"), d("0.3"), d("0.4")},
		StopLossPct:   d("3"),
		TakeProfitPct: d("5"),
		CreatedAt:     t0.Add(-time.Hour),
		Deadline:      t0,
	}
	pos := domain.Position{ID: id, Symbol: "GAZP", Direction: domain.Short, Status: domain.StatusBuilding, CreatedAt: plan.CreatedAt}
	require.NoError(t, store.CreatePosition(ctx, pos, plan))
	for i, p := range prices {
		require.NoError(t, store.AppendFill(ctx, domain.TrancheFill{
			PositionID: id, TrancheIndex: i, Price: d(p), Quantity: plan.TrancheQuantity(i),
			FilledAt: plan.CreatedAt, OrderID: id + "-" + p,
		}))
	}
	require.NoError(t, store.UpdateStatus(ctx, id, domain.StatusReconciling, domain.PositionFields{Note: "fill not recorded"}))
	book, err := store.GetPosition(ctx, id)
	require.NoError(t, err)
	return book.Position
}

func newEscalator(store domain.PositionStore, n *notifier) *Escalator {
	e := NewEscalator(store, n, logger.Discard())
	e.now = func() time.Time { return t0 }
	return e
}

func TestRaise_PersistsAndNotifies(t *testing.T) {
	store := memory.NewStore()
	n := &notifier{}
	e := newEscalator(store, n)
	pos := seed(t, store, "p1", "100")

	alert := e.Raise(context.Background(), pos, domain.AlertFillNotPersisted, errors.New("disk full"))
	assert.Equal(t, "disk full", alert.Detail)
	assert.Equal(t, t0, alert.CreatedAt)
	require.Len(t, n.alerts, 1)

	pending, err := e.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.AlertFillNotPersisted, pending[0].Kind)
	assert.Equal(t, "GAZP", pending[0].Symbol)
}

func TestRaise_NotifiesEvenWhenStoreFails(t *testing.T) {
	store := memory.NewStore()
	n := &notifier{}
	e := newEscalator(noAlerts{store}, n)
	pos := seed(t, store, "p1", "100")

	e.Raise(context.Background(), pos, domain.AlertCloseNotPersisted, errors.New("database is locked"))
	assert.Len(t, n.alerts, 1)
}

func TestResolve(t *testing.T) {
	store := memory.NewStore()
	e := newEscalator(store, &notifier{})
	pos := seed(t, store, "p1", "100")
	ctx := context.Background()

	e.Raise(ctx, pos, domain.AlertVenueExhausted, nil)
	pending, err := e.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, e.Resolve(ctx, pending[0].ID))
	pending, err = e.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.ErrorIs(t, e.Resolve(ctx, 99), domain.ErrNotFound)
}

func TestSettle_ClosesFilledShort(t *testing.T) {
	store := memory.NewStore()
	e := newEscalator(store, &notifier{})
	ctx := context.Background()
	pos := seed(t, store, "p1", "100", "102")
	e.Raise(ctx, pos, domain.AlertFillNotPersisted, errors.New("tranche 2 lost"))

	settled, err := e.Settle(ctx, "p1", d("99"), "broker shows flat")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, settled.Status)
	assert.Equal(t, domain.ReasonManualForce, settled.CloseReason)
	// 0.9 @ 100 and 0.9 @ 102 average 101; short covered at 99 earns 2 * 1.8.
	assert.True(t, settled.RealizedPnL.Decimal.Equal(d("3.6")), settled.RealizedPnL.Decimal.String())

	book, err := store.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, book.Position.Status)
	assert.Contains(t, book.Position.Note, "broker shows flat")

	pending, err := e.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSettle_DiscardsWithoutFills(t *testing.T) {
	store := memory.NewStore()
	e := newEscalator(store, &notifier{})
	seed(t, store, "p1")

	settled, err := e.Settle(context.Background(), "p1", decimal.Zero, "order never reached the exchange")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDiscarded, settled.Status)
	assert.False(t, settled.ClosePrice.Valid)
}

func TestSettle_Refuses(t *testing.T) {
	store := memory.NewStore()
	e := newEscalator(store, &notifier{})
	ctx := context.Background()
	seed(t, store, "p1", "100")

	_, err := e.Settle(ctx, "p1", decimal.Zero, "")
	assert.Error(t, err, "filled position needs a close price")

	_, err = e.Settle(ctx, "missing", d("1"), "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = e.Settle(ctx, "p1", d("99"), "done")
	require.NoError(t, err)
	_, err = e.Settle(ctx, "p1", d("99"), "again")
	assert.ErrorIs(t, err, ErrNotReconciling)
}
