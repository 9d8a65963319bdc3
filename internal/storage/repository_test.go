package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/tranche-trader/internal/domain"
)

var t0 = time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := NewDatabase(filepath.Join(t.TempDir(), "trader.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewRepository(db)
}

func seed(t *testing.T, repo *Repository, id string, tranches int) {
	t.Helper()
	ratios := []decimal.Decimal{d("0.3"), d("0.3"), d("0.4")}
	if tranches == 5 {
		ratios = []decimal.Decimal{d("0.2"), d("0.2"), d("0.2"), d("0.2"), d("0.2")}
	}
	pos := domain.Position{ID: id, Symbol: "SBER", Direction: domain.Long, Status: domain.StatusSampling, CreatedAt: t0}
	plan := domain.TranchePlan{
		PositionID:    id,
		Symbol:        "SBER",
		Direction:     domain.Long,
		TotalSize:     d("10"),
		TrancheRatios: ratios,
		StopLossPct:   d("3"),
		TakeProfitPct: d("5"),
		CreatedAt:     t0,
		Deadline:      t0.Add(30 * time.Minute),
	}
	require.NoError(t, repo.CreatePosition(context.Background(), pos, plan))
}

func fillAt(id string, idx int, price, qty string) domain.TrancheFill {
	return domain.TrancheFill{
		PositionID:   id,
		TrancheIndex: idx,
		Price:        d(price),
		Quantity:     d(qty),
		FilledAt:     t0.Add(time.Duration(idx) * time.Minute),
		OrderID:      "ord-" + id,
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, Migrate(repo.db))

	v, err := SchemaVersion(repo.db)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestRepository_CreateAndLoad(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seed(t, repo, "p1", 3)

	book, err := repo.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSampling, book.Position.Status)
	require.Len(t, book.Plan.TrancheRatios, 3)
	assert.True(t, book.Plan.TrancheRatios[2].Equal(d("0.4")))
	assert.True(t, book.Plan.Deadline.Equal(t0.Add(30*time.Minute)))
	assert.True(t, book.Plan.TotalSize.Equal(d("10")))
}

func TestRepository_CreateRejectsInvalidPlan(t *testing.T) {
	repo := newTestRepo(t)
	pos := domain.Position{ID: "bad", Symbol: "SBER", Direction: domain.Long, Status: domain.StatusSampling}
	plan := domain.TranchePlan{
		PositionID:    "bad",
		Symbol:        "SBER",
		Direction:     domain.Long,
		TotalSize:     d("1"),
		TrancheRatios: []decimal.Decimal{d("0.5"), d("0.3"), d("0.3")},
		CreatedAt:     t0,
		Deadline:      t0.Add(time.Hour),
	}
	err := repo.CreatePosition(context.Background(), pos, plan)
	assert.ErrorIs(t, err, domain.ErrInvalidPlan)
}

func TestRepository_AppendFillIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seed(t, repo, "p1", 3)
	require.NoError(t, repo.UpdateStatus(ctx, "p1", domain.StatusBuilding, domain.PositionFields{}))

	f0 := fillAt("p1", 0, "99", "3")
	require.NoError(t, repo.AppendFill(ctx, f0))
	require.NoError(t, repo.AppendFill(ctx, f0), "re-appending the same fill is a no-op")

	conflicting := f0
	conflicting.Price = d("98")
	assert.ErrorIs(t, repo.AppendFill(ctx, conflicting), domain.ErrFillConflict)

	require.NoError(t, repo.AppendFill(ctx, fillAt("p1", 2, "97", "4")))
	assert.ErrorIs(t, repo.AppendFill(ctx, fillAt("p1", 1, "98", "3")), domain.ErrFillConflict, "indices strictly increase")
	assert.ErrorIs(t, repo.AppendFill(ctx, fillAt("p1", 3, "98", "3")), domain.ErrFillConflict, "beyond the plan")

	book, err := repo.GetPosition(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, book.Fills, 2)
	// (99*3 + 97*4) / 7
	assert.True(t, book.Position.AvgEntryPrice.Equal(d("685").DivRound(d("7"), 12)), "avg %s", book.Position.AvgEntryPrice)
	assert.True(t, book.Position.TotalQuantityFilled.Equal(d("7")))
}

func TestRepository_AppendFillRejectedOnceOpen(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seed(t, repo, "p1", 3)
	require.NoError(t, repo.UpdateStatus(ctx, "p1", domain.StatusBuilding, domain.PositionFields{}))
	require.NoError(t, repo.AppendFill(ctx, fillAt("p1", 0, "99", "3")))
	require.NoError(t, repo.UpdateStatus(ctx, "p1", domain.StatusOpen, domain.PositionFields{}))

	assert.ErrorIs(t, repo.AppendFill(ctx, fillAt("p1", 1, "99", "3")), domain.ErrFillConflict)
	assert.NoError(t, repo.AppendFill(ctx, fillAt("p1", 0, "99", "3")), "replay of a recorded fill stays idempotent")
}

func TestRepository_UpdateStatusAndTerminal(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seed(t, repo, "p1", 3)

	opened := t0.Add(10 * time.Minute)
	closed := t0.Add(2 * time.Hour)
	require.NoError(t, repo.UpdateStatus(ctx, "p1", domain.StatusOpen, domain.PositionFields{
		StopLossPrice:   d("94.963"),
		TakeProfitPrice: d("102.795"),
		OpenedAt:        &opened,
	}))

	book, err := repo.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, book.Position.Status)
	assert.True(t, book.Position.StopLossPrice.Equal(d("94.963")))
	require.NotNil(t, book.Position.OpenedAt)
	assert.True(t, book.Position.OpenedAt.Equal(opened))

	require.NoError(t, repo.UpdateStatus(ctx, "p1", domain.StatusClosed, domain.PositionFields{
		StopLossPrice: d("98.4"),
		OpenedAt:      &opened,
		ClosedAt:      &closed,
		CloseReason:   domain.ReasonStopLoss,
		ClosePrice:    decimal.NewNullDecimal(d("98.4")),
		RealizedPnL:   decimal.NewNullDecimal(d("0.5")),
		Note:          "stop crossed",
	}))

	book, err = repo.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonStopLoss, book.Position.CloseReason)
	assert.True(t, book.Position.RealizedPnL.Valid)
	assert.True(t, book.Position.RealizedPnL.Decimal.Equal(d("0.5")))

	err = repo.UpdateStatus(ctx, "p1", domain.StatusOpen, domain.PositionFields{})
	assert.ErrorIs(t, err, domain.ErrPositionClosed)
	assert.ErrorIs(t, repo.UpdateStatus(ctx, "missing", domain.StatusOpen, domain.PositionFields{}), domain.ErrNotFound)
}

func TestRepository_LoadIncompletePositions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seed(t, repo, "building", 5)
	seed(t, repo, "closed", 3)
	seed(t, repo, "open", 3)

	require.NoError(t, repo.UpdateStatus(ctx, "building", domain.StatusBuilding, domain.PositionFields{}))
	require.NoError(t, repo.AppendFill(ctx, fillAt("building", 0, "100", "2")))
	require.NoError(t, repo.AppendFill(ctx, fillAt("building", 1, "102", "2")))
	require.NoError(t, repo.UpdateStatus(ctx, "closed", domain.StatusDiscarded, domain.PositionFields{}))
	require.NoError(t, repo.UpdateStatus(ctx, "open", domain.StatusOpen, domain.PositionFields{}))

	books, err := repo.LoadIncompletePositions(ctx)
	require.NoError(t, err)
	require.Len(t, books, 2)

	byID := map[string]*domain.PositionBook{}
	for _, b := range books {
		byID[b.Position.ID] = b
	}
	building := byID["building"]
	require.NotNil(t, building)
	assert.Len(t, building.Fills, 2)
	assert.Equal(t, 2, building.NextTranche())
	assert.True(t, building.Position.AvgEntryPrice.Equal(d("101")))
	assert.NotNil(t, byID["open"])
}

func TestRepository_Alerts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveAlert(ctx, domain.ReconciliationAlert{
		PositionID: "p1", Symbol: "SBER", Kind: domain.AlertFillNotPersisted, Detail: "disk full",
	}))
	alerts, err := repo.ListAlerts(ctx, false)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertFillNotPersisted, alerts[0].Kind)

	require.NoError(t, repo.ResolveAlert(ctx, alerts[0].ID))
	alerts, err = repo.ListAlerts(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	all, err := repo.ListAlerts(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.ErrorIs(t, repo.ResolveAlert(ctx, 99), domain.ErrNotFound)
}
