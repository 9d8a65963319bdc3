package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/camuig/tranche-trader/internal/domain"
)

var incompleteStatuses = []string{
	string(domain.StatusSampling),
	string(domain.StatusBuilding),
	string(domain.StatusOpen),
	string(domain.StatusReconciling),
}

var terminalStatuses = []string{
	string(domain.StatusClosed),
	string(domain.StatusDiscarded),
}

// Repository is the SQLite-backed domain.PositionStore.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Positions

func (r *Repository) CreatePosition(ctx context.Context, pos domain.Position, plan domain.TranchePlan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	if pos.ID != plan.PositionID {
		return fmt.Errorf("%w: plan for %s attached to %s", domain.ErrInvalidPlan, plan.PositionID, pos.ID)
	}
	posRow := positionRow(pos)
	planRow := planRow(plan)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&posRow).Error; err != nil {
			return fmt.Errorf("insert position: %w", err)
		}
		if err := tx.Create(&planRow).Error; err != nil {
			return fmt.Errorf("insert tranche plan: %w", err)
		}
		return nil
	})
}

func (r *Repository) AppendFill(ctx context.Context, fill domain.TrancheFill) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pos PositionRow
		if err := tx.First(&pos, "id = ?", fill.PositionID).Error; err != nil {
			return notFound(err, "position "+fill.PositionID)
		}

		var existing TrancheFillRow
		err := tx.Where("position_id = ? AND tranche_index = ?", fill.PositionID, fill.TrancheIndex).
			Take(&existing).Error
		switch {
		case err == nil:
			if existing.toDomain().Same(fill) {
				return nil
			}
			return fmt.Errorf("%w: tranche %d of %s already recorded", domain.ErrFillConflict, fill.TrancheIndex, fill.PositionID)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("read fill: %w", err)
		}

		if !domain.PositionStatus(pos.Status).Entering() {
			return fmt.Errorf("%w: position %s is %s", domain.ErrFillConflict, pos.ID, pos.Status)
		}

		var last sql.NullInt64
		if err := tx.Model(&TrancheFillRow{}).Select("MAX(tranche_index)").
			Where("position_id = ?", fill.PositionID).Scan(&last).Error; err != nil {
			return fmt.Errorf("read last fill: %w", err)
		}
		if last.Valid && int64(fill.TrancheIndex) <= last.Int64 {
			return fmt.Errorf("%w: tranche %d after %d", domain.ErrFillConflict, fill.TrancheIndex, last.Int64)
		}

		var tranches int64
		if err := tx.Model(&TrancheRatioRow{}).Where("position_id = ?", fill.PositionID).Count(&tranches).Error; err != nil {
			return fmt.Errorf("count tranches: %w", err)
		}
		if fill.TrancheIndex < 0 || int64(fill.TrancheIndex) >= tranches {
			return fmt.Errorf("%w: tranche %d of %d", domain.ErrFillConflict, fill.TrancheIndex, tranches)
		}

		row := fillRow(fill)
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert fill: %w", err)
		}
		return nil
	})
}

// UpdateStatus writes the status and every mutable field in one statement.
// Terminal positions are never rewritten.
func (r *Repository) UpdateStatus(ctx context.Context, positionID string, status domain.PositionStatus, f domain.PositionFields) error {
	res := r.db.WithContext(ctx).Model(&PositionRow{}).
		Where("id = ? AND status NOT IN ?", positionID, terminalStatuses).
		Updates(map[string]any{
			"status":                   string(status),
			"stop_loss_price":          f.StopLossPrice,
			"take_profit_price":        f.TakeProfitPrice,
			"trailing_high_water_mark": f.TrailingHighWaterMark,
			"opened_at":                f.OpenedAt,
			"closed_at":                f.ClosedAt,
			"close_reason":             string(f.CloseReason),
			"close_price":              f.ClosePrice,
			"realized_pnl":             f.RealizedPnL,
			"note":                     f.Note,
			"updated_at":               time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("update position %s: %w", positionID, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&PositionRow{}).Where("id = ?", positionID).Count(&count).Error; err != nil {
		return fmt.Errorf("check position %s: %w", positionID, err)
	}
	if count == 0 {
		return fmt.Errorf("position %s: %w", positionID, domain.ErrNotFound)
	}
	return fmt.Errorf("position %s: %w", positionID, domain.ErrPositionClosed)
}

func (r *Repository) LoadIncompletePositions(ctx context.Context) ([]*domain.PositionBook, error) {
	return r.ListPositions(ctx, incompleteStatuses...)
}

// ListPositions loads every position in one of the given statuses, oldest first.
func (r *Repository) ListPositions(ctx context.Context, statuses ...string) ([]*domain.PositionBook, error) {
	var rows []PositionRow
	if err := r.db.WithContext(ctx).Where("status IN ?", statuses).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	books := make([]*domain.PositionBook, 0, len(rows))
	for _, row := range rows {
		book, err := r.loadBook(ctx, row)
		if err != nil {
			return nil, err
		}
		books = append(books, book)
	}
	return books, nil
}

func (r *Repository) GetPosition(ctx context.Context, positionID string) (*domain.PositionBook, error) {
	var row PositionRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", positionID).Error; err != nil {
		return nil, notFound(err, "position "+positionID)
	}
	return r.loadBook(ctx, row)
}

func (r *Repository) loadBook(ctx context.Context, row PositionRow) (*domain.PositionBook, error) {
	var plan TranchePlanRow
	if err := r.db.WithContext(ctx).Preload("Ratios").First(&plan, "position_id = ?", row.ID).Error; err != nil {
		return nil, notFound(err, "tranche plan "+row.ID)
	}
	var fills []TrancheFillRow
	if err := r.db.WithContext(ctx).Where("position_id = ?", row.ID).Order("tranche_index").Find(&fills).Error; err != nil {
		return nil, fmt.Errorf("load fills %s: %w", row.ID, err)
	}
	return buildBook(row, plan, fills)
}

// Reconciliation alerts

func (r *Repository) SaveAlert(ctx context.Context, alert domain.ReconciliationAlert) error {
	row := AlertRow{
		PositionID: alert.PositionID,
		Symbol:     alert.Symbol,
		Kind:       string(alert.Kind),
		Detail:     alert.Detail,
		Resolved:   alert.Resolved,
	}
	if !alert.CreatedAt.IsZero() {
		row.CreatedAt = alert.CreatedAt
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *Repository) ListAlerts(ctx context.Context, includeResolved bool) ([]domain.ReconciliationAlert, error) {
	var rows []AlertRow
	q := r.db.WithContext(ctx).Order("created_at")
	if !includeResolved {
		q = q.Where("resolved = ?", false)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	alerts := make([]domain.ReconciliationAlert, len(rows))
	for i, row := range rows {
		alerts[i] = row.toDomain()
	}
	return alerts, nil
}

func (r *Repository) ResolveAlert(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Model(&AlertRow{}).Where("id = ?", id).Update("resolved", true)
	if res.Error != nil {
		return fmt.Errorf("resolve alert %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("alert %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return fmt.Errorf("read %s: %w", what, err)
}

var _ domain.PositionStore = (*Repository)(nil)
