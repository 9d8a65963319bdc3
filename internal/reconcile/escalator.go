// Package reconcile surfaces situations where a position's true state may be
// unknown, and records the operator's verdict once it has been checked.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/tranche-trader/internal/domain"
	"github.com/camuig/tranche-trader/internal/logger"
	"github.com/camuig/tranche-trader/internal/metrics"
)

type Escalator struct {
	store    domain.PositionStore
	notifier domain.Notifier
	logger   *logger.Logger
	now      func() time.Time
}

func NewEscalator(store domain.PositionStore, notifier domain.Notifier, log *logger.Logger) *Escalator {
	return &Escalator{store: store, notifier: notifier, logger: log, now: time.Now}
}

// Raise records the alert everywhere it can. Persisting may fail for the very
// reason the alert exists, so the log line and the notification go first.
func (e *Escalator) Raise(ctx context.Context, pos domain.Position, kind domain.AlertKind, cause error) domain.ReconciliationAlert {
	alert := domain.ReconciliationAlert{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Kind:       kind,
		CreatedAt:  e.now().UTC(),
	}
	if cause != nil {
		alert.Detail = cause.Error()
	}

	e.logger.Error("RECONCILIATION REQUIRED",
		"position_id", pos.ID, "symbol", pos.Symbol, "kind", string(kind),
		"status", string(pos.Status), "filled_qty", pos.TotalQuantityFilled.String(),
		"detail", alert.Detail)
	metrics.ReconciliationAlerts.WithLabelValues(string(kind)).Inc()
	e.notifier.NotifyAlert(alert)

	if err := e.store.SaveAlert(context.WithoutCancel(ctx), alert); err != nil {
		e.logger.Error("persist reconciliation alert", "position_id", pos.ID, "error", err)
	}
	return alert
}

// Pending lists unresolved alerts, oldest first.
func (e *Escalator) Pending(ctx context.Context) ([]domain.ReconciliationAlert, error) {
	return e.store.ListAlerts(ctx, false)
}

func (e *Escalator) Resolve(ctx context.Context, id uint) error {
	if err := e.store.ResolveAlert(ctx, id); err != nil {
		return err
	}
	e.logger.Info("reconciliation alert resolved", "alert_id", id)
	return nil
}

var ErrNotReconciling = errors.New("position is not reconciling")

// Settle writes the operator's verdict on a Reconciling position: Closed at
// closePrice when fills exist, Discarded otherwise. Every open alert for the
// position is resolved.
func (e *Escalator) Settle(ctx context.Context, positionID string, closePrice decimal.Decimal, note string) (domain.Position, error) {
	book, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return domain.Position{}, err
	}
	pos := book.Position
	if pos.Status != domain.StatusReconciling {
		return pos, fmt.Errorf("position %s is %s: %w", positionID, pos.Status, ErrNotReconciling)
	}

	now := e.now().UTC()
	fields := pos.Fields()
	fields.ClosedAt = &now
	fields.Note = "settled by operator: " + note

	status := domain.StatusDiscarded
	if pos.TotalQuantityFilled.IsPositive() {
		if !closePrice.IsPositive() {
			return pos, fmt.Errorf("position %s holds %s, close price required", positionID, pos.TotalQuantityFilled)
		}
		status = domain.StatusClosed
		fields.CloseReason = domain.ReasonManualForce
		fields.ClosePrice = decimal.NewNullDecimal(closePrice)
		fields.RealizedPnL = decimal.NewNullDecimal(
			domain.ProfitAt(pos.Direction, pos.AvgEntryPrice, closePrice, pos.TotalQuantityFilled))
	}
	if err := e.store.UpdateStatus(ctx, positionID, status, fields); err != nil {
		return pos, fmt.Errorf("settle %s: %w", positionID, err)
	}
	pos.Apply(status, fields)

	alerts, err := e.store.ListAlerts(ctx, false)
	if err != nil {
		return pos, err
	}
	for _, a := range alerts {
		if a.PositionID != positionID {
			continue
		}
		if err := e.Resolve(ctx, a.ID); err != nil {
			return pos, err
		}
	}
	e.logger.Info("position settled", "position_id", positionID, "status", string(status), "note", note)
	return pos, nil
}
