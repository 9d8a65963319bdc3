package storage

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/camuig/tranche-trader/internal/domain"
)

func positionRow(pos domain.Position) PositionRow {
	return PositionRow{
		ID:                    pos.ID,
		CreatedAt:             pos.CreatedAt,
		Symbol:                pos.Symbol,
		Direction:             string(pos.Direction),
		Status:                string(pos.Status),
		StopLossPrice:         pos.StopLossPrice,
		TakeProfitPrice:       pos.TakeProfitPrice,
		TrailingHighWaterMark: pos.TrailingHighWaterMark,
		OpenedAt:              pos.OpenedAt,
		ClosedAt:              pos.ClosedAt,
		CloseReason:           string(pos.CloseReason),
		ClosePrice:            pos.ClosePrice,
		RealizedPnL:           pos.RealizedPnL,
		Note:                  pos.Note,
	}
}

func planRow(plan domain.TranchePlan) TranchePlanRow {
	row := TranchePlanRow{
		PositionID:    plan.PositionID,
		SchemaVersion: domain.TranchePlanSchemaVersion,
		Symbol:        plan.Symbol,
		Direction:     string(plan.Direction),
		TotalSize:     plan.TotalSize,
		StopLossPct:   plan.StopLossPct,
		TakeProfitPct: plan.TakeProfitPct,
		CreatedAt:     plan.CreatedAt,
		Deadline:      plan.Deadline,
	}
	for i, r := range plan.TrancheRatios {
		row.Ratios = append(row.Ratios, TrancheRatioRow{PositionID: plan.PositionID, TrancheIndex: i, Ratio: r})
	}
	return row
}

func fillRow(f domain.TrancheFill) TrancheFillRow {
	return TrancheFillRow{
		PositionID:   f.PositionID,
		TrancheIndex: f.TrancheIndex,
		Price:        f.Price,
		Quantity:     f.Quantity,
		FilledAt:     f.FilledAt,
		OrderID:      f.OrderID,
	}
}

func (r TrancheFillRow) toDomain() domain.TrancheFill {
	return domain.TrancheFill{
		PositionID:   r.PositionID,
		TrancheIndex: r.TrancheIndex,
		Price:        r.Price,
		Quantity:     r.Quantity,
		FilledAt:     r.FilledAt,
		OrderID:      r.OrderID,
	}
}

func (r AlertRow) toDomain() domain.ReconciliationAlert {
	return domain.ReconciliationAlert{
		ID:         r.ID,
		PositionID: r.PositionID,
		Symbol:     r.Symbol,
		Kind:       domain.AlertKind(r.Kind),
		Detail:     r.Detail,
		CreatedAt:  r.CreatedAt,
		Resolved:   r.Resolved,
	}
}

// buildBook assembles a PositionBook from its rows and recomputes the derived
// entry fields from the fill log.
func buildBook(pos PositionRow, plan TranchePlanRow, fills []TrancheFillRow) (*domain.PositionBook, error) {
	if plan.SchemaVersion > domain.TranchePlanSchemaVersion {
		return nil, fmt.Errorf("position %s: unsupported plan schema version %d", pos.ID, plan.SchemaVersion)
	}
	dir, err := domain.ParseDirection(pos.Direction)
	if err != nil {
		return nil, fmt.Errorf("position %s: %w", pos.ID, err)
	}

	sort.Slice(plan.Ratios, func(i, j int) bool { return plan.Ratios[i].TrancheIndex < plan.Ratios[j].TrancheIndex })
	ratios := make([]decimal.Decimal, len(plan.Ratios))
	for i, r := range plan.Ratios {
		if r.TrancheIndex != i {
			return nil, fmt.Errorf("position %s: tranche ratio index gap at %d", pos.ID, i)
		}
		ratios[i] = r.Ratio
	}

	sort.Slice(fills, func(i, j int) bool { return fills[i].TrancheIndex < fills[j].TrancheIndex })
	book := &domain.PositionBook{
		Position: domain.Position{
			ID:                    pos.ID,
			Symbol:                pos.Symbol,
			Direction:             dir,
			Status:                domain.PositionStatus(pos.Status),
			StopLossPrice:         pos.StopLossPrice,
			TakeProfitPrice:       pos.TakeProfitPrice,
			TrailingHighWaterMark: pos.TrailingHighWaterMark,
			CreatedAt:             pos.CreatedAt,
			OpenedAt:              pos.OpenedAt,
			ClosedAt:              pos.ClosedAt,
			CloseReason:           domain.CloseReason(pos.CloseReason),
			ClosePrice:            pos.ClosePrice,
			RealizedPnL:           pos.RealizedPnL,
			Note:                  pos.Note,
		},
		Plan: domain.TranchePlan{
			PositionID:    plan.PositionID,
			Symbol:        plan.Symbol,
			Direction:     dir,
			TotalSize:     plan.TotalSize,
			TrancheRatios: ratios,
			StopLossPct:   plan.StopLossPct,
			TakeProfitPct: plan.TakeProfitPct,
			CreatedAt:     plan.CreatedAt,
			Deadline:      plan.Deadline,
		},
	}
	for _, f := range fills {
		book.Fills = append(book.Fills, f.toDomain())
	}
	book.Recompute()
	return book, nil
}
