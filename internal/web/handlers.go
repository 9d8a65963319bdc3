package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/tranche-trader/internal/domain"
	"github.com/camuig/tranche-trader/internal/scheduler"
)

type positionView struct {
	ID                    string              `json:"id"`
	Symbol                string              `json:"symbol"`
	Direction             string              `json:"direction"`
	Status                string              `json:"status"`
	AvgEntryPrice         decimal.Decimal     `json:"avg_entry_price"`
	TotalQuantityFilled   decimal.Decimal     `json:"total_quantity_filled"`
	StopLossPrice         decimal.Decimal     `json:"stop_loss_price"`
	TakeProfitPrice       decimal.Decimal     `json:"take_profit_price"`
	TrailingHighWaterMark decimal.Decimal     `json:"trailing_high_water_mark"`
	CreatedAt             time.Time           `json:"created_at"`
	OpenedAt              *time.Time          `json:"opened_at,omitempty"`
	ClosedAt              *time.Time          `json:"closed_at,omitempty"`
	CloseReason           string              `json:"close_reason,omitempty"`
	ClosePrice            decimal.NullDecimal `json:"close_price"`
	RealizedPnL           decimal.NullDecimal `json:"realized_pnl"`
	Note                  string              `json:"note,omitempty"`
}

func viewOf(p domain.Position) positionView {
	return positionView{
		ID:                    p.ID,
		Symbol:                p.Symbol,
		Direction:             string(p.Direction),
		Status:                string(p.Status),
		AvgEntryPrice:         p.AvgEntryPrice,
		TotalQuantityFilled:   p.TotalQuantityFilled,
		StopLossPrice:         p.StopLossPrice,
		TakeProfitPrice:       p.TakeProfitPrice,
		TrailingHighWaterMark: p.TrailingHighWaterMark,
		CreatedAt:             p.CreatedAt,
		OpenedAt:              p.OpenedAt,
		ClosedAt:              p.ClosedAt,
		CloseReason:           string(p.CloseReason),
		ClosePrice:            p.ClosePrice,
		RealizedPnL:           p.RealizedPnL,
		Note:                  p.Note,
	}
}

type alertView struct {
	ID         uint      `json:"id"`
	PositionID string    `json:"position_id"`
	Symbol     string    `json:"symbol"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

type signalRequest struct {
	Symbol        string            `json:"symbol"`
	Direction     string            `json:"direction"`
	Size          decimal.Decimal   `json:"size"`
	TrancheRatios []decimal.Decimal `json:"tranche_ratios,omitempty"`
	Deadline      string            `json:"deadline,omitempty"`
	StopLossPct   decimal.Decimal   `json:"stop_loss_pct"`
	TakeProfitPct decimal.Decimal   `json:"take_profit_pct"`
	Note          string            `json:"note,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /api/signals accepts an entry signal from the upstream strategy.
func (s *Server) handleSubmitSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed signal: "+err.Error())
		return
	}
	dir, err := domain.ParseDirection(req.Direction)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hints := scheduler.Hints{
		TrancheRatios: req.TrancheRatios,
		StopLossPct:   req.StopLossPct,
		TakeProfitPct: req.TakeProfitPct,
		Note:          req.Note,
	}
	if req.Deadline != "" {
		if hints.Deadline, err = time.ParseDuration(req.Deadline); err != nil {
			writeError(w, http.StatusBadRequest, "bad deadline: "+err.Error())
			return
		}
	}

	id, err := s.positions.SubmitEntrySignal(r.Context(), req.Symbol, dir, req.Size, hints)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"position_id": id})
	case errors.Is(err, domain.ErrInvalidPlan):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, scheduler.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("submit entry signal", "symbol", req.Symbol, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to submit signal")
	}
}

// GET /api/positions lists positions with a running task.
func (s *Server) handleListPositions(w http.ResponseWriter, _ *http.Request) {
	active := s.positions.Active()
	out := make([]positionView, 0, len(active))
	for _, p := range active {
		out = append(out, viewOf(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// GET /api/positions/{id}
func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pos, err := s.positions.GetPositionStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		s.logger.Error("get position", "position_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get position")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(pos))
}

// POST /api/positions/{id}/close?reason=...
func (s *Server) handleForceClose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "operator request"
	}

	err := s.positions.ForceClose(r.Context(), id, reason)
	switch {
	case err == nil:
		s.logger.Info("force close accepted", "position_id", id, "reason", reason)
		writeJSON(w, http.StatusAccepted, map[string]string{"position_id": id, "status": "close requested"})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "position not found")
	case errors.Is(err, domain.ErrPositionClosed), errors.Is(err, scheduler.ErrReconciling):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("force close", "position_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to force close")
	}
}

// GET /api/alerts lists unresolved reconciliation alerts.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.alerts.Pending(r.Context())
	if err != nil {
		s.logger.Error("list alerts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	out := make([]alertView, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, alertView{
			ID:         a.ID,
			PositionID: a.PositionID,
			Symbol:     a.Symbol,
			Kind:       string(a.Kind),
			Detail:     a.Detail,
			CreatedAt:  a.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
