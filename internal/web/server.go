// Package web serves the operator HTTP surface: metrics, health and positions.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/camuig/tranche-trader/internal/domain"
	"github.com/camuig/tranche-trader/internal/logger"
	"github.com/camuig/tranche-trader/internal/scheduler"
)

// Positions is the part of the position manager the API exposes.
type Positions interface {
	SubmitEntrySignal(ctx context.Context, symbol string, dir domain.Direction, totalSize decimal.Decimal, hints scheduler.Hints) (string, error)
	GetPositionStatus(ctx context.Context, positionID string) (domain.Position, error)
	Active() []domain.Position
	ForceClose(ctx context.Context, positionID, reason string) error
}

// Alerts lists reconciliation alerts an operator has not resolved yet.
type Alerts interface {
	Pending(ctx context.Context) ([]domain.ReconciliationAlert, error)
}

type Server struct {
	httpServer *http.Server
	positions  Positions
	alerts     Alerts
	port       int
	logger     *logger.Logger
}

func NewServer(port int, positions Positions, alerts Alerts, log *logger.Logger) *Server {
	s := &Server{
		positions: positions,
		alerts:    alerts,
		port:      port,
		logger:    log,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/signals", s.handleSubmitSignal)
	mux.HandleFunc("GET /api/positions", s.handleListPositions)
	mux.HandleFunc("GET /api/positions/{id}", s.handleGetPosition)
	mux.HandleFunc("POST /api/positions/{id}/close", s.handleForceClose)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	return mux
}

func (s *Server) Start() error {
	s.logger.Info("web server starting", "port", s.port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
