// Package memory is an in-process domain.PositionStore with the same
// idempotency and ordering rules as the SQLite repository.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/camuig/tranche-trader/internal/domain"
)

type Store struct {
	mu     sync.Mutex
	books  map[string]*domain.PositionBook
	order  []string
	alerts []domain.ReconciliationAlert
}

func NewStore() *Store {
	return &Store{books: make(map[string]*domain.PositionBook)}
}

func (s *Store) CreatePosition(_ context.Context, pos domain.Position, plan domain.TranchePlan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.books[pos.ID]; ok {
		return fmt.Errorf("position %s already exists", pos.ID)
	}
	book := &domain.PositionBook{Position: pos, Plan: plan}
	s.books[pos.ID] = book.Clone()
	s.order = append(s.order, pos.ID)
	return nil
}

func (s *Store) AppendFill(_ context.Context, fill domain.TrancheFill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	book, ok := s.books[fill.PositionID]
	if !ok {
		return fmt.Errorf("position %s: %w", fill.PositionID, domain.ErrNotFound)
	}
	for _, f := range book.Fills {
		if f.TrancheIndex == fill.TrancheIndex {
			if f.Same(fill) {
				return nil
			}
			return fmt.Errorf("%w: tranche %d of %s already recorded", domain.ErrFillConflict, fill.TrancheIndex, fill.PositionID)
		}
	}
	if !book.Position.Status.Entering() {
		return fmt.Errorf("%w: position %s is %s", domain.ErrFillConflict, fill.PositionID, book.Position.Status)
	}
	if err := book.CheckFill(fill); err != nil {
		return err
	}
	book.Fills = append(book.Fills, fill)
	return nil
}

func (s *Store) UpdateStatus(_ context.Context, positionID string, status domain.PositionStatus, f domain.PositionFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	book, ok := s.books[positionID]
	if !ok {
		return fmt.Errorf("position %s: %w", positionID, domain.ErrNotFound)
	}
	if book.Position.Status.Terminal() {
		return fmt.Errorf("position %s: %w", positionID, domain.ErrPositionClosed)
	}
	book.Position.Apply(status, f)
	return nil
}

func (s *Store) LoadIncompletePositions(_ context.Context) ([]*domain.PositionBook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.PositionBook
	for _, id := range s.order {
		book := s.books[id]
		if book.Position.Status.Terminal() {
			continue
		}
		c := book.Clone()
		c.Recompute()
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) GetPosition(_ context.Context, positionID string) (*domain.PositionBook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	book, ok := s.books[positionID]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", positionID, domain.ErrNotFound)
	}
	c := book.Clone()
	c.Recompute()
	return c, nil
}

func (s *Store) SaveAlert(_ context.Context, alert domain.ReconciliationAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert.ID = uint(len(s.alerts) + 1)
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *Store) ListAlerts(_ context.Context, includeResolved bool) ([]domain.ReconciliationAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ReconciliationAlert
	for _, a := range s.alerts {
		if a.Resolved && !includeResolved {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ResolveAlert(_ context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.alerts {
		if s.alerts[i].ID == id {
			s.alerts[i].Resolved = true
			return nil
		}
	}
	return fmt.Errorf("alert %d: %w", id, domain.ErrNotFound)
}

var _ domain.PositionStore = (*Store)(nil)
