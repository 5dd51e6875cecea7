// Package memory provides map-backed store implementations for tests and
// database-less runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/stakepilot/engine/internal/domain"
)

// StrategyStore is an in-memory domain.StrategyStore.
type StrategyStore struct {
	mu         sync.RWMutex
	strategies map[string]domain.Strategy
}

// NewStrategyStore creates an empty StrategyStore.
func NewStrategyStore() *StrategyStore {
	return &StrategyStore{strategies: make(map[string]domain.Strategy)}
}

// Create stores a strategy. It returns domain.ErrAlreadyExists on ID clash.
func (s *StrategyStore) Create(_ context.Context, st domain.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.strategies[st.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.strategies[st.ID] = st
	return nil
}

// GetByID returns the strategy or domain.ErrNotFound.
func (s *StrategyStore) GetByID(_ context.Context, id string) (domain.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.strategies[id]
	if !ok {
		return domain.Strategy{}, domain.ErrNotFound
	}
	return st, nil
}

// ListActive returns all strategies with active status, ordered by creation
// time then ID for deterministic iteration.
func (s *StrategyStore) ListActive(_ context.Context) ([]domain.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Strategy
	for _, st := range s.strategies {
		if st.Status == domain.StrategyStatusActive {
			out = append(out, st)
		}
	}
	sortStrategies(out)
	return out, nil
}

// List returns all strategies, paginated.
func (s *StrategyStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Strategy, 0, len(s.strategies))
	for _, st := range s.strategies {
		out = append(out, st)
	}
	sortStrategies(out)
	return paginate(out, opts), nil
}

// Patch applies a partial update.
func (s *StrategyStore) Patch(_ context.Context, p domain.StrategyPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.strategies[p.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status != nil {
		st.Status = *p.Status
	}
	st.Stats.TotalPredictions += p.AddPredictions
	st.Stats.TotalStakedMicro += p.AddStakedMicro
	s.strategies[p.ID] = st
	return nil
}

func sortStrategies(out []domain.Strategy) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}

func paginate[T any](in []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(in) {
			return nil
		}
		in = in[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(in) {
		in = in[:opts.Limit]
	}
	return in
}

var _ domain.StrategyStore = (*StrategyStore)(nil)
