package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stakepilot/engine/internal/domain"
)

// ExecutionStore is an in-memory domain.ExecutionStore.
type ExecutionStore struct {
	mu    sync.RWMutex
	execs map[string]domain.Execution
}

// NewExecutionStore creates an empty ExecutionStore.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{execs: make(map[string]domain.Execution)}
}

// Create stores an execution record.
func (s *ExecutionStore) Create(_ context.Context, e domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[e.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.execs[e.ID] = e
	return nil
}

// GetByID returns the execution or domain.ErrNotFound.
func (s *ExecutionStore) GetByID(_ context.Context, id string) (domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.execs[id]
	if !ok {
		return domain.Execution{}, domain.ErrNotFound
	}
	return e, nil
}

// ListByStrategy returns the strategy's executions, newest first.
func (s *ExecutionStore) ListByStrategy(_ context.Context, strategyID string, opts domain.ListOpts) ([]domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Execution
	for _, e := range s.execs {
		if e.StrategyID == strategyID {
			out = append(out, e)
		}
	}
	sortNewestFirst(out)
	return paginate(out, opts), nil
}

// ListRecent returns up to limit executions, newest first.
func (s *ExecutionStore) ListRecent(_ context.Context, limit int) ([]domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Execution, 0, len(s.execs))
	for _, e := range s.execs {
		out = append(out, e)
	}
	sortNewestFirst(out)
	return paginate(out, domain.ListOpts{Limit: limit}), nil
}

// ListBefore returns executions created strictly before the cutoff, oldest
// first.
func (s *ExecutionStore) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Execution
	for _, e := range s.execs {
		if e.CreatedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, domain.ListOpts{Limit: limit}), nil
}

// DeleteBefore removes executions created strictly before the cutoff and
// returns the number removed.
func (s *ExecutionStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, e := range s.execs {
		if e.CreatedAt.Before(cutoff) {
			delete(s.execs, id)
			n++
		}
	}
	return n, nil
}

func sortNewestFirst(out []domain.Execution) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)
