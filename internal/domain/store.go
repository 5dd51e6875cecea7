package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// StrategyStore persists strategies.
type StrategyStore interface {
	Create(ctx context.Context, s Strategy) error
	GetByID(ctx context.Context, id string) (Strategy, error)
	ListActive(ctx context.Context) ([]Strategy, error)
	List(ctx context.Context, opts ListOpts) ([]Strategy, error)
	Patch(ctx context.Context, p StrategyPatch) error
}

// ExecutionStore persists execution records.
type ExecutionStore interface {
	Create(ctx context.Context, e Execution) error
	GetByID(ctx context.Context, id string) (Execution, error)
	ListByStrategy(ctx context.Context, strategyID string, opts ListOpts) ([]Execution, error)
	ListRecent(ctx context.Context, limit int) ([]Execution, error)
	// ListBefore returns executions created strictly before the cutoff,
	// oldest first. DeleteBefore removes them after archival.
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]Execution, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SnapshotProvider returns the current set of open listings.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) ([]Listing, error)
}

// ListingCache caches the latest listing snapshot across restarts and
// processes.
type ListingCache interface {
	SetSnapshot(ctx context.Context, listings []Listing) error
	GetSnapshot(ctx context.Context) ([]Listing, error)
}
