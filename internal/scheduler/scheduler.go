// Package scheduler drives the engine's single cooperative evaluation loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stakepilot/engine/internal/domain"
)

const (
	// DefaultInterval is the steady-state tick cadence.
	DefaultInterval = 15 * time.Second
	// DefaultInitialDelay is the pause before the first tick after start.
	DefaultInitialDelay = 2 * time.Second
)

// Coordinator is the per-tick work the scheduler drives.
type Coordinator interface {
	ProcessTick(ctx context.Context, snapshot []domain.Listing) error
	ClearPending()
}

// Engine owns the tick loop. At most one loop runs at a time; Stop ends a
// run cleanly and a later Run resumes, while StopDueToError is one-way.
type Engine struct {
	coord     Coordinator
	snapshots domain.SnapshotProvider
	logger    *slog.Logger

	interval     time.Duration
	initialDelay time.Duration

	trigger chan struct{}

	mu              sync.Mutex
	running         bool
	halted          bool
	stopCh          chan struct{}
	lastFingerprint uint64
}

// New creates an Engine. Zero interval and initialDelay take the defaults.
func New(coord Coordinator, snapshots domain.SnapshotProvider, interval, initialDelay time.Duration, logger *slog.Logger) *Engine {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if initialDelay <= 0 {
		initialDelay = DefaultInitialDelay
	}
	return &Engine{
		coord:        coord,
		snapshots:    snapshots,
		logger:       logger.With(slog.String("component", "scheduler")),
		interval:     interval,
		initialDelay: initialDelay,
		trigger:      make(chan struct{}, 1),
	}
}

// Run blocks, ticking after the initial delay and then on every interval or
// trigger, until the context ends, Stop is called, or the coordinator halts.
// It returns domain.ErrEngineHalted immediately once the engine has stopped
// due to an error.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.halted {
		e.mu.Unlock()
		return domain.ErrEngineHalted
	}
	if e.running {
		e.mu.Unlock()
		return errors.New("scheduler: already running")
	}
	e.running = true
	stopCh := make(chan struct{})
	e.stopCh = stopCh
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.stopCh = nil
		e.mu.Unlock()
	}()

	e.logger.Info("scheduler started",
		slog.Duration("interval", e.interval),
		slog.Duration("initial_delay", e.initialDelay))
	defer e.logger.Info("scheduler stopped")

	initial := time.NewTimer(e.initialDelay)
	defer initial.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-stopCh:
		return nil
	case <-initial.C:
	}
	if err := e.tick(ctx); err != nil {
		e.haltOnError(err)
		return err
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		case <-e.trigger:
		case <-ticker.C:
		}
		if err := e.tick(ctx); err != nil {
			e.haltOnError(err)
			return err
		}
	}
}

// tick pulls a snapshot and hands it to the coordinator. Snapshot failures
// are transient and skip the tick; a halt from the coordinator ends the run.
func (e *Engine) tick(ctx context.Context) error {
	snapshot, err := e.snapshots.Snapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		e.logger.Warn("snapshot failed, skipping tick", slog.String("error", err.Error()))
		return nil
	}

	e.mu.Lock()
	e.lastFingerprint = Fingerprint(snapshot)
	e.mu.Unlock()

	err = e.coord.ProcessTick(ctx, snapshot)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrBudgetExhausted), errors.Is(err, domain.ErrEngineHalted):
		return fmt.Errorf("scheduler: %w", err)
	default:
		e.logger.Error("tick failed", slog.String("error", err.Error()))
		return nil
	}
}

// TriggerNow requests an out-of-band tick. It never blocks; a trigger is
// coalesced with any already pending.
func (e *Engine) TriggerNow() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// NotifySnapshot triggers a tick when the observed snapshot differs from the
// one last processed. Feed watchers call this on push updates.
func (e *Engine) NotifySnapshot(snapshot []domain.Listing) {
	fp := Fingerprint(snapshot)

	e.mu.Lock()
	changed := fp != e.lastFingerprint
	e.mu.Unlock()

	if changed {
		e.TriggerNow()
	}
}

// Stop ends the current run and clears pending markers so the next Run
// re-evaluates from recorded history alone. Safe to call when not running.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopCh != nil {
		close(e.stopCh)
		e.stopCh = nil
	}
	e.mu.Unlock()

	e.coord.ClearPending()
}

// StopDueToError ends the current run and permanently prevents future runs.
func (e *Engine) StopDueToError() {
	e.mu.Lock()
	e.halted = true
	if e.stopCh != nil {
		close(e.stopCh)
		e.stopCh = nil
	}
	e.mu.Unlock()
}

// Halted reports whether the engine has been stopped due to an error.
func (e *Engine) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// Running reports whether a Run loop is live.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) haltOnError(err error) {
	e.mu.Lock()
	e.halted = true
	e.mu.Unlock()
	e.logger.Error("engine halted", slog.String("error", err.Error()))
}

// Fingerprint summarizes a snapshot for change detection. It covers listing
// identity and tradability so closures trigger re-evaluation too.
func Fingerprint(snapshot []domain.Listing) uint64 {
	ids := make([]string, 0, len(snapshot))
	byID := make(map[string]domain.Listing, len(snapshot))
	for _, l := range snapshot {
		ids = append(ids, l.ID)
		byID[l.ID] = l
	}
	sort.Strings(ids)

	h := fnv.New64a()
	for _, id := range ids {
		l := byID[id]
		h.Write([]byte(id))
		h.Write([]byte{0})
		h.Write([]byte(l.Status))
		if l.Resolved {
			h.Write([]byte{1})
		}
		h.Write([]byte{0})
	}
	return h.Sum64()
}
