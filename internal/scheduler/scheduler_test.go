package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stakepilot/engine/internal/domain"
)

type fakeCoordinator struct {
	mu      sync.Mutex
	ticks   int
	cleared int
	err     error
}

func (f *fakeCoordinator) ProcessTick(context.Context, []domain.Listing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks++
	return f.err
}

func (f *fakeCoordinator) ClearPending() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
}

func (f *fakeCoordinator) tickCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticks
}

func (f *fakeCoordinator) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleared
}

type staticSnapshots struct {
	listings []domain.Listing
}

func (s staticSnapshots) Snapshot(context.Context) ([]domain.Listing, error) {
	return s.listings, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(coord Coordinator) *Engine {
	return New(coord, staticSnapshots{}, 50*time.Millisecond, time.Millisecond, testLogger())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRunTicksAndStops(t *testing.T) {
	coord := &fakeCoordinator{}
	e := newTestEngine(coord)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	waitFor(t, time.Second, func() bool { return coord.tickCount() >= 2 })

	e.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v after Stop", err)
	}
	if coord.clearCount() != 1 {
		t.Fatalf("Stop cleared pending %d times, want 1", coord.clearCount())
	}
}

func TestStopThenRunResumes(t *testing.T) {
	coord := &fakeCoordinator{}
	e := newTestEngine(coord)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	waitFor(t, time.Second, func() bool { return coord.tickCount() >= 1 })
	e.Stop()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	before := coord.tickCount()
	go func() { done <- e.Run(context.Background()) }()
	waitFor(t, time.Second, func() bool { return coord.tickCount() > before })
	e.Stop()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestStopDueToErrorIsSticky(t *testing.T) {
	coord := &fakeCoordinator{}
	e := newTestEngine(coord)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	waitFor(t, time.Second, func() bool { return e.Running() })

	e.StopDueToError()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v after StopDueToError", err)
	}
	if !e.Halted() {
		t.Fatal("engine should be halted")
	}

	if err := e.Run(context.Background()); !errors.Is(err, domain.ErrEngineHalted) {
		t.Fatalf("Run after StopDueToError = %v, want ErrEngineHalted", err)
	}
}

func TestBudgetExhaustionHaltsRun(t *testing.T) {
	coord := &fakeCoordinator{err: domain.ErrBudgetExhausted}
	e := newTestEngine(coord)

	err := e.Run(context.Background())
	if !errors.Is(err, domain.ErrBudgetExhausted) {
		t.Fatalf("Run = %v, want ErrBudgetExhausted", err)
	}
	if !e.Halted() {
		t.Fatal("engine should be halted after budget exhaustion")
	}
	if err := e.Run(context.Background()); !errors.Is(err, domain.ErrEngineHalted) {
		t.Fatalf("second Run = %v, want ErrEngineHalted", err)
	}
}

func TestTriggerNowForcesTick(t *testing.T) {
	coord := &fakeCoordinator{}
	// Long interval so only the initial tick and triggers fire.
	e := New(coord, staticSnapshots{}, time.Hour, time.Millisecond, testLogger())

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	waitFor(t, time.Second, func() bool { return coord.tickCount() == 1 })

	e.TriggerNow()
	waitFor(t, time.Second, func() bool { return coord.tickCount() == 2 })

	e.Stop()
	<-done
}

func TestNotifySnapshotTriggersOnChange(t *testing.T) {
	coord := &fakeCoordinator{}
	e := New(coord, staticSnapshots{}, time.Hour, time.Millisecond, testLogger())

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	waitFor(t, time.Second, func() bool { return coord.tickCount() == 1 })

	// Same (empty) snapshot as processed: no trigger.
	e.NotifySnapshot(nil)
	time.Sleep(20 * time.Millisecond)
	if coord.tickCount() != 1 {
		t.Fatalf("unchanged snapshot triggered a tick")
	}

	e.NotifySnapshot([]domain.Listing{{ID: "l1", Status: domain.ListingStatusActive}})
	waitFor(t, time.Second, func() bool { return coord.tickCount() == 2 })

	e.Stop()
	<-done
}

func TestFingerprintSensitivity(t *testing.T) {
	a := []domain.Listing{
		{ID: "l1", Status: domain.ListingStatusActive},
		{ID: "l2", Status: domain.ListingStatusActive},
	}
	b := []domain.Listing{
		{ID: "l2", Status: domain.ListingStatusActive},
		{ID: "l1", Status: domain.ListingStatusActive},
	}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("fingerprint should be order-independent")
	}

	c := []domain.Listing{
		{ID: "l1", Status: domain.ListingStatusClosed},
		{ID: "l2", Status: domain.ListingStatusActive},
	}
	if Fingerprint(a) == Fingerprint(c) {
		t.Fatal("status change should alter the fingerprint")
	}

	d := append(a, domain.Listing{ID: "l3", Status: domain.ListingStatusActive})
	if Fingerprint(a) == Fingerprint(d) {
		t.Fatal("new listing should alter the fingerprint")
	}
}
