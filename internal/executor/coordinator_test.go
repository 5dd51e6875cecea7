package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stakepilot/engine/internal/domain"
	"github.com/stakepilot/engine/internal/matcher"
	"github.com/stakepilot/engine/internal/store/memory"
)

var tickNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakePlacer returns scripted errors per listing ID, then succeeds.
type fakePlacer struct {
	mu    sync.Mutex
	fail  map[string][]error
	calls []string
}

func (f *fakePlacer) Place(_ context.Context, req domain.PlacementRequest) (domain.PlacementResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, req.ListingID)
	if errs := f.fail[req.ListingID]; len(errs) > 0 {
		err := errs[0]
		f.fail[req.ListingID] = errs[1:]
		return domain.PlacementResult{}, err
	}
	return domain.PlacementResult{TxHash: "0xabc" + req.ListingID}, nil
}

func (f *fakePlacer) placeCount(listingID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.calls {
		if id == listingID {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openListing(id string, totalMicro int64) domain.Listing {
	return domain.Listing{
		ID:             id,
		Question:       "Will " + id + " happen?",
		Category:       "politics",
		YesPoolMicro:   totalMicro / 2,
		NoPoolMicro:    totalMicro / 2,
		TotalPoolMicro: totalMicro,
		EndTime:        tickNow.Add(24 * time.Hour),
		Status:         domain.ListingStatusActive,
	}
}

func activeStrategy(id string) domain.Strategy {
	return domain.Strategy{
		ID:     id,
		Name:   "test " + id,
		Status: domain.StrategyStatusActive,
		Conditions: []domain.Condition{
			{Type: domain.ConditionPoolSize, Label: "any-pool"},
		},
		Action:    domain.Action{StakeMicro: 5_000_000, Side: domain.SideYes},
		CreatedAt: tickNow.Add(-time.Hour),
	}
}

func newTestCoordinator(t *testing.T, placer domain.Placer, strategies ...domain.Strategy) (*Coordinator, *memory.StrategyStore, *memory.ExecutionStore) {
	t.Helper()
	ss := memory.NewStrategyStore()
	es := memory.NewExecutionStore()
	for _, s := range strategies {
		if err := ss.Create(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}
	resolver := matcher.NewSideResolver(matcher.StubOracle{}, testLogger())
	c := NewCoordinator(ss, es, resolver, placer,
		domain.SpendPermission{AllowanceMicro: 100_000_000}, nil, testLogger())
	c.SetClock(func() time.Time { return tickNow })
	return c, ss, es
}

func TestProcessTickPlacesOncePerPair(t *testing.T) {
	ctx := context.Background()
	placer := &fakePlacer{}
	c, ss, es := newTestCoordinator(t, placer, activeStrategy("s1"))

	snapshot := []domain.Listing{openListing("l1", 100_000_000)}
	if err := c.ProcessTick(ctx, snapshot); err != nil {
		t.Fatal(err)
	}
	if err := c.ProcessTick(ctx, snapshot); err != nil {
		t.Fatal(err)
	}

	if got := placer.placeCount("l1"); got != 1 {
		t.Fatalf("placed %d times, want 1", got)
	}

	execs, _ := es.ListByStrategy(ctx, "s1", domain.ListOpts{})
	if len(execs) != 1 || execs[0].Status != domain.ExecutionSuccess {
		t.Fatalf("executions = %+v", execs)
	}
	if execs[0].TxHash == "" {
		t.Error("success execution missing tx hash")
	}

	s, _ := ss.GetByID(ctx, "s1")
	if s.Stats.TotalPredictions != 1 || s.Stats.TotalStakedMicro != 5_000_000 {
		t.Fatalf("stats = %+v", s.Stats)
	}
}

func TestProcessTickHistoryDedupSurvivesClearPending(t *testing.T) {
	ctx := context.Background()
	placer := &fakePlacer{}
	c, _, _ := newTestCoordinator(t, placer, activeStrategy("s1"))

	snapshot := []domain.Listing{openListing("l1", 100_000_000)}
	if err := c.ProcessTick(ctx, snapshot); err != nil {
		t.Fatal(err)
	}

	c.ClearPending()
	if err := c.ProcessTick(ctx, snapshot); err != nil {
		t.Fatal(err)
	}

	if got := placer.placeCount("l1"); got != 1 {
		t.Fatalf("placed %d times after restart, want 1", got)
	}
}

func TestProcessTickRetryableFailureRetries(t *testing.T) {
	ctx := context.Background()
	placer := &fakePlacer{fail: map[string][]error{
		"l1": {errors.New("rpc timeout")},
	}}
	c, _, es := newTestCoordinator(t, placer, activeStrategy("s1"))

	snapshot := []domain.Listing{openListing("l1", 100_000_000)}
	if err := c.ProcessTick(ctx, snapshot); err != nil {
		t.Fatal(err)
	}
	if err := c.ProcessTick(ctx, snapshot); err != nil {
		t.Fatal(err)
	}

	if got := placer.placeCount("l1"); got != 2 {
		t.Fatalf("placed %d times, want failed then retried", got)
	}
	execs, _ := es.ListByStrategy(ctx, "s1", domain.ListOpts{})
	if len(execs) != 2 {
		t.Fatalf("want failure and success records, got %+v", execs)
	}
}

func TestProcessTickTerminalFailureNeverRetries(t *testing.T) {
	ctx := context.Background()
	placer := &fakePlacer{fail: map[string][]error{
		"l1": {fmt.Errorf("placement reverted: %w", domain.ErrListingClosed)},
	}}
	c, _, _ := newTestCoordinator(t, placer, activeStrategy("s1"))

	snapshot := []domain.Listing{openListing("l1", 100_000_000)}
	for i := 0; i < 3; i++ {
		if err := c.ProcessTick(ctx, snapshot); err != nil {
			t.Fatal(err)
		}
	}

	if got := placer.placeCount("l1"); got != 1 {
		t.Fatalf("placed %d times, want 1 terminal attempt", got)
	}
}

func TestProcessTickDailyLimit(t *testing.T) {
	ctx := context.Background()
	placer := &fakePlacer{}
	s := activeStrategy("s1")
	s.Limits = &domain.Limits{MaxPerDay: 2}
	c, _, es := newTestCoordinator(t, placer, s)

	snapshot := []domain.Listing{
		openListing("l1", 100_000_000),
		openListing("l2", 100_000_000),
		openListing("l3", 100_000_000),
	}
	if err := c.ProcessTick(ctx, snapshot); err != nil {
		t.Fatal(err)
	}

	execs, _ := es.ListByStrategy(ctx, "s1", domain.ListOpts{})
	if len(execs) != 2 {
		t.Fatalf("placed %d stakes, want daily cap of 2", len(execs))
	}
}

func TestProcessTickCumulativeStakeLimit(t *testing.T) {
	ctx := context.Background()
	placer := &fakePlacer{}
	s := activeStrategy("s1")
	s.Limits = &domain.Limits{MaxTotalStakeMicro: 12_000_000} // room for 2 of 5M
	c, _, es := newTestCoordinator(t, placer, s)

	snapshot := []domain.Listing{
		openListing("l1", 100_000_000),
		openListing("l2", 100_000_000),
		openListing("l3", 100_000_000),
	}
	if err := c.ProcessTick(ctx, snapshot); err != nil {
		t.Fatal(err)
	}

	execs, _ := es.ListByStrategy(ctx, "s1", domain.ListOpts{})
	if len(execs) != 2 {
		t.Fatalf("placed %d stakes, want 2 under 12M budget", len(execs))
	}
}

func TestProcessTickExpiredStrategySkipped(t *testing.T) {
	ctx := context.Background()
	placer := &fakePlacer{}
	s := activeStrategy("s1")
	expired := tickNow.Add(-time.Minute)
	s.Limits = &domain.Limits{ExpiresAt: &expired}
	c, _, _ := newTestCoordinator(t, placer, s)

	if err := c.ProcessTick(ctx, []domain.Listing{openListing("l1", 100_000_000)}); err != nil {
		t.Fatal(err)
	}
	if len(placer.calls) != 0 {
		t.Fatalf("expired strategy dispatched %d placements", len(placer.calls))
	}
}

func TestProcessTickBudgetExhaustionHaltsEverything(t *testing.T) {
	ctx := context.Background()
	placer := &fakePlacer{fail: map[string][]error{
		"l1": {fmt.Errorf("redeem reverted: %w", domain.ErrPermissionExhausted)},
	}}
	c, ss, _ := newTestCoordinator(t, placer, activeStrategy("s1"), activeStrategy("s2"))

	err := c.ProcessTick(ctx, []domain.Listing{openListing("l1", 100_000_000)})
	if !errors.Is(err, domain.ErrBudgetExhausted) {
		t.Fatalf("got %v, want ErrBudgetExhausted", err)
	}
	if !c.Halted() {
		t.Fatal("coordinator should be halted")
	}

	// Every strategy is paused, including ones not yet processed.
	for _, id := range []string{"s1", "s2"} {
		s, _ := ss.GetByID(ctx, id)
		if s.Status != domain.StrategyStatusPaused {
			t.Errorf("strategy %s status = %s, want paused", id, s.Status)
		}
	}

	// Further ticks are refused.
	err = c.ProcessTick(ctx, []domain.Listing{openListing("l2", 100_000_000)})
	if !errors.Is(err, domain.ErrEngineHalted) {
		t.Fatalf("got %v, want ErrEngineHalted", err)
	}
}

func TestPendingSet(t *testing.T) {
	p := NewPendingSet()

	if !p.Mark("s1", "l1") {
		t.Fatal("first mark should win")
	}
	if p.Mark("s1", "l1") {
		t.Fatal("second mark should lose")
	}
	if !p.Contains("s1", "l1") {
		t.Fatal("pair should be marked")
	}
	if p.Contains("s1", "l2") || p.Contains("s2", "l1") {
		t.Fatal("unrelated pairs should not be marked")
	}

	p.Unmark("s1", "l1")
	if p.Contains("s1", "l1") {
		t.Fatal("unmarked pair should be free")
	}

	p.Mark("s1", "l1")
	p.Mark("s2", "l2")
	p.Clear()
	if p.Len() != 0 {
		t.Fatalf("Len() = %d after Clear", p.Len())
	}
}
