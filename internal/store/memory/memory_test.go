package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stakepilot/engine/internal/domain"
)

func TestStrategyStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewStrategyStore()

	st := domain.Strategy{
		ID:        "s1",
		Name:      "contrarian politics",
		Status:    domain.StrategyStatusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Create(ctx, st); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, st); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate create: got %v, want ErrAlreadyExists", err)
	}

	got, err := s.GetByID(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != st.Name {
		t.Fatalf("got name %q, want %q", got.Name, st.Name)
	}

	if _, err := s.GetByID(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing get: got %v, want ErrNotFound", err)
	}
}

func TestStrategyStorePatch(t *testing.T) {
	ctx := context.Background()
	s := NewStrategyStore()

	if err := s.Create(ctx, domain.Strategy{ID: "s1", Status: domain.StrategyStatusActive}); err != nil {
		t.Fatal(err)
	}

	paused := domain.StrategyStatusPaused
	err := s.Patch(ctx, domain.StrategyPatch{
		ID:             "s1",
		Status:         &paused,
		AddPredictions: 2,
		AddStakedMicro: 10_000_000,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetByID(ctx, "s1")
	if got.Status != domain.StrategyStatusPaused {
		t.Errorf("status = %s, want paused", got.Status)
	}
	if got.Stats.TotalPredictions != 2 || got.Stats.TotalStakedMicro != 10_000_000 {
		t.Errorf("stats = %+v", got.Stats)
	}

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Fatalf("paused strategy listed as active: %+v", active)
	}

	if err := s.Patch(ctx, domain.StrategyPatch{ID: "missing"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("patch missing: got %v, want ErrNotFound", err)
	}
}

func TestExecutionStoreWindows(t *testing.T) {
	ctx := context.Background()
	s := NewExecutionStore()

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"e1", "e2", "e3"} {
		err := s.Create(ctx, domain.Execution{
			ID:         id,
			StrategyID: "s1",
			ListingID:  "l" + id,
			Status:     domain.ExecutionSuccess,
			CreatedAt:  base.AddDate(0, 0, i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	byStrat, err := s.ListByStrategy(ctx, "s1", domain.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(byStrat) != 3 || byStrat[0].ID != "e3" {
		t.Fatalf("ListByStrategy = %+v, want newest first", byStrat)
	}

	old, err := s.ListBefore(ctx, base.AddDate(0, 0, 2), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(old) != 2 || old[0].ID != "e1" {
		t.Fatalf("ListBefore = %+v, want e1,e2 oldest first", old)
	}

	n, err := s.DeleteBefore(ctx, base.AddDate(0, 0, 2))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("DeleteBefore removed %d, want 2", n)
	}
	remaining, _ := s.ListRecent(ctx, 10)
	if len(remaining) != 1 || remaining[0].ID != "e3" {
		t.Fatalf("remaining = %+v, want only e3", remaining)
	}
}
