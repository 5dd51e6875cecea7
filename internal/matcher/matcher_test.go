package matcher

import (
	"testing"
	"time"

	"github.com/stakepilot/engine/internal/domain"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func listing(id string, yesMicro, totalMicro int64) domain.Listing {
	return domain.Listing{
		ID:             id,
		Question:       "Will it happen?",
		Category:       "politics",
		YesPoolMicro:   yesMicro,
		NoPoolMicro:    totalMicro - yesMicro,
		TotalPoolMicro: totalMicro,
		EndTime:        testNow.Add(24 * time.Hour),
		Status:         domain.ListingStatusActive,
	}
}

func floatPtr(f float64) *float64 { return &f }

func strategyWith(conds ...domain.Condition) domain.Strategy {
	return domain.Strategy{
		ID:         "strat-1",
		Status:     domain.StrategyStatusActive,
		Conditions: conds,
		Action:     domain.Action{StakeMicro: 5_000_000, Side: domain.SideAuto},
		CreatedAt:  testNow.Add(-time.Hour),
	}
}

func TestEvaluateSkipsUntradableListings(t *testing.T) {
	s := strategyWith(domain.Condition{Type: domain.ConditionPoolSize})

	resolved := listing("a", 50_000_000, 100_000_000)
	resolved.Resolved = true

	ended := listing("b", 50_000_000, 100_000_000)
	ended.EndTime = testNow.Add(-time.Minute)

	closed := listing("c", 50_000_000, 100_000_000)
	closed.Status = domain.ListingStatusClosed

	open := listing("d", 50_000_000, 100_000_000)

	got := Evaluate(s, []domain.Listing{resolved, ended, closed, open}, testNow)
	if len(got) != 1 || got[0].Listing.ID != "d" {
		t.Fatalf("expected only listing d to match, got %+v", got)
	}
}

func TestEvaluateFirstConditionWins(t *testing.T) {
	first := domain.Condition{Type: domain.ConditionPoolSize, Label: "deep", MinPoolMicro: 100_000_000}
	second := domain.Condition{Type: domain.ConditionPoolSize, Label: "any"}
	s := strategyWith(first, second)

	got := Evaluate(s, []domain.Listing{listing("a", 100_000_000, 200_000_000)}, testNow)
	if len(got) != 1 {
		t.Fatalf("expected one match, got %d", len(got))
	}
	if got[0].Label != "deep" {
		t.Fatalf("expected first condition to win, got label %q", got[0].Label)
	}
}

func TestConditionHolds(t *testing.T) {
	created := testNow.Add(-10 * time.Minute)

	tests := []struct {
		name    string
		cond    domain.Condition
		mutate  func(*domain.Listing)
		want    bool
	}{
		{
			name: "category mismatch",
			cond: domain.Condition{Type: domain.ConditionPoolSize, Categories: []string{"sports"}},
			want: false,
		},
		{
			name: "category all sentinel",
			cond: domain.Condition{Type: domain.ConditionPoolSize, Categories: []string{"all"}},
			want: true,
		},
		{
			name: "category case insensitive",
			cond: domain.Condition{Type: domain.ConditionPoolSize, Categories: []string{" Politics "}},
			want: true,
		},
		{
			name: "keyword hit",
			cond: domain.Condition{Type: domain.ConditionPoolSize, Keywords: []string{"nothing", "HAPPEN"}},
			want: true,
		},
		{
			name: "keyword miss",
			cond: domain.Condition{Type: domain.ConditionPoolSize, Keywords: []string{"election"}},
			want: false,
		},
		{
			name: "odds below floor",
			cond: domain.Condition{Type: domain.ConditionOddsThreshold, MinYesPercent: floatPtr(80)},
			want: false,
		},
		{
			name: "odds inside band",
			cond: domain.Condition{
				Type:          domain.ConditionOddsThreshold,
				MinYesPercent: floatPtr(40),
				MaxYesPercent: floatPtr(70),
			},
			want: true,
		},
		{
			name: "pool floor unmet",
			cond: domain.Condition{Type: domain.ConditionPoolSize, MinPoolMicro: 500_000_000},
			want: false,
		},
		{
			name: "new market with fresh creation time",
			cond: domain.Condition{Type: domain.ConditionNewMarket},
			mutate: func(l *domain.Listing) {
				l.CreatedAt = &created
			},
			want: true,
		},
		{
			name: "new market without creation time",
			cond: domain.Condition{Type: domain.ConditionNewMarket},
			want: false,
		},
		{
			name: "new market created before strategy",
			cond: domain.Condition{Type: domain.ConditionNewMarket},
			mutate: func(l *domain.Listing) {
				old := testNow.Add(-2 * time.Hour)
				l.CreatedAt = &old
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := strategyWith(tt.cond)
			l := listing("l1", 120_000_000, 200_000_000) // yes = 60%
			if tt.mutate != nil {
				tt.mutate(&l)
			}
			got := Evaluate(s, []domain.Listing{l}, testNow)
			if (len(got) == 1) != tt.want {
				t.Fatalf("match = %v, want %v", len(got) == 1, tt.want)
			}
		})
	}
}

func TestTopTrendingRank(t *testing.T) {
	cond := domain.Condition{Type: domain.ConditionPoolSize, TopTrending: 3}
	s := strategyWith(cond)

	snapshot := []domain.Listing{
		listing("p100", 50_000_000, 100_000_000),
		listing("p500", 250_000_000, 500_000_000),
		listing("p300", 150_000_000, 300_000_000),
		listing("p200", 100_000_000, 200_000_000),
		listing("p400", 200_000_000, 400_000_000),
	}

	got := Evaluate(s, snapshot, testNow)
	want := map[string]bool{"p500": true, "p400": true, "p300": true}
	if len(got) != len(want) {
		t.Fatalf("expected %d matches, got %d", len(want), len(got))
	}
	for _, m := range got {
		if !want[m.Listing.ID] {
			t.Errorf("unexpected match %s", m.Listing.ID)
		}
	}
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name string
		cond domain.Condition
		l    domain.Listing
		want int
	}{
		{
			name: "contrarian extreme odds mid pool",
			cond: domain.Condition{Contrarian: true, ContrarianThreshold: 80},
			l:    listing("a", 170_000_000, 200_000_000), // yes = 85%
			want: 90,
		},
		{
			name: "contrarian balanced odds penalized",
			cond: domain.Condition{Contrarian: true, ContrarianThreshold: 80},
			l:    listing("b", 30_000_000, 50_000_000), // yes = 60%
			want: 30,
		},
		{
			name: "contrarian default threshold",
			cond: domain.Condition{Contrarian: true},
			l:    listing("c", 15_000_000, 100_000_000), // yes = 15% < 20
			want: 80,
		},
		{
			name: "empty pool flat seventy",
			cond: domain.Condition{},
			l:    listing("d", 0, 0),
			want: 70,
		},
		{
			name: "balanced odds deep pool",
			cond: domain.Condition{},
			l:    listing("e", 300_000_000, 600_000_000), // yes = 50%
			want: 95,
		},
		{
			name: "extreme odds shallow pool",
			cond: domain.Condition{},
			l:    listing("f", 9_000_000, 10_000_000), // yes = 90%
			want: 50,
		},
		{
			name: "extreme odds deep pool",
			cond: domain.Condition{},
			l:    listing("g", 60_000_000, 600_000_000), // yes = 10%
			want: 70,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Confidence(tt.cond, tt.l); got != tt.want {
				t.Fatalf("Confidence() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRecommendSide(t *testing.T) {
	auto := domain.Action{Side: domain.SideAuto}

	tests := []struct {
		name   string
		action domain.Action
		cond   domain.Condition
		l      domain.Listing
		want   domain.Side
	}{
		{
			name:   "fixed side wins",
			action: domain.Action{Side: domain.SideYes},
			cond:   domain.Condition{Contrarian: true, ContrarianThreshold: 80},
			l:      listing("a", 170_000_000, 200_000_000),
			want:   domain.SideYes,
		},
		{
			name:   "contrarian fades high yes",
			action: auto,
			cond:   domain.Condition{Contrarian: true, ContrarianThreshold: 80},
			l:      listing("b", 170_000_000, 200_000_000), // yes = 85%
			want:   domain.SideNo,
		},
		{
			name:   "contrarian fades low yes",
			action: auto,
			cond:   domain.Condition{Contrarian: true, ContrarianThreshold: 80},
			l:      listing("c", 10_000_000, 100_000_000), // yes = 10%
			want:   domain.SideYes,
		},
		{
			name:   "contrarian middle falls back to cheaper",
			action: auto,
			cond:   domain.Condition{Contrarian: true, ContrarianThreshold: 80},
			l:      listing("d", 40_000_000, 100_000_000), // yes = 40%
			want:   domain.SideYes,
		},
		{
			name:   "cheaper side yes",
			action: auto,
			cond:   domain.Condition{},
			l:      listing("e", 30_000_000, 100_000_000),
			want:   domain.SideYes,
		},
		{
			name:   "cheaper side no on even odds",
			action: auto,
			cond:   domain.Condition{},
			l:      listing("f", 50_000_000, 100_000_000),
			want:   domain.SideNo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RecommendSide(tt.action, tt.cond, tt.l); got != tt.want {
				t.Fatalf("RecommendSide() = %s, want %s", got, tt.want)
			}
		})
	}
}
