// Package matcher evaluates strategy conditions against listing snapshots.
// All evaluation is pure; callers supply the clock and the snapshot.
package matcher

import (
	"sort"
	"strings"
	"time"

	"github.com/stakepilot/engine/internal/domain"
)

const (
	baseConfidence = 60

	// Pool tiers in micro units (1e6 = one unit of collateral).
	poolTierMidMicro = 100_000_000
	poolTierBigMicro = 500_000_000

	defaultContrarianThreshold = 80
)

// Evaluate checks every listing in the snapshot against the strategy's
// conditions, in condition order, and returns a Match per listing for the
// first condition that holds. Listings that are resolved, closed, or past
// their end time never match.
func Evaluate(s domain.Strategy, snapshot []domain.Listing, now time.Time) []domain.Match {
	ranks := trendingRanks(snapshot)

	var matches []domain.Match
	for _, l := range snapshot {
		if !l.Tradable(now) {
			continue
		}
		for _, c := range s.Conditions {
			if !conditionHolds(c, s, l, ranks[l.ID]) {
				continue
			}
			matches = append(matches, domain.Match{
				Listing:         l,
				Label:           c.Label,
				Confidence:      Confidence(c, l),
				RecommendedSide: RecommendSide(s.Action, c, l),
			})
			break
		}
	}
	return matches
}

// trendingRanks orders the snapshot by descending total pool and returns each
// listing's zero-based rank. Ties keep snapshot order.
func trendingRanks(snapshot []domain.Listing) map[string]int {
	sorted := make([]domain.Listing, len(snapshot))
	copy(sorted, snapshot)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TotalPoolMicro > sorted[j].TotalPoolMicro
	})

	ranks := make(map[string]int, len(sorted))
	for i, l := range sorted {
		ranks[l.ID] = i
	}
	return ranks
}

func conditionHolds(c domain.Condition, s domain.Strategy, l domain.Listing, rank int) bool {
	if !categoryAllowed(c.Categories, l.Category) {
		return false
	}
	if len(c.Keywords) > 0 && !anyKeyword(c.Keywords, l.Question) {
		return false
	}
	if c.TopTrending > 0 && rank >= c.TopTrending {
		return false
	}

	switch c.Type {
	case domain.ConditionNewMarket:
		// A listing without a reported creation time cannot be proven
		// fresh, so it is rejected rather than assumed new.
		return l.CreatedAt != nil && !l.CreatedAt.Before(s.CreatedAt)
	case domain.ConditionOddsThreshold:
		yes := l.YesPercent()
		if c.MinYesPercent != nil && yes < *c.MinYesPercent {
			return false
		}
		if c.MaxYesPercent != nil && yes > *c.MaxYesPercent {
			return false
		}
		return true
	case domain.ConditionPoolSize:
		return l.TotalPoolMicro >= c.MinPoolMicro
	}
	return false
}

func categoryAllowed(categories []string, category string) bool {
	if len(categories) == 0 {
		return true
	}
	got := strings.ToLower(strings.TrimSpace(category))
	for _, c := range categories {
		want := strings.ToLower(strings.TrimSpace(c))
		if want == "all" || want == got {
			return true
		}
	}
	return false
}

func anyKeyword(keywords []string, question string) bool {
	q := strings.ToLower(question)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(q, kw) {
			return true
		}
	}
	return false
}

// Confidence scores a match on a 0-100 integer scale. The score starts at 60,
// rewards pool depth, and then adjusts for odds positioning: contrarian
// conditions reward extreme odds, everything else rewards balanced odds.
func Confidence(c domain.Condition, l domain.Listing) int {
	score := baseConfidence

	if l.TotalPoolMicro > poolTierMidMicro {
		score += 10
	}
	if l.TotalPoolMicro > poolTierBigMicro {
		score += 10
	}

	yes := l.YesPercent()
	if c.Contrarian {
		th := c.ContrarianThreshold
		if th == 0 {
			th = defaultContrarianThreshold
		}
		if yes > th || yes < 100-th {
			score += 20
		} else {
			score -= 30
		}
	} else {
		switch {
		case l.TotalPoolMicro == 0:
			score = 70
		case yes >= 45 && yes <= 55:
			score += 15
		case yes < 20 || yes > 80:
			score -= 10
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// RecommendSide picks the heuristic side for a match. A fixed action side
// always wins; contrarian conditions fade extreme odds; otherwise the cheaper
// side is taken.
func RecommendSide(a domain.Action, c domain.Condition, l domain.Listing) domain.Side {
	if a.Side != domain.SideAuto && a.Side != "" {
		return a.Side
	}

	yes := l.YesPercent()
	if c.Contrarian {
		th := c.ContrarianThreshold
		if th == 0 {
			th = defaultContrarianThreshold
		}
		if yes > th {
			return domain.SideNo
		}
		if yes < 100-th {
			return domain.SideYes
		}
	}

	if yes < 50 {
		return domain.SideYes
	}
	return domain.SideNo
}
