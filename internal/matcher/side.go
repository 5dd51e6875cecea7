package matcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stakepilot/engine/internal/domain"
)

// SideResolver turns a match into the side actually staked. Resolution order:
// fixed action side, then the AI oracle when the strategy opts in and the
// match's confidence meets the strategy's AI threshold, then the matcher
// recommendation gated by the action's minimum confidence. When no rule
// applies the match is discarded.
type SideResolver struct {
	oracle domain.SideOracle
	logger *slog.Logger
}

// NewSideResolver creates a SideResolver. A nil oracle disables the oracle
// step entirely.
func NewSideResolver(oracle domain.SideOracle, logger *slog.Logger) *SideResolver {
	return &SideResolver{
		oracle: oracle,
		logger: logger.With(slog.String("component", "side_resolver")),
	}
}

// Resolve returns the side to stake and whether the match should proceed.
// An oracle transport error is logged and falls through to the heuristic
// path instead of blocking the match.
func (r *SideResolver) Resolve(ctx context.Context, s domain.Strategy, m domain.Match) (domain.Side, bool, error) {
	if s.Action.Side != domain.SideAuto && s.Action.Side != "" {
		return s.Action.Side, true, nil
	}

	if s.UseAIOracle && r.oracle != nil {
		op, err := r.oracle.Advise(ctx, m.Listing)
		if err != nil {
			if ctx.Err() != nil {
				return "", false, fmt.Errorf("matcher: oracle advise %s: %w", m.Listing.ID, err)
			}
			r.logger.Warn("oracle unavailable, falling back to heuristic",
				slog.String("listing_id", m.Listing.ID),
				slog.String("error", err.Error()))
		} else if op.HasOpinion && m.Confidence >= s.AIMinConfidence {
			return op.Side, true, nil
		}
	}

	if m.Confidence >= s.Action.MinConfidence {
		return m.RecommendedSide, true, nil
	}
	return "", false, nil
}

// StubOracle is the default SideOracle. It never has an opinion, leaving
// every decision to the heuristic pipeline.
type StubOracle struct{}

// Advise always returns an empty opinion.
func (StubOracle) Advise(ctx context.Context, _ domain.Listing) (domain.SideOpinion, error) {
	return domain.SideOpinion{}, nil
}

var _ domain.SideOracle = StubOracle{}
