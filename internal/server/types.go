package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/stakepilot/engine/internal/domain"
)

// strategyRequest is the JSON body accepted by CreateStrategy.
type strategyRequest struct {
	Name            string             `json:"name"`
	Conditions      []conditionRequest `json:"conditions"`
	Action          actionRequest      `json:"action"`
	Limits          *limitsRequest     `json:"limits,omitempty"`
	UseAIOracle     bool               `json:"use_ai_oracle"`
	AIMinConfidence int                `json:"ai_min_confidence"`
}

type conditionRequest struct {
	Type                string   `json:"type"`
	Label               string   `json:"label"`
	Keywords            []string `json:"keywords,omitempty"`
	Categories          []string `json:"categories,omitempty"`
	MinYesPercent       *float64 `json:"min_yes_percent,omitempty"`
	MaxYesPercent       *float64 `json:"max_yes_percent,omitempty"`
	MinPoolMicro        int64    `json:"min_pool_micro,omitempty"`
	Contrarian          bool     `json:"contrarian,omitempty"`
	ContrarianThreshold float64  `json:"contrarian_threshold,omitempty"`
	TopTrending         int      `json:"top_trending,omitempty"`
}

type actionRequest struct {
	StakeMicro    int64  `json:"stake_micro"`
	Side          string `json:"side"`
	MinConfidence int    `json:"min_confidence"`
}

type limitsRequest struct {
	MaxTotalStakeMicro int64      `json:"max_total_stake_micro,omitempty"`
	MaxPerDay          int        `json:"max_per_day,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
}

var validConditionTypes = map[domain.ConditionType]bool{
	domain.ConditionNewMarket:     true,
	domain.ConditionOddsThreshold: true,
	domain.ConditionPoolSize:      true,
}

var validSides = map[domain.Side]bool{
	domain.SideYes:  true,
	domain.SideNo:   true,
	domain.SideAuto: true,
}

// toDomain validates the request and converts it into a domain.Strategy. The
// caller assigns the ID.
func (r strategyRequest) toDomain(now time.Time) (domain.Strategy, error) {
	if r.Name == "" {
		return domain.Strategy{}, errors.New("name is required")
	}
	if len(r.Conditions) == 0 {
		return domain.Strategy{}, errors.New("at least one condition is required")
	}
	if r.Action.StakeMicro <= 0 {
		return domain.Strategy{}, errors.New("action.stake_micro must be > 0")
	}
	side := domain.Side(r.Action.Side)
	if !validSides[side] {
		return domain.Strategy{}, fmt.Errorf("action.side %q is not one of yes, no, auto", r.Action.Side)
	}

	conditions := make([]domain.Condition, 0, len(r.Conditions))
	for i, c := range r.Conditions {
		ct := domain.ConditionType(c.Type)
		if !validConditionTypes[ct] {
			return domain.Strategy{}, fmt.Errorf("conditions[%d].type %q is not one of new_market, odds_threshold, pool_size", i, c.Type)
		}
		conditions = append(conditions, domain.Condition{
			Type:                ct,
			Label:               c.Label,
			Keywords:            c.Keywords,
			Categories:          c.Categories,
			MinYesPercent:       c.MinYesPercent,
			MaxYesPercent:       c.MaxYesPercent,
			MinPoolMicro:        c.MinPoolMicro,
			Contrarian:          c.Contrarian,
			ContrarianThreshold: c.ContrarianThreshold,
			TopTrending:         c.TopTrending,
		})
	}

	st := domain.Strategy{
		Name:       r.Name,
		Status:     domain.StrategyStatusActive,
		Conditions: conditions,
		Action: domain.Action{
			StakeMicro:    r.Action.StakeMicro,
			Side:          side,
			MinConfidence: r.Action.MinConfidence,
		},
		UseAIOracle:     r.UseAIOracle,
		AIMinConfidence: r.AIMinConfidence,
		CreatedAt:       now,
	}
	if r.Limits != nil {
		st.Limits = &domain.Limits{
			MaxTotalStakeMicro: r.Limits.MaxTotalStakeMicro,
			MaxPerDay:          r.Limits.MaxPerDay,
			ExpiresAt:          r.Limits.ExpiresAt,
		}
	}
	return st, nil
}

// strategyResponse is the JSON shape returned for a strategy.
type strategyResponse struct {
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	Status           string             `json:"status"`
	Conditions       []conditionRequest `json:"conditions"`
	Action           actionRequest      `json:"action"`
	Limits           *limitsRequest     `json:"limits,omitempty"`
	TotalPredictions int                `json:"total_predictions"`
	TotalStakedMicro int64              `json:"total_staked_micro"`
	UseAIOracle      bool               `json:"use_ai_oracle"`
	AIMinConfidence  int                `json:"ai_min_confidence"`
	CreatedAt        time.Time          `json:"created_at"`
}

func toStrategyResponse(st domain.Strategy) strategyResponse {
	conditions := make([]conditionRequest, 0, len(st.Conditions))
	for _, c := range st.Conditions {
		conditions = append(conditions, conditionRequest{
			Type:                string(c.Type),
			Label:               c.Label,
			Keywords:            c.Keywords,
			Categories:          c.Categories,
			MinYesPercent:       c.MinYesPercent,
			MaxYesPercent:       c.MaxYesPercent,
			MinPoolMicro:        c.MinPoolMicro,
			Contrarian:          c.Contrarian,
			ContrarianThreshold: c.ContrarianThreshold,
			TopTrending:         c.TopTrending,
		})
	}

	resp := strategyResponse{
		ID:         st.ID,
		Name:       st.Name,
		Status:     string(st.Status),
		Conditions: conditions,
		Action: actionRequest{
			StakeMicro:    st.Action.StakeMicro,
			Side:          string(st.Action.Side),
			MinConfidence: st.Action.MinConfidence,
		},
		TotalPredictions: st.Stats.TotalPredictions,
		TotalStakedMicro: st.Stats.TotalStakedMicro,
		UseAIOracle:      st.UseAIOracle,
		AIMinConfidence:  st.AIMinConfidence,
		CreatedAt:        st.CreatedAt,
	}
	if st.Limits != nil {
		resp.Limits = &limitsRequest{
			MaxTotalStakeMicro: st.Limits.MaxTotalStakeMicro,
			MaxPerDay:          st.Limits.MaxPerDay,
			ExpiresAt:          st.Limits.ExpiresAt,
		}
	}
	return resp
}

// executionResponse is the JSON shape returned for an execution record.
type executionResponse struct {
	ID             string    `json:"id"`
	StrategyID     string    `json:"strategy_id"`
	ListingID      string    `json:"listing_id"`
	Side           string    `json:"side"`
	StakeMicro     int64     `json:"stake_micro"`
	Status         string    `json:"status"`
	TxHash         string    `json:"tx_hash,omitempty"`
	Error          string    `json:"error,omitempty"`
	Confidence     int       `json:"confidence"`
	ConditionLabel string    `json:"condition_label,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func toExecutionResponses(executions []domain.Execution) []executionResponse {
	out := make([]executionResponse, 0, len(executions))
	for _, e := range executions {
		out = append(out, executionResponse{
			ID:             e.ID,
			StrategyID:     e.StrategyID,
			ListingID:      e.ListingID,
			Side:           string(e.Side),
			StakeMicro:     e.StakeMicro,
			Status:         string(e.Status),
			TxHash:         e.TxHash,
			Error:          e.Error,
			Confidence:     e.Confidence,
			ConditionLabel: e.ConditionLabel,
			CreatedAt:      e.CreatedAt,
		})
	}
	return out
}
