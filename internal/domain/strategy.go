package domain

import "time"

// Side is the outcome a stake is placed on. SideAuto defers the choice to the
// side resolution pipeline at execution time.
type Side string

const (
	SideYes  Side = "yes"
	SideNo   Side = "no"
	SideAuto Side = "auto"
)

// Opposite returns the other tradable side. SideAuto has no opposite and is
// returned unchanged.
func (s Side) Opposite() Side {
	switch s {
	case SideYes:
		return SideNo
	case SideNo:
		return SideYes
	}
	return s
}

// StrategyStatus represents the lifecycle state of a strategy.
type StrategyStatus string

const (
	StrategyStatusActive StrategyStatus = "active"
	StrategyStatusPaused StrategyStatus = "paused"
)

// ConditionType selects which predicate family a condition evaluates.
type ConditionType string

const (
	ConditionNewMarket     ConditionType = "new_market"
	ConditionOddsThreshold ConditionType = "odds_threshold"
	ConditionPoolSize      ConditionType = "pool_size"
)

// Condition is one trigger predicate of a strategy. A listing matches when
// every populated field of the condition holds. Zero-valued fields are
// treated as "no constraint".
type Condition struct {
	Type     ConditionType
	Label    string
	Keywords []string
	// Categories filters by listing category, case-insensitive. The single
	// sentinel value "all" (or an empty slice) accepts any category.
	Categories []string
	// MinYesPercent/MaxYesPercent bound the current yes-odds. Only applied
	// for ConditionOddsThreshold.
	MinYesPercent *float64
	MaxYesPercent *float64
	// MinPoolMicro is the pool floor in micro units. Only applied for
	// ConditionPoolSize.
	MinPoolMicro int64
	// Contrarian flips the recommended side against the crowd when the
	// yes-odds are beyond ContrarianThreshold on either end.
	Contrarian          bool
	ContrarianThreshold float64
	// TopTrending restricts matches to the N largest listings by pool.
	// Zero disables the rank check.
	TopTrending int
}

// Action describes the stake placed when a condition matches.
type Action struct {
	StakeMicro int64
	Side       Side
	// MinConfidence gates matcher-recommended sides. Matches scoring below
	// it are discarded unless a fixed side or oracle opinion applies.
	MinConfidence int
}

// Limits caps a strategy's lifetime activity. A nil Limits means unlimited.
type Limits struct {
	MaxTotalStakeMicro int64
	MaxPerDay          int
	ExpiresAt          *time.Time
}

// Stats accumulates a strategy's realized activity.
type Stats struct {
	TotalPredictions int
	TotalStakedMicro int64
}

// Strategy is a user-authored auto-stake rule set.
type Strategy struct {
	ID         string
	Name       string
	Status     StrategyStatus
	Conditions []Condition
	Action     Action
	Limits     *Limits
	Stats      Stats
	// UseAIOracle routes side resolution through the configured oracle
	// before falling back to the matcher recommendation.
	UseAIOracle     bool
	AIMinConfidence int
	CreatedAt       time.Time
}

// Expired reports whether the strategy's expiry has passed at now.
func (s Strategy) Expired(now time.Time) bool {
	return s.Limits != nil && s.Limits.ExpiresAt != nil && !now.Before(*s.Limits.ExpiresAt)
}

// StrategyPatch is a partial update applied atomically to a strategy.
// Nil/zero fields are left untouched; Add* fields increment stats.
type StrategyPatch struct {
	ID             string
	Status         *StrategyStatus
	AddPredictions int
	AddStakedMicro int64
}
