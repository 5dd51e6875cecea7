package domain

import "time"

// ExecutionStatus is the terminal outcome of a dispatch attempt.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// Execution is one recorded stake attempt for a (strategy, listing) pair.
type Execution struct {
	ID             string
	StrategyID     string
	ListingID      string
	Side           Side
	StakeMicro     int64
	Status         ExecutionStatus
	TxHash         string
	Error          string
	Confidence     int
	ConditionLabel string
	CreatedAt      time.Time
}
