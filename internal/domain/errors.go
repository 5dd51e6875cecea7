package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrEngineHalted        = errors.New("engine halted")
	ErrBudgetExhausted     = errors.New("shared budget exhausted")
	ErrPermissionExhausted = errors.New("spend permission exhausted")
	ErrInsufficientGas     = errors.New("insufficient gas funds")
	ErrNonceExhausted      = errors.New("nonce conflict retries exhausted")
	ErrListingClosed       = errors.New("listing closed")
	ErrStrategyExpired     = errors.New("strategy expired")
	ErrContextDone         = errors.New("context cancelled")
	ErrLockHeld            = errors.New("lock already held")
)
