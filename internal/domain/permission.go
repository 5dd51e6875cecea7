package domain

import "context"

// SpendPermission authorizes the session account to draw stake from the
// principal account through the on-chain enforcement contract. All binary
// fields are hex strings so the domain stays free of chain library types.
type SpendPermission struct {
	// Context is the ABI-encoded permission blob returned at grant time.
	Context string
	// Enforcer is the address of the enforcement contract the redemption
	// call targets.
	Enforcer string
	// Principal is the granting account the stake is drawn from.
	Principal string
	// AllowanceMicro is the total spend the permission authorizes.
	AllowanceMicro int64
}

// PlacementRequest describes one stake to execute on chain.
type PlacementRequest struct {
	ListingID  string
	Side       Side
	StakeMicro int64
	Permission SpendPermission
}

// PlacementResult reports a confirmed placement.
type PlacementResult struct {
	TxHash      string
	RedeemHash  string
	GasUsed     uint64
	BlockNumber uint64
}

// Placer executes delegated stake placements. Errors wrap the domain
// sentinels (ErrPermissionExhausted, ErrInsufficientGas, ErrNonceExhausted)
// so callers can classify failures with errors.Is.
type Placer interface {
	Place(ctx context.Context, req PlacementRequest) (PlacementResult, error)
}
