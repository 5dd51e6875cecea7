package chain

import (
	"fmt"
	"strings"

	"github.com/stakepilot/engine/internal/domain"
)

// Revert and RPC error fragments used to map raw chain errors onto the
// domain sentinels. Matching is case-insensitive substring search because
// node implementations disagree on exact wording.
var (
	permissionRevertMarkers = []string{
		"allowance exceeded",
		"spend limit exceeded",
		"permission exhausted",
		"insufficient allowance",
		"permission: limit",
	}

	listingRevertMarkers = []string{
		"listing closed",
		"listing resolved",
		"market closed",
		"market resolved",
		"cancelled",
		"canceled",
	}

	nonceErrMarkers = []string{
		"nonce too low",
		"nonce too high",
		"invalid nonce",
		"replacement transaction underpriced",
		"already known",
	}

	fundsErrMarkers = []string{
		"insufficient funds",
		"insufficient balance",
	}
)

func containsAny(msg string, markers []string) bool {
	msg = strings.ToLower(msg)
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func isNonceErr(err error) bool {
	return err != nil && containsAny(err.Error(), nonceErrMarkers)
}

// classify wraps a raw send/revert error with the matching domain sentinel.
// Unrecognized errors pass through unchanged for generic handling upstream.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case containsAny(msg, permissionRevertMarkers):
		return fmt.Errorf("%w: %v", domain.ErrPermissionExhausted, err)
	case containsAny(msg, listingRevertMarkers):
		return fmt.Errorf("%w: %v", domain.ErrListingClosed, err)
	case containsAny(msg, fundsErrMarkers):
		return fmt.Errorf("%w: %v", domain.ErrInsufficientGas, err)
	}
	return err
}
