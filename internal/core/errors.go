package core

import (
	"errors"
)

// Rejection taxonomy. Every rejected command wraps exactly one of these so
// callers (and tests) can classify failures without string matching.
var (
	// ErrEligibility covers below-minimum deposits, active time gates,
	// exceeded subordination limits, and non-whitelisted proxy deposits.
	// The whole operation fails with no partial effect.
	ErrEligibility = errors.New("eligibility")

	// ErrLiquidity covers withdrawals the vault cannot source from idle
	// plus recoverable market assets. The call fails rather than paying a
	// reduced amount.
	ErrLiquidity = errors.New("liquidity")

	// ErrConfiguration covers invalid synced configuration, e.g. a profit
	// share above 100%. Ordinary operations keep running on the previous
	// cached value.
	ErrConfiguration = errors.New("configuration")

	// ErrUnauthorized covers commands submitted without the keeper or
	// governor identity they require.
	ErrUnauthorized = errors.New("unauthorized")
)

// RejectionReason maps a rejection error to its metrics label.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrEligibility):
		return "eligibility"
	case errors.Is(err, ErrLiquidity):
		return "liquidity"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "internal"
	}
}
