package vault

import (
	stdmath "math"

	fpmath "TrancheVault/internal/math"
)

// LimitInputs carries the vault state needed to evaluate subordinate-tranche
// limits. Debt and DebtCap are base-asset amounts from the credit market;
// everything else is in share units.
type LimitInputs struct {
	Params   Params
	Shutdown bool

	Debt         int64
	SeniorSupply int64
	TotalAssets  int64
	SubHoldings  int64
	SubSupply    int64
}

// debtShares converts a base-asset amount to senior shares at the current
// share price, rounding down.
func (in LimitInputs) debtShares(assets int64) int64 {
	return fpmath.SharesForAssets(assets, in.SeniorSupply, in.TotalAssets)
}

// AvailableSubDeposit returns how many senior shares may still be staked
// into the subordinate tranche. Unbounded during shutdown.
func AvailableSubDeposit(in LimitInputs) int64 {
	if in.Shutdown {
		return stdmath.MaxInt64
	}
	return SubDepositLimit(
		in.Params.MaxSubordinationBps,
		in.debtShares(in.Debt),
		in.debtShares(in.Params.DebtCap),
		in.SeniorSupply,
		in.SubHoldings,
	)
}

// AvailableSubWithdraw returns how many subordinate shares the owner may
// redeem right now, combining the balance, the cooldown window, and the
// minimum-backing floor. cooldownAvail is the share quantity currently
// inside an open withdrawal window (zero outside it); it is ignored when
// cooldowns are disabled. Shutdown bypasses everything but the balance.
func AvailableSubWithdraw(in LimitInputs, balance, cooldownAvail int64) int64 {
	if in.Shutdown {
		return balance
	}

	limit := balance

	if in.Params.CooldownDuration > 0 && cooldownAvail < limit {
		limit = cooldownAvail
	}

	// Backing floor is expressed in senior shares; convert to sub shares
	// at the subordinate share price.
	backingSenior := SubWithdrawLimit(in.Params.MinBackingBps, in.debtShares(in.Debt), in.SubHoldings)
	if in.Params.MinBackingBps > 0 {
		backingSub := fpmath.SharesForAssets(backingSenior, in.SubSupply, in.SubHoldings)
		if backingSub < limit {
			limit = backingSub
		}
	}

	if limit < 0 {
		return 0
	}
	return limit
}
