package vault

import (
	vmath "TrancheVault/internal/math"
)

// Subordination limit calculator. Pure functions over a consistent snapshot
// of ledger and market state taken at the start of the enclosing command —
// no state of its own.
//
// All quantities here are senior-share units. The caller converts the credit
// market's USD-denominated debt figures into shares at the current senior
// share price before calling (the base asset is a stable pegged 1:1).

// SubDepositLimit returns how many more senior shares the subordinate
// tranche may accept. Capacity is the subordination fraction of the larger
// of actual market debt and the configured debt ceiling, additionally capped
// by the same fraction of senior supply so the holdings/supply ratio can
// never exceed the configured maximum.
func SubDepositLimit(maxSubordinationBps, debtShares, debtCapShares, seniorSupply, subHoldings int64) int64 {
	base := debtShares
	if debtCapShares > base {
		base = debtCapShares
	}

	capacity := vmath.ApplyBps(base, maxSubordinationBps)
	supplyCapacity := vmath.ApplyBps(seniorSupply, maxSubordinationBps)
	if supplyCapacity < capacity {
		capacity = supplyCapacity
	}

	if capacity <= subHoldings {
		return 0
	}
	return capacity - subHoldings
}

// SubWithdrawLimit returns how many senior shares may leave the subordinate
// tranche without breaking the minimum backing floor for current market
// debt. A zero minBackingBps means no floor is configured.
func SubWithdrawLimit(minBackingBps, debtShares, subHoldings int64) int64 {
	if minBackingBps == 0 {
		return subHoldings
	}

	floor := vmath.ApplyBps(debtShares, minBackingBps)
	if subHoldings <= floor {
		return 0
	}
	return subHoldings - floor
}
