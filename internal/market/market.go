// Package market holds the vault core's deterministic mirror of the
// external credit-lending market. The mirror is updated only by versioned
// commands (valuation feeds, explicit loss reports) and by the vault's own
// supply/withdraw moves, so every command observes a consistent snapshot.
package market

// CreditMarket is the collaborator contract the senior tranche deploys
// against. The production implementation is the in-core View fed by the
// keeper; the interface exists so collaborator boundaries stay explicit.
type CreditMarket interface {
	// Supply deploys base assets; returns the amount actually accepted.
	Supply(amount int64) int64
	// Withdraw recalls base assets; returns the amount actually freed.
	Withdraw(amount int64) int64
	// CurrentDebt returns outstanding borrower debt in base units.
	CurrentDebt() int64
	// TotalSupplyAssets returns the market's total supplied assets.
	TotalSupplyAssets() int64
	// ApplyExternalLoss reduces the vault's supplied valuation by a realized
	// loss. Explicit interface — tests never reach into private state.
	ApplyExternalLoss(amount int64)
}

// View is the in-core credit market mirror.
type View struct {
	suppliedPrincipal int64 // What the vault's ledger carries as deployed
	suppliedValue     int64 // Current valuation of the vault's supply position
	debt              int64 // Outstanding borrower debt
	totalSupplyAssets int64 // Market-wide supplied assets
	liquidity         int64 // Assets withdrawable from the market right now
	shutdown          bool  // Emergency-shutdown signal
}

func NewView() *View {
	return &View{}
}

// Supply deploys assets into the market. The mirror accepts the full amount;
// real-market partial fills arrive later as valuation corrections.
func (v *View) Supply(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	v.suppliedPrincipal += amount
	v.suppliedValue += amount
	v.totalSupplyAssets += amount
	return amount
}

// Withdraw recalls assets, capped by market liquidity and the vault's
// position value.
func (v *View) Withdraw(amount int64) int64 {
	freed := v.Withdrawable(amount)
	if freed <= 0 {
		return 0
	}
	v.suppliedPrincipal -= freed
	v.suppliedValue -= freed
	v.totalSupplyAssets -= freed
	if v.liquidity > 0 {
		v.liquidity -= freed
		if v.liquidity < 0 {
			v.liquidity = 0
		}
	}
	return freed
}

// Withdrawable returns how much of the requested amount could be freed
// without mutating the view. Used for validate-before-mutate checks.
func (v *View) Withdrawable(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	freed := amount
	if freed > v.suppliedValue {
		freed = v.suppliedValue
	}
	if v.liquidity > 0 && freed > v.liquidity {
		freed = v.liquidity
	}
	return freed
}

func (v *View) CurrentDebt() int64 {
	return v.debt
}

func (v *View) TotalSupplyAssets() int64 {
	return v.totalSupplyAssets
}

// SuppliedValue returns the current valuation of the vault's position.
func (v *View) SuppliedValue() int64 {
	return v.suppliedValue
}

// SuppliedPrincipal returns the principal the vault's ledger carries.
func (v *View) SuppliedPrincipal() int64 {
	return v.suppliedPrincipal
}

// ApplyExternalLoss writes the vault's position valuation down.
func (v *View) ApplyExternalLoss(amount int64) {
	if amount <= 0 {
		return
	}
	v.suppliedValue -= amount
	if v.suppliedValue < 0 {
		v.suppliedValue = 0
	}
}

// SetValuation applies a keeper valuation feed: the vault position's current
// value, market debt, and withdrawable liquidity.
func (v *View) SetValuation(suppliedValue, debt, totalSupplyAssets, liquidity int64) {
	v.suppliedValue = suppliedValue
	v.debt = debt
	v.totalSupplyAssets = totalSupplyAssets
	v.liquidity = liquidity
}

// SettlePrincipal marks profit/loss as realized: the ledger's deployed
// principal has been written up/down to match valuation.
func (v *View) SettlePrincipal(principal int64) {
	v.suppliedPrincipal = principal
	v.suppliedValue = principal
}

func (v *View) SetShutdown(active bool) {
	v.shutdown = active
}

// Shutdown reports the emergency-shutdown state. While active, all
// subordination limits are bypassed and the full balance is withdrawable.
func (v *View) Shutdown() bool {
	return v.shutdown
}

// ViewSnapshot is the serializable market mirror state.
type ViewSnapshot struct {
	SuppliedPrincipal int64 `json:"supplied_principal"`
	SuppliedValue     int64 `json:"supplied_value"`
	Debt              int64 `json:"debt"`
	TotalSupplyAssets int64 `json:"total_supply_assets"`
	Liquidity         int64 `json:"liquidity"`
	Shutdown          bool  `json:"shutdown"`
}

func (v *View) Snapshot() ViewSnapshot {
	return ViewSnapshot{
		SuppliedPrincipal: v.suppliedPrincipal,
		SuppliedValue:     v.suppliedValue,
		Debt:              v.debt,
		TotalSupplyAssets: v.totalSupplyAssets,
		Liquidity:         v.liquidity,
		Shutdown:          v.shutdown,
	}
}

func (v *View) Restore(snap ViewSnapshot) {
	v.suppliedPrincipal = snap.SuppliedPrincipal
	v.suppliedValue = snap.SuppliedValue
	v.debt = snap.Debt
	v.totalSupplyAssets = snap.TotalSupplyAssets
	v.liquidity = snap.Liquidity
	v.shutdown = snap.Shutdown
}
