package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// Book maintains in-memory account balances for all three units.
// Not thread-safe — only mutated by the single-threaded vault core.
type Book struct {
	balances map[AccountKey]int64
}

func NewBook() *Book {
	return &Book{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (b *Book) ApplyJournal(j Journal) {
	b.balances[j.DebitAccount] += j.Amount
	b.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (b *Book) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		b.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (b *Book) GetBalance(key AccountKey) int64 {
	return b.balances[key]
}

// SetBalance overwrites an account balance (snapshot restore only).
func (b *Book) SetBalance(key AccountKey, balance int64) {
	b.balances[key] = balance
}

// BalanceOf returns a user's share balance in the given tranche unit.
func (b *Book) BalanceOf(account uuid.UUID, unit Unit) int64 {
	return b.balances[NewUserAccountKey(account, unit)]
}

// TotalSupply returns the total share supply of a tranche unit, read off
// the supply contra account.
func (b *Book) TotalSupply(unit Unit) int64 {
	return -b.balances[SupplyKey(unit)]
}

// SubTrancheHoldings returns the subordinate tranche's senior-share balance.
func (b *Book) SubTrancheHoldings() int64 {
	return b.balances[SubTrancheKey()]
}

// IdleAssets returns the senior vault's idle base-asset balance.
func (b *Book) IdleAssets() int64 {
	return b.balances[IdleKey()]
}

// DeployedAssets returns the base-asset principal deployed to the market.
func (b *Book) DeployedAssets() int64 {
	return b.balances[DeployedKey()]
}

// TotalAssets returns the senior vault's total base assets (idle + deployed).
func (b *Book) TotalAssets() int64 {
	return b.IdleAssets() + b.DeployedAssets()
}

// HolderBalances returns every non-external share balance for a unit,
// including the subtranche's senior-share holding account.
func (b *Book) HolderBalances(unit Unit) map[AccountKey]int64 {
	holders := make(map[AccountKey]int64)
	for key, bal := range b.balances {
		if key.Unit != unit || key.SubType != SubTypeShares {
			continue
		}
		holders[key] = bal
	}
	return holders
}

// ComputeUnitTotals sums all account balances per unit. Every total must be
// zero for a zero-sum ledger.
func (b *Book) ComputeUnitTotals() map[Unit]int64 {
	totals := make(map[Unit]int64)
	for key, balance := range b.balances {
		totals[key.Unit] += balance
	}
	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (b *Book) ValidateNonNegative(key AccountKey) error {
	balance := b.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing and persistence)
func (b *Book) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(b.balances))
	for k, v := range b.balances {
		snapshot[k] = v
	}
	return snapshot
}
