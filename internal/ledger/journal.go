package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDepositIn JournalType = iota // external gateway -> idle
	JournalTypeDepositMint
	JournalTypeWithdrawBurn
	JournalTypeWithdrawOut // idle -> external gateway
	JournalTypeShareTransfer
	JournalTypeStakeIn  // senior shares user -> subtranche
	JournalTypeStakeOut // senior shares subtranche -> user
	JournalTypeStakeMint
	JournalTypeStakeBurn
	JournalTypeLossBurn     // loss absorption: burn subtranche-held senior shares
	JournalTypeLossWritedown
	JournalTypeYieldWriteup
	JournalTypeYieldFeeMint // tranche-share mint to the subtranche
	JournalTypeDeploy       // idle -> deployed
	JournalTypeRecall       // deployed -> idle
)

// Journal represents a single double-entry journal entry.
// A single positive amount moves from the credit account to the debit
// account, so every entry is balanced by construction.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	CommandRef    string // Idempotency key of source command
	Sequence      int64
	DebitAccount  AccountKey
	CreditAccount AccountKey
	Unit          Unit
	Amount        int64 // ALWAYS positive
	JournalType   JournalType
	Timestamp     int64 // Versioned input timestamp (epoch seconds)
}

// Batch represents a balanced set of journal entries produced by one command.
type Batch struct {
	BatchID    uuid.UUID
	CommandRef string
	Sequence   int64
	Timestamp  int64
	Journals   []Journal
}

// Validate ensures the batch is well-formed. Per-entry balance makes the
// per-unit zero-sum invariant hold automatically; this checks the rest.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.DebitAccount.Unit != j.Unit || j.CreditAccount.Unit != j.Unit {
			return fmt.Errorf("journal %s crosses units: %s -> %s",
				j.JournalID, j.CreditAccount.AccountPath(), j.DebitAccount.AccountPath())
		}
	}
	return nil
}
