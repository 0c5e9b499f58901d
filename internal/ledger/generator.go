package ledger

import (
	"github.com/google/uuid"
)

// JournalGenerator produces balanced journal batches for vault operations.
// The generator only builds entries — it never mutates the book; the core
// validates and applies batches through the standard pipeline.
type JournalGenerator struct {
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{sequence: startSequence}
}

// SetSequence resets the generator sequence (snapshot restore).
func (g *JournalGenerator) SetSequence(seq int64) {
	g.sequence = seq
}

func (g *JournalGenerator) newBatch(commandRef string, ts int64) *Batch {
	return &Batch{
		BatchID:    uuid.New(),
		CommandRef: commandRef,
		Sequence:   g.sequence,
		Timestamp:  ts,
		Journals:   nil,
	}
}

func (g *JournalGenerator) append(b *Batch, debit, credit AccountKey, amount int64, jt JournalType) {
	if amount <= 0 {
		return
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		CommandRef:    b.CommandRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Unit:          debit.Unit,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// GenerateSeniorDeposit moves assets in through the gateway and mints senior
// shares to the receiver.
func (g *JournalGenerator) GenerateSeniorDeposit(
	receiver uuid.UUID,
	commandRef string,
	assets, shares int64,
	ts int64,
) *Batch {
	b := g.newBatch(commandRef, ts)
	g.append(b, IdleKey(), GatewayKey(), assets, JournalTypeDepositIn)
	g.append(b, NewUserAccountKey(receiver, UnitSenior), SupplyKey(UnitSenior), shares, JournalTypeDepositMint)
	g.sequence++
	return b
}

// GenerateSeniorWithdraw burns the owner's senior shares and moves assets
// out through the gateway, recalling deployed principal first if needed.
func (g *JournalGenerator) GenerateSeniorWithdraw(
	owner uuid.UUID,
	commandRef string,
	assets, shares, recallAssets int64,
	ts int64,
) *Batch {
	b := g.newBatch(commandRef, ts)
	g.append(b, IdleKey(), DeployedKey(), recallAssets, JournalTypeRecall)
	g.append(b, SupplyKey(UnitSenior), NewUserAccountKey(owner, UnitSenior), shares, JournalTypeWithdrawBurn)
	g.append(b, GatewayKey(), IdleKey(), assets, JournalTypeWithdrawOut)
	g.sequence++
	return b
}

// GenerateShareTransfer moves shares between two holder accounts of a unit.
func (g *JournalGenerator) GenerateShareTransfer(
	from, to AccountKey,
	commandRef string,
	shares int64,
	ts int64,
) *Batch {
	b := g.newBatch(commandRef, ts)
	g.append(b, to, from, shares, JournalTypeShareTransfer)
	g.sequence++
	return b
}

// GenerateStake moves the caller's senior shares into the subtranche holding
// account and mints subordinate shares to the receiver.
func (g *JournalGenerator) GenerateStake(
	caller, receiver uuid.UUID,
	commandRef string,
	seniorShares, subShares int64,
	ts int64,
) *Batch {
	b := g.newBatch(commandRef, ts)
	g.append(b, SubTrancheKey(), NewUserAccountKey(caller, UnitSenior), seniorShares, JournalTypeStakeIn)
	g.append(b, NewUserAccountKey(receiver, UnitSub), SupplyKey(UnitSub), subShares, JournalTypeStakeMint)
	g.sequence++
	return b
}

// GenerateUnstake burns the owner's subordinate shares and returns senior
// shares from the subtranche holding account to the receiver.
func (g *JournalGenerator) GenerateUnstake(
	owner, receiver uuid.UUID,
	commandRef string,
	seniorShares, subShares int64,
	ts int64,
) *Batch {
	b := g.newBatch(commandRef, ts)
	g.append(b, SupplyKey(UnitSub), NewUserAccountKey(owner, UnitSub), subShares, JournalTypeStakeBurn)
	g.append(b, NewUserAccountKey(receiver, UnitSenior), SubTrancheKey(), seniorShares, JournalTypeStakeOut)
	g.sequence++
	return b
}

// GenerateLossReport writes deployed principal down by the realized loss and
// burns the loss-equivalent senior shares from the subtranche holding.
// burnShares is already clamped at the subtranche balance by the caller.
func (g *JournalGenerator) GenerateLossReport(
	commandRef string,
	writedownAssets, burnShares int64,
	ts int64,
) *Batch {
	b := g.newBatch(commandRef, ts)
	g.append(b, LossKey(), DeployedKey(), writedownAssets, JournalTypeLossWritedown)
	g.append(b, SupplyKey(UnitSenior), SubTrancheKey(), burnShares, JournalTypeLossBurn)
	g.sequence++
	return b
}

// GenerateYieldReport writes deployed principal up by the realized profit and
// mints the tranche-share fee to the subtranche holding account.
func (g *JournalGenerator) GenerateYieldReport(
	commandRef string,
	writeupAssets, feeShares int64,
	ts int64,
) *Batch {
	b := g.newBatch(commandRef, ts)
	g.append(b, DeployedKey(), YieldKey(), writeupAssets, JournalTypeYieldWriteup)
	g.append(b, SubTrancheKey(), SupplyKey(UnitSenior), feeShares, JournalTypeYieldFeeMint)
	g.sequence++
	return b
}

// GenerateRebalance moves base assets between idle and deployed. deploy and
// recall are mutually exclusive; whichever is zero produces no entry.
func (g *JournalGenerator) GenerateRebalance(
	commandRef string,
	deploy, recall int64,
	ts int64,
) *Batch {
	b := g.newBatch(commandRef, ts)
	g.append(b, DeployedKey(), IdleKey(), deploy, JournalTypeDeploy)
	g.append(b, IdleKey(), DeployedKey(), recall, JournalTypeRecall)
	g.sequence++
	return b
}

// GenerateEmpty produces a journal-less batch for state-only commands.
func (g *JournalGenerator) GenerateEmpty(commandRef string, ts int64) *Batch {
	b := g.newBatch(commandRef, ts)
	g.sequence++
	return b
}
