package core_test

import (
	"errors"
	"testing"
	"time"

	"TrancheVault/internal/command"
	"TrancheVault/internal/core"
	"TrancheVault/internal/ledger"
	"TrancheVault/internal/vault"

	"github.com/google/uuid"
)

// --- Test helpers ---

var (
	testKeeper   = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	testGovernor = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

const (
	baseTime = int64(1_700_000_000)
	day      = int64(86_400)
)

func at(offsetSec int64) time.Time {
	return time.Unix(baseTime+offsetSec, 0)
}

// newTestCore creates a VaultCore with buffered channels and no DB checker.
func newTestCore(p vault.Params) (*core.VaultCore, chan core.CoreOutput, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c := core.NewVaultCore(0, testKeeper, testGovernor, p, persistChan, projChan, nil, nil)
	return c, persistChan, projChan
}

// openParams disables every time gate so flows can run back to back.
func openParams() vault.Params {
	p := vault.DefaultParams()
	p.LockDuration = 0
	p.CooldownDuration = 0
	p.WithdrawalWindow = 0
	p.CommitmentDuration = 0
	return p
}

// stakeParams adds a debt ceiling so the subordinate tranche has capacity
// before any market debt exists.
func stakeParams() vault.Params {
	p := openParams()
	p.DebtCap = 2_000_000
	return p
}

func mustDeposit(tranche command.TrancheID, user uuid.UUID, amount, seq int64, ts time.Time) *command.Deposit {
	return &command.Deposit{
		CommandID: uuid.New(),
		TrancheID: tranche,
		Caller:    user,
		Receiver:  user,
		Amount:    amount,
		Sequence:  seq,
		Timestamp: ts,
	}
}

func mustMintShares(tranche command.TrancheID, user uuid.UUID, shares, seq int64, ts time.Time) *command.MintShares {
	return &command.MintShares{
		CommandID: uuid.New(),
		TrancheID: tranche,
		Caller:    user,
		Receiver:  user,
		Shares:    shares,
		Sequence:  seq,
		Timestamp: ts,
	}
}

func mustWithdraw(tranche command.TrancheID, user uuid.UUID, amount, seq int64, ts time.Time) *command.Withdraw {
	return &command.Withdraw{
		CommandID: uuid.New(),
		TrancheID: tranche,
		Caller:    user,
		Owner:     user,
		Receiver:  user,
		Amount:    amount,
		Sequence:  seq,
		Timestamp: ts,
	}
}

func mustRedeem(tranche command.TrancheID, user uuid.UUID, shares, maxLossBps, seq int64, ts time.Time) *command.Redeem {
	return &command.Redeem{
		CommandID:  uuid.New(),
		TrancheID:  tranche,
		Caller:     user,
		Owner:      user,
		Receiver:   user,
		Shares:     shares,
		MaxLossBps: maxLossBps,
		Sequence:   seq,
		Timestamp:  ts,
	}
}

func mustTransfer(tranche command.TrancheID, from, to uuid.UUID, toSub bool, shares, seq int64, ts time.Time) *command.Transfer {
	return &command.Transfer{
		CommandID:    uuid.New(),
		TrancheID:    tranche,
		Caller:       from,
		From:         from,
		To:           to,
		ToSubTranche: toSub,
		Shares:       shares,
		Sequence:     seq,
		Timestamp:    ts,
	}
}

func mustStartCooldown(user uuid.UUID, shares, seq int64, ts time.Time) *command.StartCooldown {
	return &command.StartCooldown{
		CommandID: uuid.New(),
		Caller:    user,
		Shares:    shares,
		Sequence:  seq,
		Timestamp: ts,
	}
}

func mustCancelCooldown(user uuid.UUID, seq int64, ts time.Time) *command.CancelCooldown {
	return &command.CancelCooldown{
		CommandID: uuid.New(),
		Caller:    user,
		Sequence:  seq,
		Timestamp: ts,
	}
}

func mustReport(keeper uuid.UUID, seq int64, ts time.Time) *command.Report {
	return &command.Report{
		CommandID: uuid.New(),
		Keeper:    keeper,
		Sequence:  seq,
		Timestamp: ts,
	}
}

func mustRebalance(keeper uuid.UUID, seq int64, ts time.Time) *command.Rebalance {
	return &command.Rebalance{
		CommandID: uuid.New(),
		Keeper:    keeper,
		Sequence:  seq,
		Timestamp: ts,
	}
}

func mustValuation(value, debt, totalSupply, liquidity, feedSeq int64, ts time.Time) *command.MarketValuation {
	return &command.MarketValuation{
		CommandID:         uuid.New(),
		Keeper:            testKeeper,
		SuppliedValue:     value,
		Debt:              debt,
		TotalSupplyAssets: totalSupply,
		Liquidity:         liquidity,
		FeedSequence:      feedSeq,
		Timestamp:         ts,
	}
}

func mustSyncParams(p vault.Params, seq int64, ts time.Time) *command.SyncParams {
	return &command.SyncParams{
		CommandID:           uuid.New(),
		Keeper:              testKeeper,
		LockDuration:        p.LockDuration,
		CooldownDuration:    p.CooldownDuration,
		WithdrawalWindow:    p.WithdrawalWindow,
		CommitmentDuration:  p.CommitmentDuration,
		MaxSubordinationBps: p.MaxSubordinationBps,
		MinBackingBps:       p.MinBackingBps,
		DeploymentRatioBps:  p.DeploymentRatioBps,
		TrancheShareBps:     p.TrancheShareBps,
		DebtCap:             p.DebtCap,
		MinDeposit:          p.MinDeposit,
		Sequence:            seq,
		Timestamp:           ts,
	}
}

func mustShutdown(governor uuid.UUID, active bool, seq int64, ts time.Time) *command.SetShutdown {
	return &command.SetShutdown{
		CommandID: uuid.New(),
		Governor:  governor,
		Active:    active,
		Sequence:  seq,
		Timestamp: ts,
	}
}

func mustWhitelist(governor, depositor uuid.UUID, allowed bool, seq int64, ts time.Time) *command.SetWhitelist {
	return &command.SetWhitelist{
		CommandID: uuid.New(),
		Governor:  governor,
		Depositor: depositor,
		Allowed:   allowed,
		Sequence:  seq,
		Timestamp: ts,
	}
}

func process(t *testing.T, c *core.VaultCore, cmd command.Command) {
	t.Helper()
	if err := c.ProcessCommand(cmd); err != nil {
		t.Fatalf("ProcessCommand(%s) failed: %v", cmd.CommandType(), err)
	}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// ============================================================================
// Test: Senior Deposit Flow
// ============================================================================

func TestSeniorDeposit_MintsSharesAndDeploys(t *testing.T) {
	c, persistCh, _ := newTestCore(openParams())
	user := uuid.New()

	process(t, c, mustDeposit(command.TrancheSenior, user, 1_000_000, 0, at(0)))

	// A deposit into an under-deployed vault emits two batches: the
	// deposit itself, then the deployment toward the target ratio.
	outputs := drainOutputs(persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	if outputs[0].Envelope.Sequence != 0 || outputs[1].Envelope.Sequence != 1 {
		t.Errorf("expected sequences 0,1, got %d,%d", outputs[0].Envelope.Sequence, outputs[1].Envelope.Sequence)
	}

	deposit := outputs[0].Batch
	if len(deposit.Journals) != 2 {
		t.Fatalf("expected 2 deposit journals, got %d", len(deposit.Journals))
	}
	if deposit.Journals[0].JournalType != ledger.JournalTypeDepositIn {
		t.Errorf("expected JournalTypeDepositIn, got %d", deposit.Journals[0].JournalType)
	}
	if deposit.Journals[1].JournalType != ledger.JournalTypeDepositMint {
		t.Errorf("expected JournalTypeDepositMint, got %d", deposit.Journals[1].JournalType)
	}

	deploy := outputs[1].Batch
	if len(deploy.Journals) != 1 {
		t.Fatalf("expected 1 deploy journal, got %d", len(deploy.Journals))
	}
	if deploy.Journals[0].JournalType != ledger.JournalTypeDeploy {
		t.Errorf("expected JournalTypeDeploy, got %d", deploy.Journals[0].JournalType)
	}
	if deploy.Journals[0].Amount != 900_000 {
		t.Errorf("expected deploy 900_000, got %d", deploy.Journals[0].Amount)
	}

	// Fresh vault mints 1:1; 90% of the capital goes to the market.
	if got := c.Book().BalanceOf(user, ledger.UnitSenior); got != 1_000_000 {
		t.Errorf("expected 1_000_000 shares, got %d", got)
	}
	if got := c.Book().IdleAssets(); got != 100_000 {
		t.Errorf("expected idle 100_000, got %d", got)
	}
	if got := c.Book().DeployedAssets(); got != 900_000 {
		t.Errorf("expected deployed 900_000, got %d", got)
	}
	if got := c.MarketView().SuppliedPrincipal(); got != 900_000 {
		t.Errorf("expected market principal 900_000, got %d", got)
	}
}

func TestSeniorMintShares_EmptyVaultChargesParAssets(t *testing.T) {
	c, persistCh, _ := newTestCore(openParams())
	user := uuid.New()

	process(t, c, mustMintShares(command.TrancheSenior, user, 500_000, 0, at(0)))

	outputs := drainOutputs(persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	if got := c.Book().BalanceOf(user, ledger.UnitSenior); got != 500_000 {
		t.Errorf("expected 500_000 shares, got %d", got)
	}
	if got := c.Book().TotalAssets(); got != 500_000 {
		t.Errorf("expected total assets 500_000, got %d", got)
	}
}

func TestSeniorDeposit_FirstDepositBelowMinimum_Fails(t *testing.T) {
	p := openParams()
	p.MinDeposit = 500_000
	c, persistCh, _ := newTestCore(p)
	user := uuid.New()

	err := c.ProcessCommand(mustDeposit(command.TrancheSenior, user, 400_000, 0, at(0)))
	if !errors.Is(err, core.ErrEligibility) {
		t.Fatalf("expected ErrEligibility, got %v", err)
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Fatalf("expected no outputs, got %d", len(outputs))
	}

	// At the minimum the deposit lands; top-ups below it are fine after.
	process(t, c, mustDeposit(command.TrancheSenior, user, 500_000, 1, at(1)))
	process(t, c, mustDeposit(command.TrancheSenior, user, 1_000, 2, at(2)))

	if got := c.Book().BalanceOf(user, ledger.UnitSenior); got != 501_000 {
		t.Errorf("expected 501_000 shares, got %d", got)
	}
}

func TestSeniorDeposit_ThirdPartyRequiresWhitelist(t *testing.T) {
	c, _, _ := newTestCore(openParams())
	operator := uuid.New()
	receiver := uuid.New()

	cmd := &command.Deposit{
		CommandID: uuid.New(),
		TrancheID: command.TrancheSenior,
		Caller:    operator,
		Receiver:  receiver,
		Amount:    100_000,
		Sequence:  0,
		Timestamp: at(0),
	}
	err := c.ProcessCommand(cmd)
	if !errors.Is(err, core.ErrEligibility) {
		t.Fatalf("expected ErrEligibility, got %v", err)
	}

	process(t, c, mustWhitelist(testGovernor, operator, true, 0, at(1)))

	cmd2 := &command.Deposit{
		CommandID: uuid.New(),
		TrancheID: command.TrancheSenior,
		Caller:    operator,
		Receiver:  receiver,
		Amount:    100_000,
		Sequence:  1,
		Timestamp: at(2),
	}
	process(t, c, cmd2)

	if got := c.Book().BalanceOf(receiver, ledger.UnitSenior); got != 100_000 {
		t.Errorf("expected receiver to hold 100_000 shares, got %d", got)
	}
	if got := c.Book().BalanceOf(operator, ledger.UnitSenior); got != 0 {
		t.Errorf("expected operator to hold nothing, got %d", got)
	}
}

func TestSetWhitelist_WrongGovernor_Fails(t *testing.T) {
	c, _, _ := newTestCore(openParams())

	err := c.ProcessCommand(mustWhitelist(uuid.New(), uuid.New(), true, 0, at(0)))
	if !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

// ============================================================================
// Test: Senior Withdrawal Flow
// ============================================================================

func TestSeniorWithdraw_RecallsDeployedPrincipal(t *testing.T) {
	c, persistCh, _ := newTestCore(openParams())
	user := uuid.New()

	process(t, c, mustDeposit(command.TrancheSenior, user, 1_000_000, 0, at(0)))
	drainOutputs(persistCh)

	// 300k out of 100k idle: 200k must come back from the market.
	process(t, c, mustWithdraw(command.TrancheSenior, user, 300_000, 1, at(1)))

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}

	journals := outputs[0].Batch.Journals
	if len(journals) != 3 {
		t.Fatalf("expected 3 journals, got %d", len(journals))
	}
	if journals[0].JournalType != ledger.JournalTypeRecall || journals[0].Amount != 200_000 {
		t.Errorf("expected recall 200_000, got type %d amount %d", journals[0].JournalType, journals[0].Amount)
	}
	if journals[1].JournalType != ledger.JournalTypeWithdrawBurn || journals[1].Amount != 300_000 {
		t.Errorf("expected burn 300_000, got type %d amount %d", journals[1].JournalType, journals[1].Amount)
	}
	if journals[2].JournalType != ledger.JournalTypeWithdrawOut || journals[2].Amount != 300_000 {
		t.Errorf("expected payout 300_000, got type %d amount %d", journals[2].JournalType, journals[2].Amount)
	}

	if got := c.Book().BalanceOf(user, ledger.UnitSenior); got != 700_000 {
		t.Errorf("expected 700_000 shares left, got %d", got)
	}
	if got := c.Book().IdleAssets(); got != 0 {
		t.Errorf("expected idle 0, got %d", got)
	}
	if got := c.Book().DeployedAssets(); got != 700_000 {
		t.Errorf("expected deployed 700_000, got %d", got)
	}
}

func TestSeniorWithdraw_ExactAmount_FailsOnIlliquidMarket(t *testing.T) {
	c, persistCh, _ := newTestCore(openParams())
	user := uuid.New()

	process(t, c, mustDeposit(command.TrancheSenior, user, 1_000_000, 0, at(0)))
	drainOutputs(persistCh)

	// Keeper feed: position still worth 900k but only 50k withdrawable.
	process(t, c, mustValuation(900_000, 0, 900_000, 50_000, 0, at(1)))
	drainOutputs(persistCh)

	err := c.ProcessCommand(mustWithdraw(command.TrancheSenior, user, 300_000, 1, at(2)))
	if !errors.Is(err, core.ErrLiquidity) {
		t.Fatalf("expected ErrLiquidity, got %v", err)
	}

	// No partial fill: state is untouched.
	if got := c.Book().BalanceOf(user, ledger.UnitSenior); got != 1_000_000 {
		t.Errorf("expected balance unchanged at 1_000_000, got %d", got)
	}
	if got := c.Book().IdleAssets(); got != 100_000 {
		t.Errorf("expected idle unchanged at 100_000, got %d", got)
	}
}

func TestSeniorRedeem_ShortfallWithinMaxLoss(t *testing.T) {
	c, persistCh, _ := newTestCore(openParams())
	user := uuid.New()

	process(t, c, mustDeposit(command.TrancheSenior, user, 1_000_000, 0, at(0)))
	process(t, c, mustValuation(900_000, 0, 900_000, 50_000, 0, at(1)))
	drainOutputs(persistCh)

	// 300k shares are worth 300k but only 150k can be sourced, a 50% loss.
	err := c.ProcessCommand(mustRedeem(command.TrancheSenior, user, 300_000, 0, 1, at(2)))
	if !errors.Is(err, core.ErrLiquidity) {
		t.Fatalf("expected ErrLiquidity with maxLoss 0, got %v", err)
	}

	process(t, c, mustRedeem(command.TrancheSenior, user, 300_000, 5_000, 2, at(3)))

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	journals := outputs[0].Batch.Journals
	if journals[0].JournalType != ledger.JournalTypeRecall || journals[0].Amount != 50_000 {
		t.Errorf("expected recall 50_000, got type %d amount %d", journals[0].JournalType, journals[0].Amount)
	}
	if journals[2].JournalType != ledger.JournalTypeWithdrawOut || journals[2].Amount != 150_000 {
		t.Errorf("expected payout 150_000, got type %d amount %d", journals[2].JournalType, journals[2].Amount)
	}

	// The redeemer ate the shortfall; remaining holders keep full backing.
	if got := c.Book().BalanceOf(user, ledger.UnitSenior); got != 700_000 {
		t.Errorf("expected 700_000 shares left, got %d", got)
	}
	if got := c.Book().TotalAssets(); got != 850_000 {
		t.Errorf("expected total assets 850_000, got %d", got)
	}
}

// ============================================================================
// Test: Commitment Gate
// ============================================================================

func TestSeniorDeposit_CommitmentBlocksEarlyExit(t *testing.T) {
	c, persistCh, _ := newTestCore(vault.DefaultParams())
	user := uuid.New()

	process(t, c, mustDeposit(command.TrancheSenior, user, 1_000_000, 0, at(0)))

	outputs := drainOutputs(persistCh)
	if len(outputs[0].GateRows) != 1 {
		t.Fatalf("expected 1 gate row, got %d", len(outputs[0].GateRows))
	}
	row := outputs[0].GateRows[0]
	if row.CommitmentEnd == nil || *row.CommitmentEnd != baseTime+7*day {
		t.Fatalf("expected commitment end %d, got %v", baseTime+7*day, row.CommitmentEnd)
	}

	err := c.ProcessCommand(mustRedeem(command.TrancheSenior, user, 1_000_000, 0, 1, at(3600)))
	if !errors.Is(err, core.ErrEligibility) {
		t.Fatalf("expected ErrEligibility inside commitment, got %v", err)
	}

	// The gate expires at exactly the end second.
	process(t, c, mustRedeem(command.TrancheSenior, user, 1_000_000, 0, 2, at(7*day)))

	if got := c.Book().BalanceOf(user, ledger.UnitSenior); got != 0 {
		t.Errorf("expected full exit, got %d shares", got)
	}
	if c.GatesView().CommitmentActive(user, baseTime) {
		t.Error("expected commitment cleared after full exit")
	}
}

func TestTransfer_ToSubTrancheExemptFromCommitment(t *testing.T) {
	c, _, _ := newTestCore(vault.DefaultParams())
	user := uuid.New()
	other := uuid.New()

	process(t, c, mustDeposit(command.TrancheSenior, user, 1_000_000, 0, at(0)))

	// A plain transfer is blocked while committed...
	err := c.ProcessCommand(mustTransfer(command.TrancheSenior, user, other, false, 100_000, 1, at(3600)))
	if !errors.Is(err, core.ErrEligibility) {
		t.Fatalf("expected ErrEligibility for committed transfer, got %v", err)
	}

	// ...but subordinating the same shares is not: it only adds first-loss
	// capital, nothing leaves the vault.
	process(t, c, mustTransfer(command.TrancheSenior, user, uuid.Nil, true, 100_000, 2, at(3600)))

	if got := c.Book().SubTrancheHoldings(); got != 100_000 {
		t.Errorf("expected subtranche holdings 100_000, got %d", got)
	}
	if got := c.Book().BalanceOf(user, ledger.UnitSenior); got != 900_000 {
		t.Errorf("expected 900_000 shares left, got %d", got)
	}
}

// ============================================================================
// Test: Subordinate Tranche (Stake / Unstake)
// ============================================================================

func TestSubDeposit_MintsSubSharesWithinCapacity(t *testing.T) {
	c, persistCh, _ := newTestCore(stakeParams())
	user := uuid.New()

	process(t, c, mustDeposit(command.TrancheSenior, user, 1_000_000, 0, at(0)))
	drainOutputs(persistCh)

	// Capacity: 15% of the 2M debt ceiling, capped at 15% of supply = 150k.
	process(t, c, mustDeposit(command.TrancheSub, user, 150_000, 0, at(1)))

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	journals := outputs[0].Batch.Journals
	if journals[0].JournalType != ledger.JournalTypeStakeIn {
		t.Errorf("expected JournalTypeStakeIn, got %d", journals[0].JournalType)
	}
	if journals[1].JournalType != ledger.JournalTypeStakeMint {
		t.Errorf("expected JournalTypeStakeMint, got %d", journals[1].JournalType)
	}

	if got := c.Book().BalanceOf(user, ledger.UnitSub); got != 150_000 {
		t.Errorf("expected 150_000 sub shares, got %d", got)
	}
	if got := c.Book().SubTrancheHoldings(); got != 150_000 {
		t.Errorf("expected holdings 150_000, got %d", got)
	}
	if got := c.Book().BalanceOf(user, ledger.UnitSenior); got != 850_000 {
		t.Errorf("expected 850_000 senior shares left, got %d", got)
	}

	// The tranche is now at capacity.
	err := c.ProcessCommand(mustDeposit(command.TrancheSub, user, 1, 1, at(2)))
	if !errors.Is(err, core.ErrEligibility) {
		t.Fatalf("expected ErrEligibility at capacity, got %v", err)
	}
}

func TestSubRedeem_ReturnsSeniorShares(t *testing.T) {
	c, persistCh, _ := newTestCore(stakeParams())
	user := uuid.New()

	process(t, c, mustDeposit(command.TrancheSenior, user, 1_000_000, 0, at(0)))
	process(t, c, mustDeposit(command.TrancheSub, user, 100_000, 0, at(1)))
	drainOutputs(persistCh)

	process(t, c, mustRedeem(command.TrancheSub, user, 40_000, 0, 1, at(2)))

	outputs := drainOutputs(persistCh)
	journals := outputs[0].Batch.Journals
	if journals[0].JournalType != ledger.JournalTypeStakeBurn || journals[0].Amount != 40_000 {
		t.Errorf("expected StakeBurn 40_000, got type %d amount %d", journals[0].JournalType, journals[0].Amount)
	}
	if journals[1].JournalType != ledger.JournalTypeStakeOut || journals[1].Amount != 40_000 {
		t.Errorf("expected StakeOut 40_000, got type %d amount %d", journals[1].JournalType, journals[1].Amount)
	}

	if got := c.Book().BalanceOf(user, ledger.UnitSub); got != 60_000 {
		t.Errorf("expected 60_000 sub shares left, got %d", got)
	}
	if got := c.Book().BalanceOf(user, ledger.UnitSenior); got != 940_000 {
		t.Errorf("expected 940_000 senior shares, got %d", got)
	}
}

func TestSubRedeem_LockBlocksUntilExpiry(t *testing.T) {
	p := stakeParams()
	p.LockDuration = 90 * day
	c, _, _ := newTestCore(p)
	user := uuid.New()

	process(t, c, mustDeposit(command.TrancheSenior, user, 1_000_000, 0, at(0)))
	process(t, c, mustDeposit(command.TrancheSub, user, 100_000, 0, at(1)))

	err := c.ProcessCommand(mustRedeem(command.TrancheSub, user, 100_000, 0, 1, at(2)))
	if !errors.Is(err, core.ErrEligibility) {
		t.Fatalf("expected ErrEligibility while locked, got %v", err)
	}

	process(t, c, mustRedeem(command.TrancheSub, user, 100_000, 0, 2, at(1+90*day)))

	if got := c.Book().BalanceOf(user, ledger.UnitSub); got != 0 {
		t.Errorf("expected full unstake, got %d sub shares", got)
	}
}

// ============================================================================
// Test: Cooldown Windows
// ============================================================================

func TestSubRedeem_CooldownWindowGovernsAllotment(t *testing.T) {
	p := stakeParams()
	p.CooldownDuration = 7 * day
	p.WithdrawalWindow = 2 * day
	c, _, _ := newTestCore(p)
	user := uuid.New()

	process(t, c, mustDeposit(command.TrancheSenior, user, 1_000_000, 0, at(0)))
	process(t, c, mustDeposit(command.TrancheSub, user, 100_000, 0, at(1)))

	// No cooldown started: nothing is redeemable.
	err := c.ProcessCommand(mustRedeem(command.TrancheSub, user, 10_000, 0, 1, at(2)))
	if !errors.Is(err, core.ErrEligibility) {
		t.Fatalf("expected ErrEligibility without a window, got %v", err)
	}

	process(t, c, mustStartCooldown(user, 60_000, 2, at(10)))

	// Still cooling down one second before the window opens.
	err = c.ProcessCommand(mustRedeem(command.TrancheSub, user, 10_000, 0, 3, at(10+7*day-1)))
	if !errors.Is(err, core.ErrEligibility) {
		t.Fatalf("expected ErrEligibility before window opens, got %v", err)
	}

	// Inside the window the allotment is consumed incrementally.
	process(t, c, mustRedeem(command.TrancheSub, user, 40_000, 0, 4, at(10+7*day)))

	err = c.ProcessCommand(mustRedeem(command.TrancheSub, user, 30_000, 0, 5, at(11+7*day)))
	if !errors.Is(err, core.ErrEligibility) {
		t.Fatalf("expected ErrEligibility above remaining allotment, got %v", err)
	}

	process(t, c, mustRedeem(command.TrancheSub, user, 20_000, 0, 6, at(12+7*day)))

	// Allotment fully consumed: the record is gone.
	err = c.ProcessCommand(mustRedeem(command.TrancheSub, user, 10_000, 0, 7, at(13+7*day)))
	if !errors.Is(err, core.ErrEligibility) {
		t.Fatalf("expected ErrEligibility after allotment consumed, got %v", err)
	}

	if got := c.Book().BalanceOf(user, ledger.UnitSub); got != 40_000 {
		t.Errorf("expected 40_000 sub shares left, got %d", got)
	}
}

func TestSubRedeem_OversizedCooldownClampsToBalance(t *testing.T) {
	p := stakeParams()
	p.CooldownDuration = 7 * day
	p.WithdrawalWindow = 2 * day
	c, _, _ := newTestCore(p)
	user := uuid.New()

	process(t, c, mustDeposit(command.TrancheSenior, user, 1_000_000, 0, at(0)))
	process(t, c, mustDeposit(command.TrancheSub, user, 150, 0, at(1)))

	// A cooldown may be started for more shares than held; redemption caps
	// at the true balance, and so must the record afterward.
	process(t, c, mustStartCooldown(user, 200, 1, at(2)))
	process(t, c, mustRedeem(command.TrancheSub, user, 100, 0, 2, at(2+7*day)))

	rec, ok := c.GatesView().Cooldown(user)
	if !ok {
		t.Fatal("expected a cooldown record after partial redemption")
	}
	if bal := c.Book().BalanceOf(user, ledger.UnitSub); rec.Shares > bal {
		t.Fatalf("cooldown reserves %d shares but balance is %d", rec.Shares, bal)
	}
	if rec.Shares != 50 {
		t.Errorf("expected record clamped to 50, got %d", rec.Shares)
	}

	// Full exit destroys the record with the position.
	process(t, c, mustRedeem(command.TrancheSub, user, 50, 0, 3, at(3+7*day)))
	if _, ok := c.GatesView().Cooldown(user); ok {
		t.Fatal("expected cooldown record destroyed at zero balance")
	}

	// Shares received later cannot leave through the old window.
	process(t, c, mustDeposit(command.TrancheSub, user, 100, 4, at(4+7*day)))
	err := c.ProcessCommand(mustRedeem(command.TrancheSub, user, 100, 0, 5, at(5+7*day)))
	if !errors.Is(err, core.ErrEligibility) {
		t.Fatalf("expected ErrEligibility without a fresh cooldown, got %v", err)
	}
}

func TestCancelCooldown_ClosesWindow(t *testing.T) {
	p := stakeParams()
	p.CooldownDuration = 7 * day
	p.WithdrawalWindow = 2 * day
	c, _, _ := newTestCore(p)
	user := uuid.New()

	process(t, c, mustDeposit(command.TrancheSenior, user, 1_000_000, 0, at(0)))
	process(t, c, mustDeposit(command.TrancheSub, user, 100_000, 0, at(1)))

	err := c.ProcessCommand(mustCancelCooldown(user, 1, at(2)))
	if !errors.Is(err, core.ErrEligibility) {
		t.Fatalf("expected ErrEligibility cancelling a missing cooldown, got %v", err)
	}

	process(t, c, mustStartCooldown(user, 50_000, 2, at(3)))
	process(t, c, mustCancelCooldown(user, 3, at(4)))

	err = c.ProcessCommand(mustRedeem(command.TrancheSub, user, 50_000, 0, 4, at(4+7*day)))
	if !errors.Is(err, core.ErrEligibility) {
		t.Fatalf("expected ErrEligibility after cancel, got %v", err)
	}
}

func TestSubTransfer_CooldownSharesAreReserved(t *testing.T) {
	p := stakeParams()
	p.CooldownDuration = 7 * day
	p.WithdrawalWindow = 2 * day
	c, _, _ := newTestCore(p)
	user := uuid.New()
	other := uuid.New()

	process(t, c, mustDeposit(command.TrancheSenior, user, 1_000_000, 0, at(0)))
	process(t, c, mustDeposit(command.TrancheSub, user, 100_000, 0, at(1)))
	process(t, c, mustStartCooldown(user, 60_000, 1, at(2)))

	err := c.ProcessCommand(mustTransfer(command.TrancheSub, user, other, false, 50_000, 2, at(3)))
	if !errors.Is(err, core.ErrEligibility) {
		t.Fatalf("expected ErrEligibility for reserved shares, got %v", err)
	}

	process(t, c, mustTransfer(command.TrancheSub, user, other, false, 40_000, 3, at(4)))

	if got := c.Book().BalanceOf(other, ledger.UnitSub); got != 40_000 {
		t.Errorf("expected 40_000 transferred, got %d", got)
	}
}

// ============================================================================
// Test: Settlement Reports
// ============================================================================

func TestReport_ProfitMintsFeeToSubTranche(t *testing.T) {
	c, persistCh, _ := newTestCore(openParams())
	user := uuid.New()

	process(t, c, mustDeposit(command.TrancheSenior, user, 1_000_000, 0, at(0)))
	drainOutputs(persistCh)

	// Position appreciated from the 900k principal to 990k.
	process(t, c, mustValuation(990_000, 0, 990_000, 0, 0, at(1)))
	drainOutputs(persistCh)

	process(t, c, mustReport(testKeeper, 0, at(2)))

	outputs := drainOutputs(persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected settlement + rebalance outputs, got %d", len(outputs))
	}

	settle := outputs[0].Batch.Journals
	if settle[0].JournalType != ledger.JournalTypeYieldWriteup || settle[0].Amount != 90_000 {
		t.Errorf("expected writeup 90_000, got type %d amount %d", settle[0].JournalType, settle[0].Amount)
	}
	// Fee = 20% of 90k profit = 18k assets, minted as dilution shares:
	// 18_000 * 1_000_000 / (1_090_000 - 18_000) = 16_791.
	if settle[1].JournalType != ledger.JournalTypeYieldFeeMint || settle[1].Amount != 16_791 {
		t.Errorf("expected fee mint 16_791, got type %d amount %d", settle[1].JournalType, settle[1].Amount)
	}

	// Settlement leaves the vault over-deployed; the report recalls back to
	// the 90% target: 981k of the 1.09M total.
	rb := outputs[1].Batch.Journals
	if rb[0].JournalType != ledger.JournalTypeRecall || rb[0].Amount != 9_000 {
		t.Errorf("expected recall 9_000, got type %d amount %d", rb[0].JournalType, rb[0].Amount)
	}

	if got := c.Book().SubTrancheHoldings(); got != 16_791 {
		t.Errorf("expected subtranche holdings 16_791, got %d", got)
	}
	if got := c.Book().DeployedAssets(); got != 981_000 {
		t.Errorf("expected deployed 981_000, got %d", got)
	}
	if got := c.Book().IdleAssets(); got != 109_000 {
		t.Errorf("expected idle 109_000, got %d", got)
	}
	if got := c.MarketView().SuppliedPrincipal(); got != 981_000 {
		t.Errorf("expected settled principal 981_000, got %d", got)
	}
}

func TestReport_LossBurnsSubTrancheFirst(t *testing.T) {
	c, persistCh, _ := newTestCore(stakeParams())
	user := uuid.New()

	process(t, c, mustDeposit(command.TrancheSenior, user, 1_000_000, 0, at(0)))
	process(t, c, mustDeposit(command.TrancheSub, user, 100_000, 0, at(1)))
	drainOutputs(persistCh)

	// Position written down from 900k principal to 850k.
	process(t, c, mustValuation(850_000, 0, 850_000, 0, 0, at(2)))
	drainOutputs(persistCh)

	process(t, c, mustReport(testKeeper, 0, at(3)))

	outputs := drainOutputs(persistCh)
	settle := outputs[0].Batch.Journals
	if settle[0].JournalType != ledger.JournalTypeLossWritedown || settle[0].Amount != 50_000 {
		t.Errorf("expected writedown 50_000, got type %d amount %d", settle[0].JournalType, settle[0].Amount)
	}
	if settle[1].JournalType != ledger.JournalTypeLossBurn || settle[1].Amount != 50_000 {
		t.Errorf("expected burn 50_000, got type %d amount %d", settle[1].JournalType, settle[1].Amount)
	}

	// The subtranche absorbed the loss; senior supply dropped with it so the
	// senior share price is unchanged.
	if got := c.Book().SubTrancheHoldings(); got != 50_000 {
		t.Errorf("expected holdings 50_000, got %d", got)
	}
	if got := c.Book().TotalSupply(ledger.UnitSenior); got != 950_000 {
		t.Errorf("expected supply 950_000, got %d", got)
	}
	if got := c.Book().TotalAssets(); got != 950_000 {
		t.Errorf("expected total assets 950_000, got %d", got)
	}
}

func TestReport_BurnClampsAtSubTrancheHoldings(t *testing.T) {
	c, persistCh, _ := newTestCore(stakeParams())
	user := uuid.New()

	process(t, c, mustDeposit(command.TrancheSenior, user, 1_000_000, 0, at(0)))
	process(t, c, mustDeposit(command.TrancheSub, user, 30_000, 0, at(1)))
	process(t, c, mustValuation(850_000, 0, 850_000, 0, 0, at(2)))
	drainOutputs(persistCh)

	process(t, c, mustReport(testKeeper, 0, at(3)))

	outputs := drainOutputs(persistCh)
	settle := outputs[0].Batch.Journals
	if settle[1].JournalType != ledger.JournalTypeLossBurn || settle[1].Amount != 30_000 {
		t.Errorf("expected burn clamped at 30_000, got type %d amount %d", settle[1].JournalType, settle[1].Amount)
	}
	if got := c.Book().SubTrancheHoldings(); got != 0 {
		t.Errorf("expected holdings wiped, got %d", got)
	}
	// The uncovered remainder lands on senior share price.
	if got := c.Book().TotalSupply(ledger.UnitSenior); got != 970_000 {
		t.Errorf("expected supply 970_000, got %d", got)
	}
}

func TestReport_WrongKeeper_Fails(t *testing.T) {
	c, _, _ := newTestCore(openParams())

	err := c.ProcessCommand(mustReport(uuid.New(), 0, at(0)))
	if !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestApplyExternalLoss_RecognizedAtNextReport(t *testing.T) {
	c, persistCh, _ := newTestCore(openParams())
	user := uuid.New()

	process(t, c, mustDeposit(command.TrancheSenior, user, 1_000_000, 0, at(0)))
	drainOutputs(persistCh)

	process(t, c, &command.ApplyExternalLoss{
		CommandID: uuid.New(),
		Keeper:    testKeeper,
		Amount:    100_000,
		Sequence:  0,
		Timestamp: at(1),
	})

	// The write-down sits on the market mirror until a report settles it.
	if got := c.MarketView().SuppliedValue(); got != 800_000 {
		t.Errorf("expected market value 800_000, got %d", got)
	}
	if got := c.Book().DeployedAssets(); got != 900_000 {
		t.Errorf("expected ledger principal still 900_000, got %d", got)
	}
	drainOutputs(persistCh)

	process(t, c, mustReport(testKeeper, 1, at(2)))
	drainOutputs(persistCh)

	// No subtranche: seniors take the full loss, then the vault re-deploys
	// toward 90% of the remaining 900k.
	if got := c.Book().TotalAssets(); got != 900_000 {
		t.Errorf("expected total assets 900_000, got %d", got)
	}
	if got := c.Book().DeployedAssets(); got != 810_000 {
		t.Errorf("expected deployed 810_000, got %d", got)
	}
}

// ============================================================================
// Test: Rebalancing & Configuration
// ============================================================================

func TestRebalance_RecallsTowardLoweredTarget(t *testing.T) {
	c, persistCh, _ := newTestCore(openParams())
	user := uuid.New()

	process(t, c, mustDeposit(command.TrancheSenior, user, 1_000_000, 0, at(0)))
	drainOutputs(persistCh)

	p := openParams()
	p.DeploymentRatioBps = 5_000
	process(t, c, mustSyncParams(p, 0, at(1)))
	drainOutputs(persistCh)

	process(t, c, mustRebalance(testKeeper, 1, at(2)))

	outputs := drainOutputs(persistCh)
	journals := outputs[0].Batch.Journals
	if journals[0].JournalType != ledger.JournalTypeRecall || journals[0].Amount != 400_000 {
		t.Errorf("expected recall 400_000, got type %d amount %d", journals[0].JournalType, journals[0].Amount)
	}
	if got := c.Book().IdleAssets(); got != 500_000 {
		t.Errorf("expected idle 500_000, got %d", got)
	}
	if got := c.Book().DeployedAssets(); got != 500_000 {
		t.Errorf("expected deployed 500_000, got %d", got)
	}
}

func TestSyncTrancheShare_InvalidKeepsCachedValue(t *testing.T) {
	c, _, _ := newTestCore(openParams())

	err := c.ProcessCommand(&command.SyncTrancheShare{
		CommandID:       uuid.New(),
		Keeper:          testKeeper,
		TrancheShareBps: 10_001,
		Sequence:        0,
		Timestamp:       at(0),
	})
	if !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if got := c.CurrentParams().TrancheShareBps; got != 2_000 {
		t.Errorf("expected cached share 2_000, got %d", got)
	}

	process(t, c, &command.SyncTrancheShare{
		CommandID:       uuid.New(),
		Keeper:          testKeeper,
		TrancheShareBps: 2_500,
		Sequence:        1,
		Timestamp:       at(1),
	})
	if got := c.CurrentParams().TrancheShareBps; got != 2_500 {
		t.Errorf("expected share 2_500, got %d", got)
	}
}

// ============================================================================
// Test: Emergency Shutdown
// ============================================================================

func TestShutdown_BypassesSubTrancheGates(t *testing.T) {
	p := stakeParams()
	p.LockDuration = 90 * day
	p.CooldownDuration = 7 * day
	p.WithdrawalWindow = 2 * day
	c, _, _ := newTestCore(p)
	user := uuid.New()

	process(t, c, mustDeposit(command.TrancheSenior, user, 1_000_000, 0, at(0)))
	process(t, c, mustDeposit(command.TrancheSub, user, 100_000, 0, at(1)))

	// Locked, no cooldown window: redemption is blocked.
	err := c.ProcessCommand(mustRedeem(command.TrancheSub, user, 100_000, 0, 1, at(2)))
	if !errors.Is(err, core.ErrEligibility) {
		t.Fatalf("expected ErrEligibility before shutdown, got %v", err)
	}

	err = c.ProcessCommand(mustShutdown(uuid.New(), true, 0, at(3)))
	if !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for fake governor, got %v", err)
	}

	process(t, c, mustShutdown(testGovernor, true, 1, at(3)))

	// Shutdown: the full balance is redeemable, locks and cooldowns ignored.
	process(t, c, mustRedeem(command.TrancheSub, user, 100_000, 0, 2, at(4)))

	if got := c.Book().BalanceOf(user, ledger.UnitSub); got != 0 {
		t.Errorf("expected full exit under shutdown, got %d sub shares", got)
	}
}

// ============================================================================
// Test: Ordering, Idempotency, Valuation Feed
// ============================================================================

func TestSequenceGap_Rejected(t *testing.T) {
	c, _, _ := newTestCore(openParams())
	user := uuid.New()

	process(t, c, mustDeposit(command.TrancheSenior, user, 100_000, 0, at(0)))

	err := c.ProcessCommand(mustDeposit(command.TrancheSenior, user, 100_000, 2, at(1)))
	if err == nil {
		t.Fatal("expected sequence gap error, got nil")
	}
}

func TestPartitions_SequencedIndependently(t *testing.T) {
	c, _, _ := newTestCore(stakeParams())
	user := uuid.New()

	// Senior, subordinate, and global commands each start at sequence 0.
	process(t, c, mustDeposit(command.TrancheSenior, user, 1_000_000, 0, at(0)))
	process(t, c, mustDeposit(command.TrancheSenior, user, 100_000, 1, at(1)))
	process(t, c, mustDeposit(command.TrancheSub, user, 50_000, 0, at(2)))
	process(t, c, mustRebalance(testKeeper, 0, at(3)))
}

func TestDuplicateCommand_Ignored(t *testing.T) {
	c, persistCh, _ := newTestCore(openParams())
	user := uuid.New()

	cmd := mustDeposit(command.TrancheSenior, user, 1_000_000, 0, at(0))
	process(t, c, cmd)
	drainOutputs(persistCh)

	// Redelivery of the same command is a no-op, not an error.
	process(t, c, cmd)

	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Fatalf("expected no outputs for duplicate, got %d", len(outputs))
	}
	if got := c.Book().BalanceOf(user, ledger.UnitSenior); got != 1_000_000 {
		t.Errorf("expected balance unchanged at 1_000_000, got %d", got)
	}
}

func TestMarketValuation_GapsToleratedStaleDropped(t *testing.T) {
	c, persistCh, _ := newTestCore(openParams())

	// Feed jumps straight to sequence 5: accepted.
	process(t, c, mustValuation(500_000, 10_000, 500_000, 0, 5, at(0)))
	if got := c.MarketView().SuppliedValue(); got != 500_000 {
		t.Fatalf("expected value 500_000, got %d", got)
	}
	drainOutputs(persistCh)

	// Stale feed: silently dropped, no output, state unchanged.
	process(t, c, mustValuation(999_999, 0, 999_999, 0, 3, at(1)))
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Fatalf("expected no outputs for stale feed, got %d", len(outputs))
	}
	if got := c.MarketView().SuppliedValue(); got != 500_000 {
		t.Errorf("expected value unchanged at 500_000, got %d", got)
	}

	process(t, c, mustValuation(600_000, 10_000, 600_000, 0, 6, at(2)))
	if got := c.MarketView().SuppliedValue(); got != 600_000 {
		t.Errorf("expected value 600_000, got %d", got)
	}
}

// The scheduler stamps keeper commands with wall-clock microsecond
// sequences, so the first report arrives with an enormous sequence
// number. The keeper partition only requires monotonicity.
func TestKeeperCycle_TimestampSequencesAccepted(t *testing.T) {
	c, persistCh, _ := newTestCore(openParams())
	user := uuid.New()

	process(t, c, mustDeposit(command.TrancheSenior, user, 1_000_000, 0, at(0)))
	drainOutputs(persistCh)

	// First keeper report, built the way the scheduler builds it.
	process(t, c, mustReport(testKeeper, at(60).UnixMicro(), at(60)))
	if outputs := drainOutputs(persistCh); len(outputs) == 0 {
		t.Fatal("expected first keeper report to settle, got no outputs")
	}

	// The next cycle's timestamp sequence is accepted despite the gap.
	process(t, c, mustRebalance(testKeeper, at(3600).UnixMicro(), at(3600)))
	if outputs := drainOutputs(persistCh); len(outputs) == 0 {
		t.Fatal("expected rebalance to apply, got no outputs")
	}

	// A redelivered older cycle is dropped silently with no state change.
	idleBefore := c.Book().IdleAssets()
	process(t, c, mustReport(testKeeper, at(60).UnixMicro(), at(60)))
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Fatalf("expected stale keeper report to be dropped, got %d outputs", len(outputs))
	}
	if got := c.Book().IdleAssets(); got != idleBefore {
		t.Errorf("expected idle assets unchanged at %d, got %d", idleBefore, got)
	}
}

// ============================================================================
// Test: Determinism & Snapshots
// ============================================================================

// fixedID builds a stable command ID so two cores can replay the identical
// command stream.
func fixedID(n byte) uuid.UUID {
	return uuid.UUID{15: n}
}

func deterministicStream(user uuid.UUID) []command.Command {
	return []command.Command{
		&command.Deposit{CommandID: fixedID(1), TrancheID: command.TrancheSenior, Caller: user, Receiver: user, Amount: 1_000_000, Sequence: 0, Timestamp: at(0)},
		&command.Deposit{CommandID: fixedID(2), TrancheID: command.TrancheSub, Caller: user, Receiver: user, Amount: 100_000, Sequence: 0, Timestamp: at(1)},
		&command.MarketValuation{CommandID: fixedID(3), Keeper: testKeeper, SuppliedValue: 950_000, Debt: 20_000, TotalSupplyAssets: 950_000, FeedSequence: 0, Timestamp: at(2)},
		&command.Report{CommandID: fixedID(4), Keeper: testKeeper, Sequence: 0, Timestamp: at(3)},
	}
}

func TestHashChain_DeterministicAcrossCores(t *testing.T) {
	user := uuid.MustParse("33333333-3333-3333-3333-333333333333")

	a, aCh, _ := newTestCore(stakeParams())
	b, bCh, _ := newTestCore(stakeParams())

	for _, cmd := range deterministicStream(user) {
		process(t, a, cmd)
		process(t, b, cmd)
	}

	if a.GetStateHash() != b.GetStateHash() {
		t.Fatal("expected identical state hashes for identical command streams")
	}
	if a.GetSequence() != b.GetSequence() {
		t.Fatalf("expected identical sequences, got %d and %d", a.GetSequence(), b.GetSequence())
	}

	// Hash chain links per envelope.
	aOut := drainOutputs(aCh)
	drainOutputs(bCh)
	for i := 1; i < len(aOut); i++ {
		if aOut[i].Envelope.PrevHash != aOut[i-1].Envelope.StateHash {
			t.Fatalf("envelope %d: prev hash does not chain", i)
		}
	}

	// Divergence shows up immediately.
	process(t, a, &command.Deposit{CommandID: fixedID(9), TrancheID: command.TrancheSenior, Caller: user, Receiver: user, Amount: 500, Sequence: 1, Timestamp: at(4)})
	if a.GetStateHash() == b.GetStateHash() {
		t.Fatal("expected hashes to diverge after extra command")
	}
}

func TestSnapshot_RestoreResumesIdentically(t *testing.T) {
	user := uuid.MustParse("33333333-3333-3333-3333-333333333333")

	a, aCh, _ := newTestCore(stakeParams())
	for _, cmd := range deterministicStream(user) {
		process(t, a, cmd)
	}
	drainOutputs(aCh)

	snap := a.CreateSnapshotState()

	b, bCh, _ := newTestCore(stakeParams())
	b.RestoreFromSnapshot(snap)

	if b.GetSequence() != a.GetSequence() {
		t.Fatalf("expected restored sequence %d, got %d", a.GetSequence(), b.GetSequence())
	}
	if b.GetStateHash() != a.GetStateHash() {
		t.Fatal("expected restored hash to match")
	}
	if got := b.Book().BalanceOf(user, ledger.UnitSenior); got != a.Book().BalanceOf(user, ledger.UnitSenior) {
		t.Errorf("expected senior balance to match, got %d", got)
	}
	if got := b.Book().SubTrancheHoldings(); got != a.Book().SubTrancheHoldings() {
		t.Errorf("expected holdings to match, got %d", got)
	}
	if got := b.MarketView().SuppliedPrincipal(); got != a.MarketView().SuppliedPrincipal() {
		t.Errorf("expected market principal to match, got %d", got)
	}

	// Both cores process the next command and stay in lockstep, including
	// the restored idempotency set and sequence partitions.
	next := &command.Withdraw{CommandID: fixedID(10), TrancheID: command.TrancheSenior, Caller: user, Owner: user, Receiver: user, Amount: 50_000, Sequence: 1, Timestamp: at(5)}
	process(t, a, next)
	process(t, b, next)
	drainOutputs(aCh)
	drainOutputs(bCh)

	if a.GetStateHash() != b.GetStateHash() {
		t.Fatal("expected hashes to match after resumed processing")
	}

	// Replaying a pre-snapshot command against the restored core is a no-op.
	process(t, b, deterministicStream(user)[0])
	if outputs := drainOutputs(bCh); len(outputs) != 0 {
		t.Fatalf("expected replayed command to be ignored, got %d outputs", len(outputs))
	}
}
