package vault_test

import (
	stdmath "math"
	"testing"

	"TrancheVault/internal/vault"

	"github.com/google/uuid"
)

// ============================================================================
// Test: Gates — commitment
// ============================================================================

func TestGates_CommitmentBoundary(t *testing.T) {
	g := vault.NewGates()
	account := uuid.New()
	g.SetCommitment(account, 1000)

	if !g.CommitmentActive(account, 999) {
		t.Error("one second before the end should be active")
	}
	if g.CommitmentActive(account, 1000) {
		t.Error("the boundary second should not be active")
	}
	if g.CommitmentActive(account, 1001) {
		t.Error("past the end should not be active")
	}
}

func TestGates_CommitmentAbsentIsInactive(t *testing.T) {
	g := vault.NewGates()
	if g.CommitmentActive(uuid.New(), 0) {
		t.Error("unknown account should have no active commitment")
	}
}

func TestGates_ClearCommitment(t *testing.T) {
	g := vault.NewGates()
	account := uuid.New()
	g.SetCommitment(account, 1000)
	g.ClearCommitment(account)
	if g.CommitmentActive(account, 500) {
		t.Error("cleared commitment should be inactive")
	}
}

// ============================================================================
// Test: Gates — lock
// ============================================================================

func TestGates_LockBoundary(t *testing.T) {
	g := vault.NewGates()
	account := uuid.New()
	g.SetLock(account, 2000)

	if !g.Locked(account, 1999) {
		t.Error("one second before lock end should be locked")
	}
	if g.Locked(account, 2000) {
		t.Error("the boundary second should be unlocked")
	}
}

// ============================================================================
// Test: Gates — cooldown/window
// ============================================================================

func TestGates_CooldownWindowBoundaries(t *testing.T) {
	g := vault.NewGates()
	account := uuid.New()

	// now=100, cooldown=50, window=20: executable inside [150, 170]
	g.StartCooldown(account, 100, 50, 20, 1000)

	cases := []struct {
		now  int64
		want int64
	}{
		{149, 0},
		{150, 1000}, // cooldown end inclusive
		{160, 1000},
		{170, 1000}, // window end inclusive
		{171, 0},
	}
	for _, tc := range cases {
		if got := g.CooldownLimit(account, tc.now); got != tc.want {
			t.Errorf("now=%d: got %d, want %d", tc.now, got, tc.want)
		}
	}
}

func TestGates_StartCooldownReplacesRecord(t *testing.T) {
	g := vault.NewGates()
	account := uuid.New()

	g.StartCooldown(account, 100, 50, 20, 1000)
	g.StartCooldown(account, 200, 50, 20, 300)

	rec, ok := g.Cooldown(account)
	if !ok {
		t.Fatal("expected a cooldown record")
	}
	if rec.Shares != 300 || rec.CooldownEnd != 250 || rec.WindowEnd != 270 {
		t.Errorf("record not replaced: %+v", rec)
	}
}

func TestGates_CancelCooldown(t *testing.T) {
	g := vault.NewGates()
	account := uuid.New()

	if err := g.CancelCooldown(account); err == nil {
		t.Error("cancelling a missing cooldown should fail")
	}

	g.StartCooldown(account, 100, 50, 20, 1000)
	if err := g.CancelCooldown(account); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, ok := g.Cooldown(account); ok {
		t.Error("record should be gone after cancel")
	}
}

func TestGates_ReduceCooldown(t *testing.T) {
	g := vault.NewGates()
	account := uuid.New()
	g.StartCooldown(account, 100, 50, 20, 1000)

	g.ReduceCooldown(account, 400, 2000)
	if rec, _ := g.Cooldown(account); rec.Shares != 600 {
		t.Errorf("got %d shares, want 600", rec.Shares)
	}

	// Consuming the remainder deletes the record
	g.ReduceCooldown(account, 600, 2000)
	if _, ok := g.Cooldown(account); ok {
		t.Error("record should be deleted when fully consumed")
	}
}

func TestGates_ReduceCooldown_ClampsToRemainingBalance(t *testing.T) {
	g := vault.NewGates()
	account := uuid.New()

	// An oversized record is legal at start time, but after a withdrawal
	// it can never reserve more than the shares still held.
	g.StartCooldown(account, 100, 50, 20, 200)
	g.ReduceCooldown(account, 100, 50)
	if rec, _ := g.Cooldown(account); rec.Shares != 50 {
		t.Errorf("got %d shares, want 50", rec.Shares)
	}
}

func TestGates_ReduceCooldown_ZeroBalanceDeletesRecord(t *testing.T) {
	g := vault.NewGates()
	account := uuid.New()

	g.StartCooldown(account, 100, 50, 20, 200)
	g.ReduceCooldown(account, 150, 0)
	if _, ok := g.Cooldown(account); ok {
		t.Error("record should be deleted when the position returns to zero")
	}
}

func TestGates_TransferableShares(t *testing.T) {
	g := vault.NewGates()
	account := uuid.New()

	if got := g.TransferableShares(account, 500); got != 500 {
		t.Errorf("no cooldown: got %d, want 500", got)
	}

	g.StartCooldown(account, 100, 50, 20, 300)
	if got := g.TransferableShares(account, 500); got != 200 {
		t.Errorf("got %d, want 200", got)
	}

	// Record exceeding balance floors at zero
	if got := g.TransferableShares(account, 100); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestGates_SnapshotRestore(t *testing.T) {
	g := vault.NewGates()
	a, b := uuid.New(), uuid.New()
	g.SetCommitment(a, 1000)
	g.SetLock(b, 2000)
	g.StartCooldown(b, 100, 50, 20, 300)

	restored := vault.NewGates()
	restored.Restore(g.Snapshot())

	if !restored.CommitmentActive(a, 999) {
		t.Error("commitment lost in restore")
	}
	if !restored.Locked(b, 1999) {
		t.Error("lock lost in restore")
	}
	if got := restored.CooldownLimit(b, 160); got != 300 {
		t.Errorf("cooldown lost in restore: got %d", got)
	}
}

// ============================================================================
// Test: Subordination limits
// ============================================================================

func TestSubDepositLimit_DebtDriven(t *testing.T) {
	// 15% of max(debt, cap) = 15% of 100_000 = 15_000; supply capacity
	// 15% of 1_000_000 = 150_000; holdings 5_000 -> headroom 10_000
	got := vault.SubDepositLimit(1500, 100_000, 0, 1_000_000, 5_000)
	if got != 10_000 {
		t.Errorf("got %d, want 10_000", got)
	}
}

func TestSubDepositLimit_DebtCapDominates(t *testing.T) {
	// Cap 200_000 exceeds debt 100_000: capacity 30_000
	got := vault.SubDepositLimit(1500, 100_000, 200_000, 1_000_000, 0)
	if got != 30_000 {
		t.Errorf("got %d, want 30_000", got)
	}
}

func TestSubDepositLimit_SupplyCapBinds(t *testing.T) {
	// Supply capacity 15% of 10_000 = 1_500 binds below the debt capacity
	got := vault.SubDepositLimit(1500, 100_000, 0, 10_000, 0)
	if got != 1_500 {
		t.Errorf("got %d, want 1_500", got)
	}
}

func TestSubDepositLimit_AtCapacity(t *testing.T) {
	if got := vault.SubDepositLimit(1500, 100_000, 0, 1_000_000, 15_000); got != 0 {
		t.Errorf("at capacity: got %d, want 0", got)
	}
	if got := vault.SubDepositLimit(1500, 100_000, 0, 1_000_000, 15_001); got != 0 {
		t.Errorf("over capacity: got %d, want 0", got)
	}
}

func TestSubWithdrawLimit_NoFloor(t *testing.T) {
	if got := vault.SubWithdrawLimit(0, 100_000, 5_000); got != 5_000 {
		t.Errorf("got %d, want 5_000", got)
	}
}

func TestSubWithdrawLimit_FloorBinds(t *testing.T) {
	// Floor 10% of 40_000 = 4_000; holdings 5_000 -> 1_000 free
	if got := vault.SubWithdrawLimit(1000, 40_000, 5_000); got != 1_000 {
		t.Errorf("got %d, want 1_000", got)
	}
	// Holdings at or below the floor
	if got := vault.SubWithdrawLimit(1000, 40_000, 4_000); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

// ============================================================================
// Test: Limit composition
// ============================================================================

func limitInputs() vault.LimitInputs {
	p := vault.DefaultParams()
	p.MaxSubordinationBps = 1500
	return vault.LimitInputs{
		Params:       p,
		Debt:         100_000,
		SeniorSupply: 1_000_000,
		TotalAssets:  1_000_000, // share price 1.0
		SubHoldings:  5_000,
		SubSupply:    5_000,
	}
}

func TestAvailableSubDeposit(t *testing.T) {
	if got := vault.AvailableSubDeposit(limitInputs()); got != 10_000 {
		t.Errorf("got %d, want 10_000", got)
	}
}

func TestAvailableSubDeposit_ShutdownUnbounded(t *testing.T) {
	in := limitInputs()
	in.Shutdown = true
	if got := vault.AvailableSubDeposit(in); got != stdmath.MaxInt64 {
		t.Errorf("got %d, want MaxInt64", got)
	}
}

func TestAvailableSubWithdraw_CooldownBinds(t *testing.T) {
	in := limitInputs()
	// Balance 2_000 but only 500 shares inside the open window
	if got := vault.AvailableSubWithdraw(in, 2_000, 500); got != 500 {
		t.Errorf("got %d, want 500", got)
	}
}

func TestAvailableSubWithdraw_CooldownDisabled(t *testing.T) {
	in := limitInputs()
	in.Params.CooldownDuration = 0
	// cooldownAvail ignored when the gate is disabled
	if got := vault.AvailableSubWithdraw(in, 2_000, 0); got != 2_000 {
		t.Errorf("got %d, want 2_000", got)
	}
}

func TestAvailableSubWithdraw_ShutdownBypassesGates(t *testing.T) {
	in := limitInputs()
	in.Shutdown = true
	in.Params.MinBackingBps = 10_000
	if got := vault.AvailableSubWithdraw(in, 2_000, 0); got != 2_000 {
		t.Errorf("got %d, want 2_000", got)
	}
}

func TestAvailableSubWithdraw_BackingFloorBinds(t *testing.T) {
	in := limitInputs()
	in.Params.CooldownDuration = 0
	in.Params.MinBackingBps = 400 // floor = 4% of 100_000 = 4_000 senior shares
	// Free senior = 5_000 - 4_000 = 1_000; sub price 1.0 -> 1_000 sub shares
	if got := vault.AvailableSubWithdraw(in, 2_000, 0); got != 1_000 {
		t.Errorf("got %d, want 1_000", got)
	}
}

// ============================================================================
// Test: Params
// ============================================================================

func TestParamsValidate_Defaults(t *testing.T) {
	if err := vault.DefaultParams().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestParamsValidate_RejectsBpsOverScale(t *testing.T) {
	p := vault.DefaultParams()
	p.MaxSubordinationBps = 10_001
	if err := p.Validate(); err == nil {
		t.Error("bps over 10_000 should fail")
	}
}

func TestParamsValidate_CooldownRequiresWindow(t *testing.T) {
	p := vault.DefaultParams()
	p.CooldownDuration = 100
	p.WithdrawalWindow = 0
	if err := p.Validate(); err == nil {
		t.Error("cooldown without a window should fail")
	}
}

func TestParamsManager_UpdateRejectsInvalid(t *testing.T) {
	pm := vault.NewParamsManager()
	bad := vault.DefaultParams()
	bad.TrancheShareBps = -1

	if err := pm.Update(bad); err == nil {
		t.Fatal("expected update to fail")
	}
	if pm.Get().TrancheShareBps != vault.DefaultParams().TrancheShareBps {
		t.Error("failed update must not change cached params")
	}
}

func TestParamsManager_SetTrancheShare(t *testing.T) {
	pm := vault.NewParamsManager()
	if err := pm.SetTrancheShare(2500); err != nil {
		t.Fatalf("set: %v", err)
	}
	if pm.Get().TrancheShareBps != 2500 {
		t.Errorf("got %d, want 2500", pm.Get().TrancheShareBps)
	}

	if err := pm.SetTrancheShare(10_001); err == nil {
		t.Error("over-scale share should fail")
	}
	if pm.Get().TrancheShareBps != 2500 {
		t.Error("failed sync must keep the previous fraction")
	}
}

// ============================================================================
// Test: Whitelist
// ============================================================================

func TestWhitelist_DefaultDeny(t *testing.T) {
	w := vault.NewWhitelist()
	if w.Allowed(uuid.New()) {
		t.Error("default should deny")
	}
}

func TestWhitelist_SetAndRevoke(t *testing.T) {
	w := vault.NewWhitelist()
	d := uuid.New()

	w.Set(d, true)
	if !w.Allowed(d) {
		t.Error("should be allowed after set")
	}

	w.Set(d, false)
	if w.Allowed(d) {
		t.Error("should be denied after revoke")
	}
}
