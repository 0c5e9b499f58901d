package market_test

import (
	"testing"

	"TrancheVault/internal/market"
)

func TestView_SupplyAccumulates(t *testing.T) {
	v := market.NewView()

	if got := v.Supply(1000); got != 1000 {
		t.Errorf("got %d, want 1000", got)
	}
	v.Supply(500)

	if v.SuppliedPrincipal() != 1500 || v.SuppliedValue() != 1500 {
		t.Errorf("principal=%d value=%d, want 1500/1500", v.SuppliedPrincipal(), v.SuppliedValue())
	}
	if v.TotalSupplyAssets() != 1500 {
		t.Errorf("total supply assets: got %d, want 1500", v.TotalSupplyAssets())
	}
}

func TestView_SupplyRejectsNonPositive(t *testing.T) {
	v := market.NewView()
	if got := v.Supply(0); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
	if got := v.Supply(-5); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestView_WithdrawCappedByValue(t *testing.T) {
	v := market.NewView()
	v.Supply(1000)

	if got := v.Withdraw(1500); got != 1000 {
		t.Errorf("got %d, want 1000", got)
	}
	if v.SuppliedValue() != 0 {
		t.Errorf("value after full withdraw: got %d, want 0", v.SuppliedValue())
	}
}

func TestView_WithdrawCappedByLiquidity(t *testing.T) {
	v := market.NewView()
	v.Supply(1000)
	v.SetValuation(1000, 0, 1000, 300)

	if got := v.Withdrawable(800); got != 300 {
		t.Errorf("withdrawable: got %d, want 300", got)
	}
	if got := v.Withdraw(800); got != 300 {
		t.Errorf("withdraw: got %d, want 300", got)
	}
	// Liquidity is consumed
	if got := v.Withdraw(100); got != 0 {
		t.Errorf("second withdraw: got %d, want 0", got)
	}
}

func TestView_ApplyExternalLossFloorsAtZero(t *testing.T) {
	v := market.NewView()
	v.Supply(1000)

	v.ApplyExternalLoss(300)
	if v.SuppliedValue() != 700 {
		t.Errorf("value: got %d, want 700", v.SuppliedValue())
	}
	// Principal is untouched until settlement
	if v.SuppliedPrincipal() != 1000 {
		t.Errorf("principal: got %d, want 1000", v.SuppliedPrincipal())
	}

	v.ApplyExternalLoss(5000)
	if v.SuppliedValue() != 0 {
		t.Errorf("value should floor at 0, got %d", v.SuppliedValue())
	}
}

func TestView_SettlePrincipalRealizesValuation(t *testing.T) {
	v := market.NewView()
	v.Supply(1000)
	v.SetValuation(1100, 0, 2000, 500)

	v.SettlePrincipal(1100)
	if v.SuppliedPrincipal() != 1100 || v.SuppliedValue() != 1100 {
		t.Errorf("principal=%d value=%d, want 1100/1100", v.SuppliedPrincipal(), v.SuppliedValue())
	}
}

func TestView_SnapshotRestore(t *testing.T) {
	v := market.NewView()
	v.Supply(1000)
	v.SetValuation(1100, 400, 2000, 500)
	v.SetShutdown(true)

	restored := market.NewView()
	restored.Restore(v.Snapshot())

	if restored.SuppliedPrincipal() != 1000 || restored.SuppliedValue() != 1100 {
		t.Errorf("principal=%d value=%d after restore", restored.SuppliedPrincipal(), restored.SuppliedValue())
	}
	if restored.CurrentDebt() != 400 {
		t.Errorf("debt: got %d, want 400", restored.CurrentDebt())
	}
	if !restored.Shutdown() {
		t.Error("shutdown flag lost in restore")
	}
}
