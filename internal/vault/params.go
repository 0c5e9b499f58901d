package vault

import (
	"fmt"

	vmath "TrancheVault/internal/math"
)

// Day in seconds, for parameter defaults.
const day int64 = 86_400

// Params holds the governed vault configuration. All durations are seconds,
// ratios are basis points, amounts are base-asset units.
type Params struct {
	LockDuration       int64 // Subordinate lock period
	CooldownDuration   int64 // 0 disables the cooldown gate entirely
	WithdrawalWindow   int64 // Window after cooldown end during which withdrawal must occur
	CommitmentDuration int64 // Senior commitment period

	MaxSubordinationBps int64 // Max fraction of senior supply the subtranche may hold
	MinBackingBps       int64 // 0 = no backing floor
	DeploymentRatioBps  int64 // Target deployed / total assets
	TrancheShareBps     int64 // Fraction of senior profit routed to the subtranche

	DebtCap    int64 // Configured market debt ceiling; 0 = unset
	MinDeposit int64 // Minimum first deposit; 0 = no minimum
}

// DefaultParams returns the fallback configuration used when a key is unset
// in the external configuration source.
func DefaultParams() Params {
	return Params{
		LockDuration:        90 * day,
		CooldownDuration:    7 * day,
		WithdrawalWindow:    2 * day,
		CommitmentDuration:  7 * day,
		MaxSubordinationBps: 1_500,
		MinBackingBps:       0,
		DeploymentRatioBps:  9_000,
		TrancheShareBps:     2_000,
		DebtCap:             0,
		MinDeposit:          0,
	}
}

// Validate checks that parameters are within valid ranges.
func (p Params) Validate() error {
	if p.LockDuration < 0 || p.CooldownDuration < 0 || p.WithdrawalWindow < 0 || p.CommitmentDuration < 0 {
		return fmt.Errorf("durations must be >= 0")
	}
	if p.CooldownDuration > 0 && p.WithdrawalWindow <= 0 {
		return fmt.Errorf("withdrawal_window must be > 0 when cooldown is enabled")
	}
	for _, bps := range []struct {
		name string
		v    int64
	}{
		{"max_subordination_bps", p.MaxSubordinationBps},
		{"min_backing_bps", p.MinBackingBps},
		{"deployment_ratio_bps", p.DeploymentRatioBps},
		{"tranche_share_bps", p.TrancheShareBps},
	} {
		if bps.v < 0 || bps.v > vmath.BpsScale {
			return fmt.Errorf("%s out of range [0, %d]: %d", bps.name, vmath.BpsScale, bps.v)
		}
	}
	if p.DebtCap < 0 || p.MinDeposit < 0 {
		return fmt.Errorf("amounts must be >= 0")
	}
	return nil
}

// ParamsManager holds the cached governed parameters inside the core.
// Updates arrive as versioned SyncParams commands — the core never reads
// the external configuration source directly.
type ParamsManager struct {
	current Params
}

func NewParamsManager() *ParamsManager {
	return &ParamsManager{current: DefaultParams()}
}

// Get returns the current parameter snapshot.
func (pm *ParamsManager) Get() Params {
	return pm.current
}

// Update replaces the full parameter set after validation.
func (pm *ParamsManager) Update(p Params) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	pm.current = p
	return nil
}

// SetTrancheShare applies a newly synced profit-share fraction. A fraction
// above 100% is a configuration error and leaves the cached value untouched;
// ordinary operations keep running on the previous fraction.
func (pm *ParamsManager) SetTrancheShare(bps int64) error {
	if bps < 0 || bps > vmath.BpsScale {
		return fmt.Errorf("tranche share %d bps out of range [0, %d]", bps, vmath.BpsScale)
	}
	pm.current.TrancheShareBps = bps
	return nil
}

// Restore overwrites the cached params without validation (snapshot restore).
func (pm *ParamsManager) Restore(p Params) {
	pm.current = p
}
