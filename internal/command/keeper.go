package command

import (
	"time"

	"github.com/google/uuid"
)

// Report triggers a settlement cycle: yield-share distribution, loss
// absorption, and deployment rebalancing, in that order.
type Report struct {
	CommandID uuid.UUID
	Keeper    uuid.UUID
	Sequence  int64
	Timestamp time.Time
}

func (r *Report) IdempotencyKey() string { return r.CommandID.String() }
func (r *Report) CommandType() Type      { return TypeReport }
func (r *Report) Tranche() *TrancheID    { return nil }
func (r *Report) SourceSequence() int64  { return r.Sequence }
func (r *Report) When() time.Time        { return r.Timestamp }

// Rebalance moves idle/deployed capital toward the configured target ratio
// without running profit/loss settlement.
type Rebalance struct {
	CommandID uuid.UUID
	Keeper    uuid.UUID
	Sequence  int64
	Timestamp time.Time
}

func (r *Rebalance) IdempotencyKey() string { return r.CommandID.String() }
func (r *Rebalance) CommandType() Type      { return TypeRebalance }
func (r *Rebalance) Tranche() *TrancheID    { return nil }
func (r *Rebalance) SourceSequence() int64  { return r.Sequence }
func (r *Rebalance) When() time.Time        { return r.Timestamp }

// SyncTrancheShare applies a freshly read profit-share fraction. Fractions
// above 100% fail the sync and leave the cached fraction untouched.
type SyncTrancheShare struct {
	CommandID       uuid.UUID
	Keeper          uuid.UUID
	TrancheShareBps int64
	Sequence        int64
	Timestamp       time.Time
}

func (s *SyncTrancheShare) IdempotencyKey() string { return s.CommandID.String() }
func (s *SyncTrancheShare) CommandType() Type      { return TypeSyncTrancheShare }
func (s *SyncTrancheShare) Tranche() *TrancheID    { return nil }
func (s *SyncTrancheShare) SourceSequence() int64  { return s.Sequence }
func (s *SyncTrancheShare) When() time.Time        { return s.Timestamp }

// SyncParams replaces the full cached parameter set with a snapshot the
// keeper read from the external configuration source.
type SyncParams struct {
	CommandID uuid.UUID
	Keeper    uuid.UUID

	LockDuration       int64
	CooldownDuration   int64
	WithdrawalWindow   int64
	CommitmentDuration int64

	MaxSubordinationBps int64
	MinBackingBps       int64
	DeploymentRatioBps  int64
	TrancheShareBps     int64

	DebtCap    int64
	MinDeposit int64

	Sequence  int64
	Timestamp time.Time
}

func (s *SyncParams) IdempotencyKey() string { return s.CommandID.String() }
func (s *SyncParams) CommandType() Type      { return TypeSyncParams }
func (s *SyncParams) Tranche() *TrancheID    { return nil }
func (s *SyncParams) SourceSequence() int64  { return s.Sequence }
func (s *SyncParams) When() time.Time        { return s.Timestamp }

// MarketValuation is the keeper's credit-market feed: the current value of
// the vault's supply position, outstanding debt, market-wide supplied
// assets, and withdrawable liquidity. Sequence gaps are tolerated — stale
// feeds are dropped, missing ones are skipped over.
type MarketValuation struct {
	CommandID         uuid.UUID
	Keeper            uuid.UUID
	SuppliedValue     int64
	Debt              int64
	TotalSupplyAssets int64
	Liquidity         int64
	FeedSequence      int64
	Timestamp         time.Time
}

func (m *MarketValuation) IdempotencyKey() string { return m.CommandID.String() }
func (m *MarketValuation) CommandType() Type      { return TypeMarketValuation }
func (m *MarketValuation) Tranche() *TrancheID    { return nil }
func (m *MarketValuation) SourceSequence() int64  { return m.FeedSequence }
func (m *MarketValuation) When() time.Time        { return m.Timestamp }

// ApplyExternalLoss writes the vault's market position down by a realized
// loss reported by the credit market. The loss is recognized by the next
// Report cycle's absorption pass.
type ApplyExternalLoss struct {
	CommandID uuid.UUID
	Keeper    uuid.UUID
	Amount    int64
	Sequence  int64
	Timestamp time.Time
}

func (a *ApplyExternalLoss) IdempotencyKey() string { return a.CommandID.String() }
func (a *ApplyExternalLoss) CommandType() Type      { return TypeApplyExternalLoss }
func (a *ApplyExternalLoss) Tranche() *TrancheID    { return nil }
func (a *ApplyExternalLoss) SourceSequence() int64  { return a.Sequence }
func (a *ApplyExternalLoss) When() time.Time        { return a.Timestamp }
