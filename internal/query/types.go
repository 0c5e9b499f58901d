package query

import "github.com/google/uuid"

// BalanceResponse represents a holder's share balances for API queries.
type BalanceResponse struct {
	Account uuid.UUID `json:"account"`

	// Ledger balances (from journal entries)
	SeniorShares int64 `json:"senior_shares"`
	SubShares    int64 `json:"sub_shares"`

	// Derived at query time
	SeniorAssetValue int64 `json:"senior_asset_value"` // shares at the current share price
	TransferableSub  int64 `json:"transferable_sub"`   // sub shares not parked in a cooldown

	// Metadata
	AsOfSequence int64 `json:"as_of_sequence"` // last projected command sequence
}

// GateResponse represents a holder's time-gate state.
type GateResponse struct {
	Account        uuid.UUID `json:"account"`
	CommitmentEnd  *int64    `json:"commitment_end,omitempty"`
	LockEnd        *int64    `json:"lock_end,omitempty"`
	CooldownEnd    *int64    `json:"cooldown_end,omitempty"`
	WindowEnd      *int64    `json:"window_end,omitempty"`
	CooldownShares *int64    `json:"cooldown_shares,omitempty"`
	WindowOpen     bool      `json:"window_open"` // evaluated at query time
	AsOfSequence   int64     `json:"as_of_sequence"`
}

// LimitsResponse carries the subordinate-tranche headroom for a holder.
type LimitsResponse struct {
	Account          uuid.UUID `json:"account"`
	MaxSubDeposit    int64     `json:"max_sub_deposit"`  // senior shares stakeable now
	MaxSubWithdraw   int64     `json:"max_sub_withdraw"` // sub shares redeemable now
	ShutdownActive   bool      `json:"shutdown_active"`
	AsOfSequence     int64     `json:"as_of_sequence"`
	ValuationAsOfSeq int64     `json:"valuation_as_of_sequence"`
}

// VaultSummaryResponse is the aggregate vault state.
type VaultSummaryResponse struct {
	TotalAssets          int64 `json:"total_assets"`
	IdleAssets           int64 `json:"idle_assets"`
	DeployedAssets       int64 `json:"deployed_assets"`
	SeniorSupply         int64 `json:"senior_supply"`
	SubSupply            int64 `json:"sub_supply"`
	SubTrancheHoldings   int64 `json:"sub_tranche_holdings"`
	SubordinationBps     int64 `json:"subordination_bps"` // holdings / senior supply
	MarketDebt           int64 `json:"market_debt"`
	MarketSuppliedValue  int64 `json:"market_supplied_value"`
	MarketLiquidity      int64 `json:"market_liquidity"`
	ShutdownActive       bool  `json:"shutdown_active"`
	AsOfSequence         int64 `json:"as_of_sequence"`
}

// ParamsResponse is the projected governed parameter set.
type ParamsResponse struct {
	LockDuration       int64 `json:"lock_duration"`
	CooldownDuration   int64 `json:"cooldown_duration"`
	WithdrawalWindow   int64 `json:"withdrawal_window"`
	CommitmentDuration int64 `json:"commitment_duration"`

	MaxSubordinationBps int64 `json:"max_subordination_bps"`
	MinBackingBps       int64 `json:"min_backing_bps"`
	DeploymentRatioBps  int64 `json:"deployment_ratio_bps"`
	TrancheShareBps     int64 `json:"tranche_share_bps"`

	DebtCap    int64 `json:"debt_cap"`
	MinDeposit int64 `json:"min_deposit"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// ReportHistoryResponse represents one settlement leg for API queries.
type ReportHistoryResponse struct {
	Sequence    int64  `json:"sequence"`
	CommandType string `json:"command_type"`
	JournalType int32  `json:"journal_type"`
	Unit        int16  `json:"unit"`
	Amount      int64  `json:"amount"`
	RecordedAt  int64  `json:"recorded_at"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	CommandRef    string `json:"command_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Unit          int16  `json:"unit"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool             `json:"is_healthy"`
	HashChainBreaks []int64          `json:"hash_chain_breaks,omitempty"`
	UnbalancedUnits []UnbalancedUnit `json:"unbalanced_units,omitempty"`
}

// UnbalancedUnit represents a unit with non-zero global balance sum.
type UnbalancedUnit struct {
	Unit      int16 `json:"unit"`
	Imbalance int64 `json:"imbalance"`
}
