package command

import (
	"time"
)

// Type discriminator for command payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeDeposit
	TypeMintShares
	TypeWithdraw
	TypeRedeem
	TypeTransfer
	TypeStartCooldown
	TypeCancelCooldown
	TypeReport
	TypeRebalance
	TypeSyncTrancheShare
	TypeSyncParams
	TypeSetWhitelist
	TypeSetShutdown
	TypeMarketValuation
	TypeApplyExternalLoss
)

// TrancheID selects which tranche a ledger command targets.
type TrancheID string

const (
	TrancheSenior TrancheID = "senior"
	TrancheSub    TrancheID = "sub"
)

// Envelope wraps every processed command in the log
type Envelope struct {
	// Global monotonic sequence assigned by the core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	CommandType Type

	// Tranche context (nil for global commands)
	Tranche *TrancheID

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command payload
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all command payloads must implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() Type

	// Tranche returns the tranche context (nil for global commands)
	Tranche() *TrancheID

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64

	// When returns the versioned input timestamp. The core never calls
	// time.Now(); every time gate evaluates against this value.
	When() time.Time
}

func (t Type) String() string {
	switch t {
	case TypeDeposit:
		return "Deposit"
	case TypeMintShares:
		return "MintShares"
	case TypeWithdraw:
		return "Withdraw"
	case TypeRedeem:
		return "Redeem"
	case TypeTransfer:
		return "Transfer"
	case TypeStartCooldown:
		return "StartCooldown"
	case TypeCancelCooldown:
		return "CancelCooldown"
	case TypeReport:
		return "Report"
	case TypeRebalance:
		return "Rebalance"
	case TypeSyncTrancheShare:
		return "SyncTrancheShare"
	case TypeSyncParams:
		return "SyncParams"
	case TypeSetWhitelist:
		return "SetWhitelist"
	case TypeSetShutdown:
		return "SetShutdown"
	case TypeMarketValuation:
		return "MarketValuation"
	case TypeApplyExternalLoss:
		return "ApplyExternalLoss"
	default:
		return "Unknown"
	}
}

func trancheRef(t TrancheID) *TrancheID {
	return &t
}
