package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// Snapshots contain balances, time gates, parameters, the whitelist, the
// market mirror, sequence counters, recent idempotency keys, and the chain
// tip hash.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time. The
// structs here are deliberately serialization-only mirrors; the orchestrator
// bridges them to core.SnapshotState.
type SnapshotData struct {
	Sequence        int64                   `json:"sequence"`
	StateHash       []byte                  `json:"state_hash"`
	Balances        map[string]int64        `json:"balances"` // AccountPath -> balance
	Commitments     map[string]int64        `json:"commitments"`
	Locks           map[string]int64        `json:"locks"`
	Cooldowns       map[string]CooldownSnap `json:"cooldowns"`
	Params          ParamsSnap              `json:"params"`
	Whitelist       []string                `json:"whitelist"`
	Market          MarketSnap              `json:"market"`
	SequenceState   map[string]int64        `json:"sequence_state"`   // partition -> next expected seq
	IdempotencyKeys []string                `json:"idempotency_keys"` // Recent keys for LRU warming
	CreatedAt       time.Time               `json:"created_at"`
}

// CooldownSnap is a serializable cooldown record.
type CooldownSnap struct {
	CooldownEnd int64 `json:"cooldown_end"`
	WindowEnd   int64 `json:"window_end"`
	Shares      int64 `json:"shares"`
}

// ParamsSnap is a serializable parameter set.
type ParamsSnap struct {
	LockDuration        int64 `json:"lock_duration"`
	CooldownDuration    int64 `json:"cooldown_duration"`
	WithdrawalWindow    int64 `json:"withdrawal_window"`
	CommitmentDuration  int64 `json:"commitment_duration"`
	MaxSubordinationBps int64 `json:"max_subordination_bps"`
	MinBackingBps       int64 `json:"min_backing_bps"`
	DeploymentRatioBps  int64 `json:"deployment_ratio_bps"`
	TrancheShareBps     int64 `json:"tranche_share_bps"`
	DebtCap             int64 `json:"debt_cap"`
	MinDeposit          int64 `json:"min_deposit"`
}

// MarketSnap is a serializable market-mirror state.
type MarketSnap struct {
	SuppliedPrincipal int64 `json:"supplied_principal"`
	SuppliedValue     int64 `json:"supplied_value"`
	Debt              int64 `json:"debt"`
	TotalSupplyAssets int64 `json:"total_supply_assets"`
	Liquidity         int64 `json:"liquidity"`
	Shutdown          bool  `json:"shutdown"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically and verified by replaying commands from the snapshot
// sequence forward.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO vault_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. On warm
// restart, load this then replay commands from snapshot.sequence+1.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM vault_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot — cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE vault_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadCommandsFrom loads envelopes from a given sequence for replay. Used
// for warm restart (replay from snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]CommandRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, tranche, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM vault_log.commands
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []CommandRow
	for rows.Next() {
		var c CommandRow
		if err := rows.Scan(
			&c.Sequence, &c.CommandType, &c.IdempotencyKey, &c.Tranche,
			&c.Payload, &c.StateHash, &c.PrevHash, &c.Timestamp, &c.SourceSequence,
		); err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}

	return commands, rows.Err()
}

// GetLatestSequence returns the highest sequence in the command log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM vault_log.commands
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty command log
	}
	return seq.Int64, nil
}
