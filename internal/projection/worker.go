package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"TrancheVault/internal/observability"

	"github.com/rs/zerolog/log"
)

// ProjectionOutput mirrors the data projection workers need.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence       int64
	CommandType    string
	Tranche        *string
	Payload        []byte
	JournalEntries []JournalEntry
	GateRows       []GateRow
	Timestamp      int64
}

// JournalEntry is a simplified journal for projection consumption.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	Unit          int16
	Amount        int64
	JournalType   int32
}

// GateRow carries a holder's gate state after a command. Nil fields mean
// the gate is cleared.
type GateRow struct {
	Account        string
	CommitmentEnd  *int64
	LockEnd        *int64
	CooldownEnd    *int64
	WindowEnd      *int64
	CooldownShares *int64
}

// ProjectionWorker updates projection tables from processed commands.
// The projection channel is non-blocking with drop; if projections fall
// behind they can be rebuilt from the command log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	metrics   *observability.Metrics
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				log.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
				// Continue — projections are eventually consistent
				// and can be rebuilt from the command log
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("all").Observe(time.Since(start).Seconds())
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Update balance projections from journal entries
	for _, j := range output.JournalEntries {
		if err := pw.updateBalanceProjection(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
		if isSettlementJournal(j.JournalType) {
			if err := pw.insertReportHistory(ctx, tx, j, output); err != nil {
				return fmt.Errorf("report history: %w", err)
			}
		}
	}

	// Update gate projections
	for _, g := range output.GateRows {
		if err := pw.updateGateProjection(ctx, tx, g, output.Sequence); err != nil {
			return fmt.Errorf("gate projection: %w", err)
		}
	}

	// Keeper and governance commands update the vault-state read model
	if err := pw.updateVaultState(ctx, tx, output); err != nil {
		return fmt.Errorf("vault state: %w", err)
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) updateBalanceProjection(ctx context.Context, tx *sql.Tx, j JournalEntry, seq int64) error {
	// Debit account: decrease balance
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, unit, balance, last_sequence)
		VALUES ($1, $2, -$3, $4)
		ON CONFLICT (account_path, unit)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
	`, j.DebitAccount, j.Unit, j.Amount, seq); err != nil {
		return err
	}

	// Credit account: increase balance
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, unit, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, unit)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, j.CreditAccount, j.Unit, j.Amount, seq); err != nil {
		return err
	}

	return nil
}

func (pw *ProjectionWorker) updateGateProjection(ctx context.Context, tx *sql.Tx, g GateRow, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.gates (account, commitment_end, lock_end, cooldown_end, window_end, cooldown_shares, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account) DO UPDATE SET
			commitment_end = $2,
			lock_end = $3,
			cooldown_end = $4,
			window_end = $5,
			cooldown_shares = $6,
			last_sequence = $7
	`, g.Account, g.CommitmentEnd, g.LockEnd, g.CooldownEnd, g.WindowEnd, g.CooldownShares, seq)
	return err
}

// updateVaultState keeps the single-row read model current for limit
// queries. Payloads are the marshaled typed commands, so field names match
// the Go structs.
func (pw *ProjectionWorker) updateVaultState(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	switch output.CommandType {
	case "MarketValuation":
		var p struct {
			SuppliedValue     int64
			Debt              int64
			TotalSupplyAssets int64
			Liquidity         int64
		}
		if err := json.Unmarshal(output.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.vault_state (id, supplied_value, debt, total_supply_assets, liquidity, last_sequence)
			VALUES (1, $1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				supplied_value = $1, debt = $2, total_supply_assets = $3,
				liquidity = $4, last_sequence = $5
		`, p.SuppliedValue, p.Debt, p.TotalSupplyAssets, p.Liquidity, output.Sequence)
		return err

	case "SyncParams":
		var p struct {
			LockDuration        int64
			CooldownDuration    int64
			WithdrawalWindow    int64
			CommitmentDuration  int64
			MaxSubordinationBps int64
			MinBackingBps       int64
			DeploymentRatioBps  int64
			TrancheShareBps     int64
			DebtCap             int64
			MinDeposit          int64
		}
		if err := json.Unmarshal(output.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.vault_state (id, lock_duration, cooldown_duration, withdrawal_window,
				commitment_duration, max_subordination_bps, min_backing_bps, deployment_ratio_bps,
				tranche_share_bps, debt_cap, min_deposit, last_sequence)
			VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET
				lock_duration = $1, cooldown_duration = $2, withdrawal_window = $3,
				commitment_duration = $4, max_subordination_bps = $5, min_backing_bps = $6,
				deployment_ratio_bps = $7, tranche_share_bps = $8, debt_cap = $9,
				min_deposit = $10, last_sequence = $11
		`, p.LockDuration, p.CooldownDuration, p.WithdrawalWindow, p.CommitmentDuration,
			p.MaxSubordinationBps, p.MinBackingBps, p.DeploymentRatioBps, p.TrancheShareBps,
			p.DebtCap, p.MinDeposit, output.Sequence)
		return err

	case "SyncTrancheShare":
		var p struct{ TrancheShareBps int64 }
		if err := json.Unmarshal(output.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.vault_state (id, tranche_share_bps, last_sequence)
			VALUES (1, $1, $2)
			ON CONFLICT (id) DO UPDATE SET tranche_share_bps = $1, last_sequence = $2
		`, p.TrancheShareBps, output.Sequence)
		return err

	case "SetShutdown":
		var p struct{ Active bool }
		if err := json.Unmarshal(output.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.vault_state (id, shutdown, last_sequence)
			VALUES (1, $1, $2)
			ON CONFLICT (id) DO UPDATE SET shutdown = $1, last_sequence = $2
		`, p.Active, output.Sequence)
		return err
	}
	return nil
}

func (pw *ProjectionWorker) insertReportHistory(ctx context.Context, tx *sql.Tx, j JournalEntry, output ProjectionOutput) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.report_history (sequence, command_type, journal_type, unit, amount, recorded_at)
		VALUES ($1, $2, $3, $4, $5, to_timestamp($6))
		ON CONFLICT DO NOTHING
	`, output.Sequence, output.CommandType, j.JournalType, j.Unit, j.Amount, output.Timestamp)
	return err
}

// Settlement journal types mirrored from the ledger package; projections
// work on the simplified int32 form so they only depend on stable wire
// values.
const (
	journalTypeLossBurn      int32 = 9
	journalTypeLossWritedown int32 = 10
	journalTypeYieldWriteup  int32 = 11
	journalTypeYieldFeeMint  int32 = 12
	journalTypeDeploy        int32 = 13
	journalTypeRecall        int32 = 14
)

func isSettlementJournal(jt int32) bool {
	switch jt {
	case journalTypeLossBurn, journalTypeLossWritedown, journalTypeYieldWriteup,
		journalTypeYieldFeeMint, journalTypeDeploy, journalTypeRecall:
		return true
	}
	return false
}

// RebuildProjections rebuilds the balance projection from the command log.
// Gates are not rebuilt here; they are restored from the next snapshot's
// gate rows as commands flow through.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.gates`,
		`TRUNCATE projections.report_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Rebuild from journal entries
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, unit, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			unit,
			SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM vault_log.journal
		GROUP BY credit_account, unit
		ON CONFLICT (account_path, unit) DO UPDATE
			SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	// Subtract debits
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, unit, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			unit,
			-SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM vault_log.journal
		GROUP BY debit_account, unit
		ON CONFLICT (account_path, unit) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	log.Info().Msg("projection rebuild complete")
	return nil
}
