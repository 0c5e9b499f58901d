package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"TrancheVault/internal/ledger"
	vmath "TrancheVault/internal/math"
	"TrancheVault/internal/vault"

	"github.com/google/uuid"
)

// QueryService provides read-only access to projection tables. Queries are
// served over HTTP/JSON from PostgreSQL projections; all responses include
// as_of_sequence for freshness semantics. Limit math reuses the same vault
// functions the core runs, fed from the projected state, so the read path
// can lag the core but never disagrees with its formulas.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetBalance returns a holder's share balances plus derived values.
func (qs *QueryService) GetBalance(ctx context.Context, account uuid.UUID) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	senior, err := qs.getProjectedBalance(ctx, ledger.NewUserAccountKey(account, ledger.UnitSenior).AccountPath())
	if err != nil {
		return nil, err
	}
	sub, err := qs.getProjectedBalance(ctx, ledger.NewUserAccountKey(account, ledger.UnitSub).AccountPath())
	if err != nil {
		return nil, err
	}

	vs, err := qs.loadVaultTotals(ctx)
	if err != nil {
		return nil, err
	}

	transferable := sub
	gate, err := qs.loadGateRow(ctx, account)
	if err != nil {
		return nil, err
	}
	if gate != nil && gate.CooldownShares != nil {
		transferable = sub - *gate.CooldownShares
		if transferable < 0 {
			transferable = 0
		}
	}

	return &BalanceResponse{
		Account:          account,
		SeniorShares:     senior,
		SubShares:        sub,
		SeniorAssetValue: vmath.AssetsForShares(senior, vs.SeniorSupply, vs.TotalAssets()),
		TransferableSub:  transferable,
		AsOfSequence:     asOfSeq,
	}, nil
}

// GetGates returns a holder's time-gate state. WindowOpen is evaluated
// against now, which callers pass in so tests stay deterministic.
func (qs *QueryService) GetGates(ctx context.Context, account uuid.UUID, now time.Time) (*GateResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	resp := &GateResponse{
		Account:      account,
		AsOfSequence: asOfSeq,
	}

	gate, err := qs.loadGateRow(ctx, account)
	if err != nil {
		return nil, err
	}
	if gate == nil {
		return resp, nil
	}

	resp.CommitmentEnd = gate.CommitmentEnd
	resp.LockEnd = gate.LockEnd
	resp.CooldownEnd = gate.CooldownEnd
	resp.WindowEnd = gate.WindowEnd
	resp.CooldownShares = gate.CooldownShares

	if gate.CooldownEnd != nil && gate.WindowEnd != nil {
		ts := now.Unix()
		resp.WindowOpen = ts >= *gate.CooldownEnd && ts <= *gate.WindowEnd
	}

	return resp, nil
}

// GetLimits returns the subordinate-tranche deposit and withdrawal headroom
// for a holder.
func (qs *QueryService) GetLimits(ctx context.Context, account uuid.UUID, now time.Time) (*LimitsResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	vs, err := qs.loadVaultState(ctx)
	if err != nil {
		return nil, err
	}
	totals, err := qs.loadVaultTotals(ctx)
	if err != nil {
		return nil, err
	}

	in := vault.LimitInputs{
		Params:       vs.Params,
		Shutdown:     vs.Shutdown,
		Debt:         vs.Debt,
		SeniorSupply: totals.SeniorSupply,
		TotalAssets:  totals.TotalAssets(),
		SubHoldings:  totals.SubHoldings,
		SubSupply:    totals.SubSupply,
	}

	balance, err := qs.getProjectedBalance(ctx, ledger.NewUserAccountKey(account, ledger.UnitSub).AccountPath())
	if err != nil {
		return nil, err
	}

	var cooldownAvail int64
	gate, err := qs.loadGateRow(ctx, account)
	if err != nil {
		return nil, err
	}
	if gate != nil && gate.CooldownEnd != nil && gate.WindowEnd != nil && gate.CooldownShares != nil {
		ts := now.Unix()
		if ts >= *gate.CooldownEnd && ts <= *gate.WindowEnd {
			cooldownAvail = *gate.CooldownShares
		}
	}

	return &LimitsResponse{
		Account:          account,
		MaxSubDeposit:    vault.AvailableSubDeposit(in),
		MaxSubWithdraw:   vault.AvailableSubWithdraw(in, balance, cooldownAvail),
		ShutdownActive:   vs.Shutdown,
		AsOfSequence:     asOfSeq,
		ValuationAsOfSeq: vs.LastSequence,
	}, nil
}

// GetVaultSummary returns the aggregate vault state.
func (qs *QueryService) GetVaultSummary(ctx context.Context) (*VaultSummaryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	vs, err := qs.loadVaultState(ctx)
	if err != nil {
		return nil, err
	}
	totals, err := qs.loadVaultTotals(ctx)
	if err != nil {
		return nil, err
	}

	var subordinationBps int64
	if totals.SeniorSupply > 0 {
		subordinationBps = vmath.MulDiv(totals.SubHoldings, vmath.BpsScale, totals.SeniorSupply, vmath.RoundDown)
	}

	return &VaultSummaryResponse{
		TotalAssets:         totals.TotalAssets(),
		IdleAssets:          totals.Idle,
		DeployedAssets:      totals.Deployed,
		SeniorSupply:        totals.SeniorSupply,
		SubSupply:           totals.SubSupply,
		SubTrancheHoldings:  totals.SubHoldings,
		SubordinationBps:    subordinationBps,
		MarketDebt:          vs.Debt,
		MarketSuppliedValue: vs.SuppliedValue,
		MarketLiquidity:     vs.Liquidity,
		ShutdownActive:      vs.Shutdown,
		AsOfSequence:        asOfSeq,
	}, nil
}

// GetParams returns the projected governed parameters.
func (qs *QueryService) GetParams(ctx context.Context) (*ParamsResponse, error) {
	vs, err := qs.loadVaultState(ctx)
	if err != nil {
		return nil, err
	}

	p := vs.Params
	return &ParamsResponse{
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
		AsOfSequence:        vs.LastSequence,
	}, nil
}

// GetReportHistory returns settlement legs with cursor pagination.
func (qs *QueryService) GetReportHistory(
	ctx context.Context,
	limit int,
	afterSequence *int64,
) ([]ReportHistoryResponse, error) {
	query := `
		SELECT sequence, command_type, journal_type, unit, amount, EXTRACT(EPOCH FROM recorded_at)::bigint
		FROM projections.report_history
	`
	args := []interface{}{}
	argIdx := 1

	if afterSequence != nil {
		query += fmt.Sprintf(" WHERE sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []ReportHistoryResponse
	for rows.Next() {
		var h ReportHistoryResponse
		if err := rows.Scan(&h.Sequence, &h.CommandType, &h.JournalType, &h.Unit, &h.Amount, &h.RecordedAt); err != nil {
			return nil, err
		}
		history = append(history, h)
	}

	return history, rows.Err()
}

// GetJournalHistory returns journal entries touching a holder's accounts,
// with cursor pagination.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", account)

	query := `
		SELECT journal_id, batch_id, command_ref, sequence,
		       debit_account, credit_account, unit, amount, journal_type, timestamp
		FROM vault_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.CommandRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Unit, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and per-unit zero-sum.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT c1.sequence
		FROM vault_log.commands c1
		LEFT JOIN vault_log.commands c2 ON c2.sequence = c1.sequence - 1
		WHERE c1.sequence > 0 AND c1.prev_hash != COALESCE(c2.state_hash, c1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Each unit must sum to zero across all accounts
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT unit, SUM(balance) as total
		FROM projections.balances
		GROUP BY unit
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var unit int16
		var total int64
		if err := balanceRows.Scan(&unit, &total); err != nil {
			return nil, err
		}
		report.UnbalancedUnits = append(report.UnbalancedUnits, UnbalancedUnit{
			Unit:      unit,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedUnits) == 0
	return report, nil
}

// --- helpers ---

// vaultTotals is the book-derived aggregate state.
type vaultTotals struct {
	Idle         int64
	Deployed     int64
	SeniorSupply int64
	SubSupply    int64
	SubHoldings  int64
}

func (v vaultTotals) TotalAssets() int64 { return v.Idle + v.Deployed }

func (qs *QueryService) loadVaultTotals(ctx context.Context) (*vaultTotals, error) {
	totals := &vaultTotals{}

	idle, err := qs.getProjectedBalance(ctx, ledger.IdleKey().AccountPath())
	if err != nil {
		return nil, err
	}
	deployed, err := qs.getProjectedBalance(ctx, ledger.DeployedKey().AccountPath())
	if err != nil {
		return nil, err
	}
	seniorSupply, err := qs.getProjectedBalance(ctx, ledger.SupplyKey(ledger.UnitSenior).AccountPath())
	if err != nil {
		return nil, err
	}
	subSupply, err := qs.getProjectedBalance(ctx, ledger.SupplyKey(ledger.UnitSub).AccountPath())
	if err != nil {
		return nil, err
	}
	holdings, err := qs.getProjectedBalance(ctx, ledger.SubTrancheKey().AccountPath())
	if err != nil {
		return nil, err
	}

	totals.Idle = idle
	totals.Deployed = deployed
	totals.SeniorSupply = -seniorSupply // supply accounts are contra
	totals.SubSupply = -subSupply
	totals.SubHoldings = holdings
	return totals, nil
}

// vaultState is the keeper-fed read model row.
type vaultState struct {
	Params        vault.Params
	Shutdown      bool
	SuppliedValue int64
	Debt          int64
	Liquidity     int64
	LastSequence  int64
}

func (qs *QueryService) loadVaultState(ctx context.Context) (*vaultState, error) {
	vs := &vaultState{Params: vault.DefaultParams()}

	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(lock_duration, $1), COALESCE(cooldown_duration, $2),
		       COALESCE(withdrawal_window, $3), COALESCE(commitment_duration, $4),
		       COALESCE(max_subordination_bps, $5), COALESCE(min_backing_bps, $6),
		       COALESCE(deployment_ratio_bps, $7), COALESCE(tranche_share_bps, $8),
		       COALESCE(debt_cap, $9), COALESCE(min_deposit, $10),
		       COALESCE(shutdown, FALSE), COALESCE(supplied_value, 0),
		       COALESCE(debt, 0), COALESCE(liquidity, 0), COALESCE(last_sequence, 0)
		FROM projections.vault_state WHERE id = 1
	`, vs.Params.LockDuration, vs.Params.CooldownDuration, vs.Params.WithdrawalWindow,
		vs.Params.CommitmentDuration, vs.Params.MaxSubordinationBps, vs.Params.MinBackingBps,
		vs.Params.DeploymentRatioBps, vs.Params.TrancheShareBps, vs.Params.DebtCap,
		vs.Params.MinDeposit,
	).Scan(
		&vs.Params.LockDuration, &vs.Params.CooldownDuration,
		&vs.Params.WithdrawalWindow, &vs.Params.CommitmentDuration,
		&vs.Params.MaxSubordinationBps, &vs.Params.MinBackingBps,
		&vs.Params.DeploymentRatioBps, &vs.Params.TrancheShareBps,
		&vs.Params.DebtCap, &vs.Params.MinDeposit,
		&vs.Shutdown, &vs.SuppliedValue, &vs.Debt, &vs.Liquidity, &vs.LastSequence,
	)
	if err == sql.ErrNoRows {
		// No keeper sync yet — defaults stand
		return vs, nil
	}
	return vs, err
}

type gateRow struct {
	CommitmentEnd  *int64
	LockEnd        *int64
	CooldownEnd    *int64
	WindowEnd      *int64
	CooldownShares *int64
}

func (qs *QueryService) loadGateRow(ctx context.Context, account uuid.UUID) (*gateRow, error) {
	g := &gateRow{}
	err := qs.db.QueryRowContext(ctx, `
		SELECT commitment_end, lock_end, cooldown_end, window_end, cooldown_shares
		FROM projections.gates WHERE account = $1
	`, account.String()).Scan(&g.CommitmentEnd, &g.LockEnd, &g.CooldownEnd, &g.WindowEnd, &g.CooldownShares)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(balance, 0) FROM projections.balances
		WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}
