package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"TrancheVault/internal/command"

	"github.com/google/uuid"
)

// ParseRawCommand converts a RawCommand (JSON bytes + command type string)
// into a typed command.Command. The ingestion shell validates, parses, and
// converts raw messages before sending to the core.
func ParseRawCommand(raw RawCommand, commandType string) (command.Command, error) {
	switch commandType {
	case "Deposit":
		return parseDeposit(raw.Data)
	case "MintShares":
		return parseMintShares(raw.Data)
	case "Withdraw":
		return parseWithdraw(raw.Data)
	case "Redeem":
		return parseRedeem(raw.Data)
	case "Transfer":
		return parseTransfer(raw.Data)
	case "StartCooldown":
		return parseStartCooldown(raw.Data)
	case "CancelCooldown":
		return parseCancelCooldown(raw.Data)
	case "Report":
		return parseReport(raw.Data)
	case "Rebalance":
		return parseRebalance(raw.Data)
	case "SyncTrancheShare":
		return parseSyncTrancheShare(raw.Data)
	case "SyncParams":
		return parseSyncParams(raw.Data)
	case "SetWhitelist":
		return parseSetWhitelist(raw.Data)
	case "SetShutdown":
		return parseSetShutdown(raw.Data)
	case "MarketValuation":
		return parseMarketValuation(raw.Data)
	case "ApplyExternalLoss":
		return parseApplyExternalLoss(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

func parseTranche(s string) (command.TrancheID, error) {
	switch s {
	case "senior":
		return command.TrancheSenior, nil
	case "sub":
		return command.TrancheSub, nil
	default:
		return "", fmt.Errorf("unknown tranche: %q", s)
	}
}

type depositJSON struct {
	CommandID   string `json:"command_id"`
	Tranche     string `json:"tranche"`
	Caller      string `json:"caller"`
	Receiver    string `json:"receiver"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDeposit(data []byte) (*command.Deposit, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	receiver, err := uuid.Parse(j.Receiver)
	if err != nil {
		return nil, fmt.Errorf("parse receiver: %w", err)
	}
	tranche, err := parseTranche(j.Tranche)
	if err != nil {
		return nil, err
	}
	return &command.Deposit{
		CommandID: commandID,
		TrancheID: tranche,
		Caller:    caller,
		Receiver:  receiver,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type mintSharesJSON struct {
	CommandID   string `json:"command_id"`
	Tranche     string `json:"tranche"`
	Caller      string `json:"caller"`
	Receiver    string `json:"receiver"`
	Shares      int64  `json:"shares"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseMintShares(data []byte) (*command.MintShares, error) {
	var j mintSharesJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MintShares: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	receiver, err := uuid.Parse(j.Receiver)
	if err != nil {
		return nil, fmt.Errorf("parse receiver: %w", err)
	}
	tranche, err := parseTranche(j.Tranche)
	if err != nil {
		return nil, err
	}
	return &command.MintShares{
		CommandID: commandID,
		TrancheID: tranche,
		Caller:    caller,
		Receiver:  receiver,
		Shares:    j.Shares,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type withdrawJSON struct {
	CommandID   string `json:"command_id"`
	Tranche     string `json:"tranche"`
	Caller      string `json:"caller"`
	Owner       string `json:"owner"`
	Receiver    string `json:"receiver"`
	Amount      int64  `json:"amount"`
	Shares      int64  `json:"shares"`
	MaxLossBps  int64  `json:"max_loss_bps"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (j *withdrawJSON) ids() (commandID, caller, owner, receiver uuid.UUID, err error) {
	commandID, err = uuid.Parse(j.CommandID)
	if err != nil {
		return commandID, caller, owner, receiver, fmt.Errorf("parse command_id: %w", err)
	}
	caller, err = uuid.Parse(j.Caller)
	if err != nil {
		return commandID, caller, owner, receiver, fmt.Errorf("parse caller: %w", err)
	}
	owner, err = uuid.Parse(j.Owner)
	if err != nil {
		return commandID, caller, owner, receiver, fmt.Errorf("parse owner: %w", err)
	}
	receiver, err = uuid.Parse(j.Receiver)
	if err != nil {
		return commandID, caller, owner, receiver, fmt.Errorf("parse receiver: %w", err)
	}
	return commandID, caller, owner, receiver, nil
}

func parseWithdraw(data []byte) (*command.Withdraw, error) {
	var j withdrawJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Withdraw: %w", err)
	}
	commandID, caller, owner, receiver, err := j.ids()
	if err != nil {
		return nil, err
	}
	tranche, err := parseTranche(j.Tranche)
	if err != nil {
		return nil, err
	}
	return &command.Withdraw{
		CommandID:  commandID,
		TrancheID:  tranche,
		Caller:     caller,
		Owner:      owner,
		Receiver:   receiver,
		Amount:     j.Amount,
		MaxLossBps: j.MaxLossBps,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseRedeem(data []byte) (*command.Redeem, error) {
	var j withdrawJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Redeem: %w", err)
	}
	commandID, caller, owner, receiver, err := j.ids()
	if err != nil {
		return nil, err
	}
	tranche, err := parseTranche(j.Tranche)
	if err != nil {
		return nil, err
	}
	return &command.Redeem{
		CommandID:  commandID,
		TrancheID:  tranche,
		Caller:     caller,
		Owner:      owner,
		Receiver:   receiver,
		Shares:     j.Shares,
		MaxLossBps: j.MaxLossBps,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type transferJSON struct {
	CommandID    string `json:"command_id"`
	Tranche      string `json:"tranche"`
	Caller       string `json:"caller"`
	From         string `json:"from"`
	To           string `json:"to"`
	ToSubTranche bool   `json:"to_sub_tranche"`
	Shares       int64  `json:"shares"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseTransfer(data []byte) (*command.Transfer, error) {
	var j transferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Transfer: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	from, err := uuid.Parse(j.From)
	if err != nil {
		return nil, fmt.Errorf("parse from: %w", err)
	}
	var to uuid.UUID
	if !j.ToSubTranche {
		to, err = uuid.Parse(j.To)
		if err != nil {
			return nil, fmt.Errorf("parse to: %w", err)
		}
	}
	tranche, err := parseTranche(j.Tranche)
	if err != nil {
		return nil, err
	}
	return &command.Transfer{
		CommandID:    commandID,
		TrancheID:    tranche,
		Caller:       caller,
		From:         from,
		To:           to,
		ToSubTranche: j.ToSubTranche,
		Shares:       j.Shares,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

type cooldownJSON struct {
	CommandID   string `json:"command_id"`
	Caller      string `json:"caller"`
	Shares      int64  `json:"shares"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseStartCooldown(data []byte) (*command.StartCooldown, error) {
	var j cooldownJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse StartCooldown: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	return &command.StartCooldown{
		CommandID: commandID,
		Caller:    caller,
		Shares:    j.Shares,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseCancelCooldown(data []byte) (*command.CancelCooldown, error) {
	var j cooldownJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CancelCooldown: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	return &command.CancelCooldown{
		CommandID: commandID,
		Caller:    caller,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type keeperJSON struct {
	CommandID   string `json:"command_id"`
	Keeper      string `json:"keeper"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (j *keeperJSON) ids() (commandID, keeper uuid.UUID, err error) {
	commandID, err = uuid.Parse(j.CommandID)
	if err != nil {
		return commandID, keeper, fmt.Errorf("parse command_id: %w", err)
	}
	keeper, err = uuid.Parse(j.Keeper)
	if err != nil {
		return commandID, keeper, fmt.Errorf("parse keeper: %w", err)
	}
	return commandID, keeper, nil
}

func parseReport(data []byte) (*command.Report, error) {
	var j keeperJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Report: %w", err)
	}
	commandID, keeper, err := j.ids()
	if err != nil {
		return nil, err
	}
	return &command.Report{
		CommandID: commandID,
		Keeper:    keeper,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseRebalance(data []byte) (*command.Rebalance, error) {
	var j keeperJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Rebalance: %w", err)
	}
	commandID, keeper, err := j.ids()
	if err != nil {
		return nil, err
	}
	return &command.Rebalance{
		CommandID: commandID,
		Keeper:    keeper,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type syncTrancheShareJSON struct {
	CommandID       string `json:"command_id"`
	Keeper          string `json:"keeper"`
	TrancheShareBps int64  `json:"tranche_share_bps"`
	Sequence        int64  `json:"sequence"`
	TimestampUs     int64  `json:"timestamp_us"`
}

func parseSyncTrancheShare(data []byte) (*command.SyncTrancheShare, error) {
	var j syncTrancheShareJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SyncTrancheShare: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	keeper, err := uuid.Parse(j.Keeper)
	if err != nil {
		return nil, fmt.Errorf("parse keeper: %w", err)
	}
	return &command.SyncTrancheShare{
		CommandID:       commandID,
		Keeper:          keeper,
		TrancheShareBps: j.TrancheShareBps,
		Sequence:        j.Sequence,
		Timestamp:       time.UnixMicro(j.TimestampUs),
	}, nil
}

type syncParamsJSON struct {
	CommandID string `json:"command_id"`
	Keeper    string `json:"keeper"`

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

	Sequence    int64 `json:"sequence"`
	TimestampUs int64 `json:"timestamp_us"`
}

func parseSyncParams(data []byte) (*command.SyncParams, error) {
	var j syncParamsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SyncParams: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	keeper, err := uuid.Parse(j.Keeper)
	if err != nil {
		return nil, fmt.Errorf("parse keeper: %w", err)
	}
	return &command.SyncParams{
		CommandID:           commandID,
		Keeper:              keeper,
		LockDuration:        j.LockDuration,
		CooldownDuration:    j.CooldownDuration,
		WithdrawalWindow:    j.WithdrawalWindow,
		CommitmentDuration:  j.CommitmentDuration,
		MaxSubordinationBps: j.MaxSubordinationBps,
		MinBackingBps:       j.MinBackingBps,
		DeploymentRatioBps:  j.DeploymentRatioBps,
		TrancheShareBps:     j.TrancheShareBps,
		DebtCap:             j.DebtCap,
		MinDeposit:          j.MinDeposit,
		Sequence:            j.Sequence,
		Timestamp:           time.UnixMicro(j.TimestampUs),
	}, nil
}

type setWhitelistJSON struct {
	CommandID   string `json:"command_id"`
	Governor    string `json:"governor"`
	Depositor   string `json:"depositor"`
	Allowed     bool   `json:"allowed"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSetWhitelist(data []byte) (*command.SetWhitelist, error) {
	var j setWhitelistJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetWhitelist: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	governor, err := uuid.Parse(j.Governor)
	if err != nil {
		return nil, fmt.Errorf("parse governor: %w", err)
	}
	depositor, err := uuid.Parse(j.Depositor)
	if err != nil {
		return nil, fmt.Errorf("parse depositor: %w", err)
	}
	return &command.SetWhitelist{
		CommandID: commandID,
		Governor:  governor,
		Depositor: depositor,
		Allowed:   j.Allowed,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type setShutdownJSON struct {
	CommandID   string `json:"command_id"`
	Governor    string `json:"governor"`
	Active      bool   `json:"active"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSetShutdown(data []byte) (*command.SetShutdown, error) {
	var j setShutdownJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetShutdown: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	governor, err := uuid.Parse(j.Governor)
	if err != nil {
		return nil, fmt.Errorf("parse governor: %w", err)
	}
	return &command.SetShutdown{
		CommandID: commandID,
		Governor:  governor,
		Active:    j.Active,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type marketValuationJSON struct {
	CommandID         string `json:"command_id"`
	Keeper            string `json:"keeper"`
	SuppliedValue     int64  `json:"supplied_value"`
	Debt              int64  `json:"debt"`
	TotalSupplyAssets int64  `json:"total_supply_assets"`
	Liquidity         int64  `json:"liquidity"`
	FeedSequence      int64  `json:"feed_sequence"`
	TimestampUs       int64  `json:"timestamp_us"`
}

func parseMarketValuation(data []byte) (*command.MarketValuation, error) {
	var j marketValuationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarketValuation: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	keeper, err := uuid.Parse(j.Keeper)
	if err != nil {
		return nil, fmt.Errorf("parse keeper: %w", err)
	}
	return &command.MarketValuation{
		CommandID:         commandID,
		Keeper:            keeper,
		SuppliedValue:     j.SuppliedValue,
		Debt:              j.Debt,
		TotalSupplyAssets: j.TotalSupplyAssets,
		Liquidity:         j.Liquidity,
		FeedSequence:      j.FeedSequence,
		Timestamp:         time.UnixMicro(j.TimestampUs),
	}, nil
}

type applyExternalLossJSON struct {
	CommandID   string `json:"command_id"`
	Keeper      string `json:"keeper"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseApplyExternalLoss(data []byte) (*command.ApplyExternalLoss, error) {
	var j applyExternalLossJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ApplyExternalLoss: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	keeper, err := uuid.Parse(j.Keeper)
	if err != nil {
		return nil, fmt.Errorf("parse keeper: %w", err)
	}
	return &command.ApplyExternalLoss{
		CommandID: commandID,
		Keeper:    keeper,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}
