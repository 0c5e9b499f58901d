package ingestion

import (
	"encoding/json"
	"fmt"

	"TrancheVault/internal/command"
)

// DecodeStoredCommand rebuilds a typed command from a command-log row. Log
// payloads are the marshaled typed structs, not the NATS wire format, so
// replay decodes them directly instead of going through ParseRawCommand.
func DecodeStoredCommand(commandType string, payload []byte) (command.Command, error) {
	var cmd command.Command
	switch commandType {
	case "Deposit":
		cmd = &command.Deposit{}
	case "MintShares":
		cmd = &command.MintShares{}
	case "Withdraw":
		cmd = &command.Withdraw{}
	case "Redeem":
		cmd = &command.Redeem{}
	case "Transfer":
		cmd = &command.Transfer{}
	case "StartCooldown":
		cmd = &command.StartCooldown{}
	case "CancelCooldown":
		cmd = &command.CancelCooldown{}
	case "Report":
		cmd = &command.Report{}
	case "Rebalance":
		cmd = &command.Rebalance{}
	case "SyncTrancheShare":
		cmd = &command.SyncTrancheShare{}
	case "SyncParams":
		cmd = &command.SyncParams{}
	case "SetWhitelist":
		cmd = &command.SetWhitelist{}
	case "SetShutdown":
		cmd = &command.SetShutdown{}
	case "MarketValuation":
		cmd = &command.MarketValuation{}
	case "ApplyExternalLoss":
		cmd = &command.ApplyExternalLoss{}
	default:
		return nil, fmt.Errorf("unknown stored command type: %s", commandType)
	}

	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode stored %s: %w", commandType, err)
	}
	return cmd, nil
}
