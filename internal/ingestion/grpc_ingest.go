package ingestion

import (
	"context"
	"fmt"
	"time"

	"TrancheVault/internal/command"

	"github.com/google/uuid"
)

// AdminIngestService provides manual command injection for operations work.
// This path is for admin tooling and incident recovery, not for throughput
// (use NATS for that).
type AdminIngestService struct {
	commandChan chan<- command.Command
}

func NewAdminIngestService(commandChan chan<- command.Command) *AdminIngestService {
	return &AdminIngestService{commandChan: commandChan}
}

// InjectDeposit manually injects a Deposit command.
func (s *AdminIngestService) InjectDeposit(
	ctx context.Context,
	tranche command.TrancheID,
	caller uuid.UUID,
	receiver uuid.UUID,
	amount int64,
) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}

	cmd := &command.Deposit{
		CommandID: uuid.New(),
		TrancheID: tranche,
		Caller:    caller,
		Receiver:  receiver,
		Amount:    amount,
		Sequence:  time.Now().UnixMicro(), // Admin-injected: use timestamp as sequence
		Timestamp: time.Now(),
	}

	return s.send(ctx, cmd)
}

// InjectWithdraw manually injects a Withdraw command for the caller's own
// position.
func (s *AdminIngestService) InjectWithdraw(
	ctx context.Context,
	tranche command.TrancheID,
	owner uuid.UUID,
	amount int64,
	maxLossBps int64,
) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}

	cmd := &command.Withdraw{
		CommandID:  uuid.New(),
		TrancheID:  tranche,
		Caller:     owner,
		Owner:      owner,
		Receiver:   owner,
		Amount:     amount,
		MaxLossBps: maxLossBps,
		Sequence:   time.Now().UnixMicro(),
		Timestamp:  time.Now(),
	}

	return s.send(ctx, cmd)
}

// InjectValuation manually injects a MarketValuation feed entry.
func (s *AdminIngestService) InjectValuation(
	ctx context.Context,
	keeper uuid.UUID,
	suppliedValue, debt, totalSupplyAssets, liquidity int64,
	feedSequence int64,
) error {
	if suppliedValue < 0 || liquidity < 0 {
		return fmt.Errorf("valuation fields must be non-negative")
	}

	cmd := &command.MarketValuation{
		CommandID:         uuid.New(),
		Keeper:            keeper,
		SuppliedValue:     suppliedValue,
		Debt:              debt,
		TotalSupplyAssets: totalSupplyAssets,
		Liquidity:         liquidity,
		FeedSequence:      feedSequence,
		Timestamp:         time.Now(),
	}

	return s.send(ctx, cmd)
}

// InjectReport manually triggers a settlement cycle.
func (s *AdminIngestService) InjectReport(ctx context.Context, keeper uuid.UUID) error {
	cmd := &command.Report{
		CommandID: uuid.New(),
		Keeper:    keeper,
		Sequence:  time.Now().UnixMicro(),
		Timestamp: time.Now(),
	}
	return s.send(ctx, cmd)
}

// InjectShutdown manually toggles emergency shutdown.
func (s *AdminIngestService) InjectShutdown(ctx context.Context, governor uuid.UUID, active bool) error {
	cmd := &command.SetShutdown{
		CommandID: uuid.New(),
		Governor:  governor,
		Active:    active,
		Sequence:  time.Now().UnixMicro(),
		Timestamp: time.Now(),
	}
	return s.send(ctx, cmd)
}

func (s *AdminIngestService) send(ctx context.Context, cmd command.Command) error {
	select {
	case s.commandChan <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
