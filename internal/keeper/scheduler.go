package keeper

import (
	"context"
	"fmt"
	"time"

	"TrancheVault/internal/command"
	"TrancheVault/internal/config"
	"TrancheVault/internal/vault"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// ParamsSource yields the current governed parameter set each sync tick.
// The default implementation re-reads the config file so parameter changes
// land without a restart.
type ParamsSource func() (vault.Params, error)

// ValuationSource yields the latest credit-market valuation, or ok=false
// when no fresh reading is available.
type ValuationSource func(ctx context.Context) (v Valuation, ok bool, err error)

// Valuation is one credit-market feed reading.
type Valuation struct {
	SuppliedValue     int64
	Debt              int64
	TotalSupplyAssets int64
	Liquidity         int64
	FeedSequence      int64
}

// Scheduler submits the keeper's periodic commands: Report settles profit
// and loss, Rebalance retargets the deployment ratio, and the sync job
// pushes parameters and market valuations into the core. Commands flow
// through the same channel as every other ingestion surface, so the core
// stays the single writer.
type Scheduler struct {
	cron        *cron.Cron
	cfg         config.KeeperConfig
	keeperID    uuid.UUID
	commandChan chan<- command.Command

	params    ParamsSource
	valuation ValuationSource
}

func NewScheduler(
	cfg config.KeeperConfig,
	keeperID uuid.UUID,
	commandChan chan<- command.Command,
	params ParamsSource,
	valuation ValuationSource,
) *Scheduler {
	return &Scheduler{
		cron:        cron.New(),
		cfg:         cfg,
		keeperID:    keeperID,
		commandChan: commandChan,
		params:      params,
		valuation:   valuation,
	}
}

// Start registers the cron jobs and begins the schedule. An empty schedule
// disables its job.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.keeperID == uuid.Nil {
		log.Warn().Msg("keeper identity not configured, scheduler disabled")
		return nil
	}

	jobs := []struct {
		name     string
		schedule string
		run      func(context.Context)
	}{
		{"report", s.cfg.ReportSchedule, s.submitReport},
		{"rebalance", s.cfg.RebalanceSchedule, s.submitRebalance},
		{"sync", s.cfg.SyncSchedule, s.submitSync},
	}

	for _, job := range jobs {
		if job.schedule == "" {
			continue
		}
		run := job.run
		if _, err := s.cron.AddFunc(job.schedule, func() { run(ctx) }); err != nil {
			return fmt.Errorf("schedule %s job (%q): %w", job.name, job.schedule, err)
		}
		log.Info().Str("job", job.name).Str("schedule", job.schedule).Msg("keeper job scheduled")
	}

	s.cron.Start()

	go func() {
		<-ctx.Done()
		s.cron.Stop()
		log.Info().Msg("keeper scheduler stopped")
	}()

	return nil
}

func (s *Scheduler) submitReport(ctx context.Context) {
	now := time.Now()
	s.send(ctx, &command.Report{
		CommandID: uuid.New(),
		Keeper:    s.keeperID,
		Sequence:  now.UnixMicro(),
		Timestamp: now,
	})
}

func (s *Scheduler) submitRebalance(ctx context.Context) {
	now := time.Now()
	s.send(ctx, &command.Rebalance{
		CommandID: uuid.New(),
		Keeper:    s.keeperID,
		Sequence:  now.UnixMicro(),
		Timestamp: now,
	})
}

// submitSync refreshes the core's cached parameters and, when a fresh
// market reading exists, its valuation mirror.
func (s *Scheduler) submitSync(ctx context.Context) {
	now := time.Now()

	if s.params != nil {
		p, err := s.params()
		if err != nil {
			log.Warn().Err(err).Msg("keeper params read failed, sync skipped")
		} else {
			s.send(ctx, &command.SyncParams{
				CommandID:           uuid.New(),
				Keeper:              s.keeperID,
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
				Sequence:            now.UnixMicro(),
				Timestamp:           now,
			})
		}
	}

	if s.valuation != nil {
		v, ok, err := s.valuation(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("keeper valuation read failed")
		} else if ok {
			s.send(ctx, &command.MarketValuation{
				CommandID:         uuid.New(),
				Keeper:            s.keeperID,
				SuppliedValue:     v.SuppliedValue,
				Debt:              v.Debt,
				TotalSupplyAssets: v.TotalSupplyAssets,
				Liquidity:         v.Liquidity,
				FeedSequence:      v.FeedSequence,
				Timestamp:         now,
			})
		}
	}
}

func (s *Scheduler) send(ctx context.Context, cmd command.Command) {
	select {
	case s.commandChan <- cmd:
	case <-ctx.Done():
		log.Warn().Str("command", cmd.CommandType().String()).Msg("keeper command dropped on shutdown")
	}
}
