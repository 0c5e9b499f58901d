package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds commands
// into the core via the commandChan. JetStream is the primary
// high-throughput ingestion surface; each subject maps to a command type.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumers   []jetstream.ConsumeContext
}

// RawCommand is the parsed-but-untyped message from NATS, ready for the
// shell to validate and convert into a typed command.Command before sending
// to the core.
type RawCommand struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to command types.
type SubjectConfig struct {
	Subject      string
	CommandType  string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration. User-facing
// flows, keeper flows, and governance each get their own subject so they
// can scale and be secured independently.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "vault.deposits.>", CommandType: "Deposit", ConsumerName: "vault-deposits", StreamName: "VAULT_DEPOSITS"},
		{Subject: "vault.mints.>", CommandType: "MintShares", ConsumerName: "vault-mints", StreamName: "VAULT_DEPOSITS"},
		{Subject: "vault.withdrawals.>", CommandType: "Withdraw", ConsumerName: "vault-withdrawals", StreamName: "VAULT_WITHDRAWALS"},
		{Subject: "vault.redemptions.>", CommandType: "Redeem", ConsumerName: "vault-redemptions", StreamName: "VAULT_WITHDRAWALS"},
		{Subject: "vault.transfers.>", CommandType: "Transfer", ConsumerName: "vault-transfers", StreamName: "VAULT_TRANSFERS"},
		{Subject: "vault.cooldown.start.>", CommandType: "StartCooldown", ConsumerName: "vault-cooldown-start", StreamName: "VAULT_COOLDOWN"},
		{Subject: "vault.cooldown.cancel.>", CommandType: "CancelCooldown", ConsumerName: "vault-cooldown-cancel", StreamName: "VAULT_COOLDOWN"},
		{Subject: "vault.keeper.report.>", CommandType: "Report", ConsumerName: "vault-keeper-report", StreamName: "VAULT_KEEPER"},
		{Subject: "vault.keeper.rebalance.>", CommandType: "Rebalance", ConsumerName: "vault-keeper-rebalance", StreamName: "VAULT_KEEPER"},
		{Subject: "vault.keeper.share.>", CommandType: "SyncTrancheShare", ConsumerName: "vault-keeper-share", StreamName: "VAULT_KEEPER"},
		{Subject: "vault.keeper.params.>", CommandType: "SyncParams", ConsumerName: "vault-keeper-params", StreamName: "VAULT_KEEPER"},
		{Subject: "vault.market.valuation.>", CommandType: "MarketValuation", ConsumerName: "vault-market-valuation", StreamName: "VAULT_MARKET"},
		{Subject: "vault.market.loss.>", CommandType: "ApplyExternalLoss", ConsumerName: "vault-market-loss", StreamName: "VAULT_MARKET"},
		{Subject: "vault.governance.whitelist.>", CommandType: "SetWhitelist", ConsumerName: "vault-gov-whitelist", StreamName: "VAULT_GOVERNANCE"},
		{Subject: "vault.governance.shutdown.>", CommandType: "SetShutdown", ConsumerName: "vault-gov-shutdown", StreamName: "VAULT_GOVERNANCE"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, commandChan chan<- RawCommand) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		commandChan: commandChan,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.commandChan <- raw:
				// Queued for processing
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "VAULT_DEPOSITS",
			Subjects:  []string{"vault.deposits.>", "vault.mints.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VAULT_WITHDRAWALS",
			Subjects:  []string{"vault.withdrawals.>", "vault.redemptions.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VAULT_TRANSFERS",
			Subjects:  []string{"vault.transfers.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VAULT_COOLDOWN",
			Subjects:  []string{"vault.cooldown.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VAULT_KEEPER",
			Subjects:  []string{"vault.keeper.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VAULT_MARKET",
			Subjects:  []string{"vault.market.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VAULT_GOVERNANCE",
			Subjects:  []string{"vault.governance.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
