package ingestion

import (
	"UnderwriteLedger/internal/event"
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream       = "UW_COMMANDS"
	LedgerEventStream   = "UW_LEDGER_EVENTS"
	TransferStream      = "UW_TRANSFERS"
	commandSubjectRoot  = "uw.commands"
	eventSubjectRoot    = "uw.ledger.events"
	transferSubjectRoot = "uw.transfers"
)

var subjectTokens = map[event.CommandType]string{
	event.CommandTypeDepositLiquidity: "deposit_liquidity",
	event.CommandTypeRemoveLiquidity:  "remove_liquidity",
	event.CommandTypeCreateQuote:      "create_quote",
	event.CommandTypeCreatePolicy:     "create_policy",
	event.CommandTypePayPremium:       "pay_premium",
	event.CommandTypePayout:           "payout",
	event.CommandTypeClosePolicy:      "close_policy",
}

// SubjectToken is the subject segment for a command type ("create_policy").
func SubjectToken(ct event.CommandType) string {
	if tok, ok := subjectTokens[ct]; ok {
		return tok
	}
	return "unknown"
}

// CommandSubject is where producers publish a command. Producers may append
// further tokens (a caller id, a tenant) below it.
func CommandSubject(ct event.CommandType) string {
	return commandSubjectRoot + "." + SubjectToken(ct)
}

// NATSSubscriber subscribes to the command subjects and feeds raw commands
// into the ingestion loop.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumers   []jetstream.ConsumeContext
	log         zerolog.Logger
}

// RawCommand is a command payload as received, before parsing.
type RawCommand struct {
	Subject     string
	CommandType string
	Data        []byte
	Received    time.Time
	AckFunc     func() // processed, or rejected for good
	NakFunc     func() // redeliver later
	TermFunc    func() // never redeliver (unparseable)
}

// SubjectConfig maps a command subject to its command type.
type SubjectConfig struct {
	Subjects     []string
	CommandType  event.CommandType
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one durable consumer per command type.
func DefaultSubjects() []SubjectConfig {
	configs := make([]SubjectConfig, 0, len(subjectTokens))
	for _, ct := range event.AllCommandTypes() {
		base := CommandSubject(ct)
		configs = append(configs, SubjectConfig{
			Subjects:     []string{base, base + ".>"},
			CommandType:  ct,
			ConsumerName: "underwriter-" + SubjectToken(ct),
			StreamName:   CommandStream,
		})
	}
	return configs
}

func NewNATSSubscriber(js jetstream.JetStream, commandChan chan<- RawCommand, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		commandChan: commandChan,
		log:         log,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:        cfg.ConsumerName,
			FilterSubjects: cfg.Subjects,
			AckPolicy:      jetstream.AckExplicitPolicy,
			AckWait:        30 * time.Second,
			MaxDeliver:     5,
			DeliverPolicy:  jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		commandType := cfg.CommandType.String()
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:     msg.Subject(),
				CommandType: commandType,
				Data:        msg.Data(),
				Received:    time.Now(),
				AckFunc:     func() { _ = msg.Ack() },
				NakFunc:     func() { _ = msg.Nak() },
				TermFunc:    func() { _ = msg.Term() },
			}

			select {
			case ns.commandChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().
			Strs("subjects", cfg.Subjects).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// EnsureStreams creates the command, ledger event and transfer streams.
// Streams use FileStorage, retention=Limits, max_age=72h. The transfer
// stream deduplicates on Nats-Msg-Id so a retried transfer is published once.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{commandSubjectRoot + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      LedgerEventStream,
			Subjects:  []string{eventSubjectRoot + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:       TransferStream,
			Subjects:   []string{transferSubjectRoot + ".>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.WorkQueuePolicy,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
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

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("underwriter"),
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
