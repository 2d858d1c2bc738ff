package ingestion

import (
	"UnderwriteLedger/internal/core"
	"UnderwriteLedger/internal/observability"
	"UnderwriteLedger/internal/state"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes applied commands to NATS for downstream
// consumers. Subjects follow uw.ledger.events.{command_type}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// PublishableEvent is an applied command ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	CommandType    string          `json:"command_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Caller         string          `json:"caller"`
	PolicyIndex    *int64          `json:"policy_index,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Pool           state.PoolStats `json:"pool"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`

	subject string
}

// NewPublishableEvent builds the outbound form of a core output.
func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	return PublishableEvent{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Caller:         string(env.Caller),
		PolicyIndex:    env.PolicyIndex,
		Payload:        json.RawMessage(env.Payload),
		Pool:           out.Pool,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
		subject:        fmt.Sprintf("%s.%s", eventSubjectRoot, SubjectToken(env.CommandType)),
	}
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent, metrics *observability.Metrics, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can read the event log directly.
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
				op.log.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := evt.subject
	if subject == "" {
		subject = eventSubjectRoot + ".unknown"
	}

	_, err = op.js.Publish(ctx, subject, data, jetstream.WithMsgID(fmt.Sprintf("seq-%d", evt.Sequence)))
	return err
}
