package ingestion

import (
	"UnderwriteLedger/internal/core"
	"UnderwriteLedger/internal/math"
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher is the slice of jetstream.JetStream the transferer needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSTransferer hands value movements to the settlement side by publishing a
// transfer instruction on uw.transfers.{kind}. The JetStream ack is the
// success signal; the message id is the command id, so a redelivered command
// publishes the same instruction at most once inside the duplicate window.
type NATSTransferer struct {
	js Publisher
}

func NewNATSTransferer(js Publisher) *NATSTransferer {
	return &NATSTransferer{js: js}
}

type transferInstruction struct {
	Ref         string      `json:"ref"`
	Kind        string      `json:"kind"`
	To          string      `json:"to"`
	Amount      math.Amount `json:"amount"`
	PolicyIndex *int64      `json:"policy_index,omitempty"`
}

// TransferSubject is the subject a transfer of the given kind is published on.
func TransferSubject(kind core.TransferKind) string {
	return fmt.Sprintf("%s.%s", transferSubjectRoot, kind)
}

func (t *NATSTransferer) Transfer(ctx context.Context, req core.TransferRequest) error {
	data, err := json.Marshal(transferInstruction{
		Ref:         req.Ref,
		Kind:        string(req.Kind),
		To:          string(req.To),
		Amount:      math.Amount(req.Amount),
		PolicyIndex: req.PolicyIndex,
	})
	if err != nil {
		return fmt.Errorf("marshal transfer: %w", err)
	}

	ack, err := t.js.Publish(ctx, TransferSubject(req.Kind), data, jetstream.WithMsgID(req.Ref))
	if err != nil {
		return fmt.Errorf("publish transfer %s: %w", req.Ref, err)
	}
	if ack == nil {
		return fmt.Errorf("publish transfer %s: no ack", req.Ref)
	}
	return nil
}
