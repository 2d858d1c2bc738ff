package core

import (
	"UnderwriteLedger/internal/event"
	"context"
)

// TransferKind says why value leaves the pool.
type TransferKind string

const (
	TransferKindWithdrawal TransferKind = "withdrawal"
	TransferKindPayout     TransferKind = "payout"
)

// TransferRequest moves Amount out of the pool's held balance to To.
// Ref is the command's idempotency key, so a receiver can dedupe retries.
type TransferRequest struct {
	Ref         string         `json:"ref"`
	Kind        TransferKind   `json:"kind"`
	To          event.Identity `json:"to"`
	Amount      int64          `json:"amount"`
	PolicyIndex *int64         `json:"policy_index,omitempty"`
}

// Transferer is the external currency transfer primitive. It either moves
// the full amount or returns an error having moved nothing.
type Transferer interface {
	Transfer(ctx context.Context, req TransferRequest) error
}

// NoopTransferer accepts every transfer. For local runs without a
// settlement backend.
type NoopTransferer struct{}

func (NoopTransferer) Transfer(context.Context, TransferRequest) error {
	return nil
}
