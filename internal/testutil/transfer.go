package testutil

import (
	"UnderwriteLedger/internal/core"
	"UnderwriteLedger/internal/event"
	"context"
	"errors"
	"sync"
)

var ErrInjectedTransfer = errors.New("injected transfer failure")

// RecordingTransferer records every accepted transfer. FailNext makes the
// next n transfers fail without recording them.
type RecordingTransferer struct {
	mu        sync.Mutex
	transfers []core.TransferRequest
	failNext  int
}

func NewRecordingTransferer() *RecordingTransferer {
	return &RecordingTransferer{}
}

func (r *RecordingTransferer) Transfer(_ context.Context, req core.TransferRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext > 0 {
		r.failNext--
		return ErrInjectedTransfer
	}
	r.transfers = append(r.transfers, req)
	return nil
}

func (r *RecordingTransferer) FailNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = n
}

func (r *RecordingTransferer) Transfers() []core.TransferRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.TransferRequest, len(r.transfers))
	copy(out, r.transfers)
	return out
}

// ReceivedBy sums what one identity has been sent.
func (r *RecordingTransferer) ReceivedBy(id event.Identity) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, t := range r.transfers {
		if t.To == id {
			total += t.Amount
		}
	}
	return total
}
