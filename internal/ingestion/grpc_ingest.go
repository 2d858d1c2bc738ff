package ingestion

import (
	"UnderwriteLedger/internal/core"
	"UnderwriteLedger/internal/event"
	"UnderwriteLedger/internal/failure"
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Executor applies one command. *core.UnderwritingCore satisfies it.
type Executor interface {
	Execute(ctx context.Context, cmd event.Command) (core.Result, error)
}

// CommandService submits commands on behalf of an authenticated caller.
// It backs the gRPC and HTTP surfaces; NATS producers go through
// ParseCommand and the ingestion loop instead.
type CommandService struct {
	exec  Executor
	newID func() uuid.UUID
}

func NewCommandService(exec Executor) *CommandService {
	return &CommandService{exec: exec, newID: uuid.New}
}

// Submit stamps req with the caller's identity, assigns a command id when the
// client sent none, and executes it. A client that wants safe retries must
// send its own command_id.
func (s *CommandService) Submit(ctx context.Context, caller event.Identity, req Request) (core.Result, error) {
	if req == nil {
		return core.Result{}, fmt.Errorf("request is required: %w", failure.ErrInvalidArgument)
	}

	h := req.Header()
	if !caller.IsZero() {
		h.Caller = string(caller.Normalize())
	}
	if h.CommandID == "" {
		h.CommandID = s.newID().String()
	}

	cmd, err := req.ToCommand()
	if err != nil {
		return core.Result{}, err
	}
	return s.exec.Execute(ctx, cmd)
}
