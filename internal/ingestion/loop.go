package ingestion

import (
	"UnderwriteLedger/internal/failure"
	"UnderwriteLedger/internal/observability"
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// RunCommandLoop parses raw commands and executes them in arrival order.
//
// A message is acked once the core has decided on it: applied, duplicate, or
// rejected by a business rule. A failed transfer or an unexpected error naks
// it for redelivery; nothing was committed, so the retry is safe. Payloads
// that do not parse are terminated.
func RunCommandLoop(ctx context.Context, in <-chan RawCommand, exec Executor, metrics *observability.Metrics, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-in:
			if !ok {
				return
			}
			handleRaw(ctx, raw, exec, metrics, log)
		}
	}
}

func handleRaw(ctx context.Context, raw RawCommand, exec Executor, metrics *observability.Metrics, log zerolog.Logger) {
	cmd, err := ParseCommand(raw.CommandType, raw.Data)
	if err != nil {
		log.Warn().Err(err).Str("subject", raw.Subject).Msg("unparseable command, terminating")
		callIf(raw.TermFunc)
		return
	}

	res, err := exec.Execute(ctx, cmd)
	if metrics != nil && !raw.Received.IsZero() {
		metrics.IngestToApply.WithLabelValues(raw.CommandType).Observe(time.Since(raw.Received).Seconds())
	}

	switch {
	case err == nil:
		log.Debug().
			Int64("sequence", res.Sequence).
			Str("command_type", raw.CommandType).
			Bool("duplicate", res.Duplicate).
			Msg("command ingested")
		callIf(raw.AckFunc)

	case errors.Is(err, failure.ErrTransferFailed) || !failure.IsDomain(err):
		log.Warn().Err(err).
			Str("command_type", raw.CommandType).
			Str("command_id", cmd.IdempotencyKey()).
			Msg("command failed, requesting redelivery")
		callIf(raw.NakFunc)

	default:
		log.Info().
			Str("command_type", raw.CommandType).
			Str("command_id", cmd.IdempotencyKey()).
			Str("reason", failure.Reason(err)).
			Msg("command rejected")
		callIf(raw.AckFunc)
	}
}

func callIf(f func()) {
	if f != nil {
		f()
	}
}
