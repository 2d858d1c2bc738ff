package projection

import (
	"UnderwriteLedger/internal/core"
	"UnderwriteLedger/internal/observability"
	"UnderwriteLedger/internal/state"
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const watermarkID = "main"

// ProjectionOutput is the part of a core output the read model needs.
type ProjectionOutput struct {
	Sequence       int64
	CommandType    string
	JournalEntries []JournalEntry
	Pool           state.PoolStats
	Quote          *state.Quote
	Policy         *state.Policy
}

// JournalEntry is a simplified journal for projection consumption.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	Amount        int64
}

// FromCoreOutput converts a core output for the projection channel.
func FromCoreOutput(out core.CoreOutput) ProjectionOutput {
	po := ProjectionOutput{
		Sequence:    out.Envelope.Sequence,
		CommandType: out.Envelope.CommandType.String(),
		Pool:        out.Pool,
		Quote:       out.Quote,
		Policy:      out.Policy,
	}
	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			po.JournalEntries = append(po.JournalEntries, JournalEntry{
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Amount:        j.Amount,
			})
		}
	}
	return po
}

// ProjectionWorker updates projection tables from applied commands.
// The projection channel is non-blocking with drop; a projection that fell
// behind is rebuilt with RebuildProjections.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   atomic.Int64
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics, log zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
	}
}

// LastSequence is the sequence of the last output the worker handled.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq.Load()
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent and can be rebuilt
				// from the event log.
				pw.log.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
			}

			pw.lastSeq.Store(output.Sequence)
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range output.JournalEntries {
		if err := updateBalanceProjection(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	if output.Quote != nil {
		if err := upsertQuote(ctx, tx, *output.Quote, output.Sequence); err != nil {
			return fmt.Errorf("quote projection: %w", err)
		}
	}

	if output.Policy != nil {
		if err := upsertPolicy(ctx, tx, *output.Policy, output.Sequence); err != nil {
			return fmt.Errorf("policy projection: %w", err)
		}
	}

	if err := upsertPool(ctx, tx, output.Pool, output.Sequence); err != nil {
		return fmt.Errorf("pool projection: %w", err)
	}

	if err := setWatermark(ctx, tx, output.Sequence); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(output.CommandType).Observe(time.Since(start).Seconds())
	}
	return nil
}

// updateBalanceProjection applies one journal: the debit account grows, the
// credit account shrinks.
func updateBalanceProjection(ctx context.Context, ex execer, j JournalEntry, sequence int64) error {
	if _, err := ex.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $2, last_sequence = $3, updated_at = NOW()
	`, j.DebitAccount, j.Amount, sequence); err != nil {
		return err
	}

	if _, err := ex.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, -$2::BIGINT, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance - $2, last_sequence = $3, updated_at = NOW()
	`, j.CreditAccount, j.Amount, sequence); err != nil {
		return err
	}

	return nil
}

func upsertQuote(ctx context.Context, ex execer, q state.Quote, sequence int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.quotes
			(quote_index, product_type, coverage_amount, monthly_premium, created_at, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (quote_index) DO NOTHING
	`, q.Index, q.ProductType, q.CoverageAmount, q.MonthlyPremium, q.CreatedAt, sequence)
	return err
}

func upsertPolicy(ctx context.Context, ex execer, p state.Policy, sequence int64) error {
	var closedAt any
	if !p.ClosedAt.IsZero() {
		closedAt = p.ClosedAt
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.policies
			(policy_index, quote_index, owner, product_type, coverage_amount, monthly_premium,
			 paid_until, status, paid_out, created_at, closed_at, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (policy_index) DO UPDATE SET
			paid_until = EXCLUDED.paid_until,
			status = EXCLUDED.status,
			paid_out = EXCLUDED.paid_out,
			closed_at = EXCLUDED.closed_at,
			last_sequence = EXCLUDED.last_sequence
	`, p.Index, p.QuoteIndex, string(p.Owner), p.ProductType, p.CoverageAmount, p.MonthlyPremium,
		p.PaidUntil, p.Status.String(), p.PaidOut, p.CreatedAt, closedAt, sequence)
	return err
}

func upsertPool(ctx context.Context, ex execer, pool state.PoolStats, sequence int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.pool (id, total_capital, used_liquidity, free_liquidity, last_sequence, updated_at)
		VALUES ('main', $1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			total_capital = $1, used_liquidity = $2, free_liquidity = $3, last_sequence = $4, updated_at = NOW()
	`, pool.TotalCapital, pool.UsedLiquidity, pool.FreeLiquidity, sequence)
	return err
}

func setWatermark(ctx context.Context, ex execer, sequence int64) error {
	if _, err := ex.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, watermarkID, sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// StateSource is the live state the quote, policy and pool tables are
// rebuilt from. *core.UnderwritingCore satisfies it.
type StateSource interface {
	GetSequence() int64
	Quotes() []state.Quote
	Policies() []state.Policy
	PoolStats() state.PoolStats
}

// RebuildProjections rebuilds every projection table. Balances come from the
// journal in the event log; quotes, policies and the pool come from src,
// which must have replayed the same log.
func RebuildProjections(ctx context.Context, db *sql.DB, src StateSource, log zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.quotes`,
		`TRUNCATE projections.policies`,
		`TRUNCATE projections.pool`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debits add, credits subtract.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		SELECT account_path, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, -amount AS delta, sequence FROM event_log.journal
		) legs
		GROUP BY account_path
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	lastSeq := src.GetSequence() - 1
	for _, q := range src.Quotes() {
		if err := upsertQuote(ctx, tx, q, lastSeq); err != nil {
			return fmt.Errorf("rebuild quote %d: %w", q.Index, err)
		}
	}
	for _, p := range src.Policies() {
		if err := upsertPolicy(ctx, tx, p, lastSeq); err != nil {
			return fmt.Errorf("rebuild policy %d: %w", p.Index, err)
		}
	}
	if err := upsertPool(ctx, tx, src.PoolStats(), lastSeq); err != nil {
		return fmt.Errorf("rebuild pool: %w", err)
	}
	if err := setWatermark(ctx, tx, lastSeq); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Info().Int64("sequence", lastSeq).Msg("projection rebuild complete")
	return nil
}
