package query

import (
	"UnderwriteLedger/internal/failure"
	"UnderwriteLedger/internal/ledger"
	"UnderwriteLedger/internal/math"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// QueryService provides read-only access to projection tables and the
// journal. Every response carries as_of_sequence, the projection watermark,
// so callers can tell how fresh it is.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetPool returns pool capital as last projected.
func (qs *QueryService) GetPool(ctx context.Context) (*PoolResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var total, used, free int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT total_capital, used_liquidity, free_liquidity
		FROM projections.pool WHERE id = 'main'
	`).Scan(&total, &used, &free)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	resp := &PoolResponse{
		TotalCapital:  math.Amount(total),
		UsedLiquidity: math.Amount(used),
		FreeLiquidity: math.Amount(free),
		AsOfSequence:  asOfSeq,
	}
	if total > 0 {
		resp.Utilization = float64(used) / float64(total)
	}
	return resp, nil
}

// GetAccountBalance returns one ledger account's projected balance. An
// account no journal has touched yet has balance zero.
func (qs *QueryService) GetAccountBalance(ctx context.Context, accountPath string) (*BalanceResponse, error) {
	if _, err := ledger.ParseAccountPath(accountPath); err != nil {
		return nil, fmt.Errorf("%w: %v", failure.ErrInvalidArgument, err)
	}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &BalanceResponse{AccountPath: accountPath, AsOfSequence: asOfSeq}
	var balance int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT balance, last_sequence FROM projections.balances
		WHERE account_path = $1
	`, accountPath).Scan(&balance, &resp.LastSequence)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	resp.Balance = math.Amount(balance)
	return resp, nil
}

// ListQuotes returns quotes in index order, starting after afterIndex.
func (qs *QueryService) ListQuotes(ctx context.Context, limit int, afterIndex *int64) ([]QuoteResponse, error) {
	query := `
		SELECT quote_index, product_type, coverage_amount, monthly_premium, created_at
		FROM projections.quotes
	`
	args := []interface{}{}
	argIdx := 1

	if afterIndex != nil {
		query += fmt.Sprintf(" WHERE quote_index > $%d", argIdx)
		args = append(args, *afterIndex)
		argIdx++
	}

	query += " ORDER BY quote_index ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var quotes []QuoteResponse
	for rows.Next() {
		var q QuoteResponse
		var coverage, premium int64
		if err := rows.Scan(&q.Index, &q.ProductType, &coverage, &premium, &q.CreatedAt); err != nil {
			return nil, err
		}
		q.CoverageAmount = math.Amount(coverage)
		q.MonthlyPremium = math.Amount(premium)
		quotes = append(quotes, q)
	}

	return quotes, rows.Err()
}

const policyColumns = `
	policy_index, quote_index, owner, product_type, coverage_amount, monthly_premium,
	paid_until, status, paid_out, created_at, closed_at, last_sequence`

// GetPolicy returns one policy. An index the projection has not seen is
// ErrIndexOutOfRange.
func (qs *QueryService) GetPolicy(ctx context.Context, index int64) (*PolicyResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	row := qs.db.QueryRowContext(ctx, `SELECT `+policyColumns+`
		FROM projections.policies WHERE policy_index = $1`, index)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: policy %d", failure.ErrIndexOutOfRange, index)
	}
	if err != nil {
		return nil, err
	}
	p.AsOfSequence = asOfSeq
	return p, nil
}

// ListPoliciesByOwner returns an owner's policies in index order with
// cursor-based pagination. status filters when non-empty.
func (qs *QueryService) ListPoliciesByOwner(
	ctx context.Context,
	owner string,
	status string,
	limit int,
	afterIndex *int64,
) ([]PolicyResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + policyColumns + `
		FROM projections.policies
		WHERE owner = $1
	`
	args := []interface{}{owner}
	argIdx := 2

	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, status)
		argIdx++
	}

	if afterIndex != nil {
		query += fmt.Sprintf(" AND policy_index > $%d", argIdx)
		args = append(args, *afterIndex)
		argIdx++
	}

	query += " ORDER BY policy_index ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []PolicyResponse
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		p.AsOfSequence = asOfSeq
		policies = append(policies, *p)
	}

	return policies, rows.Err()
}

// GetJournalHistory returns the journal entries touching one account,
// newest first, paging backwards from beforeSequence.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	accountPath string,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	if _, err := ledger.ParseAccountPath(accountPath); err != nil {
		return nil, fmt.Errorf("%w: %v", failure.ErrInvalidArgument, err)
	}

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []interface{}{accountPath}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var amount int64
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Amount = math.Amount(amount)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and the
// balance invariants in the projection.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := qs.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log.events`).Scan(&report.CheckedEvents); err != nil {
		return nil, err
	}

	// A break is a prev_hash that does not match the predecessor's
	// state_hash, or a missing predecessor.
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > (SELECT MIN(sequence) FROM event_log.events)
		  AND (e2.sequence IS NULL OR e1.prev_hash != e2.state_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance), 0) FROM projections.balances
	`).Scan(&report.Imbalance); err != nil {
		return nil, err
	}

	negRows, err := qs.db.QueryContext(ctx, `
		SELECT account_path FROM projections.balances
		WHERE balance < 0 AND account_path NOT LIKE 'external:%'
		ORDER BY account_path
	`)
	if err != nil {
		return nil, err
	}
	defer negRows.Close()

	for negRows.Next() {
		var path string
		if err := negRows.Scan(&path); err != nil {
			return nil, err
		}
		report.NegativeAccounts = append(report.NegativeAccounts, path)
	}
	if err := negRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		report.Imbalance == 0 &&
		len(report.NegativeAccounts) == 0
	return report, nil
}

// --- helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanPolicy(s scanner) (*PolicyResponse, error) {
	var p PolicyResponse
	var coverage, premium, paidOut int64
	var closedAt sql.NullTime
	if err := s.Scan(
		&p.Index, &p.QuoteIndex, &p.Owner, &p.ProductType, &coverage, &premium,
		&p.PaidUntil, &p.Status, &paidOut, &p.CreatedAt, &closedAt, &p.LastSequence,
	); err != nil {
		return nil, err
	}
	p.CoverageAmount = math.Amount(coverage)
	p.MonthlyPremium = math.Amount(premium)
	p.PaidOut = math.Amount(paidOut)
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		p.ClosedAt = &t
	}
	p.PaidUntil = p.PaidUntil.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// Lag is how long ago the projection watermark moved.
func (qs *QueryService) Lag(ctx context.Context) (time.Duration, error) {
	var updated time.Time
	err := qs.db.QueryRowContext(ctx, `
		SELECT updated_at FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return time.Since(updated), nil
}
