package query

import (
	"UnderwriteLedger/internal/failure"
	"UnderwriteLedger/internal/math"
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

const unit = int64(100_000_000)

func newService(t *testing.T) (*QueryService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewQueryService(db), mock
}

func expectWatermark(mock sqlmock.Sqlmock, seq int64) {
	mock.ExpectQuery("FROM projections.watermark").
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}).AddRow(seq))
}

var policyCols = []string{
	"policy_index", "quote_index", "owner", "product_type", "coverage_amount", "monthly_premium",
	"paid_until", "status", "paid_out", "created_at", "closed_at", "last_sequence",
}

func TestGetPool(t *testing.T) {
	qs, mock := newService(t)
	expectWatermark(mock, 12)
	mock.ExpectQuery("FROM projections.pool").
		WillReturnRows(sqlmock.NewRows([]string{"total_capital", "used_liquidity", "free_liquidity"}).
			AddRow(4*unit, unit, 3*unit))

	pool, err := qs.GetPool(context.Background())
	require.NoError(t, err)
	require.Equal(t, math.Amount(4*unit), pool.TotalCapital)
	require.Equal(t, 0.25, pool.Utilization)
	require.Equal(t, int64(12), pool.AsOfSequence)

	raw, err := json.Marshal(pool)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"free_liquidity":"3"`)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPool_EmptyProjection(t *testing.T) {
	qs, mock := newService(t)
	mock.ExpectQuery("FROM projections.watermark").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM projections.pool").WillReturnError(sql.ErrNoRows)

	pool, err := qs.GetPool(context.Background())
	require.NoError(t, err)
	require.Zero(t, pool.TotalCapital)
	require.Zero(t, pool.Utilization)
}

func TestGetAccountBalance(t *testing.T) {
	qs, mock := newService(t)

	_, err := qs.GetAccountBalance(context.Background(), "user:alice")
	require.ErrorIs(t, err, failure.ErrInvalidArgument)

	expectWatermark(mock, 5)
	mock.ExpectQuery("FROM projections.balances").WithArgs("policy:2:collateral").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "last_sequence"}).AddRow(unit, int64(4)))

	bal, err := qs.GetAccountBalance(context.Background(), "policy:2:collateral")
	require.NoError(t, err)
	require.Equal(t, math.Amount(unit), bal.Balance)
	require.Equal(t, int64(4), bal.LastSequence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPolicy(t *testing.T) {
	qs, mock := newService(t)
	paidUntil := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	closed := paidUntil.Add(time.Hour)

	expectWatermark(mock, 9)
	mock.ExpectQuery("FROM projections.policies WHERE policy_index").WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(policyCols).
			AddRow(int64(1), int64(0), "alice", "crop", 2*unit, unit/10, paidUntil, "PaidOut", unit, paidUntil, closed, int64(8)))

	p, err := qs.GetPolicy(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "alice", p.Owner)
	require.Equal(t, "PaidOut", p.Status)
	require.Equal(t, math.Amount(unit), p.PaidOut)
	require.NotNil(t, p.ClosedAt)
	require.True(t, p.ClosedAt.Equal(closed))
	require.Equal(t, int64(9), p.AsOfSequence)

	expectWatermark(mock, 9)
	mock.ExpectQuery("FROM projections.policies WHERE policy_index").WithArgs(int64(7)).WillReturnError(sql.ErrNoRows)
	_, err = qs.GetPolicy(context.Background(), 7)
	require.ErrorIs(t, err, failure.ErrIndexOutOfRange)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPoliciesByOwner_Filters(t *testing.T) {
	qs, mock := newService(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	after := int64(3)

	expectWatermark(mock, 20)
	mock.ExpectQuery(`WHERE owner = \$1\s+AND status = \$2 AND policy_index > \$3 ORDER BY policy_index ASC LIMIT \$4`).
		WithArgs("bob", "Active", int64(3), maxLimit).
		WillReturnRows(sqlmock.NewRows(policyCols).
			AddRow(int64(4), int64(1), "bob", "travel", unit, unit/20, now, "Active", int64(0), now, nil, int64(15)).
			AddRow(int64(6), int64(1), "bob", "travel", unit, unit/20, now, "Active", int64(0), now, nil, int64(19)))

	policies, err := qs.ListPoliciesByOwner(context.Background(), "bob", "Active", 10_000, &after)
	require.NoError(t, err)
	require.Len(t, policies, 2)
	require.Nil(t, policies[0].ClosedAt)
	require.Equal(t, int64(6), policies[1].Index)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListQuotes_DefaultLimit(t *testing.T) {
	qs, mock := newService(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM projections.quotes\s+ORDER BY quote_index ASC LIMIT \$1`).
		WithArgs(defaultLimit).
		WillReturnRows(sqlmock.NewRows([]string{"quote_index", "product_type", "coverage_amount", "monthly_premium", "created_at"}).
			AddRow(int64(0), "crop", 2*unit, unit/10, now))

	quotes, err := qs.ListQuotes(context.Background(), 0, nil)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	require.Equal(t, math.Amount(unit/10), quotes[0].MonthlyPremium)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJournalHistory(t *testing.T) {
	qs, mock := newService(t)
	before := int64(30)

	mock.ExpectQuery("FROM event_log.journal").
		WithArgs("pool:free", int64(30), 2).
		WillReturnRows(sqlmock.NewRows([]string{
			"journal_id", "batch_id", "event_ref", "sequence", "debit_account", "credit_account",
			"amount", "journal_type", "timestamp",
		}).AddRow("j1", "b1", "cmd-1", int64(29), "policy:0:collateral", "pool:free", unit, "CollateralLock", int64(1)))

	entries, err := qs.GetJournalHistory(context.Background(), "pool:free", 2, &before)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "CollateralLock", entries[0].JournalType)

	_, err = qs.GetJournalHistory(context.Background(), "pool", 2, nil)
	require.ErrorIs(t, err, failure.ErrInvalidArgument)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyIntegrity(t *testing.T) {
	qs, mock := newService(t)

	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(40)))
	mock.ExpectQuery("LEFT JOIN event_log.events").WillReturnRows(sqlmock.NewRows([]string{"sequence"}))
	mock.ExpectQuery("SUM\\(balance\\)").WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(0)))
	mock.ExpectQuery("balance < 0").WillReturnRows(sqlmock.NewRows([]string{"account_path"}))

	report, err := qs.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	require.True(t, report.IsHealthy)
	require.Equal(t, int64(40), report.CheckedEvents)

	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(40)))
	mock.ExpectQuery("LEFT JOIN event_log.events").WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(17)))
	mock.ExpectQuery("SUM\\(balance\\)").WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(5)))
	mock.ExpectQuery("balance < 0").WillReturnRows(sqlmock.NewRows([]string{"account_path"}).AddRow("pool:free"))

	report, err = qs.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	require.False(t, report.IsHealthy)
	require.Equal(t, []int64{17}, report.HashChainBreaks)
	require.Equal(t, int64(5), report.Imbalance)
	require.Equal(t, []string{"pool:free"}, report.NegativeAccounts)
	require.NoError(t, mock.ExpectationsWereMet())
}
