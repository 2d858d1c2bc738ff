package projection

import (
	"UnderwriteLedger/internal/core"
	"UnderwriteLedger/internal/event"
	"UnderwriteLedger/internal/observability"
	"UnderwriteLedger/internal/testutil"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const unit = int64(100_000_000)

func seededCore(t *testing.T) (*core.UnderwritingCore, []core.CoreOutput) {
	t.Helper()
	out := make(chan core.CoreOutput, 8)
	cfg := core.DefaultConfig()
	cfg.Operator = "operator"
	c, err := core.NewUnderwritingCore(cfg, core.Options{
		Clock:          testutil.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		Transferer:     testutil.NewRecordingTransferer(),
		ProjectionChan: out,
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, cmd := range []event.Command{
		&event.DepositLiquidity{CommandID: uuid.New(), Caller: "provider", Payment: 3 * unit},
		&event.CreateQuote{CommandID: uuid.New(), Caller: "operator", ProductType: "travel", CoverageAmount: unit, MonthlyPremium: unit / 20},
		&event.CreatePolicy{CommandID: uuid.New(), Caller: "bob", QuoteIndex: 0, Payment: unit / 20},
	} {
		_, err := c.Execute(ctx, cmd)
		require.NoError(t, err)
	}
	close(out)

	var outs []core.CoreOutput
	for o := range out {
		outs = append(outs, o)
	}
	require.Len(t, outs, 3)
	return c, outs
}

func TestFromCoreOutput(t *testing.T) {
	_, outs := seededCore(t)

	quote := FromCoreOutput(outs[1])
	require.Equal(t, "CreateQuote", quote.CommandType)
	require.NotNil(t, quote.Quote)
	require.Nil(t, quote.Policy)
	require.Empty(t, quote.JournalEntries)

	policy := FromCoreOutput(outs[2])
	require.NotNil(t, policy.Policy)
	require.Equal(t, event.Identity("bob"), policy.Policy.Owner)
	require.Len(t, policy.JournalEntries, 2)
	require.Equal(t, unit, policy.Pool.UsedLiquidity)
}

func TestProjectionWorker_AppliesOutput(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, outs := seededCore(t)
	po := FromCoreOutput(outs[2])

	mock.ExpectBegin()
	for range po.JournalEntries {
		mock.ExpectExec("INSERT INTO projections.balances").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO projections.balances").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec("INSERT INTO projections.policies").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO projections.pool").
		WithArgs(po.Pool.TotalCapital, po.Pool.UsedLiquidity, po.Pool.FreeLiquidity, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO projections.watermark").
		WithArgs("main", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	in := make(chan ProjectionOutput, 1)
	in <- po
	close(in)

	pw := NewProjectionWorker(db, in, observability.NewMetricsWith(prometheus.NewRegistry()), zerolog.Nop())
	require.NoError(t, pw.Run(context.Background()))
	require.Equal(t, int64(3), pw.LastSequence())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectionWorker_FailureDoesNotStopLoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin().WillReturnError(errors.New("db down"))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO projections.pool").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO projections.watermark").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	in := make(chan ProjectionOutput, 2)
	in <- ProjectionOutput{Sequence: 7, CommandType: "ClosePolicy"}
	in <- ProjectionOutput{Sequence: 8, CommandType: "ClosePolicy"}
	close(in)

	pw := NewProjectionWorker(db, in, nil, zerolog.Nop())
	require.NoError(t, pw.Run(context.Background()))
	require.Equal(t, int64(8), pw.LastSequence())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRebuildProjections(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c, _ := seededCore(t)

	mock.ExpectBegin()
	mock.ExpectExec("TRUNCATE projections.balances").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("TRUNCATE projections.quotes").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("TRUNCATE projections.policies").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("TRUNCATE projections.pool").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM projections.watermark").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO projections.balances").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO projections.quotes").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO projections.policies").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO projections.pool").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO projections.watermark").WithArgs("main", int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, RebuildProjections(context.Background(), db, c, zerolog.Nop()))
	require.NoError(t, mock.ExpectationsWereMet())
}
