package persistence

import (
	"UnderwriteLedger/internal/core"
	"UnderwriteLedger/internal/event"
	"UnderwriteLedger/internal/observability"
	"UnderwriteLedger/internal/testutil"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const unit = int64(100_000_000)

var genesis = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

// liveOutputs runs a short scenario through a real core and returns what it
// emitted on the persist channel.
func liveOutputs(t *testing.T) (*core.UnderwritingCore, []core.CoreOutput) {
	t.Helper()
	persist := make(chan core.CoreOutput, 16)
	cfg := core.DefaultConfig()
	cfg.Operator = "operator"
	c, err := core.NewUnderwritingCore(cfg, core.Options{
		Clock:       testutil.NewFakeClock(genesis),
		Transferer:  testutil.NewRecordingTransferer(),
		PersistChan: persist,
	})
	require.NoError(t, err)

	ctx := context.Background()
	cmds := []event.Command{
		&event.DepositLiquidity{CommandID: uuid.New(), Caller: "provider", Payment: 5 * unit},
		&event.CreateQuote{CommandID: uuid.New(), Caller: "operator", ProductType: "crop", CoverageAmount: 2 * unit, MonthlyPremium: unit / 10},
		&event.CreatePolicy{CommandID: uuid.New(), Caller: "alice", QuoteIndex: 0, Payment: unit / 10},
	}
	for _, cmd := range cmds {
		_, err := c.Execute(ctx, cmd)
		require.NoError(t, err)
	}
	close(persist)

	var outs []core.CoreOutput
	for o := range persist {
		outs = append(outs, o)
	}
	require.Len(t, outs, len(cmds))
	return c, outs
}

func TestRowsFromOutput(t *testing.T) {
	_, outs := liveOutputs(t)

	rows := RowsFromOutput(outs[2])
	require.Equal(t, int64(3), rows.EventRow.Sequence)
	require.Equal(t, "CreatePolicy", rows.EventRow.CommandType)
	require.Equal(t, "alice", rows.EventRow.Caller)
	require.NotNil(t, rows.EventRow.PolicyIndex)
	require.Equal(t, int64(0), *rows.EventRow.PolicyIndex)
	require.Len(t, rows.EventRow.StateHash, 32)
	require.Equal(t, outs[1].Envelope.StateHash[:], rows.EventRow.PrevHash)

	// Premium collection and collateral lock.
	require.Len(t, rows.JournalRows, 2)
	for _, j := range rows.JournalRows {
		require.Equal(t, int64(3), j.Sequence)
		require.Positive(t, j.Amount)
		require.NotEqual(t, j.DebitAccount, j.CreditAccount)
	}

	// A quote moves no money.
	require.Empty(t, RowsFromOutput(outs[1]).JournalRows)
}

func TestWriteEventBatch_SingleMultiRowInsert(t *testing.T) {
	db, mock := newMock(t)
	w := NewEventLogWriter(db)

	events := []EventRow{
		{Sequence: 1, CommandType: "DepositLiquidity", IdempotencyKey: "a", Caller: "p", Payload: []byte(`{}`), StateHash: make([]byte, 32), PrevHash: make([]byte, 32), Timestamp: genesis},
		{Sequence: 2, CommandType: "CreateQuote", IdempotencyKey: "b", Caller: "operator", Payload: []byte(`{}`), StateHash: make([]byte, 32), PrevHash: make([]byte, 32), Timestamp: genesis},
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_log.events")+".*"+
		regexp.QuoteMeta("($1, $2, $3, $4, $5, $6, $7, $8, $9), ($10, $11, $12, $13, $14, $15, $16, $17, $18)")+
		".*ON CONFLICT \\(sequence\\) DO NOTHING").
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, w.WriteEventBatch(context.Background(), nil, events))
	require.NoError(t, w.WriteEventBatch(context.Background(), nil, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistenceWorker_FlushesOnBatchSize(t *testing.T) {
	db, mock := newMock(t)
	_, outs := liveOutputs(t)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())

	in := make(chan CoreOutput, 3)
	for _, o := range outs {
		in <- RowsFromOutput(o)
	}
	close(in)

	// Batch of 2, then the remaining event on channel close.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO event_log.events").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO event_log.journal").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO event_log.events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO event_log.journal").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	pw := NewPersistenceWorker(db, in, 2, time.Hour, metrics, zerolog.Nop())
	require.NoError(t, pw.Run(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Equal(t, 3.0, promtest.ToFloat64(metrics.PersistEventsWritten))
	require.Equal(t, 3.0, promtest.ToFloat64(metrics.PersistJournalsWritten))
	require.Equal(t, 3.0, promtest.ToFloat64(metrics.PersistLastSequence))
}

func TestPersistenceWorker_RetriesUntilWritten(t *testing.T) {
	db, mock := newMock(t)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())

	in := make(chan CoreOutput, 1)
	in <- CoreOutput{EventRow: EventRow{Sequence: 1, CommandType: "CreateQuote"}}
	close(in)

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO event_log.events").WillReturnError(errors.New("deadlock"))
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO event_log.events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	pw := NewPersistenceWorker(db, in, 1, time.Hour, metrics, zerolog.Nop())
	pw.initialBackoff = time.Millisecond
	require.NoError(t, pw.Run(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Equal(t, 1.0, promtest.ToFloat64(metrics.PersistErrors.WithLabelValues("tx_begin")))
	require.Equal(t, 1.0, promtest.ToFloat64(metrics.PersistErrors.WithLabelValues("write_events")))
	require.Equal(t, 2.0, promtest.ToFloat64(metrics.PersistErrors.WithLabelValues("retry")))
	require.Equal(t, 1.0, promtest.ToFloat64(metrics.PersistEventsWritten))
}

func TestSnapshotData_RoundTripIntoFreshCore(t *testing.T) {
	c, _ := liveOutputs(t)
	snap, err := c.CreateSnapshotState()
	require.NoError(t, err)

	stored := FromCoreSnapshot(snap, genesis)
	raw, err := json.Marshal(stored)
	require.NoError(t, err)

	var decoded SnapshotData
	require.NoError(t, json.Unmarshal(raw, &decoded))
	back, err := decoded.ToCoreSnapshot()
	require.NoError(t, err)
	require.Equal(t, snap.StateHash, back.StateHash)
	require.Equal(t, snap.Balances, back.Balances)

	cfg := core.DefaultConfig()
	cfg.Operator = "operator"
	fresh, err := core.NewUnderwritingCore(cfg, core.Options{
		Clock:      testutil.NewFakeClock(genesis),
		Transferer: testutil.NewRecordingTransferer(),
	})
	require.NoError(t, err)
	require.NoError(t, fresh.RestoreFromSnapshot(back))

	require.Equal(t, c.GetStateHash(), fresh.GetStateHash())
	require.Equal(t, c.GetSequence(), fresh.GetSequence())
	require.Equal(t, c.PoolStats(), fresh.PoolStats())

	p, err := fresh.Policy(0)
	require.NoError(t, err)
	require.Equal(t, event.Identity("alice"), p.Owner)
	require.True(t, p.Active())
}

func TestSnapshotData_RejectsCorruptFields(t *testing.T) {
	_, err := (&SnapshotData{StateHash: []byte{1, 2}}).ToCoreSnapshot()
	require.Error(t, err)

	_, err = (&SnapshotData{StateHash: make([]byte, 32), Balances: map[string]int64{"nowhere": 1}}).ToCoreSnapshot()
	require.Error(t, err)

	_, err = (&SnapshotData{StateHash: make([]byte, 32), Policies: []PolicySnapshot{{Status: "Cancelled"}}}).ToCoreSnapshot()
	require.Error(t, err)
}

func TestSnapshotManager_SaveAndLoad(t *testing.T) {
	db, mock := newMock(t)
	sm := NewSnapshotManager(db)
	ctx := context.Background()

	snap := &SnapshotData{Sequence: 42, StateHash: make([]byte, 32), CreatedAt: genesis}
	mock.ExpectExec("INSERT INTO event_log.snapshots").
		WithArgs(sqlmock.AnyArg(), int64(42), sqlmock.AnyArg(), snap.StateHash, int32(1), sqlmock.AnyArg(), genesis).
		WillReturnResult(sqlmock.NewResult(0, 1))
	size, err := sm.SaveSnapshot(ctx, snap)
	require.NoError(t, err)
	require.Positive(t, size)

	data, _ := json.Marshal(snap)
	mock.ExpectQuery("SELECT data FROM event_log.snapshots").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(data))
	loaded, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(42), loaded.Sequence)

	mock.ExpectQuery("SELECT data FROM event_log.snapshots").WillReturnError(sql.ErrNoRows)
	loaded, err = sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.Nil(t, loaded)

	mock.ExpectExec("UPDATE event_log.snapshots").WithArgs(int64(42)).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, sm.MarkVerified(ctx, 42))

	mock.ExpectExec("UPDATE event_log.snapshots").WithArgs(int64(43)).WillReturnResult(sqlmock.NewResult(0, 0))
	require.Error(t, sm.MarkVerified(ctx, 43))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotManager_LoadEventsFrom(t *testing.T) {
	db, mock := newMock(t)
	sm := NewSnapshotManager(db)

	cols := []string{"sequence", "command_type", "idempotency_key", "caller", "policy_index", "payload", "state_hash", "prev_hash", "timestamp"}
	mock.ExpectQuery("FROM event_log.events").
		WithArgs(int64(10), 500).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(10), "CreateQuote", "k1", "operator", nil, []byte(`{}`), []byte{1}, []byte{0}, genesis).
			AddRow(int64(11), "Payout", "k2", "operator", int64(3), []byte(`{}`), []byte{2}, []byte{1}, genesis))

	events, err := sm.LoadEventsFrom(context.Background(), 10, 500)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Nil(t, events[0].PolicyIndex)
	require.Equal(t, int64(3), *events[1].PolicyIndex)

	mock.ExpectQuery("SELECT MAX\\(sequence\\)").WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	seq, err := sm.GetLatestSequence(context.Background())
	require.NoError(t, err)
	require.Zero(t, seq)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIdempotencyChecker(t *testing.T) {
	db, mock := newMock(t)
	checker := NewPostgresIdempotencyChecker(db)

	mock.ExpectQuery("SELECT sequence").WithArgs("Payout", "k1").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(17)))
	seq, found, err := checker.LookupProcessed("Payout", "k1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(17), seq)

	mock.ExpectQuery("SELECT sequence").WithArgs("Payout", "k2").WillReturnError(sql.ErrNoRows)
	_, found, err = checker.LookupProcessed("Payout", "k2")
	require.NoError(t, err)
	require.False(t, found)

	mock.ExpectQuery("SELECT sequence").WithArgs("Payout", "k3").WillReturnError(errors.New("timeout"))
	_, _, err = checker.LookupProcessed("Payout", "k3")
	require.Error(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_UpAppliesPendingOnly(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000001_first.up.sql"), []byte("CREATE TABLE first (id INT)"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000002_second.up.sql"), []byte("CREATE TABLE second (id INT)"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000002_second.down.sql"), []byte("DROP TABLE second"), 0o644))

	db, mock := newMock(t)
	m := NewMigrator(db, dir, zerolog.Nop())

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS public.schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM public.schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("000001"))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE second").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO public.schema_migrations").
		WithArgs("000002", "000002_second.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := m.Up(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS public.schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version, filename FROM public.schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version", "filename"}).AddRow("000002", "000002_second.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("DROP TABLE second").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM public.schema_migrations").WithArgs("000002").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.Down(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
