package server

import (
	"UnderwriteLedger/internal/core"
	"UnderwriteLedger/internal/ingestion"
	"UnderwriteLedger/internal/math"
	"UnderwriteLedger/internal/observability"
	"UnderwriteLedger/internal/testutil"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const unit = int64(100_000_000)

type fixture struct {
	core      *core.UnderwritingCore
	clock     *testutil.FakeClock
	transfers *testutil.RecordingTransferer
	service   *Service
	metrics   *observability.Metrics
}

func newFixture(t *testing.T, admin Admin) *fixture {
	t.Helper()
	f := &fixture{
		clock:     testutil.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		transfers: testutil.NewRecordingTransferer(),
		metrics:   observability.NewMetricsWith(prometheus.NewRegistry()),
	}
	cfg := core.DefaultConfig()
	cfg.Operator = "operator"
	c, err := core.NewUnderwritingCore(cfg, core.Options{Clock: f.clock, Transferer: f.transfers})
	require.NoError(t, err)
	f.core = c
	f.service = NewService(ingestion.NewCommandService(c), c, nil, admin)
	return f
}

// dial serves the fixture over an in-memory listener.
func (f *fixture) dial(t *testing.T) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer("", "", ServerDeps{Service: f.service, Metrics: f.metrics, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return conn
}

func invoke(ctx context.Context, conn *grpc.ClientConn, caller, method string, req, resp any) error {
	if caller != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, CallerHeader, caller)
	}
	return conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp)
}

func TestGRPC_CommandLifecycle(t *testing.T) {
	f := newFixture(t, Admin{})
	conn := f.dial(t)
	ctx := context.Background()

	var dep CommandResponse
	require.NoError(t, invoke(ctx, conn, "provider", "DepositLiquidity",
		&ingestion.DepositLiquidityRequest{Payment: math.Amount(5 * unit)}, &dep))
	require.Equal(t, int64(1), dep.Sequence)
	require.Equal(t, math.Amount(5*unit), dep.FreeLiquidity)

	var quote CommandResponse
	require.NoError(t, invoke(ctx, conn, "operator", "CreateQuote", &ingestion.CreateQuoteRequest{
		ProductType:    "crop",
		CoverageAmount: math.Amount(2 * unit),
		MonthlyPremium: math.Amount(unit / 10),
	}, &quote))
	require.NotNil(t, quote.QuoteIndex)
	require.Equal(t, int64(0), *quote.QuoteIndex)

	var pol CommandResponse
	require.NoError(t, invoke(ctx, conn, "alice", "CreatePolicy",
		&ingestion.CreatePolicyRequest{QuoteIndex: 0, Payment: math.Amount(unit / 10)}, &pol))
	require.NotNil(t, pol.PolicyIndex)
	require.Equal(t, math.Amount(2*unit), pol.UsedLiquidity)

	var policy map[string]any
	require.NoError(t, invoke(ctx, conn, "", "GetPolicy", &IndexRequest{Index: 0}, &policy))
	require.Equal(t, "alice", policy["owner"])
	require.Equal(t, "Active", policy["status"])

	var pool PoolStatsResponse
	require.NoError(t, invoke(ctx, conn, "", "GetPoolStats", &Empty{}, &pool))
	require.Equal(t, int64(3), pool.Sequence)
	require.Equal(t, int64(1), pool.PoliciesLength)
	require.Equal(t, math.Amount(5*unit+unit/10), pool.TotalCapital)
	require.Len(t, pool.StateHash, 64)

	var payout CommandResponse
	require.NoError(t, invoke(ctx, conn, "operator", "Payout",
		&ingestion.PayoutRequest{PolicyIndex: 0, Amount: math.Amount(unit)}, &payout))
	require.Equal(t, math.Amount(unit), payout.Amount)
	require.Equal(t, math.Amount(2*unit), payout.Released)
	require.Len(t, f.transfers.Transfers(), 1)

	require.Equal(t, 1.0, promtest.ToFloat64(f.metrics.QueryRequests.WithLabelValues("Payout", "OK")))
}

func TestGRPC_ErrorCodes(t *testing.T) {
	f := newFixture(t, Admin{})
	conn := f.dial(t)
	ctx := context.Background()

	var resp CommandResponse
	err := invoke(ctx, conn, "", "DepositLiquidity", &ingestion.DepositLiquidityRequest{Payment: math.Amount(unit)}, &resp)
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	err = invoke(ctx, conn, "mallory", "CreateQuote", &ingestion.CreateQuoteRequest{
		ProductType: "crop", CoverageAmount: math.Amount(unit), MonthlyPremium: math.Amount(unit),
	}, &resp)
	require.Equal(t, codes.PermissionDenied, status.Code(err))
	require.Contains(t, status.Convert(err).Message(), "unauthorized")

	var quote map[string]any
	err = invoke(ctx, conn, "", "GetQuote", &IndexRequest{Index: 4}, &quote)
	require.Equal(t, codes.NotFound, status.Code(err))

	err = invoke(ctx, conn, "alice", "CreatePolicy", &ingestion.CreatePolicyRequest{QuoteIndex: 0}, &resp)
	require.Equal(t, codes.NotFound, status.Code(err))

	var quotes QuotesResponse
	err = invoke(ctx, conn, "", "ListQuotes", &ListQuotesRequest{}, &quotes)
	require.Equal(t, codes.Unavailable, status.Code(err))

	var snap SnapshotResponse
	err = invoke(ctx, conn, "", "TakeSnapshot", &Empty{}, &snap)
	require.Equal(t, codes.Unimplemented, status.Code(err))

	// Rejected commands leave the sequence alone.
	require.Equal(t, int64(1), f.core.GetSequence())
}

func TestGRPC_AdminHooks(t *testing.T) {
	var rebuilt bool
	f := newFixture(t, Admin{
		TakeSnapshot:       func(context.Context) (int64, error) { return 42, nil },
		RebuildProjections: func(context.Context) error { rebuilt = true; return nil },
		LatestSequence:     func(context.Context) (int64, error) { return 0, errors.New("database is down") },
	})
	conn := f.dial(t)
	ctx := context.Background()

	var snap SnapshotResponse
	require.NoError(t, invoke(ctx, conn, "", "TakeSnapshot", &Empty{}, &snap))
	require.Equal(t, int64(42), snap.Sequence)

	require.NoError(t, invoke(ctx, conn, "", "RebuildProjections", &Empty{}, &Empty{}))
	require.True(t, rebuilt)

	var info EventLogInfoResponse
	err := invoke(ctx, conn, "", "GetEventLogInfo", &Empty{}, &info)
	require.Equal(t, codes.Internal, status.Code(err))
}

func TestGateway_Routes(t *testing.T) {
	f := newFixture(t, Admin{})
	srv := NewGRPCServer("", "", ServerDeps{Service: f.service, Logger: zerolog.Nop()})
	handler, err := srv.Handler()
	require.NoError(t, err)

	do := func(method, target, caller, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, strings.NewReader(body))
		if caller != "" {
			req.Header.Set("X-Caller-Id", caller)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodPost, "/v1/liquidity/deposit", "provider", `{"payment":"4"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(http.MethodPost, "/v1/quotes", "operator", `{"product_type":"travel","coverage_amount":"1","monthly_premium":"0.05"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(http.MethodPost, "/v1/policies", "bob", `{"quote_index":0,"payment":"0.05"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(http.MethodPost, "/v1/policies/0/premium", "bob", `{"payment":"0.05"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var premium CommandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &premium))
	require.NotNil(t, premium.PaidUntil)

	rec = do(http.MethodGet, "/v1/pool", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pool PoolStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pool))
	require.Equal(t, math.Amount(unit), pool.UsedLiquidity)
	require.Equal(t, math.Amount(3*unit+unit/10), pool.FreeLiquidity)

	// Not yet lapsable: the premium just moved paid_until forward.
	rec = do(http.MethodPost, "/v1/policies/0/close", "anyone", "")
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), "FailedPrecondition")

	rec = do(http.MethodPost, "/v1/liquidity/remove", "", `{"amount":"1"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(http.MethodGet, "/v1/policies/x", "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(http.MethodGet, "/v1/owners/bob/policies", "", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}
