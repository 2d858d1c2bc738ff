package server

import (
	"UnderwriteLedger/internal/ingestion"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

// route binds one HTTP method and path pattern to a service call.
type route struct {
	method  string
	pattern string
	handle  func(ctx context.Context, r *http.Request, params map[string]string) (any, error)
}

// NewGateway returns the HTTP/JSON surface of svc. Handlers call the
// service in-process; the caller identity travels in the X-Caller-Id header
// and reaches the service as incoming metadata, the same as over gRPC.
func NewGateway(svc UnderwriterServer) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	for _, rt := range routes(svc) {
		err := mux.HandlePath(rt.method, rt.pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			ctx := r.Context()
			if caller := r.Header.Get(CallerHeader); caller != "" {
				ctx = metadata.NewIncomingContext(ctx, metadata.Pairs(CallerHeader, caller))
			}
			resp, err := rt.handle(ctx, r, params)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})
		if err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func routes(svc UnderwriterServer) []route {
	return []route{
		// commands
		{http.MethodPost, "/v1/liquidity/deposit", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			req := &ingestion.DepositLiquidityRequest{}
			if err := decodeBody(r, req); err != nil {
				return nil, err
			}
			return svc.DepositLiquidity(ctx, req)
		}},
		{http.MethodPost, "/v1/liquidity/remove", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			req := &ingestion.RemoveLiquidityRequest{}
			if err := decodeBody(r, req); err != nil {
				return nil, err
			}
			return svc.RemoveLiquidity(ctx, req)
		}},
		{http.MethodPost, "/v1/quotes", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			req := &ingestion.CreateQuoteRequest{}
			if err := decodeBody(r, req); err != nil {
				return nil, err
			}
			return svc.CreateQuote(ctx, req)
		}},
		{http.MethodPost, "/v1/policies", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			req := &ingestion.CreatePolicyRequest{}
			if err := decodeBody(r, req); err != nil {
				return nil, err
			}
			return svc.CreatePolicy(ctx, req)
		}},
		{http.MethodPost, "/v1/policies/{index}/premium", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			req := &ingestion.PayPremiumRequest{}
			if err := decodeBody(r, req); err != nil {
				return nil, err
			}
			idx, err := pathIndex(p)
			if err != nil {
				return nil, err
			}
			req.PolicyIndex = idx
			return svc.PayPremium(ctx, req)
		}},
		{http.MethodPost, "/v1/policies/{index}/payout", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			req := &ingestion.PayoutRequest{}
			if err := decodeBody(r, req); err != nil {
				return nil, err
			}
			idx, err := pathIndex(p)
			if err != nil {
				return nil, err
			}
			req.PolicyIndex = idx
			return svc.Payout(ctx, req)
		}},
		{http.MethodPost, "/v1/policies/{index}/close", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			req := &ingestion.ClosePolicyRequest{}
			if err := decodeBody(r, req); err != nil {
				return nil, err
			}
			idx, err := pathIndex(p)
			if err != nil {
				return nil, err
			}
			req.PolicyIndex = idx
			return svc.ClosePolicy(ctx, req)
		}},

		// live reads
		{http.MethodGet, "/v1/quotes/{index}", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			idx, err := pathIndex(p)
			if err != nil {
				return nil, err
			}
			return svc.GetQuote(ctx, &IndexRequest{Index: idx})
		}},
		{http.MethodGet, "/v1/policies/{index}", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			idx, err := pathIndex(p)
			if err != nil {
				return nil, err
			}
			return svc.GetPolicy(ctx, &IndexRequest{Index: idx})
		}},
		{http.MethodGet, "/v1/pool", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.GetPoolStats(ctx, &Empty{})
		}},
		{http.MethodGet, "/v1/lapse-candidates", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.ListLapseCandidates(ctx, &Empty{})
		}},

		// read model
		{http.MethodGet, "/v1/quotes", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			req := &ListQuotesRequest{}
			var err error
			if req.PageSize, err = queryInt(r, "page_size"); err != nil {
				return nil, err
			}
			if req.AfterIndex, err = queryInt64Ptr(r, "after_index"); err != nil {
				return nil, err
			}
			return svc.ListQuotes(ctx, req)
		}},
		{http.MethodGet, "/v1/owners/{owner}/policies", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			req := &OwnerPoliciesRequest{Owner: p["owner"], Status: r.URL.Query().Get("status")}
			var err error
			if req.PageSize, err = queryInt(r, "page_size"); err != nil {
				return nil, err
			}
			if req.AfterIndex, err = queryInt64Ptr(r, "after_index"); err != nil {
				return nil, err
			}
			return svc.ListPoliciesByOwner(ctx, req)
		}},
		{http.MethodGet, "/v1/accounts/balance", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			return svc.GetAccountBalance(ctx, &AccountRequest{Account: r.URL.Query().Get("account")})
		}},
		{http.MethodGet, "/v1/accounts/journals", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			req := &AccountRequest{Account: r.URL.Query().Get("account")}
			var err error
			if req.PageSize, err = queryInt(r, "page_size"); err != nil {
				return nil, err
			}
			if req.BeforeSequence, err = queryInt64Ptr(r, "before_sequence"); err != nil {
				return nil, err
			}
			return svc.ListJournals(ctx, req)
		}},

		// admin
		{http.MethodGet, "/v1/admin/integrity", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.VerifyIntegrity(ctx, &Empty{})
		}},
		{http.MethodPost, "/v1/admin/snapshot", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.TakeSnapshot(ctx, &Empty{})
		}},
		{http.MethodPost, "/v1/admin/rebuild-projections", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.RebuildProjections(ctx, &Empty{})
		}},
		{http.MethodGet, "/v1/admin/event-log", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.GetEventLogInfo(ctx, &Empty{})
		}},
	}
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return status.Errorf(codes.InvalidArgument, "decode body: %v", err)
	}
	return nil
}

func pathIndex(params map[string]string) (int64, error) {
	idx, err := strconv.ParseInt(params["index"], 10, 64)
	if err != nil || idx < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "invalid index %q", params["index"])
	}
	return idx, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s %q", name, raw)
	}
	return v, nil
}

func queryInt64Ptr(r *http.Request, name string) (*int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid %s %q", name, raw)
	}
	return &v, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{
		Code:    st.Code().String(),
		Message: st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
