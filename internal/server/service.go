package server

import (
	"UnderwriteLedger/internal/core"
	"UnderwriteLedger/internal/event"
	"UnderwriteLedger/internal/failure"
	"UnderwriteLedger/internal/ingestion"
	"UnderwriteLedger/internal/math"
	"UnderwriteLedger/internal/query"
	"UnderwriteLedger/internal/state"
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "underwriter.v1.Underwriter"

// CallerHeader carries the authenticated caller identity, as gRPC metadata
// or as an HTTP header. It is set by the authenticating proxy in front of
// the service.
const CallerHeader = "x-caller-id"

// LiveState is the read side of the core. Reads through it are consistent
// with the last applied command. *core.UnderwritingCore satisfies it.
type LiveState interface {
	Quote(index int64) (state.Quote, error)
	Policy(index int64) (state.Policy, error)
	PoolSummary() core.PoolSummary
	LapseCandidates() []state.Policy
	GetSequence() int64
}

// Admin holds the operations that need the process wiring.
type Admin struct {
	TakeSnapshot       func(ctx context.Context) (int64, error)
	RebuildProjections func(ctx context.Context) error
	LatestSequence     func(ctx context.Context) (int64, error)
}

// --- wire types ---

type Empty struct{}

type IndexRequest struct {
	Index int64 `json:"index"`
}

type OwnerPoliciesRequest struct {
	Owner      string `json:"owner"`
	Status     string `json:"status,omitempty"`
	PageSize   int    `json:"page_size,omitempty"`
	AfterIndex *int64 `json:"after_index,omitempty"`
}

type ListQuotesRequest struct {
	PageSize   int    `json:"page_size,omitempty"`
	AfterIndex *int64 `json:"after_index,omitempty"`
}

type AccountRequest struct {
	Account        string `json:"account"`
	PageSize       int    `json:"page_size,omitempty"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

// CommandResponse is the reply to every command.
type CommandResponse struct {
	Sequence      int64       `json:"sequence"`
	CommandType   string      `json:"command_type,omitempty"`
	Duplicate     bool        `json:"duplicate,omitempty"`
	QuoteIndex    *int64      `json:"quote_index,omitempty"`
	PolicyIndex   *int64      `json:"policy_index,omitempty"`
	Amount        math.Amount `json:"amount"`
	Released      math.Amount `json:"released,omitempty"`
	PaidUntil     *time.Time  `json:"paid_until,omitempty"`
	TotalCapital  math.Amount `json:"total_capital"`
	UsedLiquidity math.Amount `json:"used_liquidity"`
	FreeLiquidity math.Amount `json:"free_liquidity"`
	StateHash     string      `json:"state_hash,omitempty"`
}

func commandResponse(res core.Result) *CommandResponse {
	return &CommandResponse{
		Sequence:      res.Sequence,
		CommandType:   res.CommandType,
		Duplicate:     res.Duplicate,
		QuoteIndex:    res.QuoteIndex,
		PolicyIndex:   res.PolicyIndex,
		Amount:        math.Amount(res.Amount),
		Released:      math.Amount(res.Released),
		PaidUntil:     res.PaidUntil,
		TotalCapital:  math.Amount(res.Pool.TotalCapital),
		UsedLiquidity: math.Amount(res.Pool.UsedLiquidity),
		FreeLiquidity: math.Amount(res.Pool.FreeLiquidity),
		StateHash:     res.StateHash,
	}
}

// PoolStatsResponse is the live pool view.
type PoolStatsResponse struct {
	TotalCapital   math.Amount `json:"total_capital"`
	UsedLiquidity  math.Amount `json:"used_liquidity"`
	FreeLiquidity  math.Amount `json:"free_liquidity"`
	HeldBalance    math.Amount `json:"held_balance"`
	QuotesLength   int64       `json:"quotes_length"`
	PoliciesLength int64       `json:"policies_length"`
	Sequence       int64       `json:"sequence"` // last applied
	StateHash      string      `json:"state_hash"`
}

type PoliciesResponse struct {
	Policies []query.PolicyResponse `json:"policies"`
}

type QuotesResponse struct {
	Quotes []query.QuoteResponse `json:"quotes"`
}

type JournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type SnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

type EventLogInfoResponse struct {
	LastPersistedSequence int64 `json:"last_persisted_sequence"`
	LastAppliedSequence   int64 `json:"last_applied_sequence"`
}

// UnderwriterServer is the handler type of the underwriter service.
type UnderwriterServer interface {
	DepositLiquidity(context.Context, *ingestion.DepositLiquidityRequest) (*CommandResponse, error)
	RemoveLiquidity(context.Context, *ingestion.RemoveLiquidityRequest) (*CommandResponse, error)
	CreateQuote(context.Context, *ingestion.CreateQuoteRequest) (*CommandResponse, error)
	CreatePolicy(context.Context, *ingestion.CreatePolicyRequest) (*CommandResponse, error)
	PayPremium(context.Context, *ingestion.PayPremiumRequest) (*CommandResponse, error)
	Payout(context.Context, *ingestion.PayoutRequest) (*CommandResponse, error)
	ClosePolicy(context.Context, *ingestion.ClosePolicyRequest) (*CommandResponse, error)

	GetQuote(context.Context, *IndexRequest) (*query.QuoteResponse, error)
	GetPolicy(context.Context, *IndexRequest) (*query.PolicyResponse, error)
	GetPoolStats(context.Context, *Empty) (*PoolStatsResponse, error)
	ListLapseCandidates(context.Context, *Empty) (*PoliciesResponse, error)

	ListPoliciesByOwner(context.Context, *OwnerPoliciesRequest) (*PoliciesResponse, error)
	ListQuotes(context.Context, *ListQuotesRequest) (*QuotesResponse, error)
	GetAccountBalance(context.Context, *AccountRequest) (*query.BalanceResponse, error)
	ListJournals(context.Context, *AccountRequest) (*JournalsResponse, error)

	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	TakeSnapshot(context.Context, *Empty) (*SnapshotResponse, error)
	RebuildProjections(context.Context, *Empty) (*Empty, error)
	GetEventLogInfo(context.Context, *Empty) (*EventLogInfoResponse, error)
}

// Service implements UnderwriterServer. Commands go through the
// CommandService; live reads come from the core; history and
// per-owner listings come from the projections.
type Service struct {
	commands *ingestion.CommandService
	live     LiveState
	queries  *query.QueryService // nil without Postgres
	admin    Admin
}

func NewService(commands *ingestion.CommandService, live LiveState, queries *query.QueryService, admin Admin) *Service {
	return &Service{commands: commands, live: live, queries: queries, admin: admin}
}

// callerFrom returns the authenticated caller carried in ctx.
func callerFrom(ctx context.Context) (event.Identity, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		if vals := md.Get(CallerHeader); len(vals) > 0 {
			if id := event.Identity(vals[0]).Normalize(); !id.IsZero() {
				return id, nil
			}
		}
	}
	return "", status.Errorf(codes.Unauthenticated, "%s is required", CallerHeader)
}

func (s *Service) submit(ctx context.Context, req ingestion.Request) (*CommandResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.commands.Submit(ctx, caller, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return commandResponse(res), nil
}

func (s *Service) DepositLiquidity(ctx context.Context, req *ingestion.DepositLiquidityRequest) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *Service) RemoveLiquidity(ctx context.Context, req *ingestion.RemoveLiquidityRequest) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *Service) CreateQuote(ctx context.Context, req *ingestion.CreateQuoteRequest) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *Service) CreatePolicy(ctx context.Context, req *ingestion.CreatePolicyRequest) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *Service) PayPremium(ctx context.Context, req *ingestion.PayPremiumRequest) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *Service) Payout(ctx context.Context, req *ingestion.PayoutRequest) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *Service) ClosePolicy(ctx context.Context, req *ingestion.ClosePolicyRequest) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

// --- live reads ---

func (s *Service) GetQuote(ctx context.Context, req *IndexRequest) (*query.QuoteResponse, error) {
	q, err := s.live.Quote(req.Index)
	if err != nil {
		return nil, toStatus(err)
	}
	v := quoteView(q)
	return &v, nil
}

func (s *Service) GetPolicy(ctx context.Context, req *IndexRequest) (*query.PolicyResponse, error) {
	p, err := s.live.Policy(req.Index)
	if err != nil {
		return nil, toStatus(err)
	}
	v := policyView(p)
	v.AsOfSequence = s.live.GetSequence() - 1
	return &v, nil
}

func (s *Service) GetPoolStats(ctx context.Context, _ *Empty) (*PoolStatsResponse, error) {
	sum := s.live.PoolSummary()
	return &PoolStatsResponse{
		TotalCapital:   math.Amount(sum.Pool.TotalCapital),
		UsedLiquidity:  math.Amount(sum.Pool.UsedLiquidity),
		FreeLiquidity:  math.Amount(sum.Pool.FreeLiquidity),
		HeldBalance:    math.Amount(sum.HeldBalance),
		QuotesLength:   sum.QuotesLength,
		PoliciesLength: sum.PoliciesLength,
		Sequence:       sum.Sequence,
		StateHash:      fmt.Sprintf("%x", sum.StateHash),
	}, nil
}

func (s *Service) ListLapseCandidates(ctx context.Context, _ *Empty) (*PoliciesResponse, error) {
	candidates := s.live.LapseCandidates()
	resp := &PoliciesResponse{Policies: make([]query.PolicyResponse, 0, len(candidates))}
	for _, p := range candidates {
		resp.Policies = append(resp.Policies, policyView(p))
	}
	return resp, nil
}

// --- projection reads ---

func (s *Service) requireQueries() error {
	if s.queries == nil {
		return status.Error(codes.Unavailable, "read model is not configured")
	}
	return nil
}

func (s *Service) ListPoliciesByOwner(ctx context.Context, req *OwnerPoliciesRequest) (*PoliciesResponse, error) {
	if err := s.requireQueries(); err != nil {
		return nil, err
	}
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		return nil, status.Error(codes.InvalidArgument, "owner is required")
	}
	policies, err := s.queries.ListPoliciesByOwner(ctx, owner, req.Status, req.PageSize, req.AfterIndex)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PoliciesResponse{Policies: policies}, nil
}

func (s *Service) ListQuotes(ctx context.Context, req *ListQuotesRequest) (*QuotesResponse, error) {
	if err := s.requireQueries(); err != nil {
		return nil, err
	}
	quotes, err := s.queries.ListQuotes(ctx, req.PageSize, req.AfterIndex)
	if err != nil {
		return nil, toStatus(err)
	}
	return &QuotesResponse{Quotes: quotes}, nil
}

func (s *Service) GetAccountBalance(ctx context.Context, req *AccountRequest) (*query.BalanceResponse, error) {
	if err := s.requireQueries(); err != nil {
		return nil, err
	}
	bal, err := s.queries.GetAccountBalance(ctx, req.Account)
	if err != nil {
		return nil, toStatus(err)
	}
	return bal, nil
}

func (s *Service) ListJournals(ctx context.Context, req *AccountRequest) (*JournalsResponse, error) {
	if err := s.requireQueries(); err != nil {
		return nil, err
	}
	entries, err := s.queries.GetJournalHistory(ctx, req.Account, req.PageSize, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JournalsResponse{Journals: entries}, nil
}

// --- admin ---

func (s *Service) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	if err := s.requireQueries(); err != nil {
		return nil, err
	}
	report, err := s.queries.VerifyIntegrity(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}
	return report, nil
}

func (s *Service) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if s.admin.TakeSnapshot == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots are not configured")
	}
	seq, err := s.admin.TakeSnapshot(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "take snapshot: %v", err)
	}
	return &SnapshotResponse{Sequence: seq}, nil
}

func (s *Service) RebuildProjections(ctx context.Context, _ *Empty) (*Empty, error) {
	if s.admin.RebuildProjections == nil {
		return nil, status.Error(codes.Unimplemented, "projections are not configured")
	}
	if err := s.admin.RebuildProjections(ctx); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &Empty{}, nil
}

func (s *Service) GetEventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfoResponse, error) {
	resp := &EventLogInfoResponse{LastAppliedSequence: s.live.GetSequence() - 1}
	if s.admin.LatestSequence != nil {
		seq, err := s.admin.LatestSequence(ctx)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "get latest sequence: %v", err)
		}
		resp.LastPersistedSequence = seq
	}
	return resp, nil
}

// --- helpers ---

// toStatus converts a command or query failure to a gRPC status carrying the
// stable reason label.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := failure.GRPCCode(err)
	if code == codes.Internal {
		return status.Error(codes.Internal, "internal error")
	}
	return status.Errorf(code, "%s: %v", failure.Reason(err), err)
}

func quoteView(q state.Quote) query.QuoteResponse {
	return query.QuoteResponse{
		Index:          q.Index,
		ProductType:    q.ProductType,
		CoverageAmount: math.Amount(q.CoverageAmount),
		MonthlyPremium: math.Amount(q.MonthlyPremium),
		CreatedAt:      q.CreatedAt,
	}
}

func policyView(p state.Policy) query.PolicyResponse {
	v := query.PolicyResponse{
		Index:          p.Index,
		QuoteIndex:     p.QuoteIndex,
		Owner:          string(p.Owner),
		ProductType:    p.ProductType,
		CoverageAmount: math.Amount(p.CoverageAmount),
		MonthlyPremium: math.Amount(p.MonthlyPremium),
		PaidUntil:      p.PaidUntil,
		Status:         p.Status.String(),
		PaidOut:        math.Amount(p.PaidOut),
		CreatedAt:      p.CreatedAt,
	}
	if !p.ClosedAt.IsZero() {
		closed := p.ClosedAt
		v.ClosedAt = &closed
	}
	return v
}

// --- service descriptor ---

// unary builds the method descriptor for one handler. It is what protoc-gen-go-grpc
// would generate per method.
func unary[Req any, Resp any](method string, call func(UnderwriterServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(UnderwriterServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + method,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*UnderwriterServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("DepositLiquidity", UnderwriterServer.DepositLiquidity),
		unary("RemoveLiquidity", UnderwriterServer.RemoveLiquidity),
		unary("CreateQuote", UnderwriterServer.CreateQuote),
		unary("CreatePolicy", UnderwriterServer.CreatePolicy),
		unary("PayPremium", UnderwriterServer.PayPremium),
		unary("Payout", UnderwriterServer.Payout),
		unary("ClosePolicy", UnderwriterServer.ClosePolicy),
		unary("GetQuote", UnderwriterServer.GetQuote),
		unary("GetPolicy", UnderwriterServer.GetPolicy),
		unary("GetPoolStats", UnderwriterServer.GetPoolStats),
		unary("ListLapseCandidates", UnderwriterServer.ListLapseCandidates),
		unary("ListPoliciesByOwner", UnderwriterServer.ListPoliciesByOwner),
		unary("ListQuotes", UnderwriterServer.ListQuotes),
		unary("GetAccountBalance", UnderwriterServer.GetAccountBalance),
		unary("ListJournals", UnderwriterServer.ListJournals),
		unary("VerifyIntegrity", UnderwriterServer.VerifyIntegrity),
		unary("TakeSnapshot", UnderwriterServer.TakeSnapshot),
		unary("RebuildProjections", UnderwriterServer.RebuildProjections),
		unary("GetEventLogInfo", UnderwriterServer.GetEventLogInfo),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "underwriter/v1/underwriter.json",
}

// RegisterUnderwriterServer registers srv on s.
func RegisterUnderwriterServer(s grpc.ServiceRegistrar, srv UnderwriterServer) {
	s.RegisterService(&serviceDesc, srv)
}
