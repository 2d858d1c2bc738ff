package ingestion

import (
	"UnderwriteLedger/internal/event"
	"UnderwriteLedger/internal/failure"
	"UnderwriteLedger/internal/math"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Request is the JSON wire form of one command, shared by the NATS subjects
// and the RPC surface. Amounts accept either a decimal string ("0.01") or an
// integer number of base units.
type Request interface {
	Header() *CommandHeader
	ToCommand() (event.Command, error)
}

// CommandHeader carries the fields every command has.
type CommandHeader struct {
	CommandID string `json:"command_id,omitempty"`
	Caller    string `json:"caller,omitempty"`
}

func (h CommandHeader) parse() (uuid.UUID, event.Identity, error) {
	if h.CommandID == "" {
		return uuid.Nil, "", fmt.Errorf("command_id is required: %w", failure.ErrInvalidArgument)
	}
	id, err := uuid.Parse(h.CommandID)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("parse command_id: %v: %w", err, failure.ErrInvalidArgument)
	}
	if id == uuid.Nil {
		return uuid.Nil, "", fmt.Errorf("command_id must not be the nil uuid: %w", failure.ErrInvalidArgument)
	}
	caller := event.Identity(h.Caller).Normalize()
	if caller.IsZero() {
		return uuid.Nil, "", fmt.Errorf("caller is required: %w", failure.ErrInvalidArgument)
	}
	return id, caller, nil
}

// NewRequest returns an empty request for a command type name
// ("CreatePolicy", "Payout", ...).
func NewRequest(commandType string) (Request, error) {
	ct, err := event.ParseCommandType(commandType)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, failure.ErrInvalidArgument)
	}

	switch ct {
	case event.CommandTypeDepositLiquidity:
		return &DepositLiquidityRequest{}, nil
	case event.CommandTypeRemoveLiquidity:
		return &RemoveLiquidityRequest{}, nil
	case event.CommandTypeCreateQuote:
		return &CreateQuoteRequest{}, nil
	case event.CommandTypeCreatePolicy:
		return &CreatePolicyRequest{}, nil
	case event.CommandTypePayPremium:
		return &PayPremiumRequest{}, nil
	case event.CommandTypePayout:
		return &PayoutRequest{}, nil
	case event.CommandTypeClosePolicy:
		return &ClosePolicyRequest{}, nil
	default:
		return nil, fmt.Errorf("unknown command type %q: %w", commandType, failure.ErrInvalidArgument)
	}
}

// ParseCommand converts a JSON payload into a typed command. The payload must
// carry its own command_id and caller.
func ParseCommand(commandType string, data []byte) (event.Command, error) {
	req, err := NewRequest(commandType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, req); err != nil {
		return nil, fmt.Errorf("parse %s: %v: %w", commandType, err, failure.ErrInvalidArgument)
	}
	return req.ToCommand()
}

// --- JSON wire formats ---

type DepositLiquidityRequest struct {
	CommandHeader
	Payment math.Amount `json:"payment"`
}

func (r *DepositLiquidityRequest) Header() *CommandHeader { return &r.CommandHeader }

func (r *DepositLiquidityRequest) ToCommand() (event.Command, error) {
	id, caller, err := r.parse()
	if err != nil {
		return nil, err
	}
	return &event.DepositLiquidity{CommandID: id, Caller: caller, Payment: int64(r.Payment)}, nil
}

type RemoveLiquidityRequest struct {
	CommandHeader
	Amount math.Amount `json:"amount"`
}

func (r *RemoveLiquidityRequest) Header() *CommandHeader { return &r.CommandHeader }

func (r *RemoveLiquidityRequest) ToCommand() (event.Command, error) {
	id, caller, err := r.parse()
	if err != nil {
		return nil, err
	}
	return &event.RemoveLiquidity{CommandID: id, Caller: caller, Amount: int64(r.Amount)}, nil
}

type CreateQuoteRequest struct {
	CommandHeader
	ProductType    string      `json:"product_type"`
	CoverageAmount math.Amount `json:"coverage_amount"`
	MonthlyPremium math.Amount `json:"monthly_premium"`
}

func (r *CreateQuoteRequest) Header() *CommandHeader { return &r.CommandHeader }

func (r *CreateQuoteRequest) ToCommand() (event.Command, error) {
	id, caller, err := r.parse()
	if err != nil {
		return nil, err
	}
	return &event.CreateQuote{
		CommandID:      id,
		Caller:         caller,
		ProductType:    r.ProductType,
		CoverageAmount: int64(r.CoverageAmount),
		MonthlyPremium: int64(r.MonthlyPremium),
	}, nil
}

type CreatePolicyRequest struct {
	CommandHeader
	QuoteIndex int64       `json:"quote_index"`
	Payment    math.Amount `json:"payment"`
}

func (r *CreatePolicyRequest) Header() *CommandHeader { return &r.CommandHeader }

func (r *CreatePolicyRequest) ToCommand() (event.Command, error) {
	id, caller, err := r.parse()
	if err != nil {
		return nil, err
	}
	return &event.CreatePolicy{CommandID: id, Caller: caller, QuoteIndex: r.QuoteIndex, Payment: int64(r.Payment)}, nil
}

type PayPremiumRequest struct {
	CommandHeader
	PolicyIndex int64       `json:"policy_index"`
	Payment     math.Amount `json:"payment"`
}

func (r *PayPremiumRequest) Header() *CommandHeader { return &r.CommandHeader }

func (r *PayPremiumRequest) ToCommand() (event.Command, error) {
	id, caller, err := r.parse()
	if err != nil {
		return nil, err
	}
	return &event.PayPremium{CommandID: id, Caller: caller, PolicyIndex: r.PolicyIndex, Payment: int64(r.Payment)}, nil
}

type PayoutRequest struct {
	CommandHeader
	PolicyIndex int64       `json:"policy_index"`
	Amount      math.Amount `json:"amount"`
}

func (r *PayoutRequest) Header() *CommandHeader { return &r.CommandHeader }

func (r *PayoutRequest) ToCommand() (event.Command, error) {
	id, caller, err := r.parse()
	if err != nil {
		return nil, err
	}
	return &event.Payout{CommandID: id, Caller: caller, PolicyIndex: r.PolicyIndex, Amount: int64(r.Amount)}, nil
}

type ClosePolicyRequest struct {
	CommandHeader
	PolicyIndex int64 `json:"policy_index"`
}

func (r *ClosePolicyRequest) Header() *CommandHeader { return &r.CommandHeader }

func (r *ClosePolicyRequest) ToCommand() (event.Command, error) {
	id, caller, err := r.parse()
	if err != nil {
		return nil, err
	}
	return &event.ClosePolicy{CommandID: id, Caller: caller, PolicyIndex: r.PolicyIndex}, nil
}
