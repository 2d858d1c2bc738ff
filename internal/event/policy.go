package event

import "github.com/google/uuid"

// CreatePolicy buys a policy against a quote. Payment must cover one
// monthly premium; all of it is collected.
type CreatePolicy struct {
	CommandID  uuid.UUID `json:"command_id"`
	Caller     Identity  `json:"caller"`
	QuoteIndex int64     `json:"quote_index"`
	Payment    int64     `json:"payment"`
}

func (c *CreatePolicy) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *CreatePolicy) CommandType() CommandType {
	return CommandTypeCreatePolicy
}

func (c *CreatePolicy) CallerID() Identity {
	return c.Caller
}

type PayPremium struct {
	CommandID   uuid.UUID `json:"command_id"`
	Caller      Identity  `json:"caller"`
	PolicyIndex int64     `json:"policy_index"`
	Payment     int64     `json:"payment"`
}

func (p *PayPremium) IdempotencyKey() string {
	return p.CommandID.String()
}

func (p *PayPremium) CommandType() CommandType {
	return CommandTypePayPremium
}

func (p *PayPremium) CallerID() Identity {
	return p.Caller
}

func (p *PayPremium) PolicyRef() int64 {
	return p.PolicyIndex
}

// Payout settles a claim: Amount goes to the policy owner and the policy's
// full collateral returns to the pool.
type Payout struct {
	CommandID   uuid.UUID `json:"command_id"`
	Caller      Identity  `json:"caller"`
	PolicyIndex int64     `json:"policy_index"`
	Amount      int64     `json:"amount"`
}

func (p *Payout) IdempotencyKey() string {
	return p.CommandID.String()
}

func (p *Payout) CommandType() CommandType {
	return CommandTypePayout
}

func (p *Payout) CallerID() Identity {
	return p.Caller
}

func (p *Payout) PolicyRef() int64 {
	return p.PolicyIndex
}

// ClosePolicy lapses a policy whose premium is past the grace period.
type ClosePolicy struct {
	CommandID   uuid.UUID `json:"command_id"`
	Caller      Identity  `json:"caller"`
	PolicyIndex int64     `json:"policy_index"`
}

func (c *ClosePolicy) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *ClosePolicy) CommandType() CommandType {
	return CommandTypeClosePolicy
}

func (c *ClosePolicy) CallerID() Identity {
	return c.Caller
}

func (c *ClosePolicy) PolicyRef() int64 {
	return c.PolicyIndex
}
