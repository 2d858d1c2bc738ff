package event

import "github.com/google/uuid"

type CreateQuote struct {
	CommandID      uuid.UUID `json:"command_id"`
	Caller         Identity  `json:"caller"`
	ProductType    string    `json:"product_type"`
	CoverageAmount int64     `json:"coverage_amount"`
	MonthlyPremium int64     `json:"monthly_premium"`
}

func (q *CreateQuote) IdempotencyKey() string {
	return q.CommandID.String()
}

func (q *CreateQuote) CommandType() CommandType {
	return CommandTypeCreateQuote
}

func (q *CreateQuote) CallerID() Identity {
	return q.Caller
}
