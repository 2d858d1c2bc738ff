package event

import "github.com/google/uuid"

// DepositLiquidity adds Payment to the pool's free capital. Anyone may deposit.
type DepositLiquidity struct {
	CommandID uuid.UUID `json:"command_id"`
	Caller    Identity  `json:"caller"`
	Payment   int64     `json:"payment"`
}

func (d *DepositLiquidity) IdempotencyKey() string {
	return d.CommandID.String()
}

func (d *DepositLiquidity) CommandType() CommandType {
	return CommandTypeDepositLiquidity
}

func (d *DepositLiquidity) CallerID() Identity {
	return d.Caller
}

// RemoveLiquidity withdraws free capital to the operator.
type RemoveLiquidity struct {
	CommandID uuid.UUID `json:"command_id"`
	Caller    Identity  `json:"caller"`
	Amount    int64     `json:"amount"`
}

func (r *RemoveLiquidity) IdempotencyKey() string {
	return r.CommandID.String()
}

func (r *RemoveLiquidity) CommandType() CommandType {
	return CommandTypeRemoveLiquidity
}

func (r *RemoveLiquidity) CallerID() Identity {
	return r.Caller
}
