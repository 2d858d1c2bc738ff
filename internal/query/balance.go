package query

import "UnderwriteLedger/internal/math"

// BalanceResponse is one ledger account as seen by the read model.
type BalanceResponse struct {
	AccountPath  string      `json:"account_path"`
	Balance      math.Amount `json:"balance"`
	LastSequence int64       `json:"last_sequence"`
	AsOfSequence int64       `json:"as_of_sequence"` // projection watermark
}

// PoolResponse summarizes pool capital.
type PoolResponse struct {
	// Ledger balances
	TotalCapital  math.Amount `json:"total_capital"`  // free + used
	UsedLiquidity math.Amount `json:"used_liquidity"` // locked against active policies
	FreeLiquidity math.Amount `json:"free_liquidity"`

	// Derived at query time
	Utilization float64 `json:"utilization"` // used / total, 0 when empty

	AsOfSequence int64 `json:"as_of_sequence"`
}
