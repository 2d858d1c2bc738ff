package query

import (
	"UnderwriteLedger/internal/math"
	"time"
)

// QuoteResponse represents a quote for API queries.
type QuoteResponse struct {
	Index          int64       `json:"index"`
	ProductType    string      `json:"product_type"`
	CoverageAmount math.Amount `json:"coverage_amount"`
	MonthlyPremium math.Amount `json:"monthly_premium"`
	CreatedAt      time.Time   `json:"created_at"`
}

// PolicyResponse represents a policy for API queries.
type PolicyResponse struct {
	Index          int64       `json:"index"`
	QuoteIndex     int64       `json:"quote_index"`
	Owner          string      `json:"owner"`
	ProductType    string      `json:"product_type"`
	CoverageAmount math.Amount `json:"coverage_amount"`
	MonthlyPremium math.Amount `json:"monthly_premium"`
	PaidUntil      time.Time   `json:"paid_until"`
	Status         string      `json:"status"`
	PaidOut        math.Amount `json:"paid_out"`
	CreatedAt      time.Time   `json:"created_at"`
	ClosedAt       *time.Time  `json:"closed_at,omitempty"`
	LastSequence   int64       `json:"last_sequence"`
	AsOfSequence   int64       `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string      `json:"journal_id"`
	BatchID       string      `json:"batch_id"`
	EventRef      string      `json:"event_ref"`
	Sequence      int64       `json:"sequence"`
	DebitAccount  string      `json:"debit_account"`
	CreditAccount string      `json:"credit_account"`
	Amount        math.Amount `json:"amount"`
	JournalType   string      `json:"journal_type"`
	Timestamp     int64       `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	CheckedEvents   int64   `json:"checked_events"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`

	// Imbalance is the sum of every balance; double entry keeps it at zero.
	Imbalance int64 `json:"imbalance"`
	// Internal accounts may never go negative.
	NegativeAccounts []string `json:"negative_accounts,omitempty"`
}
