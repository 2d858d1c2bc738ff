package state

import (
	"UnderwriteLedger/internal/event"
	"UnderwriteLedger/internal/failure"
	"fmt"
	"strings"
	"time"
)

// Quote is an operator-published product offer. Quotes never change after
// they are appended.
type Quote struct {
	Index          int64
	ProductType    string
	CoverageAmount int64
	MonthlyPremium int64
	CreatedAt      time.Time
}

// CanonicalBytes returns deterministic serialization for hashing
func (q Quote) CanonicalBytes() []byte {
	buf := make([]byte, 0, 48+len(q.ProductType))
	buf = appendInt64LE(buf, q.Index)
	buf = appendString(buf, q.ProductType)
	buf = appendInt64LE(buf, q.CoverageAmount)
	buf = appendInt64LE(buf, q.MonthlyPremium)
	buf = appendInt64LE(buf, q.CreatedAt.UnixMicro())
	return buf
}

// QuoteCatalog is the append-only list of quotes. Index is identity.
type QuoteCatalog struct {
	operator event.Identity
	quotes   []Quote
}

func NewQuoteCatalog(operator event.Identity) *QuoteCatalog {
	return &QuoteCatalog{operator: operator.Normalize()}
}

// Operator returns the identity allowed to publish quotes.
func (qc *QuoteCatalog) Operator() event.Identity {
	return qc.operator
}

// ValidateQuote checks a quote can be appended, without appending it.
func (qc *QuoteCatalog) ValidateQuote(caller event.Identity, productType string, coverage, premium int64) error {
	if caller.Normalize() != qc.operator {
		return fmt.Errorf("create quote by %q: %w", caller, failure.ErrUnauthorized)
	}
	if strings.TrimSpace(productType) == "" {
		return fmt.Errorf("product type is empty: %w", failure.ErrInvalidArgument)
	}
	if coverage <= 0 {
		return fmt.Errorf("coverage amount %d must be positive: %w", coverage, failure.ErrInvalidArgument)
	}
	if premium < 0 {
		return fmt.Errorf("monthly premium %d must be non-negative: %w", premium, failure.ErrInvalidArgument)
	}
	return nil
}

// Append stores a validated quote and returns it with its index.
func (qc *QuoteCatalog) Append(productType string, coverage, premium int64, createdAt time.Time) Quote {
	q := Quote{
		Index:          int64(len(qc.quotes)),
		ProductType:    strings.TrimSpace(productType),
		CoverageAmount: coverage,
		MonthlyPremium: premium,
		CreatedAt:      createdAt.UTC(),
	}
	qc.quotes = append(qc.quotes, q)
	return q
}

// Get returns the quote at index or ErrIndexOutOfRange.
func (qc *QuoteCatalog) Get(index int64) (Quote, error) {
	if index < 0 || index >= int64(len(qc.quotes)) {
		return Quote{}, fmt.Errorf("quote %d of %d: %w", index, len(qc.quotes), failure.ErrIndexOutOfRange)
	}
	return qc.quotes[index], nil
}

func (qc *QuoteCatalog) Len() int64 {
	return int64(len(qc.quotes))
}

// All returns a copy of every quote in index order.
func (qc *QuoteCatalog) All() []Quote {
	out := make([]Quote, len(qc.quotes))
	copy(out, qc.quotes)
	return out
}

// Restore replaces the catalog contents from a snapshot. Indices must be
// dense and in order.
func (qc *QuoteCatalog) Restore(quotes []Quote) error {
	for i, q := range quotes {
		if q.Index != int64(i) {
			return fmt.Errorf("quote at position %d has index %d", i, q.Index)
		}
	}
	qc.quotes = make([]Quote, len(quotes))
	copy(qc.quotes, quotes)
	return nil
}
