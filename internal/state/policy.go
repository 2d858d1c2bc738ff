package state

import (
	"UnderwriteLedger/internal/event"
	"UnderwriteLedger/internal/failure"
	"fmt"
	"time"
)

// PolicyStatus tracks where a policy is in its lifecycle
type PolicyStatus int32

const (
	PolicyStatusActive PolicyStatus = iota
	PolicyStatusPaidOut
	PolicyStatusLapsed
)

func (s PolicyStatus) String() string {
	switch s {
	case PolicyStatusActive:
		return "Active"
	case PolicyStatusPaidOut:
		return "PaidOut"
	case PolicyStatusLapsed:
		return "Lapsed"
	default:
		return "Unknown"
	}
}

// ParsePolicyStatus is the inverse of String.
func ParsePolicyStatus(s string) (PolicyStatus, error) {
	switch s {
	case "Active":
		return PolicyStatusActive, nil
	case "PaidOut":
		return PolicyStatusPaidOut, nil
	case "Lapsed":
		return PolicyStatusLapsed, nil
	}
	return 0, fmt.Errorf("unknown policy status %q", s)
}

// CanTransitionTo validates state transitions. Both terminal states are
// absorbing.
func (s PolicyStatus) CanTransitionTo(next PolicyStatus) bool {
	validTransitions := map[PolicyStatus][]PolicyStatus{
		PolicyStatusActive: {
			PolicyStatusPaidOut,
			PolicyStatusLapsed,
		},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Policy is a customer's purchased instance of a quote.
type Policy struct {
	Index          int64
	QuoteIndex     int64
	Owner          event.Identity
	ProductType    string
	CoverageAmount int64
	MonthlyPremium int64
	PaidUntil      time.Time
	Status         PolicyStatus
	CreatedAt      time.Time
	ClosedAt       time.Time // zero while active
	PaidOut        int64     // amount transferred to the owner by payout
}

func (p Policy) Active() bool {
	return p.Status == PolicyStatusActive
}

// LapsableAt reports whether a lapse is allowed at now: strictly after
// PaidUntil + grace.
func (p Policy) LapsableAt(now time.Time, grace time.Duration) bool {
	return p.Active() && now.After(p.PaidUntil.Add(grace))
}

// CanonicalBytes returns deterministic serialization for hashing
func (p Policy) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96+len(p.Owner)+len(p.ProductType))
	buf = appendInt64LE(buf, p.Index)
	buf = appendInt64LE(buf, p.QuoteIndex)
	buf = appendString(buf, string(p.Owner))
	buf = appendString(buf, p.ProductType)
	buf = appendInt64LE(buf, p.CoverageAmount)
	buf = appendInt64LE(buf, p.MonthlyPremium)
	buf = appendInt64LE(buf, p.PaidUntil.UnixMicro())
	buf = append(buf, byte(p.Status))
	buf = appendInt64LE(buf, p.CreatedAt.UnixMicro())
	if p.ClosedAt.IsZero() {
		buf = appendInt64LE(buf, 0)
	} else {
		buf = appendInt64LE(buf, p.ClosedAt.UnixMicro())
	}
	buf = appendInt64LE(buf, p.PaidOut)
	return buf
}

// PolicyRegistry is the append-only arena of policies. Index is identity:
// entries are never removed or reordered. Readers get copies. Status counts
// and active coverage are running totals maintained by Append and Terminate.
type PolicyRegistry struct {
	policies       []Policy
	byOwner        map[event.Identity][]int64
	counts         map[PolicyStatus]int64
	activeCoverage int64
}

func NewPolicyRegistry() *PolicyRegistry {
	return &PolicyRegistry{
		byOwner: make(map[event.Identity][]int64),
		counts:  newStatusCounts(),
	}
}

func newStatusCounts() map[PolicyStatus]int64 {
	return map[PolicyStatus]int64{
		PolicyStatusActive:  0,
		PolicyStatusPaidOut: 0,
		PolicyStatusLapsed:  0,
	}
}

// Append stores a new active policy, assigning its index.
func (pr *PolicyRegistry) Append(p Policy) Policy {
	p.Index = int64(len(pr.policies))
	p.Status = PolicyStatusActive
	p.ClosedAt = time.Time{}
	p.PaidOut = 0
	pr.policies = append(pr.policies, p)
	pr.byOwner[p.Owner] = append(pr.byOwner[p.Owner], p.Index)
	pr.counts[PolicyStatusActive]++
	pr.activeCoverage += p.CoverageAmount
	return p
}

// Get returns the policy at index or ErrIndexOutOfRange.
func (pr *PolicyRegistry) Get(index int64) (Policy, error) {
	if index < 0 || index >= int64(len(pr.policies)) {
		return Policy{}, fmt.Errorf("policy %d of %d: %w", index, len(pr.policies), failure.ErrIndexOutOfRange)
	}
	return pr.policies[index], nil
}

func (pr *PolicyRegistry) Len() int64 {
	return int64(len(pr.policies))
}

// All returns a copy of every policy in index order.
func (pr *PolicyRegistry) All() []Policy {
	out := make([]Policy, len(pr.policies))
	copy(out, pr.policies)
	return out
}

// ByOwner returns the owner's policies in index order.
func (pr *PolicyRegistry) ByOwner(owner event.Identity) []Policy {
	indices := pr.byOwner[owner.Normalize()]
	out := make([]Policy, 0, len(indices))
	for _, idx := range indices {
		out = append(out, pr.policies[idx])
	}
	return out
}

// ActiveCoverage is the coverage of every active policy. On a consistent
// ledger this equals used liquidity.
func (pr *PolicyRegistry) ActiveCoverage() int64 {
	return pr.activeCoverage
}

// SweepActiveCoverage recomputes ActiveCoverage from every policy.
func (pr *PolicyRegistry) SweepActiveCoverage() int64 {
	var total int64
	for _, p := range pr.policies {
		if p.Active() {
			total += p.CoverageAmount
		}
	}
	return total
}

// CountByStatus returns how many policies sit in each status.
func (pr *PolicyRegistry) CountByStatus() map[PolicyStatus]int64 {
	counts := make(map[PolicyStatus]int64, len(pr.counts))
	for status, n := range pr.counts {
		counts[status] = n
	}
	return counts
}

// ValidateRunningTotals checks the running counts and coverage against a
// full sweep of the arena.
func (pr *PolicyRegistry) ValidateRunningTotals() error {
	swept := newStatusCounts()
	for _, p := range pr.policies {
		swept[p.Status]++
	}
	for status, n := range swept {
		if pr.counts[status] != n {
			return fmt.Errorf("running %s count %d != swept %d", status, pr.counts[status], n)
		}
	}
	if coverage := pr.SweepActiveCoverage(); coverage != pr.activeCoverage {
		return fmt.Errorf("running active coverage %d != swept %d", pr.activeCoverage, coverage)
	}
	return nil
}

// LapseCandidates lists active policies a ClosePolicy would succeed on at now.
func (pr *PolicyRegistry) LapseCandidates(now time.Time, grace time.Duration) []Policy {
	var out []Policy
	for _, p := range pr.policies {
		if p.LapsableAt(now, grace) {
			out = append(out, p)
		}
	}
	return out
}

// ExtendPaidUntil moves PaidUntil forward by period, measured from the
// current PaidUntil and never from now.
func (pr *PolicyRegistry) ExtendPaidUntil(index int64, period time.Duration) (time.Time, error) {
	p, err := pr.Get(index)
	if err != nil {
		return time.Time{}, err
	}
	if !p.Active() {
		return time.Time{}, fmt.Errorf("policy %d is %s: %w", index, p.Status, failure.ErrPolicyInactive)
	}
	if period <= 0 {
		return time.Time{}, fmt.Errorf("billing period %s must be positive: %w", period, failure.ErrInvalidArgument)
	}

	pr.policies[index].PaidUntil = p.PaidUntil.Add(period)
	return pr.policies[index].PaidUntil, nil
}

// Terminate moves an active policy into a terminal status. A second call on
// the same policy fails with ErrPolicyInactive.
func (pr *PolicyRegistry) Terminate(index int64, status PolicyStatus, at time.Time, paidOut int64) (Policy, error) {
	p, err := pr.Get(index)
	if err != nil {
		return Policy{}, err
	}
	if !p.Status.CanTransitionTo(status) {
		if !p.Active() {
			return Policy{}, fmt.Errorf("policy %d is %s: %w", index, p.Status, failure.ErrPolicyInactive)
		}
		return Policy{}, fmt.Errorf("policy %d cannot move %s -> %s", index, p.Status, status)
	}
	if status == PolicyStatusLapsed && paidOut != 0 {
		return Policy{}, fmt.Errorf("lapsed policy %d cannot pay %d", index, paidOut)
	}

	pr.counts[p.Status]--
	pr.counts[status]++
	pr.activeCoverage -= p.CoverageAmount

	p.Status = status
	p.ClosedAt = at.UTC()
	p.PaidOut = paidOut
	pr.policies[index] = p
	return p, nil
}

// Restore replaces the registry contents from a snapshot.
func (pr *PolicyRegistry) Restore(policies []Policy) error {
	byOwner := make(map[event.Identity][]int64)
	counts := newStatusCounts()
	var coverage int64
	for i, p := range policies {
		if p.Index != int64(i) {
			return fmt.Errorf("policy at position %d has index %d", i, p.Index)
		}
		byOwner[p.Owner] = append(byOwner[p.Owner], p.Index)
		counts[p.Status]++
		if p.Active() {
			coverage += p.CoverageAmount
		}
	}
	pr.policies = make([]Policy, len(policies))
	copy(pr.policies, policies)
	pr.byOwner = byOwner
	pr.counts = counts
	pr.activeCoverage = coverage
	return nil
}
