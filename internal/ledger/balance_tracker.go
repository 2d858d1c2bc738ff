package ledger

import (
	"UnderwriteLedger/internal/failure"
	fpmath "UnderwriteLedger/internal/math"
	"fmt"
	"sort"
)

// BalanceTracker maintains in-memory account balances. Used liquidity and
// the external total are kept as running sums so pool reads do not scan
// every account; SweepUsedLiquidity and SweepHeldBalance recompute them.
type BalanceTracker struct {
	balances map[AccountKey]int64
	used     int64
	external int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances without any checks.
// Only ApplyBatch and snapshot restore should call it.
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.set(j.DebitAccount, bt.balances[j.DebitAccount]+j.Amount)
	bt.set(j.CreditAccount, bt.balances[j.CreditAccount]-j.Amount)
}

// set is the only writer of balances; it keeps the running sums current.
func (bt *BalanceTracker) set(key AccountKey, balance int64) {
	delta := balance - bt.balances[key]
	switch {
	case key.Scope == AccountScopePolicy:
		bt.used += delta
	case key.IsExternal():
		bt.external += delta
	}
	bt.balances[key] = balance
}

// ApplyBatch applies all journals in a batch, or none of them. The batch is
// dry-run first: if any pool or policy account would end below zero, the
// batch is rejected with ErrInsufficientFreeLiquidity.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	projected, err := bt.project(batch)
	if err != nil {
		return err
	}
	for key, balance := range projected {
		if !key.IsExternal() && balance < 0 {
			return fmt.Errorf("account %s would reach %d: %w",
				key.AccountPath(), balance, failure.ErrInsufficientFreeLiquidity)
		}
	}

	for key, balance := range projected {
		bt.set(key, balance)
	}
	return nil
}

// project returns the balance every touched account would hold after batch.
func (bt *BalanceTracker) project(batch *Batch) (map[AccountKey]int64, error) {
	projected := make(map[AccountKey]int64, 2*len(batch.Journals))
	balanceOf := func(k AccountKey) int64 {
		if v, ok := projected[k]; ok {
			return v
		}
		return bt.balances[k]
	}

	for _, j := range batch.Journals {
		debit, err := fpmath.CheckedAdd(balanceOf(j.DebitAccount), j.Amount)
		if err != nil {
			return nil, fmt.Errorf("journal %s: %w", j.JournalID, err)
		}
		projected[j.DebitAccount] = debit

		credit, err := fpmath.CheckedSub(balanceOf(j.CreditAccount), j.Amount)
		if err != nil {
			return nil, fmt.Errorf("journal %s: %w", j.JournalID, err)
		}
		projected[j.CreditAccount] = credit
	}
	return projected, nil
}

// ProjectedBalance returns what key would hold after batch, without applying
// it. It fails when any leg of the batch would overflow a balance.
func (bt *BalanceTracker) ProjectedBalance(batch *Batch, key AccountKey) (int64, error) {
	projected, err := bt.project(batch)
	if err != nil {
		return 0, err
	}
	if v, ok := projected[key]; ok {
		return v, nil
	}
	return bt.balances[key], nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// === Pool Queries (totalCapital = free + used) ===

// FreeCapital returns capital not locked against any policy.
func (bt *BalanceTracker) FreeCapital() int64 {
	return bt.balances[PoolFreeAccount()]
}

// PolicyCollateral returns the capital locked for one policy.
func (bt *BalanceTracker) PolicyCollateral(policyIndex int64) int64 {
	return bt.balances[PolicyCollateralAccount(policyIndex)]
}

// UsedLiquidity is the total locked across every policy collateral account.
func (bt *BalanceTracker) UsedLiquidity() int64 {
	return bt.used
}

// SweepUsedLiquidity recomputes UsedLiquidity from every account.
func (bt *BalanceTracker) SweepUsedLiquidity() int64 {
	var used int64
	for key, balance := range bt.balances {
		if key.Scope == AccountScopePolicy {
			used += balance
		}
	}
	return used
}

// TotalCapital is free capital plus used liquidity.
func (bt *BalanceTracker) TotalCapital() int64 {
	return bt.FreeCapital() + bt.UsedLiquidity()
}

// HeldBalance is the value the engine holds as seen from outside: what came
// in through boundary accounts minus what went out. Always equals TotalCapital
// on a consistent ledger.
func (bt *BalanceTracker) HeldBalance() int64 {
	return -bt.external
}

// SweepHeldBalance recomputes HeldBalance from every account.
func (bt *BalanceTracker) SweepHeldBalance() int64 {
	var external int64
	for key, balance := range bt.balances {
		if key.IsExternal() {
			external += balance
		}
	}
	return -external
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() int64 {
	var total int64
	for _, balance := range bt.balances {
		total += balance
	}
	return total
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// SortedKeys returns every tracked account in a stable order.
func (bt *BalanceTracker) SortedKeys() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k := range bt.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Scope != b.Scope {
			return a.Scope < b.Scope
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.SubType < b.SubType
	})
	return keys
}

// SetBalance overwrites one balance. Used only when restoring a snapshot.
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	bt.set(key, balance)
}
