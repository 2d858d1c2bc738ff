package ledger

import "fmt"

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed before it is applied.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("global balance is non-zero: %d", total)
	}
	return nil
}

// ValidateInternalNonNegative checks every pool and policy account is >= 0.
func (v *InvariantValidator) ValidateInternalNonNegative() error {
	for _, key := range v.tracker.SortedKeys() {
		if key.IsExternal() {
			continue
		}
		if err := v.tracker.ValidateNonNegative(key); err != nil {
			return err
		}
	}
	return nil
}

// ValidateHeldBalance checks held balance == free + used.
func (v *InvariantValidator) ValidateHeldBalance() error {
	held := v.tracker.HeldBalance()
	total := v.tracker.TotalCapital()
	if held != total {
		return fmt.Errorf("held balance %d != total capital %d", held, total)
	}
	return nil
}

// ValidateUsedLiquidity checks locked collateral equals the coverage of all
// active policies.
func (v *InvariantValidator) ValidateUsedLiquidity(activeCoverage int64) error {
	used := v.tracker.UsedLiquidity()
	if used != activeCoverage {
		return fmt.Errorf("used liquidity %d != active coverage %d", used, activeCoverage)
	}
	return nil
}

// ValidatePolicyCollateral checks one policy holds exactly expected collateral.
func (v *InvariantValidator) ValidatePolicyCollateral(policyIndex, expected int64) error {
	locked := v.tracker.PolicyCollateral(policyIndex)
	if locked != expected {
		return fmt.Errorf("policy %d collateral %d != expected %d", policyIndex, locked, expected)
	}
	return nil
}

// ValidateRunningTotals checks the tracker's running sums against a full
// sweep of the accounts.
func (v *InvariantValidator) ValidateRunningTotals() error {
	if used, swept := v.tracker.UsedLiquidity(), v.tracker.SweepUsedLiquidity(); used != swept {
		return fmt.Errorf("running used liquidity %d != swept %d", used, swept)
	}
	if held, swept := v.tracker.HeldBalance(), v.tracker.SweepHeldBalance(); held != swept {
		return fmt.Errorf("running held balance %d != swept %d", held, swept)
	}
	return nil
}

// ValidateAll runs every ledger-only invariant.
func (v *InvariantValidator) ValidateAll(activeCoverage int64) error {
	if err := v.ValidateGlobalBalance(); err != nil {
		return err
	}
	if err := v.ValidateRunningTotals(); err != nil {
		return err
	}
	if err := v.ValidateInternalNonNegative(); err != nil {
		return err
	}
	if err := v.ValidateHeldBalance(); err != nil {
		return err
	}
	return v.ValidateUsedLiquidity(activeCoverage)
}
