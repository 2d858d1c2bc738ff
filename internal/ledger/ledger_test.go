package ledger_test

import (
	"UnderwriteLedger/internal/failure"
	"UnderwriteLedger/internal/ledger"
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"
)

const unit = int64(100_000_000)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_PoolPath(t *testing.T) {
	path := ledger.PoolFreeAccount().AccountPath()
	if path != "pool:free" {
		t.Errorf("got %q, want %q", path, "pool:free")
	}
}

func TestAccountKey_PolicyPath(t *testing.T) {
	path := ledger.PolicyCollateralAccount(7).AccountPath()
	if path != "policy:7:collateral" {
		t.Errorf("got %q, want %q", path, "policy:7:collateral")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalPayouts)
	if path := key.AccountPath(); path != "external:payouts" {
		t.Errorf("got %q, want %q", path, "external:payouts")
	}
	if !key.IsExternal() {
		t.Error("external:payouts should be external")
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.PoolFreeAccount(),
		ledger.PolicyCollateralAccount(0),
		ledger.PolicyCollateralAccount(42),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalPremiums),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalPayouts),
	}

	for _, key := range keys {
		got, err := ledger.ParseAccountPath(key.AccountPath())
		if err != nil {
			t.Fatalf("parse %q: %v", key.AccountPath(), err)
		}
		if got != key {
			t.Errorf("parse %q: got %+v, want %+v", key.AccountPath(), got, key)
		}
	}
}

func TestParseAccountPath_Rejects(t *testing.T) {
	bad := []string{"", "pool", "pool:collateral", "policy:x:collateral", "policy:-1:collateral", "external:free", "user:1:collateral"}
	for _, p := range bad {
		if _, err := ledger.ParseAccountPath(p); err == nil {
			t.Errorf("expected error for %q", p)
		}
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	if bt.FreeCapital() != 0 || bt.UsedLiquidity() != 0 || bt.TotalCapital() != 0 {
		t.Error("new tracker should hold nothing")
	}
}

func TestBalanceTracker_ApplyBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator()

	b := jg.NewBatch("dep-1", 1, 0)
	mustNoErr(t, jg.Deposit(b, 5*unit))

	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	if bt.FreeCapital() != 5*unit {
		t.Errorf("free: got %d, want %d", bt.FreeCapital(), 5*unit)
	}
	if bt.HeldBalance() != 5*unit {
		t.Errorf("held: got %d, want %d", bt.HeldBalance(), 5*unit)
	}
}

func TestBalanceTracker_LockAndRelease(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator()
	mustApply(t, bt, func(b *ledger.Batch) error { return jg.Deposit(b, 4*unit) })

	mustApply(t, bt, func(b *ledger.Batch) error {
		if err := jg.CollectPremium(b, unit/100); err != nil {
			return err
		}
		return jg.Lock(b, 0, 2*unit)
	})

	if got := bt.PolicyCollateral(0); got != 2*unit {
		t.Errorf("collateral: got %d, want %d", got, 2*unit)
	}
	if got := bt.UsedLiquidity(); got != 2*unit {
		t.Errorf("used: got %d, want %d", got, 2*unit)
	}
	if got, want := bt.FreeCapital(), 2*unit+unit/100; got != want {
		t.Errorf("free: got %d, want %d", got, want)
	}

	mustApply(t, bt, func(b *ledger.Batch) error { return jg.Unlock(b, 0, 2*unit) })
	if bt.UsedLiquidity() != 0 {
		t.Errorf("used should be 0 after release, got %d", bt.UsedLiquidity())
	}
	if bt.TotalCapital() != bt.HeldBalance() {
		t.Errorf("total %d != held %d", bt.TotalCapital(), bt.HeldBalance())
	}
}

func TestBalanceTracker_ApplyBatch_AllOrNothing(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator()
	mustApply(t, bt, func(b *ledger.Batch) error { return jg.Deposit(b, unit) })

	// Premium comes in first, but the lock still overdraws pool:free.
	b := jg.NewBatch("overlock", 2, 0)
	mustNoErr(t, jg.CollectPremium(b, unit/10))
	mustNoErr(t, jg.Lock(b, 0, 2*unit))

	err := bt.ApplyBatch(b)
	if !errors.Is(err, failure.ErrInsufficientFreeLiquidity) {
		t.Fatalf("expected ErrInsufficientFreeLiquidity, got %v", err)
	}

	if bt.FreeCapital() != unit {
		t.Errorf("free should be untouched: got %d, want %d", bt.FreeCapital(), unit)
	}
	if bt.PolicyCollateral(0) != 0 {
		t.Errorf("collateral should be untouched: got %d", bt.PolicyCollateral(0))
	}
}

func TestBalanceTracker_ProjectedBalance(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator()
	mustApply(t, bt, func(b *ledger.Batch) error { return jg.Deposit(b, unit) })

	b := jg.NewBatch("staged", 2, 0)
	mustNoErr(t, jg.Withdraw(b, 3*unit))

	got, err := bt.ProjectedBalance(b, ledger.PoolFreeAccount())
	mustNoErr(t, err)
	if got != -2*unit {
		t.Errorf("projected: got %d, want %d", got, -2*unit)
	}
	if bt.FreeCapital() != unit {
		t.Error("projection must not mutate the tracker")
	}
}

func TestBalanceTracker_ProjectedBalanceOverflow(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator()
	mustApply(t, bt, func(b *ledger.Batch) error { return jg.Deposit(b, math.MaxInt64) })

	b := jg.NewBatch("overflow", 2, 0)
	mustNoErr(t, jg.Deposit(b, 1))

	if _, err := bt.ProjectedBalance(b, ledger.PoolFreeAccount()); err == nil {
		t.Fatal("expected overflow to surface from the projection")
	}
	if err := bt.ApplyBatch(b); err == nil {
		t.Fatal("expected overflowing batch to be rejected")
	}
	if bt.FreeCapital() != math.MaxInt64 {
		t.Errorf("free should be untouched: got %d", bt.FreeCapital())
	}
}

func TestBalanceTracker_RunningTotalsMatchSweep(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator()
	v := ledger.NewInvariantValidator(bt)

	mustApply(t, bt, func(b *ledger.Batch) error { return jg.Deposit(b, 10*unit) })
	for i := int64(0); i < 5; i++ {
		idx := i
		mustApply(t, bt, func(b *ledger.Batch) error { return jg.Lock(b, idx, unit) })
	}
	mustApply(t, bt, func(b *ledger.Batch) error { return jg.Unlock(b, 2, unit) })
	mustApply(t, bt, func(b *ledger.Batch) error {
		if err := jg.Unlock(b, 4, unit); err != nil {
			return err
		}
		return jg.TransferOut(b, unit/2)
	})

	if bt.UsedLiquidity() != 3*unit || bt.SweepUsedLiquidity() != 3*unit {
		t.Errorf("used: running %d, swept %d, want %d", bt.UsedLiquidity(), bt.SweepUsedLiquidity(), 3*unit)
	}
	if bt.HeldBalance() != bt.SweepHeldBalance() {
		t.Errorf("held: running %d, swept %d", bt.HeldBalance(), bt.SweepHeldBalance())
	}
	if err := v.ValidateRunningTotals(); err != nil {
		t.Errorf("running totals drifted: %v", err)
	}

	bt.SetBalance(ledger.PolicyCollateralAccount(0), 0)
	if bt.UsedLiquidity() != 2*unit {
		t.Errorf("restore write should update the running total, got %d", bt.UsedLiquidity())
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator()

	mustApply(t, bt, func(b *ledger.Batch) error { return jg.Deposit(b, 5*unit) })
	mustApply(t, bt, func(b *ledger.Batch) error { return jg.Withdraw(b, unit) })
	mustApply(t, bt, func(b *ledger.Batch) error { return jg.Lock(b, 3, 2*unit) })
	mustApply(t, bt, func(b *ledger.Batch) error {
		if err := jg.Unlock(b, 3, 2*unit); err != nil {
			return err
		}
		return jg.TransferOut(b, unit/2)
	})

	if total := bt.ComputeGlobalBalance(); total != 0 {
		t.Errorf("global balance should be zero, got %d", total)
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator()
	mustApply(t, bt, func(b *ledger.Batch) error { return jg.Deposit(b, 999) })

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	for k := range snap {
		snap[k] = 0
	}

	if bt.FreeCapital() != 999 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatch_Validate_NonPositiveAmount(t *testing.T) {
	batchID := uuid.New()
	b := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.PoolFreeAccount(),
			CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits),
			Amount:        0,
		}},
	}

	if err := b.Validate(); err == nil {
		t.Error("expected error for zero amount")
	}
}

func TestBatch_Validate_MismatchedBatchID(t *testing.T) {
	b := &ledger.Batch{
		BatchID: uuid.New(),
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       uuid.New(),
			DebitAccount:  ledger.PoolFreeAccount(),
			CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits),
			Amount:        1,
		}},
	}

	if err := b.Validate(); err == nil {
		t.Error("expected error for mismatched batch_id")
	}
}

func TestBatch_Validate_SelfTransfer(t *testing.T) {
	batchID := uuid.New()
	b := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.PoolFreeAccount(),
			CreditAccount: ledger.PoolFreeAccount(),
			Amount:        1,
		}},
	}

	if err := b.Validate(); err == nil {
		t.Error("expected error for self-transfer")
	}
}

func TestBatch_Validate_EmptyIsValid(t *testing.T) {
	b := ledger.NewJournalGenerator().NewBatch("quote", 1, 0)
	if err := b.Validate(); err != nil {
		t.Errorf("empty batch should validate: %v", err)
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestJournalGenerator_ZeroAmountSkipped(t *testing.T) {
	jg := ledger.NewJournalGenerator()
	b := jg.NewBatch("payout", 1, 0)

	mustNoErr(t, jg.Unlock(b, 0, 2*unit))
	mustNoErr(t, jg.TransferOut(b, 0))

	if len(b.Journals) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(b.Journals))
	}
	if b.Journals[0].JournalType != ledger.JournalTypeCollateralRelease {
		t.Errorf("got %s, want collateral_release", b.Journals[0].JournalType)
	}
}

func TestJournalGenerator_NegativeAmountRejected(t *testing.T) {
	jg := ledger.NewJournalGenerator()
	b := jg.NewBatch("bad", 1, 0)

	if err := jg.TransferOut(b, -1); err == nil {
		t.Error("expected error for negative amount")
	}
	if len(b.Journals) != 0 {
		t.Error("rejected leg must not be appended")
	}
}

func TestJournalGenerator_JournalsCarryBatchContext(t *testing.T) {
	jg := ledger.NewJournalGenerator()
	b := jg.NewBatch("cmd-9", 9, 1234)
	mustNoErr(t, jg.CollectPremium(b, 10))
	mustNoErr(t, jg.Lock(b, 2, 5))

	for _, j := range b.Journals {
		if j.BatchID != b.BatchID || j.EventRef != "cmd-9" || j.Sequence != 9 || j.Timestamp != 1234 {
			t.Errorf("journal %s lost batch context: %+v", j.JournalID, j)
		}
	}
	if b.Total(ledger.JournalTypePremium) != 10 {
		t.Errorf("premium total: got %d, want 10", b.Total(ledger.JournalTypePremium))
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_ValidateAll(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator()
	v := ledger.NewInvariantValidator(bt)

	mustApply(t, bt, func(b *ledger.Batch) error { return jg.Deposit(b, 4*unit) })
	mustApply(t, bt, func(b *ledger.Batch) error { return jg.Lock(b, 0, unit) })

	if err := v.ValidateAll(unit); err != nil {
		t.Errorf("consistent ledger should validate: %v", err)
	}
	if err := v.ValidateUsedLiquidity(2 * unit); err == nil {
		t.Error("expected mismatch between used liquidity and coverage")
	}
	if err := v.ValidatePolicyCollateral(0, unit); err != nil {
		t.Errorf("policy 0 should hold %d: %v", unit, err)
	}
}

func TestInvariantValidator_DetectsNegativeInternal(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	bt.SetBalance(ledger.PoolFreeAccount(), -1)
	bt.SetBalance(ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits), 1)

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("balances still sum to zero: %v", err)
	}
	if err := v.ValidateInternalNonNegative(); err == nil {
		t.Error("expected negative pool:free to be flagged")
	}
}

// ============================================================================
// Helpers
// ============================================================================

var seq int64

func mustApply(t *testing.T, bt *ledger.BalanceTracker, build func(*ledger.Batch) error) {
	t.Helper()
	seq++
	b := ledger.NewJournalGenerator().NewBatch("test", seq, 0)
	if err := build(b); err != nil {
		t.Fatalf("build batch: %v", err)
	}
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("apply batch: %v", err)
	}
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
