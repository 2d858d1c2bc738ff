package state

import (
	"UnderwriteLedger/internal/failure"
	"UnderwriteLedger/internal/ledger"
	"fmt"
)

// PoolStats is the pool's capital split.
type PoolStats struct {
	TotalCapital  int64 `json:"total_capital"`
	UsedLiquidity int64 `json:"used_liquidity"`
	FreeLiquidity int64 `json:"free_liquidity"`
}

// PoolController is the only component that builds balance-moving journals.
// Each method appends legs to the command's batch after checking them
// against what the batch has already staged. Nothing moves until Commit.
type PoolController struct {
	tracker   *ledger.BalanceTracker
	generator *ledger.JournalGenerator
}

func NewPoolController(tracker *ledger.BalanceTracker, generator *ledger.JournalGenerator) *PoolController {
	return &PoolController{
		tracker:   tracker,
		generator: generator,
	}
}

func (pc *PoolController) Stats() PoolStats {
	free := pc.tracker.FreeCapital()
	used := pc.tracker.UsedLiquidity()
	return PoolStats{
		TotalCapital:  free + used,
		UsedLiquidity: used,
		FreeLiquidity: free,
	}
}

// HeldBalance is the value the pool holds against the outside world.
func (pc *PoolController) HeldBalance() int64 {
	return pc.tracker.HeldBalance()
}

// Collateral returns what is currently locked for one policy.
func (pc *PoolController) Collateral(policyIndex int64) int64 {
	return pc.tracker.PolicyCollateral(policyIndex)
}

// NewBatch starts the batch one command will commit.
func (pc *PoolController) NewBatch(eventRef string, sequence, timestamp int64) *ledger.Batch {
	return pc.generator.NewBatch(eventRef, sequence, timestamp)
}

// staged is key as it would be after the legs already in b. A batch whose
// legs overflow any balance is an invalid argument, rejected before commit.
func (pc *PoolController) staged(b *ledger.Batch, key ledger.AccountKey) (int64, error) {
	balance, err := pc.tracker.ProjectedBalance(b, key)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", failure.ErrInvalidArgument, err)
	}
	return balance, nil
}

func (pc *PoolController) stagedFree(b *ledger.Batch) (int64, error) {
	return pc.staged(b, ledger.PoolFreeAccount())
}

// settle checks the legs just appended to b still project without overflow.
func (pc *PoolController) settle(b *ledger.Batch) error {
	_, err := pc.stagedFree(b)
	return err
}

func (pc *PoolController) Deposit(b *ledger.Batch, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount %d must be positive: %w", amount, failure.ErrInvalidArgument)
	}
	if err := pc.generator.Deposit(b, amount); err != nil {
		return err
	}
	return pc.settle(b)
}

func (pc *PoolController) Withdraw(b *ledger.Batch, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("withdraw amount %d must be positive: %w", amount, failure.ErrInvalidArgument)
	}
	free, err := pc.stagedFree(b)
	if err != nil {
		return err
	}
	if amount > free {
		return fmt.Errorf("withdraw %d with %d free: %w", amount, free, failure.ErrInsufficientFreeLiquidity)
	}
	if err := pc.generator.Withdraw(b, amount); err != nil {
		return err
	}
	return pc.settle(b)
}

func (pc *PoolController) CollectPremium(b *ledger.Batch, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("premium %d must be non-negative: %w", amount, failure.ErrInvalidArgument)
	}
	if err := pc.generator.CollectPremium(b, amount); err != nil {
		return err
	}
	return pc.settle(b)
}

// Lock reserves amount of free capital for a policy.
func (pc *PoolController) Lock(b *ledger.Batch, policyIndex, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("lock amount %d must be positive: %w", amount, failure.ErrInvalidArgument)
	}
	free, err := pc.stagedFree(b)
	if err != nil {
		return err
	}
	if amount > free {
		return fmt.Errorf("lock %d for policy %d with %d free: %w", amount, policyIndex, free, failure.ErrInsufficientFreeLiquidity)
	}
	if err := pc.generator.Lock(b, policyIndex, amount); err != nil {
		return err
	}
	return pc.settle(b)
}

// Release returns the policy's entire collateral to the pool and reports
// how much that was. A policy with nothing locked cannot be released twice.
func (pc *PoolController) Release(b *ledger.Batch, policyIndex int64) (int64, error) {
	locked, err := pc.staged(b, ledger.PolicyCollateralAccount(policyIndex))
	if err != nil {
		return 0, err
	}
	if locked <= 0 {
		return 0, fmt.Errorf("policy %d has no collateral to release: %w", policyIndex, failure.ErrPolicyInactive)
	}
	if err := pc.generator.Unlock(b, policyIndex, locked); err != nil {
		return 0, err
	}
	if err := pc.settle(b); err != nil {
		return 0, err
	}
	return locked, nil
}

// TransferOut stages a claim payment leaving the pool. Zero is a no-op.
func (pc *PoolController) TransferOut(b *ledger.Batch, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("payout amount %d must be non-negative: %w", amount, failure.ErrInvalidArgument)
	}
	free, err := pc.stagedFree(b)
	if err != nil {
		return err
	}
	if amount > free {
		return fmt.Errorf("transfer %d with %d free: %w", amount, free, failure.ErrInsufficientFreeLiquidity)
	}
	if err := pc.generator.TransferOut(b, amount); err != nil {
		return err
	}
	return pc.settle(b)
}

// Commit applies the batch through the balance tracker, all or nothing.
func (pc *PoolController) Commit(b *ledger.Batch) error {
	return pc.tracker.ApplyBatch(b)
}
