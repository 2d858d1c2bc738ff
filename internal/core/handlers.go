package core

import (
	"UnderwriteLedger/internal/event"
	"UnderwriteLedger/internal/failure"
	"UnderwriteLedger/internal/state"
	"fmt"
	"time"
)

func (c *UnderwritingCore) dispatch(cmd event.Command, now time.Time) (*plan, error) {
	switch e := cmd.(type) {
	case *event.DepositLiquidity:
		return c.handleDepositLiquidity(e, now)
	case *event.RemoveLiquidity:
		return c.handleRemoveLiquidity(e, now)
	case *event.CreateQuote:
		return c.handleCreateQuote(e, now)
	case *event.CreatePolicy:
		return c.handleCreatePolicy(e, now)
	case *event.PayPremium:
		return c.handlePayPremium(e, now)
	case *event.Payout:
		return c.handlePayout(e, now)
	case *event.ClosePolicy:
		return c.handleClosePolicy(e, now)
	default:
		return nil, fmt.Errorf("unknown command type %T: %w", cmd, failure.ErrInvalidArgument)
	}
}

func (c *UnderwritingCore) isOperator(id event.Identity) bool {
	return id.Normalize() == c.cfg.Operator
}

func (c *UnderwritingCore) newPlan(cmd event.Command, now time.Time) *plan {
	return &plan{
		batch: c.pool.NewBatch(cmd.IdempotencyKey(), c.sequence, now.UnixMicro()),
	}
}

// handleDepositLiquidity credits free capital. Open to any caller.
func (c *UnderwritingCore) handleDepositLiquidity(cmd *event.DepositLiquidity, now time.Time) (*plan, error) {
	p := c.newPlan(cmd, now)
	if err := c.pool.Deposit(p.batch, cmd.Payment); err != nil {
		return nil, err
	}
	p.commit = func() Result {
		return Result{Amount: cmd.Payment}
	}
	return p, nil
}

// handleRemoveLiquidity pays free capital out to the operator.
func (c *UnderwritingCore) handleRemoveLiquidity(cmd *event.RemoveLiquidity, now time.Time) (*plan, error) {
	if !c.isOperator(cmd.Caller) {
		return nil, fmt.Errorf("remove liquidity by %q: %w", cmd.Caller, failure.ErrUnauthorized)
	}

	p := c.newPlan(cmd, now)
	if err := c.pool.Withdraw(p.batch, cmd.Amount); err != nil {
		return nil, err
	}
	p.transfer = &TransferRequest{
		Ref:    cmd.IdempotencyKey(),
		Kind:   TransferKindWithdrawal,
		To:     c.cfg.Operator,
		Amount: cmd.Amount,
	}
	p.commit = func() Result {
		return Result{Amount: cmd.Amount}
	}
	return p, nil
}

// handleCreateQuote appends a quote. No money moves.
func (c *UnderwritingCore) handleCreateQuote(cmd *event.CreateQuote, now time.Time) (*plan, error) {
	if err := c.quotes.ValidateQuote(cmd.Caller, cmd.ProductType, cmd.CoverageAmount, cmd.MonthlyPremium); err != nil {
		return nil, err
	}

	p := c.newPlan(cmd, now)
	p.commit = func() Result {
		q := c.quotes.Append(cmd.ProductType, cmd.CoverageAmount, cmd.MonthlyPremium, now)
		return Result{QuoteIndex: &q.Index}
	}
	return p, nil
}

// handleCreatePolicy collects the full payment, then locks the quote's
// coverage. The payment counts toward free capital for the lock.
func (c *UnderwritingCore) handleCreatePolicy(cmd *event.CreatePolicy, now time.Time) (*plan, error) {
	owner := cmd.Caller.Normalize()
	if owner.IsZero() {
		return nil, fmt.Errorf("policy owner is empty: %w", failure.ErrInvalidArgument)
	}

	q, err := c.quotes.Get(cmd.QuoteIndex)
	if err != nil {
		return nil, err
	}
	if cmd.Payment < q.MonthlyPremium {
		return nil, fmt.Errorf("payment %d below premium %d: %w", cmd.Payment, q.MonthlyPremium, failure.ErrInsufficientPremium)
	}

	policyIndex := c.policies.Len()
	p := c.newPlan(cmd, now)
	if err := c.pool.CollectPremium(p.batch, cmd.Payment); err != nil {
		return nil, err
	}
	if err := c.pool.Lock(p.batch, policyIndex, q.CoverageAmount); err != nil {
		return nil, err
	}

	p.commit = func() Result {
		pol := c.policies.Append(state.Policy{
			QuoteIndex:     q.Index,
			Owner:          owner,
			ProductType:    q.ProductType,
			CoverageAmount: q.CoverageAmount,
			MonthlyPremium: q.MonthlyPremium,
			PaidUntil:      now.Add(c.cfg.BillingPeriod),
			CreatedAt:      now,
		})
		if pol.Index != policyIndex {
			panic(fmt.Sprintf("FATAL: policy appended at %d, collateral locked for %d", pol.Index, policyIndex))
		}
		paidUntil := pol.PaidUntil
		return Result{
			QuoteIndex:  &q.Index,
			PolicyIndex: &pol.Index,
			Amount:      cmd.Payment,
			PaidUntil:   &paidUntil,
		}
	}
	return p, nil
}

// handlePayPremium extends coverage by one billing period from the current
// paidUntil. Only the owner may pay.
func (c *UnderwritingCore) handlePayPremium(cmd *event.PayPremium, now time.Time) (*plan, error) {
	pol, err := c.policies.Get(cmd.PolicyIndex)
	if err != nil {
		return nil, err
	}
	if cmd.Caller.Normalize() != pol.Owner {
		return nil, fmt.Errorf("pay premium on policy %d by %q: %w", pol.Index, cmd.Caller, failure.ErrUnauthorized)
	}
	if !pol.Active() {
		return nil, fmt.Errorf("policy %d is %s: %w", pol.Index, pol.Status, failure.ErrPolicyInactive)
	}
	if cmd.Payment < pol.MonthlyPremium {
		return nil, fmt.Errorf("payment %d below premium %d: %w", cmd.Payment, pol.MonthlyPremium, failure.ErrInsufficientPremium)
	}

	p := c.newPlan(cmd, now)
	if err := c.pool.CollectPremium(p.batch, cmd.Payment); err != nil {
		return nil, err
	}

	p.commit = func() Result {
		paidUntil, err := c.policies.ExtendPaidUntil(pol.Index, c.cfg.BillingPeriod)
		if err != nil {
			panic(fmt.Sprintf("FATAL: extend policy %d after commit: %v", pol.Index, err))
		}
		return Result{PolicyIndex: &pol.Index, Amount: cmd.Payment, PaidUntil: &paidUntil}
	}
	return p, nil
}

// handlePayout settles a claim. The transfer to the owner runs before the
// commit; the policy's full collateral is released whatever the amount.
func (c *UnderwritingCore) handlePayout(cmd *event.Payout, now time.Time) (*plan, error) {
	if !c.isOperator(cmd.Caller) {
		return nil, fmt.Errorf("payout by %q: %w", cmd.Caller, failure.ErrUnauthorized)
	}
	pol, err := c.policies.Get(cmd.PolicyIndex)
	if err != nil {
		return nil, err
	}
	if !pol.Active() {
		return nil, fmt.Errorf("policy %d is %s: %w", pol.Index, pol.Status, failure.ErrPolicyInactive)
	}
	if cmd.Amount < 0 {
		return nil, fmt.Errorf("payout amount %d is negative: %w", cmd.Amount, failure.ErrInvalidArgument)
	}
	if cmd.Amount > pol.CoverageAmount {
		return nil, fmt.Errorf("payout %d over coverage %d: %w", cmd.Amount, pol.CoverageAmount, failure.ErrPayoutExceedsCoverage)
	}

	p := c.newPlan(cmd, now)
	released, err := c.pool.Release(p.batch, pol.Index)
	if err != nil {
		return nil, err
	}
	if err := c.pool.TransferOut(p.batch, cmd.Amount); err != nil {
		return nil, err
	}
	if cmd.Amount > 0 {
		p.transfer = &TransferRequest{
			Ref:         cmd.IdempotencyKey(),
			Kind:        TransferKindPayout,
			To:          pol.Owner,
			Amount:      cmd.Amount,
			PolicyIndex: &pol.Index,
		}
	}

	p.commit = func() Result {
		if _, err := c.policies.Terminate(pol.Index, state.PolicyStatusPaidOut, now, cmd.Amount); err != nil {
			panic(fmt.Sprintf("FATAL: terminate policy %d after commit: %v", pol.Index, err))
		}
		return Result{PolicyIndex: &pol.Index, Amount: cmd.Amount, Released: released}
	}
	return p, nil
}

// handleClosePolicy lapses a policy past paidUntil + grace period. Anyone
// may call it; the owner receives nothing.
func (c *UnderwritingCore) handleClosePolicy(cmd *event.ClosePolicy, now time.Time) (*plan, error) {
	pol, err := c.policies.Get(cmd.PolicyIndex)
	if err != nil {
		return nil, err
	}
	if !pol.Active() {
		return nil, fmt.Errorf("policy %d is %s: %w", pol.Index, pol.Status, failure.ErrPolicyInactive)
	}
	if !pol.LapsableAt(now, c.cfg.GracePeriod) {
		return nil, fmt.Errorf("policy %d paid until %s, grace ends %s: %w",
			pol.Index, pol.PaidUntil.Format(time.RFC3339), pol.PaidUntil.Add(c.cfg.GracePeriod).Format(time.RFC3339),
			failure.ErrPremiumCurrent)
	}

	p := c.newPlan(cmd, now)
	released, err := c.pool.Release(p.batch, pol.Index)
	if err != nil {
		return nil, err
	}

	p.commit = func() Result {
		if _, err := c.policies.Terminate(pol.Index, state.PolicyStatusLapsed, now, 0); err != nil {
			panic(fmt.Sprintf("FATAL: terminate policy %d after commit: %v", pol.Index, err))
		}
		return Result{PolicyIndex: &pol.Index, Released: released}
	}
	return p, nil
}
