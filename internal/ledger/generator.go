package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches for pool movements.
// It never checks balances itself; BalanceTracker.ApplyBatch does that.
type JournalGenerator struct{}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{}
}

// NewBatch starts an empty batch for one command.
func (jg *JournalGenerator) NewBatch(eventRef string, sequence, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 2),
	}
}

// Deposit records a liquidity deposit.
// Moves funds: external:deposits → pool:free
func (jg *JournalGenerator) Deposit(b *Batch, amount int64) error {
	return jg.append(b, PoolFreeAccount(), NewExternalAccountKey(SubTypeExternalDeposits), amount, JournalTypeDeposit)
}

// Withdraw records liquidity leaving the pool.
// Moves funds: pool:free → external:withdrawals
func (jg *JournalGenerator) Withdraw(b *Batch, amount int64) error {
	return jg.append(b, NewExternalAccountKey(SubTypeExternalWithdrawals), PoolFreeAccount(), amount, JournalTypeWithdrawal)
}

// CollectPremium records a premium payment into the pool.
// Moves funds: external:premiums → pool:free
func (jg *JournalGenerator) CollectPremium(b *Batch, amount int64) error {
	return jg.append(b, PoolFreeAccount(), NewExternalAccountKey(SubTypeExternalPremiums), amount, JournalTypePremium)
}

// Lock reserves capital against a policy.
// Moves funds: pool:free → policy:<index>:collateral
func (jg *JournalGenerator) Lock(b *Batch, policyIndex, amount int64) error {
	return jg.append(b, PolicyCollateralAccount(policyIndex), PoolFreeAccount(), amount, JournalTypeCollateralLock)
}

// Unlock returns a policy's collateral to the pool.
// Moves funds: policy:<index>:collateral → pool:free
func (jg *JournalGenerator) Unlock(b *Batch, policyIndex, amount int64) error {
	return jg.append(b, PoolFreeAccount(), PolicyCollateralAccount(policyIndex), amount, JournalTypeCollateralRelease)
}

// TransferOut records a claim payment leaving the pool.
// Moves funds: pool:free → external:payouts
func (jg *JournalGenerator) TransferOut(b *Batch, amount int64) error {
	return jg.append(b, NewExternalAccountKey(SubTypeExternalPayouts), PoolFreeAccount(), amount, JournalTypePayout)
}

// append adds one journal. Zero amounts are skipped, so a zero payout or
// a premium-free quote leaves no empty legs behind.
func (jg *JournalGenerator) append(b *Batch, debit, credit AccountKey, amount int64, jt JournalType) error {
	if amount < 0 {
		return fmt.Errorf("%s amount must be non-negative: %d", jt, amount)
	}
	if amount == 0 {
		return nil
	}

	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
	return nil
}
