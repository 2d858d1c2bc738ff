package core

import (
	"UnderwriteLedger/internal/event"
	"UnderwriteLedger/internal/ledger"
	"UnderwriteLedger/internal/state"
	"fmt"
	"time"
)

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the in-memory state for restore.
// This mirrors persistence.SnapshotData but uses typed fields.
type SnapshotState struct {
	Sequence        int64 // last applied sequence
	StateHash       [32]byte
	LastTimestamp   time.Time
	Balances        map[ledger.AccountKey]int64
	Quotes          []state.Quote
	Policies        []state.Policy
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state for persistence.
// A full invariant sweep runs first so a corrupt state is never snapshotted.
func (c *UnderwritingCore) CreateSnapshotState() (*SnapshotState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fullSweep(); err != nil {
		return nil, fmt.Errorf("refusing to snapshot: %w", err)
	}

	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		LastTimestamp:   c.lastNow,
		Balances:        c.tracker.Snapshot(),
		Quotes:          c.quotes.All(),
		Policies:        c.policies.All(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}, nil
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// Only valid on a core that has not applied any command.
func (c *UnderwritingCore) RestoreFromSnapshot(snap *SnapshotState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sequence != 1 {
		return fmt.Errorf("restore into a core at sequence %d", c.sequence)
	}

	if err := c.quotes.Restore(snap.Quotes); err != nil {
		return fmt.Errorf("restore quotes: %w", err)
	}
	if err := c.policies.Restore(snap.Policies); err != nil {
		return fmt.Errorf("restore policies: %w", err)
	}
	for key, balance := range snap.Balances {
		c.tracker.SetBalance(key, balance)
	}

	if err := c.fullSweep(); err != nil {
		return fmt.Errorf("snapshot at seq %d is inconsistent: %w", snap.Sequence, err)
	}

	c.sequence = snap.Sequence + 1
	c.lastNow = snap.LastTimestamp.UTC()
	c.hasher.SetPrevHash(snap.StateHash)
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	c.updatePoolGauges()
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *UnderwritingCore) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.lru.WarmFromKeys(keys)
}

// --- Read Accessors ---

// GetSequence returns the next sequence number to assign.
func (c *UnderwritingCore) GetSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *UnderwritingCore) GetStateHash() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasher.GetPrevHash()
}

func (c *UnderwritingCore) Config() Config {
	return c.cfg
}

func (c *UnderwritingCore) Quote(index int64) (state.Quote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quotes.Get(index)
}

func (c *UnderwritingCore) QuotesLength() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quotes.Len()
}

func (c *UnderwritingCore) Quotes() []state.Quote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quotes.All()
}

func (c *UnderwritingCore) Policy(index int64) (state.Policy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policies.Get(index)
}

func (c *UnderwritingCore) PoliciesLength() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policies.Len()
}

func (c *UnderwritingCore) Policies() []state.Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policies.All()
}

func (c *UnderwritingCore) PoliciesByOwner(owner event.Identity) []state.Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policies.ByOwner(owner)
}

// LapseCandidates lists the policies a ClosePolicy issued now would lapse.
func (c *UnderwritingCore) LapseCandidates() []state.Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now().UTC().Truncate(time.Microsecond)
	if now.Before(c.lastNow) {
		now = c.lastNow
	}
	return c.policies.LapseCandidates(now, c.cfg.GracePeriod)
}

// PoolSummary is every pool figure as of one applied sequence.
type PoolSummary struct {
	Pool           state.PoolStats
	HeldBalance    int64
	QuotesLength   int64
	PoliciesLength int64
	Sequence       int64 // last applied, 0 on an empty log
	StateHash      [32]byte
}

// PoolSummary reads the pool, registry sizes and chain tip under one lock.
func (c *UnderwritingCore) PoolSummary() PoolSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return PoolSummary{
		Pool:           c.pool.Stats(),
		HeldBalance:    c.pool.HeldBalance(),
		QuotesLength:   c.quotes.Len(),
		PoliciesLength: c.policies.Len(),
		Sequence:       c.sequence - 1,
		StateHash:      c.hasher.GetPrevHash(),
	}
}

func (c *UnderwritingCore) PoolStats() state.PoolStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool.Stats()
}

func (c *UnderwritingCore) UsedLiquidity() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool.Stats().UsedLiquidity
}

// HeldBalance is the value held on behalf of the pool, as seen from outside.
func (c *UnderwritingCore) HeldBalance() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool.HeldBalance()
}

// Balances returns every account balance keyed by account path.
func (c *UnderwritingCore) Balances() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64)
	for key, balance := range c.tracker.Snapshot() {
		out[key.AccountPath()] = balance
	}
	return out
}
