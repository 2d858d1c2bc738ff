package persistence

import (
	"UnderwriteLedger/internal/core"
	"UnderwriteLedger/internal/event"
	"UnderwriteLedger/internal/ledger"
	"UnderwriteLedger/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot holds balances, quotes, policies, the idempotency LRU, the last
// applied sequence and the chain tip.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence        int64            `json:"sequence"`
	StateHash       []byte           `json:"state_hash"`
	LastTimestamp   time.Time        `json:"last_timestamp"`
	Balances        map[string]int64 `json:"balances"` // AccountPath -> balance
	Quotes          []QuoteSnapshot  `json:"quotes"`
	Policies        []PolicySnapshot `json:"policies"`
	IdempotencyKeys []string         `json:"idempotency_keys"` // Recent keys for LRU warming
	CreatedAt       time.Time        `json:"created_at"`
}

// QuoteSnapshot is a serializable quote.
type QuoteSnapshot struct {
	Index          int64     `json:"index"`
	ProductType    string    `json:"product_type"`
	CoverageAmount int64     `json:"coverage_amount"`
	MonthlyPremium int64     `json:"monthly_premium"`
	CreatedAt      time.Time `json:"created_at"`
}

// PolicySnapshot is a serializable policy.
type PolicySnapshot struct {
	Index          int64     `json:"index"`
	QuoteIndex     int64     `json:"quote_index"`
	Owner          string    `json:"owner"`
	ProductType    string    `json:"product_type"`
	CoverageAmount int64     `json:"coverage_amount"`
	MonthlyPremium int64     `json:"monthly_premium"`
	PaidUntil      time.Time `json:"paid_until"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	ClosedAt       time.Time `json:"closed_at"`
	PaidOut        int64     `json:"paid_out"`
}

// FromCoreSnapshot converts the core's typed snapshot to its stored form.
func FromCoreSnapshot(s *core.SnapshotState, createdAt time.Time) *SnapshotData {
	snap := &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       append([]byte(nil), s.StateHash[:]...),
		LastTimestamp:   s.LastTimestamp,
		Balances:        make(map[string]int64, len(s.Balances)),
		Quotes:          make([]QuoteSnapshot, 0, len(s.Quotes)),
		Policies:        make([]PolicySnapshot, 0, len(s.Policies)),
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       createdAt,
	}
	for key, balance := range s.Balances {
		snap.Balances[key.AccountPath()] = balance
	}
	for _, q := range s.Quotes {
		snap.Quotes = append(snap.Quotes, QuoteSnapshot{
			Index:          q.Index,
			ProductType:    q.ProductType,
			CoverageAmount: q.CoverageAmount,
			MonthlyPremium: q.MonthlyPremium,
			CreatedAt:      q.CreatedAt,
		})
	}
	for _, p := range s.Policies {
		snap.Policies = append(snap.Policies, PolicySnapshot{
			Index:          p.Index,
			QuoteIndex:     p.QuoteIndex,
			Owner:          string(p.Owner),
			ProductType:    p.ProductType,
			CoverageAmount: p.CoverageAmount,
			MonthlyPremium: p.MonthlyPremium,
			PaidUntil:      p.PaidUntil,
			Status:         p.Status.String(),
			CreatedAt:      p.CreatedAt,
			ClosedAt:       p.ClosedAt,
			PaidOut:        p.PaidOut,
		})
	}
	return snap
}

// ToCoreSnapshot is the inverse of FromCoreSnapshot.
func (s *SnapshotData) ToCoreSnapshot() (*core.SnapshotState, error) {
	if len(s.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", s.Sequence, len(s.StateHash))
	}

	out := &core.SnapshotState{
		Sequence:        s.Sequence,
		LastTimestamp:   s.LastTimestamp,
		Balances:        make(map[ledger.AccountKey]int64, len(s.Balances)),
		Quotes:          make([]state.Quote, 0, len(s.Quotes)),
		Policies:        make([]state.Policy, 0, len(s.Policies)),
		IdempotencyKeys: s.IdempotencyKeys,
	}
	copy(out.StateHash[:], s.StateHash)

	for path, balance := range s.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", s.Sequence, err)
		}
		out.Balances[key] = balance
	}
	for _, q := range s.Quotes {
		out.Quotes = append(out.Quotes, state.Quote{
			Index:          q.Index,
			ProductType:    q.ProductType,
			CoverageAmount: q.CoverageAmount,
			MonthlyPremium: q.MonthlyPremium,
			CreatedAt:      q.CreatedAt.UTC(),
		})
	}
	for _, p := range s.Policies {
		status, err := state.ParsePolicyStatus(p.Status)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d policy %d: %w", s.Sequence, p.Index, err)
		}
		out.Policies = append(out.Policies, state.Policy{
			Index:          p.Index,
			QuoteIndex:     p.QuoteIndex,
			Owner:          event.Identity(p.Owner),
			ProductType:    p.ProductType,
			CoverageAmount: p.CoverageAmount,
			MonthlyPremium: p.MonthlyPremium,
			PaidUntil:      p.PaidUntil.UTC(),
			Status:         status,
			CreatedAt:      p.CreatedAt.UTC(),
			ClosedAt:       p.ClosedAt.UTC(),
			PaidOut:        p.PaidOut,
		})
	}
	return out, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot and returns its encoded size. Snapshots
// are stored unverified; MarkVerified flips them once the event log has
// caught up to their sequence.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return sizeBytes, nil
}

// LoadLatestSnapshot loads the most recent verified snapshot. It returns
// nil, nil when there is none.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // No snapshot, cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified once its sequence is durable in
// the event log with a matching state hash.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots s SET verified = TRUE
		FROM event_log.events e
		WHERE s.sequence = $1 AND e.sequence = s.sequence AND e.state_hash = s.state_hash
	`, sequence)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("snapshot %d: no matching persisted event", sequence)
	}
	return nil
}

// LoadEventsFrom loads events from a given sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, caller, policy_index,
		       payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		var policyIndex sql.NullInt64
		if err := rows.Scan(
			&e.Sequence, &e.CommandType, &e.IdempotencyKey, &e.Caller, &policyIndex,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if policyIndex.Valid {
			idx := policyIndex.Int64
			e.PolicyIndex = &idx
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
