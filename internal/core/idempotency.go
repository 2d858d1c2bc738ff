package core

import (
	"UnderwriteLedger/internal/observability"
	"container/list"
	"fmt"
)

// IdempotencyChecker implements two-tier deduplication. The LRU remembers
// the result of each applied command so a retry gets the same answer.
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup. It
// returns the sequence a command was applied at.
type DBIdempotencyChecker interface {
	LookupProcessed(commandType string, idempotencyKey string) (sequence int64, found bool, err error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	lru := NewIdempotencyLRU(capacity)
	if metrics != nil {
		lru.onEvict = metrics.DedupLRUEvictions.Inc
	}
	return &IdempotencyChecker{
		lru:       lru,
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

func compositeKey(commandType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", commandType, idempotencyKey)
}

// Lookup returns the earlier result when the command was already applied.
func (ic *IdempotencyChecker) Lookup(commandType string, idempotencyKey string) (Result, bool) {
	key := compositeKey(commandType, idempotencyKey)

	// Tier 1: LRU check (hot path)
	if res, ok := ic.lru.Get(key); ok {
		ic.recordDuplicate(commandType, "lru")
		return res, true
	}

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker != nil {
		seq, found, err := ic.dbChecker.LookupProcessed(commandType, idempotencyKey)
		if err != nil {
			// Conservative: a DB issue must not block command processing.
			if ic.metrics != nil {
				ic.metrics.DedupTier2Errors.Inc()
			}
			return Result{}, false
		}

		if found {
			ic.recordDuplicate(commandType, "postgres")
			res := Result{Sequence: seq}
			ic.lru.Add(key, res)
			return res, true
		}
	}

	return Result{}, false
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(commandType string, idempotencyKey string, res Result) {
	ic.lru.Add(compositeKey(commandType, idempotencyKey), res)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

func (ic *IdempotencyChecker) recordDuplicate(commandType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(commandType, tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache of command results.
// Not thread-safe: only accessed under the core's lock.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
	onEvict   func()
}

type lruEntry struct {
	key    string
	result Result
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Get returns the cached result (promotes to front)
func (lru *IdempotencyLRU) Get(key string) (Result, bool) {
	elem, exists := lru.cache[key]
	if !exists {
		return Result{}, false
	}
	lru.lruList.MoveToFront(elem)
	return elem.Value.(*lruEntry).result, true
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	_, ok := lru.Get(key)
	return ok
}

// Add inserts a key (or promotes and overwrites if it exists)
func (lru *IdempotencyLRU) Add(key string, res Result) {
	if elem, exists := lru.cache[key]; exists {
		elem.Value.(*lruEntry).result = res
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key, result: res})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(*lruEntry).key)
		lru.evictions++
		if lru.onEvict != nil {
			lru.onEvict()
		}
	}
}

// WarmFromKeys loads composite keys from an earlier run. Their results are
// unknown, so a hit reports only that the command was a duplicate.
// Keys are expected oldest first.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if _, exists := lru.cache[key]; exists {
			continue
		}
		lru.Add(key, Result{})
	}
}

// GetAllKeys returns keys oldest first, so WarmFromKeys restores the same
// recency order.
func (lru *IdempotencyLRU) GetAllKeys() []string {
	keys := make([]string, 0, lru.lruList.Len())
	for elem := lru.lruList.Back(); elem != nil; elem = elem.Prev() {
		keys = append(keys, elem.Value.(*lruEntry).key)
	}
	return keys
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
