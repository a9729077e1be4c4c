package core

import (
	"TokenLedger/internal/observability"
	"container/list"
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// IdempotencyChecker maps request idempotency keys to the transaction they created.
type IdempotencyChecker struct {
	mu sync.Mutex

	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// DBIdempotencyChecker is the interface for the Postgres key lookup
type DBIdempotencyChecker interface {
	LookupIdempotencyKey(ctx context.Context, key string) (txID string, found bool, err error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    observability.NewLogger("idempotency"),
	}
}

// Claim binds key to txID unless the key is already bound, in which case the
// existing transaction id is returned with claimed=false.
func (ic *IdempotencyChecker) Claim(ctx context.Context, key, txID string) (existing string, claimed bool) {
	existing, _, claimed = ic.ClaimRequest(ctx, key, txID, "")
	return existing, claimed
}

// ClaimRequest is Claim for a request identified by fingerprint. When the key
// is already bound, the fingerprint it was claimed with is returned as well;
// it is empty for keys learned from tier 2 or Warm.
func (ic *IdempotencyChecker) ClaimRequest(ctx context.Context, key, txID, fingerprint string) (existing, claimedWith string, claimed bool) {
	// Tier 1: LRU check (hot path)
	ic.mu.Lock()
	if prev, ok := ic.lru.entry(key); ok {
		ic.mu.Unlock()
		ic.recordHit("lru")
		return prev.txID, prev.fingerprint, false
	}
	ic.mu.Unlock()

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker != nil {
		prev, found, err := ic.dbChecker.LookupIdempotencyKey(ctx, key)
		if err != nil {
			// Conservative: a DB issue must not block transfers; the unique
			// constraint on the key still rejects a second insert.
			ic.logger.Warn().Err(err).Str("idempotency_key", key).Msg("tier 2 lookup failed")
		} else if found {
			ic.mu.Lock()
			ic.lru.Add(key, prev)
			ic.mu.Unlock()
			ic.recordHit("postgres")
			return prev, "", false
		}
	}

	ic.mu.Lock()
	defer ic.mu.Unlock()
	// A concurrent request may have claimed the key while we were in tier 2
	if prev, ok := ic.lru.entry(key); ok {
		ic.recordHit("lru")
		return prev.txID, prev.fingerprint, false
	}
	ic.lru.add(key, txID, fingerprint)
	return txID, fingerprint, true
}

// Rebind points key at a replacement transaction id.
func (ic *IdempotencyChecker) Rebind(key, txID string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.lru.Add(key, txID)
}

// Release forgets a claim whose transaction was never admitted.
func (ic *IdempotencyChecker) Release(key string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.lru.Remove(key)
}

// Warm loads recently used keys into the LRU.
// On restart this avoids cold-path DB lookups for recent retries.
func (ic *IdempotencyChecker) Warm(entries map[string]string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for key, txID := range entries {
		if _, exists := ic.lru.cache[key]; !exists {
			ic.lru.Add(key, txID)
		}
	}
}

// Size returns the number of keys held in tier 1.
func (ic *IdempotencyChecker) Size() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.lru.Size()
}

func (ic *IdempotencyChecker) recordHit(tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyHits.WithLabelValues(tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache of key -> transaction id.
// Not thread-safe; IdempotencyChecker serializes access.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key         string
	txID        string
	fingerprint string
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity < 1 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Get returns the bound transaction id (promotes to front)
func (lru *IdempotencyLRU) Get(key string) (string, bool) {
	elem, exists := lru.cache[key]
	if !exists {
		return "", false
	}
	lru.lruList.MoveToFront(elem)
	return elem.Value.(*lruEntry).txID, true
}

func (lru *IdempotencyLRU) entry(key string) (lruEntry, bool) {
	elem, exists := lru.cache[key]
	if !exists {
		return lruEntry{}, false
	}
	lru.lruList.MoveToFront(elem)
	return *elem.Value.(*lruEntry), true
}

// Add inserts or rebinds a key
func (lru *IdempotencyLRU) Add(key, txID string) {
	lru.add(key, txID, "")
}

// add keeps an existing entry's fingerprint when rebinding.
func (lru *IdempotencyLRU) add(key, txID, fingerprint string) {
	if elem, exists := lru.cache[key]; exists {
		elem.Value.(*lruEntry).txID = txID
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key, txID: txID, fingerprint: fingerprint})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) Remove(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.Remove(elem)
		delete(lru.cache, key)
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(*lruEntry).key)
		lru.evictions++
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
