package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Balance is one (address, token) entry.
type Balance struct {
	Key         BalanceKey      `json:"-"`
	Amount      decimal.Decimal `json:"amount"`
	LastUpdated time.Time       `json:"last_updated"`
}

// BalanceUpdate is one leg of a compare-and-set batch.
type BalanceUpdate struct {
	Key      BalanceKey
	Expected decimal.Decimal
	New      decimal.Decimal
}

// BalanceStore is the ledger's source of truth for balances.
// Absence of an entry means zero.
type BalanceStore interface {
	Get(ctx context.Context, key BalanceKey) (decimal.Decimal, error)
	CompareAndSet(ctx context.Context, key BalanceKey, expected, newValue decimal.Decimal) (bool, error)
	// CompareAndSetAll applies every update or none of them.
	CompareAndSetAll(ctx context.Context, updates []BalanceUpdate) (bool, error)
}

// BalanceReader is the read side used by projections and queries.
type BalanceReader interface {
	ListByAddress(ctx context.Context, address string) ([]Balance, error)
	TotalSupply(ctx context.Context, token string) (decimal.Decimal, error)
}

// MemoryBalanceStore is an in-process BalanceStore.
type MemoryBalanceStore struct {
	mu       sync.RWMutex
	balances map[BalanceKey]Balance
	now      func() time.Time
}

func NewMemoryBalanceStore() *MemoryBalanceStore {
	return &MemoryBalanceStore{
		balances: make(map[BalanceKey]Balance),
		now:      time.Now,
	}
}

// Get returns the current balance for a key
func (s *MemoryBalanceStore) Get(_ context.Context, key BalanceKey) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[key].Amount, nil
}

func (s *MemoryBalanceStore) CompareAndSet(ctx context.Context, key BalanceKey, expected, newValue decimal.Decimal) (bool, error) {
	return s.CompareAndSetAll(ctx, []BalanceUpdate{{Key: key, Expected: expected, New: newValue}})
}

func (s *MemoryBalanceStore) CompareAndSetAll(_ context.Context, updates []BalanceUpdate) (bool, error) {
	for _, u := range updates {
		if u.New.IsNegative() {
			return false, fmt.Errorf("%w: %s would be %s", ErrNegativeBalance, u.Key.AccountPath(), u.New)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		if !s.balances[u.Key].Amount.Equal(u.Expected) {
			return false, nil
		}
	}

	now := s.now()
	for _, u := range updates {
		s.balances[u.Key] = Balance{Key: u.Key, Amount: u.New, LastUpdated: now}
	}
	return true, nil
}

// ListByAddress returns every entry held by address, ordered by token.
func (s *MemoryBalanceStore) ListByAddress(_ context.Context, address string) ([]Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Balance
	for k, b := range s.balances {
		if k.Address == address {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Token < out[j].Key.Token })
	return out, nil
}

func (s *MemoryBalanceStore) TotalSupply(_ context.Context, token string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for k, b := range s.balances {
		if k.Token == token {
			total = total.Add(b.Amount)
		}
	}
	return total, nil
}

// Snapshot returns a copy of all balances (for invariant checks)
func (s *MemoryBalanceStore) Snapshot() map[BalanceKey]decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(map[BalanceKey]decimal.Decimal, len(s.balances))
	for k, b := range s.balances {
		snapshot[k] = b.Amount
	}
	return snapshot
}
