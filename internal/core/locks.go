package core

import (
	"TokenLedger/internal/ledger"
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrLockTimeout is returned when the keys could not be acquired before the context expired.
var ErrLockTimeout = errors.New("lock wait exceeded")

// KeyLocker provides per-(address, token) mutual exclusion.
//
// Each key owns a one-slot channel used as a semaphore, so a waiter can give up
// when its context ends. Entries are reference counted and removed once no
// holder or waiter remains, keeping the map proportional to live contention.
type KeyLocker struct {
	mu    sync.Mutex
	locks map[ledger.BalanceKey]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func NewKeyLocker() *KeyLocker {
	return &KeyLocker{
		locks: make(map[ledger.BalanceKey]*keyLock),
	}
}

// Lock acquires every key in total order (address, then token).
// Duplicate keys are acquired once. The returned unlock releases all of them
// and is safe to call more than once.
func (l *KeyLocker) Lock(ctx context.Context, keys ...ledger.BalanceKey) (func(), error) {
	ordered := ledger.SortKeys(keys)
	held := make([]ledger.BalanceKey, 0, len(ordered))

	for _, key := range ordered {
		entry := l.acquireRef(key)
		select {
		case entry.sem <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			l.releaseRef(key)
			l.unlockAll(held)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key.AccountPath())
			}
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.unlockAll(held) })
	}, nil
}

// Held reports how many keys currently have a holder or a waiter.
func (l *KeyLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *KeyLocker) acquireRef(key ledger.BalanceKey) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.locks[key]
	if !ok {
		entry = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.refs++
	return entry
}

func (l *KeyLocker) releaseRef(key ledger.BalanceKey) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.locks[key]
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
}

// unlockAll releases in reverse acquisition order.
func (l *KeyLocker) unlockAll(held []ledger.BalanceKey) {
	for i := len(held) - 1; i >= 0; i-- {
		l.mu.Lock()
		entry := l.locks[held[i]]
		l.mu.Unlock()

		<-entry.sem
		l.releaseRef(held[i])
	}
}
