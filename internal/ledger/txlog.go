package ledger

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"
)

// DefaultHistoryLimit applies when ListByAddress is called with limit 0.
const DefaultHistoryLimit = 50

// TransactionLog is the append-only record of transfer attempts.
type TransactionLog interface {
	Append(ctx context.Context, rec TransactionRecord) error
	MarkTerminal(ctx context.Context, id string, status Status, reason string, block *BlockRef) error
	Get(ctx context.Context, id string) (TransactionRecord, error)
	// ListByAddress yields records sent or received by address, newest first.
	// The sequence re-reads the log every time it is ranged over.
	ListByAddress(ctx context.Context, address string, limit int) (iter.Seq2[TransactionRecord, error], error)
	// ListPending returns PENDING records created before olderThan, oldest first.
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]TransactionRecord, error)
}

// NormalizeLimit applies the default and rejects negative limits.
func NormalizeLimit(limit int) (int, error) {
	if limit < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	if limit == 0 {
		return DefaultHistoryLimit, nil
	}
	return limit, nil
}

// MemoryTransactionLog is an in-process TransactionLog.
type MemoryTransactionLog struct {
	mu      sync.RWMutex
	records map[string]*TransactionRecord
	order   []string // append order, breaks CreatedAt ties
	now     func() time.Time
}

func NewMemoryTransactionLog() *MemoryTransactionLog {
	return &MemoryTransactionLog{
		records: make(map[string]*TransactionRecord),
		now:     time.Now,
	}
}

func (l *MemoryTransactionLog) Append(_ context.Context, rec TransactionRecord) error {
	if rec.Status != StatusPending {
		return fmt.Errorf("%w: append with status %s", ErrInvalidTransition, rec.Status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.records[rec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}
	stored := rec
	l.records[rec.ID] = &stored
	l.order = append(l.order, rec.ID)
	return nil
}

func (l *MemoryTransactionLog) MarkTerminal(_ context.Context, id string, status Status, reason string, block *BlockRef) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !rec.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, rec.Status, status)
	}

	rec.Status = status
	rec.Reason = reason
	if status == StatusConfirmed {
		now := l.now()
		rec.ConfirmedAt = &now
		if block != nil {
			b := *block
			rec.Block = &b
		}
	}
	return nil
}

func (l *MemoryTransactionLog) Get(_ context.Context, id string) (TransactionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[id]
	if !ok {
		return TransactionRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *rec, nil
}

func (l *MemoryTransactionLog) ListByAddress(_ context.Context, address string, limit int) (iter.Seq2[TransactionRecord, error], error) {
	limit, err := NormalizeLimit(limit)
	if err != nil {
		return nil, err
	}

	return func(yield func(TransactionRecord, error) bool) {
		for _, rec := range l.matching(address, limit) {
			if !yield(rec, nil) {
				return
			}
		}
	}, nil
}

func (l *MemoryTransactionLog) matching(address string, limit int) []TransactionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	type indexed struct {
		rec TransactionRecord
		pos int
	}
	var hits []indexed
	for pos, id := range l.order {
		if rec := l.records[id]; rec.Involves(address) {
			hits = append(hits, indexed{rec: *rec, pos: pos})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if !hits[i].rec.CreatedAt.Equal(hits[j].rec.CreatedAt) {
			return hits[i].rec.CreatedAt.After(hits[j].rec.CreatedAt)
		}
		return hits[i].pos > hits[j].pos
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]TransactionRecord, len(hits))
	for i, h := range hits {
		out[i] = h.rec
	}
	return out
}

func (l *MemoryTransactionLog) ListPending(_ context.Context, olderThan time.Time, limit int) ([]TransactionRecord, error) {
	limit, err := NormalizeLimit(limit)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []TransactionRecord
	for _, id := range l.order {
		rec := l.records[id]
		if rec.Status == StatusPending && rec.CreatedAt.Before(olderThan) {
			out = append(out, *rec)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
