package projection

import (
	"TokenLedger/internal/core"
	"TokenLedger/internal/ledger"
	"TokenLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// FeeTotal is the cumulative fee burned for one token.
type FeeTotal struct {
	Token          string          `json:"token"`
	Burned         decimal.Decimal `json:"burned"`
	ConfirmedCount int64           `json:"confirmed_count"`
	LastBlock      int64           `json:"last_block"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// FeeTotalsStore holds the fee projection.
type FeeTotalsStore interface {
	// Apply folds one confirmed record into the totals.
	Apply(ctx context.Context, rec ledger.TransactionRecord) error
	// Get returns a zero total for a token with no confirmed transfers.
	Get(ctx context.Context, token string) (FeeTotal, error)
	List(ctx context.Context) ([]FeeTotal, error)
}

// FeeWorker updates fee totals from settlements.
// The settlement channel is non-blocking with drop, so totals may lag;
// PostgresFeeTotals.Rebuild recomputes them from ledger.transactions.
type FeeWorker struct {
	store     FeeTotalsStore
	inputChan <-chan core.Settlement
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastBlock atomic.Int64
}

func NewFeeWorker(store FeeTotalsStore, inputChan <-chan core.Settlement, metrics *observability.Metrics) *FeeWorker {
	return &FeeWorker{
		store:     store,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
}

// Run consumes settlements until ctx ends or the channel closes.
func (w *FeeWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case s, ok := <-w.inputChan:
			if !ok {
				return nil
			}
			if s.Record.Status != ledger.StatusConfirmed {
				continue
			}

			if err := w.store.Apply(ctx, s.Record); err != nil {
				// Totals are eventually consistent and can be rebuilt.
				w.logger.Warn().Err(err).Str("tx_id", s.Record.ID).Msg("fee projection update failed")
				if w.metrics != nil {
					w.metrics.ProjectionErrors.Inc()
				}
				continue
			}

			if s.Record.Block != nil && s.Record.Block.Number > w.lastBlock.Load() {
				w.lastBlock.Store(s.Record.Block.Number)
			}
		}
	}
}

// LastBlock is the highest block number the worker has applied.
func (w *FeeWorker) LastBlock() int64 {
	return w.lastBlock.Load()
}

// ============================================================================
// In-memory store
// ============================================================================

type MemoryFeeTotals struct {
	mu     sync.RWMutex
	totals map[string]FeeTotal
	now    func() time.Time
}

func NewMemoryFeeTotals() *MemoryFeeTotals {
	return &MemoryFeeTotals{
		totals: make(map[string]FeeTotal),
		now:    time.Now,
	}
}

func (m *MemoryFeeTotals) Apply(_ context.Context, rec ledger.TransactionRecord) error {
	if rec.Status != ledger.StatusConfirmed {
		return fmt.Errorf("fee projection: record %s is %s", rec.ID, rec.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.totals[rec.Token]
	if !ok {
		t = FeeTotal{Token: rec.Token, Burned: decimal.Zero}
	}
	t.Burned = t.Burned.Add(rec.Fee)
	t.ConfirmedCount++
	if rec.Block != nil && rec.Block.Number > t.LastBlock {
		t.LastBlock = rec.Block.Number
	}
	t.UpdatedAt = m.now()
	m.totals[rec.Token] = t
	return nil
}

func (m *MemoryFeeTotals) Get(_ context.Context, token string) (FeeTotal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if t, ok := m.totals[token]; ok {
		return t, nil
	}
	return FeeTotal{Token: token, Burned: decimal.Zero}, nil
}

func (m *MemoryFeeTotals) List(_ context.Context) ([]FeeTotal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]FeeTotal, 0, len(m.totals))
	for _, t := range m.totals {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

// ============================================================================
// Postgres store
// ============================================================================

type PostgresFeeTotals struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewPostgresFeeTotals(db *sql.DB) *PostgresFeeTotals {
	return &PostgresFeeTotals{
		db:     db,
		logger: observability.NewLogger("projection"),
	}
}

func (p *PostgresFeeTotals) Apply(ctx context.Context, rec ledger.TransactionRecord) error {
	if rec.Status != ledger.StatusConfirmed {
		return fmt.Errorf("fee projection: record %s is %s", rec.ID, rec.Status)
	}
	var block int64
	if rec.Block != nil {
		block = rec.Block.Number
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger.fee_totals (token, burned, confirmed_count, last_block, updated_at)
		VALUES ($1, $2, 1, $3, NOW())
		ON CONFLICT (token) DO UPDATE
		SET burned          = ledger.fee_totals.burned + EXCLUDED.burned,
		    confirmed_count = ledger.fee_totals.confirmed_count + 1,
		    last_block      = GREATEST(ledger.fee_totals.last_block, EXCLUDED.last_block),
		    updated_at      = NOW()
	`, rec.Token, rec.Fee, block)
	if err != nil {
		return fmt.Errorf("upsert fee total %s: %w", rec.Token, err)
	}
	return nil
}

func (p *PostgresFeeTotals) Get(ctx context.Context, token string) (FeeTotal, error) {
	t := FeeTotal{Token: token, Burned: decimal.Zero}
	err := p.db.QueryRowContext(ctx, `
		SELECT burned, confirmed_count, last_block, updated_at
		FROM ledger.fee_totals WHERE token = $1
	`, token).Scan(&t.Burned, &t.ConfirmedCount, &t.LastBlock, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, nil
	}
	if err != nil {
		return FeeTotal{}, fmt.Errorf("get fee total %s: %w", token, err)
	}
	return t, nil
}

func (p *PostgresFeeTotals) List(ctx context.Context) ([]FeeTotal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT token, burned, confirmed_count, last_block, updated_at
		FROM ledger.fee_totals ORDER BY token
	`)
	if err != nil {
		return nil, fmt.Errorf("list fee totals: %w", err)
	}
	defer rows.Close()

	var out []FeeTotal
	for rows.Next() {
		var t FeeTotal
		if err := rows.Scan(&t.Token, &t.Burned, &t.ConfirmedCount, &t.LastBlock, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Rebuild recomputes every fee total from the confirmed transactions.
func (p *PostgresFeeTotals) Rebuild(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	statements := []string{
		`DELETE FROM ledger.fee_totals`,
		`INSERT INTO ledger.fee_totals (token, burned, confirmed_count, last_block, updated_at)
		 SELECT token, SUM(fee), COUNT(*), MAX(block_number), NOW()
		 FROM ledger.transactions
		 WHERE status = 'CONFIRMED'
		 GROUP BY token`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rebuild fee totals (%s): %w", strings.Fields(stmt)[0], err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	p.logger.Info().Msg("fee totals rebuilt from transactions")
	return nil
}

// Verify reports any token whose projected totals differ from the confirmed transactions.
func (p *PostgresFeeTotals) Verify(ctx context.Context) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT COALESCE(t.token, f.token),
		       COALESCE(t.burned, 0), COALESCE(f.burned, 0),
		       COALESCE(t.cnt, 0), COALESCE(f.confirmed_count, 0)
		FROM (
			SELECT token, SUM(fee) AS burned, COUNT(*) AS cnt
			FROM ledger.transactions
			WHERE status = 'CONFIRMED'
			GROUP BY token
		) t
		FULL OUTER JOIN ledger.fee_totals f ON f.token = t.token
		WHERE COALESCE(t.burned, 0) <> COALESCE(f.burned, 0)
		   OR COALESCE(t.cnt, 0) <> COALESCE(f.confirmed_count, 0)
		ORDER BY 1
	`)
	if err != nil {
		return fmt.Errorf("verify fee totals: %w", err)
	}
	defer rows.Close()

	var drift []string
	for rows.Next() {
		var token string
		var recorded, projected decimal.Decimal
		var recordedCount, projectedCount int64
		if err := rows.Scan(&token, &recorded, &projected, &recordedCount, &projectedCount); err != nil {
			return err
		}
		drift = append(drift, fmt.Sprintf("%s: burned %s/%s count %d/%d",
			token, projected, recorded, projectedCount, recordedCount))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(drift) > 0 {
		return fmt.Errorf("fee totals drift (projected/recorded): %s", strings.Join(drift, "; "))
	}
	return nil
}

// Ping reports whether the projection database answers.
func (p *PostgresFeeTotals) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
