package persistence

import (
	"TokenLedger/internal/ledger"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PostgresBalanceStore implements ledger.BalanceStore and ledger.BalanceReader
// over ledger.balances. The CHECK (amount >= 0) constraint backs the
// non-negativity invariant at the storage layer.
type PostgresBalanceStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresBalanceStore(db *sql.DB) *PostgresBalanceStore {
	return &PostgresBalanceStore{db: db, now: time.Now}
}

func (s *PostgresBalanceStore) Get(ctx context.Context, key ledger.BalanceKey) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := s.db.QueryRowContext(ctx,
		`SELECT amount FROM ledger.balances WHERE address = $1 AND token = $2`,
		key.Address, key.Token,
	).Scan(&amount)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s: %w", key.AccountPath(), err)
	}
	return amount, nil
}

func (s *PostgresBalanceStore) CompareAndSet(ctx context.Context, key ledger.BalanceKey, expected, newValue decimal.Decimal) (bool, error) {
	return s.CompareAndSetAll(ctx, []ledger.BalanceUpdate{{Key: key, Expected: expected, New: newValue}})
}

// CompareAndSetAll applies every update inside one transaction and rolls back
// as soon as one expectation does not hold.
func (s *PostgresBalanceStore) CompareAndSetAll(ctx context.Context, updates []ledger.BalanceUpdate) (bool, error) {
	for _, u := range updates {
		if u.New.IsNegative() {
			return false, fmt.Errorf("%w: %s would be %s", ledger.ErrNegativeBalance, u.Key.AccountPath(), u.New)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin balance tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	for _, u := range updates {
		ok, err := casOne(ctx, tx, u, now)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit balance tx: %w", err)
	}
	return true, nil
}

func casOne(ctx context.Context, tx *sql.Tx, u ledger.BalanceUpdate, now time.Time) (bool, error) {
	var (
		res sql.Result
		err error
	)

	if u.Expected.IsZero() {
		// An absent row is zero, so zero expectations insert or match a stored zero
		res, err = tx.ExecContext(ctx, `
			INSERT INTO ledger.balances (address, token, amount, last_updated)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (address, token) DO UPDATE
			SET amount = EXCLUDED.amount, last_updated = EXCLUDED.last_updated
			WHERE ledger.balances.amount = 0`,
			u.Key.Address, u.Key.Token, u.New, now,
		)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE ledger.balances
			SET amount = $3, last_updated = $4
			WHERE address = $1 AND token = $2 AND amount = $5`,
			u.Key.Address, u.Key.Token, u.New, now, u.Expected,
		)
	}
	if err != nil {
		return false, fmt.Errorf("cas %s: %w", u.Key.AccountPath(), err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas %s rows: %w", u.Key.AccountPath(), err)
	}
	return n == 1, nil
}

func (s *PostgresBalanceStore) ListByAddress(ctx context.Context, address string) ([]ledger.Balance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, amount, last_updated FROM ledger.balances WHERE address = $1 ORDER BY token`,
		address,
	)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	var out []ledger.Balance
	for rows.Next() {
		b := ledger.Balance{Key: ledger.BalanceKey{Address: address}}
		if err := rows.Scan(&b.Key.Token, &b.Amount, &b.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresBalanceStore) TotalSupply(ctx context.Context, token string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger.balances WHERE token = $1`,
		token,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("total supply %s: %w", token, err)
	}
	return total, nil
}

// Ping reports whether the database answers.
func (s *PostgresBalanceStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
