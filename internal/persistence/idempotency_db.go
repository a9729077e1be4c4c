package persistence

import (
	"context"
	"database/sql"
	"time"
)

const idempotencyLookupTimeout = 500 * time.Millisecond

// PostgresIdempotencyChecker resolves request idempotency keys against ledger.transactions.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db: db,
	}
}

// LookupIdempotencyKey returns the transaction created for key, if any.
func (pic *PostgresIdempotencyChecker) LookupIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, idempotencyLookupTimeout)
	defer cancel()

	var id string
	err := pic.db.QueryRowContext(ctx,
		`SELECT id FROM ledger.transactions WHERE idempotency_key = $1`,
		key,
	).Scan(&id)

	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// RecentKeys loads the newest key -> transaction bindings for warming the LRU on restart.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, limit int) (map[string]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT idempotency_key, id FROM ledger.transactions
		WHERE idempotency_key IS NOT NULL
		ORDER BY created_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make(map[string]string)
	for rows.Next() {
		var key, id string
		if err := rows.Scan(&key, &id); err != nil {
			return nil, err
		}
		keys[key] = id
	}
	return keys, rows.Err()
}
