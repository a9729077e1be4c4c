package persistence

import (
	"TokenLedger/internal/ledger"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/lib/pq"
)

const (
	uniqueViolation       = "23505"
	transactionsPKey      = "transactions_pkey"
	transactionsIdemIndex = "idx_transactions_idem"
)

// ErrIdempotencyKeyTaken is returned by Append when another record already uses the key.
var ErrIdempotencyKeyTaken = errors.New("idempotency key already used")

const txColumns = `id, from_address, to_address, token, amount, fee, status, reason,
	idempotency_key, created_at, confirmed_at, block_hash, block_number`

// PostgresTransactionLog implements ledger.TransactionLog over ledger.transactions.
type PostgresTransactionLog struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresTransactionLog(db *sql.DB) *PostgresTransactionLog {
	return &PostgresTransactionLog{db: db, now: time.Now}
}

func (l *PostgresTransactionLog) Append(ctx context.Context, rec ledger.TransactionRecord) error {
	if rec.Status != ledger.StatusPending {
		return fmt.Errorf("%w: append with status %s", ledger.ErrInvalidTransition, rec.Status)
	}

	var idemKey sql.NullString
	if rec.IdempotencyKey != "" {
		idemKey = sql.NullString{String: rec.IdempotencyKey, Valid: true}
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ledger.transactions
			(id, from_address, to_address, token, amount, fee, status, reason, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.From, rec.To, rec.Token, rec.Amount, rec.Fee,
		string(rec.Status), rec.Reason, idemKey, rec.CreatedAt,
	)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		switch pqErr.Constraint {
		case transactionsPKey:
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateID, rec.ID)
		case transactionsIdemIndex:
			return fmt.Errorf("%w: %s", ErrIdempotencyKeyTaken, rec.IdempotencyKey)
		}
	}
	if err != nil {
		return fmt.Errorf("append %s: %w", rec.ID, err)
	}
	return nil
}

func (l *PostgresTransactionLog) MarkTerminal(ctx context.Context, id string, status ledger.Status, reason string, block *ledger.BlockRef) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ledger.ErrInvalidTransition, id, status)
	}

	var (
		confirmedAt sql.NullTime
		blockHash   sql.NullString
		blockNumber sql.NullInt64
	)
	if status == ledger.StatusConfirmed {
		if block == nil {
			return fmt.Errorf("confirm %s: missing block reference", id)
		}
		confirmedAt = sql.NullTime{Time: l.now(), Valid: true}
		blockHash = sql.NullString{String: block.Hash, Valid: true}
		blockNumber = sql.NullInt64{Int64: block.Number, Valid: true}
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE ledger.transactions
		SET status = $2, reason = $3, confirmed_at = $4, block_hash = $5, block_number = $6
		WHERE id = $1 AND status = 'PENDING'`,
		id, string(status), reason, confirmedAt, blockHash, blockNumber,
	)
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", id, status, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark %s rows: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	// Nothing updated: either unknown or already terminal
	var current string
	err = l.db.QueryRowContext(ctx, `SELECT status FROM ledger.transactions WHERE id = $1`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ledger.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("read status %s: %w", id, err)
	}
	return fmt.Errorf("%w: %s %s -> %s", ledger.ErrInvalidTransition, id, current, status)
}

func (l *PostgresTransactionLog) Get(ctx context.Context, id string) (ledger.TransactionRecord, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM ledger.transactions WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return ledger.TransactionRecord{}, fmt.Errorf("%w: %s", ledger.ErrNotFound, id)
	}
	if err != nil {
		return ledger.TransactionRecord{}, fmt.Errorf("get %s: %w", id, err)
	}
	return rec, nil
}

// ListByAddress queries on every range, so each pass sees the current log.
func (l *PostgresTransactionLog) ListByAddress(ctx context.Context, address string, limit int) (iter.Seq2[ledger.TransactionRecord, error], error) {
	limit, err := ledger.NormalizeLimit(limit)
	if err != nil {
		return nil, err
	}

	return func(yield func(ledger.TransactionRecord, error) bool) {
		rows, err := l.db.QueryContext(ctx, `
			SELECT `+txColumns+` FROM ledger.transactions
			WHERE from_address = $1 OR to_address = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2`,
			address, limit,
		)
		if err != nil {
			yield(ledger.TransactionRecord{}, fmt.Errorf("list %s: %w", address, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				yield(ledger.TransactionRecord{}, fmt.Errorf("scan record: %w", err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(ledger.TransactionRecord{}, err)
		}
	}, nil
}

func (l *PostgresTransactionLog) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]ledger.TransactionRecord, error) {
	limit, err := ledger.NormalizeLimit(limit)
	if err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM ledger.transactions
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at, seq
		LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []ledger.TransactionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestBlock returns the highest assigned block reference, or a zero ref on an empty ledger.
func (l *PostgresTransactionLog) LatestBlock(ctx context.Context) (ledger.BlockRef, error) {
	var ref ledger.BlockRef
	err := l.db.QueryRowContext(ctx, `
		SELECT block_hash, block_number FROM ledger.transactions
		WHERE block_number IS NOT NULL
		ORDER BY block_number DESC
		LIMIT 1`,
	).Scan(&ref.Hash, &ref.Number)
	if err == sql.ErrNoRows {
		return ledger.BlockRef{}, nil
	}
	if err != nil {
		return ledger.BlockRef{}, fmt.Errorf("latest block: %w", err)
	}
	return ref, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (ledger.TransactionRecord, error) {
	var (
		rec         ledger.TransactionRecord
		status      string
		idemKey     sql.NullString
		confirmedAt sql.NullTime
		blockHash   sql.NullString
		blockNumber sql.NullInt64
	)
	err := row.Scan(
		&rec.ID, &rec.From, &rec.To, &rec.Token, &rec.Amount, &rec.Fee, &status, &rec.Reason,
		&idemKey, &rec.CreatedAt, &confirmedAt, &blockHash, &blockNumber,
	)
	if err != nil {
		return ledger.TransactionRecord{}, err
	}

	rec.Status = ledger.Status(status)
	rec.IdempotencyKey = idemKey.String
	if confirmedAt.Valid {
		t := confirmedAt.Time
		rec.ConfirmedAt = &t
	}
	if blockNumber.Valid {
		rec.Block = &ledger.BlockRef{Hash: blockHash.String, Number: blockNumber.Int64}
	}
	return rec, nil
}
