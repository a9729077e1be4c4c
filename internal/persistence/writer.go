package persistence

import (
	"TokenLedger/internal/ledger"
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// JournalRow represents a row in ledger.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	TransactionID string
	BlockNumber   int64
	DebitAccount  string
	CreditAccount string
	Token         string
	Amount        decimal.Decimal
	JournalType   int32
	Timestamp     int64
}

// JournalRowsFromBatch flattens a batch into insertable rows.
func JournalRowsFromBatch(b *ledger.Batch) []JournalRow {
	rows := make([]JournalRow, 0, len(b.Journals))
	for _, j := range b.Journals {
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			TransactionID: j.TransactionID,
			BlockNumber:   j.BlockNumber,
			DebitAccount:  j.DebitAccount,
			CreditAccount: j.CreditAccount,
			Token:         j.Token,
			Amount:        j.Amount,
			JournalType:   int32(j.JournalType),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}

// JournalWriter writes journal entries using multi-row INSERT.
type JournalWriter struct {
	db *sql.DB
}

func NewJournalWriter(db *sql.DB) *JournalWriter {
	return &JournalWriter{db: db}
}

// WriteJournalBatch writes journal entries to ledger.journal.
// Re-delivered rows are ignored by journal_id.
func (w *JournalWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO ledger.journal
		(journal_id, batch_id, transaction_id, block_number, debit_account, credit_account, token, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*10)

	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.TransactionID, j.BlockNumber,
			j.DebitAccount, j.CreditAccount, j.Token, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// JournalForTransaction reads back the entries written for one transaction.
func (w *JournalWriter) JournalForTransaction(ctx context.Context, txID string) ([]JournalRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT journal_id, batch_id, transaction_id, block_number, debit_account, credit_account,
		       token, amount, journal_type, timestamp
		FROM ledger.journal WHERE transaction_id = $1
		ORDER BY journal_type`,
		txID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JournalRow
	for rows.Next() {
		var j JournalRow
		if err := rows.Scan(&j.JournalID, &j.BatchID, &j.TransactionID, &j.BlockNumber,
			&j.DebitAccount, &j.CreditAccount, &j.Token, &j.Amount, &j.JournalType, &j.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
