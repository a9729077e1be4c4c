package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeTransfer JournalType = iota
	JournalTypeFeeBurn
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeTransfer:
		return "transfer"
	case JournalTypeFeeBurn:
		return "fee_burn"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID       // Unique identifier
	BatchID       uuid.UUID       // Groups balanced entries
	TransactionID string          // Transaction the entry settles
	BlockNumber   int64           // Settlement sequence
	DebitAccount  string          // Account receiving debit (balance increases)
	CreditAccount string          // Account receiving credit (balance decreases)
	Token         string          // Token being moved
	Amount        decimal.Decimal // ALWAYS positive
	JournalType   JournalType
	Timestamp     int64 // epoch microseconds
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID       uuid.UUID
	TransactionID string
	BlockNumber   int64
	Timestamp     int64
	Journals      []Journal
}

// Validate ensures the batch is well-formed.
// Each entry moves one positive amount from its credit account to its debit account,
// so every entry is balanced by construction.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if !j.Amount.IsPositive() {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}

// Outflow sums what the batch removes from account.
func (b *Batch) Outflow(account string) decimal.Decimal {
	total := decimal.Zero
	for _, j := range b.Journals {
		if j.CreditAccount == account {
			total = total.Add(j.Amount)
		}
	}
	return total
}
