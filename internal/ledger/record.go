package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a TransactionRecord.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// CanTransition enforces write-once-forward: only PENDING may move, and only to a terminal state.
func (s Status) CanTransition(to Status) bool {
	return s == StatusPending && to.IsTerminal()
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// BlockRef is the settlement metadata attached on confirmation.
type BlockRef struct {
	Hash   string `json:"block_hash"`
	Number int64  `json:"block_number"`
}

// TransferRequest is the engine input. Not persisted.
type TransferRequest struct {
	From   string
	To     string
	Token  string
	Amount decimal.Decimal

	// Optional caller-chosen key; a repeat returns the original transaction's result.
	IdempotencyKey string
}

func (r TransferRequest) SenderKey() BalanceKey   { return NewBalanceKey(r.From, r.Token) }
func (r TransferRequest) ReceiverKey() BalanceKey { return NewBalanceKey(r.To, r.Token) }

// TransactionRecord is the durable record of one transfer attempt.
type TransactionRecord struct {
	ID             string          `json:"id"`
	From           string          `json:"from_address"`
	To             string          `json:"to_address"`
	Token          string          `json:"token_symbol"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	Status         Status          `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ConfirmedAt    *time.Time      `json:"confirmed_at,omitempty"`
	Block          *BlockRef       `json:"block,omitempty"`
}

// Involves reports whether address is the sender or the receiver.
func (r TransactionRecord) Involves(address string) bool {
	return r.From == address || r.To == address
}

// TransactionResult is what the engine hands back to request-handling code.
type TransactionResult struct {
	TransactionID string    `json:"transaction_id"`
	Status        Status    `json:"status"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
}

// ResultFromRecord derives a caller-facing result from a stored record.
func ResultFromRecord(rec TransactionRecord, now time.Time) TransactionResult {
	msg := rec.Reason
	if msg == "" {
		switch rec.Status {
		case StatusConfirmed:
			msg = "transfer successful"
		case StatusPending:
			msg = "transfer pending"
		case StatusCancelled:
			msg = "transfer cancelled"
		}
	}
	return TransactionResult{
		TransactionID: rec.ID,
		Status:        rec.Status,
		Message:       msg,
		Timestamp:     now,
	}
}
