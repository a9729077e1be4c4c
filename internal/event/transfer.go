package event

import (
	"TokenLedger/internal/ledger"
	"time"

	"github.com/shopspring/decimal"
)

// TransferRequested is an inbound transfer instruction.
// Idempotency key: the caller's key when given, otherwise none.
type TransferRequested struct {
	RequestKey string          `json:"idempotency_key,omitempty"`
	From       string          `json:"from_address"`
	To         string          `json:"to_address"`
	Token      string          `json:"token_symbol"`
	Amount     decimal.Decimal `json:"amount"`
}

func (t *TransferRequested) IdempotencyKey() string {
	return t.RequestKey
}

func (t *TransferRequested) EventType() EventType {
	return EventTypeTransferRequested
}

// Request converts the event into an engine input.
func (t *TransferRequested) Request() ledger.TransferRequest {
	return ledger.TransferRequest{
		From:           t.From,
		To:             t.To,
		Token:          t.Token,
		Amount:         t.Amount,
		IdempotencyKey: t.RequestKey,
	}
}

// TransferSettled reports a transaction that reached a terminal status.
// Idempotency key: transaction id.
type TransferSettled struct {
	TransactionID string          `json:"transaction_id"`
	From          string          `json:"from_address"`
	To            string          `json:"to_address"`
	Token         string          `json:"token_symbol"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	Status        ledger.Status   `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	BlockNumber   int64           `json:"block_number,omitempty"`
	BlockHash     string          `json:"block_hash,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ConfirmedAt   *time.Time      `json:"confirmed_at,omitempty"`
}

// NewTransferSettled builds the event from a terminal record.
func NewTransferSettled(rec ledger.TransactionRecord) *TransferSettled {
	s := &TransferSettled{
		TransactionID: rec.ID,
		From:          rec.From,
		To:            rec.To,
		Token:         rec.Token,
		Amount:        rec.Amount,
		Fee:           rec.Fee,
		Status:        rec.Status,
		Reason:        rec.Reason,
		CreatedAt:     rec.CreatedAt,
		ConfirmedAt:   rec.ConfirmedAt,
	}
	if rec.Block != nil {
		s.BlockNumber = rec.Block.Number
		s.BlockHash = rec.Block.Hash
	}
	return s
}

func (t *TransferSettled) IdempotencyKey() string {
	return t.TransactionID
}

func (t *TransferSettled) EventType() EventType {
	switch t.Status {
	case ledger.StatusConfirmed:
		return EventTypeTransferConfirmed
	case ledger.StatusFailed:
		return EventTypeTransferFailed
	case ledger.StatusCancelled:
		return EventTypeTransferCancelled
	default:
		return EventTypeUnknown
	}
}
