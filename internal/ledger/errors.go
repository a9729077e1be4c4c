package ledger

import "errors"

// Request validation. A request rejected with one of these never creates a record.
var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrSelfTransfer     = errors.New("cannot transfer to same address")
	ErrUnsupportedToken = errors.New("unsupported token")
)

// ErrIdempotencyConflict rejects a reused idempotency key whose request differs
// from the one that first claimed it.
var ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")

// Infrastructure faults. Callers may retry; a retry always gets a fresh transaction id.
var ErrLedgerUnavailable = errors.New("ledger unavailable")

// Store and log contract errors.
var (
	ErrDuplicateID       = errors.New("duplicate transaction id")
	ErrNotFound          = errors.New("transaction not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNegativeBalance   = errors.New("negative balance")
	ErrInvalidLimit      = errors.New("limit must be positive")
	ErrInFlight          = errors.New("transaction is being processed")
)

// ReasonInsufficientBalance is the FAILED reason for an under-funded sender.
const ReasonInsufficientBalance = "insufficient balance"
