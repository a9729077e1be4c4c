package query

import (
	"TokenLedger/internal/ledger"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceEntry is one token balance of an address.
type BalanceEntry struct {
	Token       string          `json:"token"`
	Amount      decimal.Decimal `json:"amount"`
	LastUpdated time.Time       `json:"last_updated"`
}

// BalancesResponse lists every balance held by an address.
type BalancesResponse struct {
	Address  string         `json:"address"`
	Balances []BalanceEntry `json:"balances"`
}

// HistoryResponse is a page of an address's transactions, newest first.
type HistoryResponse struct {
	Address      string                     `json:"address"`
	Limit        int                        `json:"limit"`
	Transactions []ledger.TransactionRecord `json:"transactions"`
}

// SupplyResponse reports circulating supply and fee burn for one token.
type SupplyResponse struct {
	Token              string          `json:"token"`
	Supply             decimal.Decimal `json:"supply"`
	FeesBurned         decimal.Decimal `json:"fees_burned"`
	ConfirmedTransfers int64           `json:"confirmed_transfers"`
	LastBlock          int64           `json:"last_block"`
}

// IntegrityReport is the result of an integrity verification run.
type IntegrityReport struct {
	IsHealthy bool              `json:"is_healthy"`
	Failures  map[string]string `json:"failures,omitempty"`
	CheckedAt time.Time         `json:"checked_at"`
}
