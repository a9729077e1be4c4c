// Package projection builds read models over the ledger: wallet summaries
// and per-token fee totals.
package projection

import (
	"TokenLedger/internal/ledger"
	"TokenLedger/internal/observability"
	"TokenLedger/internal/pricing"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// TokenValue is one valued balance line of a wallet summary.
type TokenValue struct {
	Token       string          `json:"token"`
	Balance     decimal.Decimal `json:"balance"`
	Price       decimal.Decimal `json:"price"`
	Value       decimal.Decimal `json:"value"`
	Priced      bool            `json:"priced"`
	LastUpdated time.Time       `json:"last_updated"`
}

// WalletSummary is a point-in-time valuation of every balance an address holds.
type WalletSummary struct {
	Address     string          `json:"address"`
	TotalValue  decimal.Decimal `json:"total_value"`
	Balances    []TokenValue    `json:"balances"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// Projector values balances. It only reads; it never takes engine locks, so a
// summary taken during a transfer may see either side of it.
type Projector struct {
	balances ledger.BalanceReader
	prices   pricing.Source
	now      func() time.Time
	logger   zerolog.Logger
}

func NewProjector(balances ledger.BalanceReader, prices pricing.Source) *Projector {
	return &Projector{
		balances: balances,
		prices:   prices,
		now:      time.Now,
		logger:   observability.NewLogger("projection"),
	}
}

// WithClock overrides the GeneratedAt clock.
func (p *Projector) WithClock(now func() time.Time) *Projector {
	p.now = now
	return p
}

// Summarize lists the balances of address with their USD value.
// A token without a price contributes zero and is reported with Priced=false.
func (p *Projector) Summarize(ctx context.Context, address string) (*WalletSummary, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("%w: empty address", ledger.ErrInvalidAddress)
	}

	balances, err := p.balances.ListByAddress(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("list balances for %s: %w", address, err)
	}

	summary := &WalletSummary{
		Address:     address,
		TotalValue:  decimal.Zero,
		Balances:    make([]TokenValue, 0, len(balances)),
		GeneratedAt: p.now().UTC(),
	}

	for _, b := range balances {
		line := TokenValue{
			Token:       b.Key.Token,
			Balance:     b.Amount,
			Price:       decimal.Zero,
			Value:       decimal.Zero,
			LastUpdated: b.LastUpdated,
		}

		price, found, err := p.prices.Price(ctx, b.Key.Token)
		if err != nil {
			p.logger.Warn().Err(err).Str("token", b.Key.Token).Msg("price lookup failed, valuing at zero")
		}
		if err == nil && found {
			line.Price = price
			line.Value = b.Amount.Mul(price)
			line.Priced = true
			summary.TotalValue = summary.TotalValue.Add(line.Value)
		}

		summary.Balances = append(summary.Balances, line)
	}

	return summary, nil
}
