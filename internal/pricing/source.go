// Package pricing supplies USD prices for wallet summaries.
package pricing

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// Source looks up the USD price of one token unit.
// found=false means the source has no price for the token; it is not an error.
type Source interface {
	Price(ctx context.Context, token string) (price decimal.Decimal, found bool, err error)
}

// DefaultPrices is the fixed table the wallet service shipped with.
func DefaultPrices() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"BTC":  decimal.NewFromInt(45000),
		"ETH":  decimal.NewFromInt(3200),
		"USDT": decimal.NewFromInt(1),
		"BANK": decimal.NewFromInt(25),
		"GOV":  decimal.NewFromInt(15),
	}
}

// Static is an immutable in-process price table.
type Static struct {
	prices map[string]decimal.Decimal
}

func NewStatic(prices map[string]decimal.Decimal) *Static {
	copied := make(map[string]decimal.Decimal, len(prices))
	for token, p := range prices {
		copied[strings.ToUpper(token)] = p
	}
	return &Static{prices: copied}
}

func (s *Static) Price(_ context.Context, token string) (decimal.Decimal, bool, error) {
	p, ok := s.prices[strings.ToUpper(token)]
	return p, ok, nil
}
