package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultFeeRate is 0.1% of the transferred amount.
var DefaultFeeRate = decimal.RequireFromString("0.001")

// FeePolicy computes the fee owed for a transfer. Implementations must be pure.
type FeePolicy interface {
	Fee(amount decimal.Decimal, token string) (decimal.Decimal, error)
}

// RatePolicy charges amount*rate, rounded half-to-even at the token's precision.
type RatePolicy struct {
	rate   decimal.Decimal
	tokens *TokenRegistry
}

func NewRatePolicy(rate decimal.Decimal, tokens *TokenRegistry) (*RatePolicy, error) {
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("fee rate %s out of range [0, 1)", rate)
	}
	return &RatePolicy{rate: rate, tokens: tokens}, nil
}

func (p *RatePolicy) Fee(amount decimal.Decimal, token string) (decimal.Decimal, error) {
	places, ok := p.tokens.Decimals(token)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedToken, token)
	}
	return amount.Mul(p.rate).RoundBank(places), nil
}

// Rate returns the configured fee rate.
func (p *RatePolicy) Rate() decimal.Decimal {
	return p.rate
}
