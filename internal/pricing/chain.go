package pricing

import (
	"TokenLedger/internal/observability"
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Chain asks each source in turn and returns the first price found.
// A failing source is logged and skipped.
type Chain struct {
	sources []Source
	logger  zerolog.Logger
}

func NewChain(sources ...Source) *Chain {
	return &Chain{
		sources: sources,
		logger:  observability.NewLogger("pricing"),
	}
}

func (c *Chain) Price(ctx context.Context, token string) (decimal.Decimal, bool, error) {
	var lastErr error
	failed := 0
	for i, src := range c.sources {
		p, found, err := src.Price(ctx, token)
		if err != nil {
			c.logger.Warn().Err(err).Int("source", i).Str("token", token).Msg("price source failed")
			lastErr = err
			failed++
			continue
		}
		if found {
			return p, true, nil
		}
	}
	// Only an error when no source could answer at all
	if failed > 0 && failed == len(c.sources) {
		return decimal.Zero, false, lastErr
	}
	return decimal.Zero, false, nil
}
