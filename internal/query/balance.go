package query

import (
	"TokenLedger/internal/ledger"
	"context"
	"fmt"
	"strings"
)

// GetBalances returns every balance held by address, ordered by token.
func (qs *QueryService) GetBalances(ctx context.Context, address string) (*BalancesResponse, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("%w: empty address", ledger.ErrInvalidAddress)
	}

	balances, err := qs.balances.ListByAddress(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}

	resp := &BalancesResponse{
		Address:  address,
		Balances: make([]BalanceEntry, 0, len(balances)),
	}
	for _, b := range balances {
		resp.Balances = append(resp.Balances, BalanceEntry{
			Token:       b.Key.Token,
			Amount:      b.Amount,
			LastUpdated: b.LastUpdated,
		})
	}
	return resp, nil
}

// GetSupply sums a token across all addresses and attaches its fee totals.
func (qs *QueryService) GetSupply(ctx context.Context, token string) (*SupplyResponse, error) {
	token = strings.ToUpper(token)
	if !qs.tokens.Supports(token) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnsupportedToken, token)
	}

	supply, err := qs.balances.TotalSupply(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("total supply %s: %w", token, err)
	}

	resp := &SupplyResponse{Token: token, Supply: supply}
	if qs.fees != nil {
		ft, err := qs.fees.Get(ctx, token)
		if err != nil {
			return nil, err
		}
		resp.FeesBurned = ft.Burned
		resp.ConfirmedTransfers = ft.ConfirmedCount
		resp.LastBlock = ft.LastBlock
	}
	return resp, nil
}
