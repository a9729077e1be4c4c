package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// InvariantValidator checks ledger invariants over a balance snapshot
type InvariantValidator struct {
	store *MemoryBalanceStore
}

func NewInvariantValidator(store *MemoryBalanceStore) *InvariantValidator {
	return &InvariantValidator{
		store: store,
	}
}

// ValidateNonNegative verifies no entry is below zero.
func (v *InvariantValidator) ValidateNonNegative() error {
	for key, amount := range v.store.Snapshot() {
		if amount.IsNegative() {
			return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), amount)
		}
	}
	return nil
}

// ComputeSupply sums all balances per token.
func (v *InvariantValidator) ComputeSupply() map[string]decimal.Decimal {
	totals := make(map[string]decimal.Decimal)
	for key, amount := range v.store.Snapshot() {
		totals[key.Token] = totals[key.Token].Add(amount)
	}
	return totals
}

// ValidateConservation verifies supply(after) == supply(before) - burned for every token.
func (v *InvariantValidator) ValidateConservation(before, burned map[string]decimal.Decimal) error {
	after := v.ComputeSupply()

	tokens := make(map[string]struct{})
	for t := range before {
		tokens[t] = struct{}{}
	}
	for t := range after {
		tokens[t] = struct{}{}
	}

	for token := range tokens {
		want := before[token].Sub(burned[token])
		if !after[token].Equal(want) {
			return fmt.Errorf("supply for %s is %s, want %s (before=%s burned=%s)",
				token, after[token], want, before[token], burned[token])
		}
	}
	return nil
}
