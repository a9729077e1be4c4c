package ledger

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// BalanceKey identifies a single balance entry: one token held by one address.
type BalanceKey struct {
	Address string
	Token   string
}

func NewBalanceKey(address, token string) BalanceKey {
	return BalanceKey{Address: address, Token: token}
}

// Less defines the total order used for lock acquisition: address first, then token.
func (k BalanceKey) Less(other BalanceKey) bool {
	if k.Address != other.Address {
		return k.Address < other.Address
	}
	return k.Token < other.Token
}

// AccountPath returns the string representation for storage/logging
func (k BalanceKey) AccountPath() string {
	return fmt.Sprintf("wallet:%s:%s", k.Address, k.Token)
}

// BurnAccountPath is the journal counter-account for burned fees.
func BurnAccountPath(token string) string {
	return fmt.Sprintf("system:burn:%s", token)
}

// SortKeys orders keys for deadlock-free locking and drops duplicates.
func SortKeys(keys []BalanceKey) []BalanceKey {
	out := make([]BalanceKey, 0, len(keys))
	seen := make(map[BalanceKey]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// TokenRegistry is the set of supported tokens and their decimal precision.
// Immutable after construction.
type TokenRegistry struct {
	decimals map[string]int32
}

// DefaultTokens mirrors the token table the wallet service launched with.
func DefaultTokens() map[string]int32 {
	return map[string]int32{
		"BTC":  8,
		"ETH":  18,
		"USDT": 6,
		"USDC": 6,
		"BANK": 18,
		"GOV":  18,
	}
}

func NewTokenRegistry(decimals map[string]int32) *TokenRegistry {
	copied := make(map[string]int32, len(decimals))
	for sym, d := range decimals {
		copied[sym] = d
	}
	return &TokenRegistry{decimals: copied}
}

// ParseTokenRegistry parses "SYM:decimals,SYM:decimals".
func ParseTokenRegistry(s string) (*TokenRegistry, error) {
	decimals := make(map[string]int32)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sym, dec, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("token %q: expected SYMBOL:decimals", part)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(dec), 10, 32)
		if err != nil || n < 0 || n > 36 {
			return nil, fmt.Errorf("token %q: invalid decimals %q", sym, dec)
		}
		decimals[strings.ToUpper(strings.TrimSpace(sym))] = int32(n)
	}
	if len(decimals) == 0 {
		return nil, fmt.Errorf("no tokens configured")
	}
	return NewTokenRegistry(decimals), nil
}

// Decimals returns the precision for a token.
func (r *TokenRegistry) Decimals(token string) (int32, bool) {
	d, ok := r.decimals[token]
	return d, ok
}

func (r *TokenRegistry) Supports(token string) bool {
	_, ok := r.decimals[token]
	return ok
}

// Symbols returns supported symbols in sorted order.
func (r *TokenRegistry) Symbols() []string {
	out := make([]string, 0, len(r.decimals))
	for sym := range r.decimals {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
