package pricing_test

import (
	"TokenLedger/internal/pricing"
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func newRedisSource(t *testing.T) (*pricing.RedisSource, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := pricing.NewRedisClient(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("connect miniredis: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return pricing.NewRedisSource(client, ""), mr
}

type failingSource struct{}

func (failingSource) Price(context.Context, string) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, errors.New("boom")
}

// ============================================================================
// Test: Static
// ============================================================================

func TestStatic_DefaultPrices(t *testing.T) {
	s := pricing.NewStatic(pricing.DefaultPrices())

	p, ok, err := s.Price(context.Background(), "btc")
	if err != nil || !ok || !p.Equal(decimal.NewFromInt(45000)) {
		t.Errorf("BTC = %s %v %v", p, ok, err)
	}

	if _, ok, _ := s.Price(context.Background(), "USDC"); ok {
		t.Error("USDC has no default price")
	}
}

// ============================================================================
// Test: RedisSource
// ============================================================================

func TestRedisSource_HashLookup(t *testing.T) {
	src, mr := newRedisSource(t)
	mr.HSet(pricing.DefaultPriceKey, "ETH", "3150.25")

	p, ok, err := src.Price(context.Background(), "eth")
	if err != nil || !ok || !p.Equal(decimal.RequireFromString("3150.25")) {
		t.Errorf("ETH = %s %v %v", p, ok, err)
	}

	if _, ok, err := src.Price(context.Background(), "GOV"); ok || err != nil {
		t.Errorf("missing field: ok=%v err=%v", ok, err)
	}
}

func TestRedisSource_SetPrices(t *testing.T) {
	src, mr := newRedisSource(t)

	if err := src.SetPrices(context.Background(), pricing.DefaultPrices()); err != nil {
		t.Fatal(err)
	}
	if got := mr.HGet(pricing.DefaultPriceKey, "BANK"); got != "25" {
		t.Errorf("BANK field = %q", got)
	}
}

func TestRedisSource_Malformed(t *testing.T) {
	src, mr := newRedisSource(t)
	mr.HSet(pricing.DefaultPriceKey, "BTC", "lots")

	if _, _, err := src.Price(context.Background(), "BTC"); err == nil {
		t.Error("malformed price should error")
	}
}

func TestRedisSource_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	src := pricing.NewRedisSource(client, "")
	mr.Close()

	if _, _, err := src.Price(context.Background(), "BTC"); err == nil {
		t.Error("closed server should error")
	}
}

func TestNewRedisClient_FailsFast(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := pricing.NewRedisClient(addr, "", 0); err == nil {
		t.Error("expected connection failure")
	}
}

// ============================================================================
// Test: Chain
// ============================================================================

func TestChain_FallsBack(t *testing.T) {
	src, mr := newRedisSource(t)
	mr.HSet(pricing.DefaultPriceKey, "BTC", "50000")

	chain := pricing.NewChain(src, pricing.NewStatic(pricing.DefaultPrices()))

	p, _, _ := chain.Price(context.Background(), "BTC")
	if !p.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("BTC = %s, want redis override 50000", p)
	}

	p, ok, _ := chain.Price(context.Background(), "GOV")
	if !ok || !p.Equal(decimal.NewFromInt(15)) {
		t.Errorf("GOV = %s %v, want static 15", p, ok)
	}
}

func TestChain_SkipsFailingSource(t *testing.T) {
	chain := pricing.NewChain(failingSource{}, pricing.NewStatic(pricing.DefaultPrices()))

	p, ok, err := chain.Price(context.Background(), "USDT")
	if err != nil || !ok || !p.Equal(decimal.NewFromInt(1)) {
		t.Errorf("USDT = %s %v %v", p, ok, err)
	}

	if _, ok, err := chain.Price(context.Background(), "USDC"); ok || err != nil {
		t.Errorf("unpriced token: ok=%v err=%v", ok, err)
	}
}
