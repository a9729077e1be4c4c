package query_test

import (
	"TokenLedger/internal/ledger"
	"TokenLedger/internal/pricing"
	"TokenLedger/internal/projection"
	"TokenLedger/internal/query"
	"TokenLedger/internal/testutil"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fixture struct {
	qs    *query.QueryService
	store *ledger.MemoryBalanceStore
	log   *ledger.MemoryTransactionLog
	fees  *projection.MemoryFeeTotals
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemoryBalanceStore()
	txlog := ledger.NewMemoryTransactionLog()
	fees := projection.NewMemoryFeeTotals()

	qs, err := query.NewQueryService(query.Config{
		Balances:  store,
		Log:       txlog,
		Tokens:    ledger.NewTokenRegistry(ledger.DefaultTokens()),
		Projector: projection.NewProjector(store, pricing.NewStatic(pricing.DefaultPrices())),
		Fees:      fees,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{qs: qs, store: store, log: txlog, fees: fees}
}

func (f *fixture) appendPending(t *testing.T, id, from, to string, created time.Time) {
	t.Helper()
	err := f.log.Append(context.Background(), ledger.TransactionRecord{
		ID: id, From: from, To: to, Token: "USDT",
		Amount: testutil.D("1"), Fee: testutil.D("0.001"),
		Status: ledger.StatusPending, CreatedAt: created,
	})
	if err != nil {
		t.Fatal(err)
	}
}

// ============================================================================
// Test: Balances and supply
// ============================================================================

func TestGetBalances(t *testing.T) {
	f := newFixture(t)
	testutil.Fund(t, f.store, "0xA", "USDT", "5")
	testutil.Fund(t, f.store, "0xA", "ETH", "1.5")

	resp, err := f.qs.GetBalances(context.Background(), "0xA")
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Balances) != 2 || resp.Balances[0].Token != "ETH" || !resp.Balances[1].Amount.Equal(testutil.D("5")) {
		t.Errorf("balances = %+v", resp.Balances)
	}

	if _, err := f.qs.GetBalances(context.Background(), ""); !errors.Is(err, ledger.ErrInvalidAddress) {
		t.Errorf("empty address err = %v", err)
	}
}

func TestGetSupply(t *testing.T) {
	f := newFixture(t)
	testutil.Fund(t, f.store, "0xA", "USDT", "70")
	testutil.Fund(t, f.store, "0xB", "USDT", "29.97")
	f.fees.Apply(context.Background(), ledger.TransactionRecord{
		ID: "t1", Token: "USDT", Fee: testutil.D("0.03"),
		Status: ledger.StatusConfirmed, Block: &ledger.BlockRef{Number: 1},
	})

	resp, err := f.qs.GetSupply(context.Background(), "usdt")
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Supply.Equal(testutil.D("99.97")) || !resp.FeesBurned.Equal(testutil.D("0.03")) || resp.ConfirmedTransfers != 1 {
		t.Errorf("supply = %+v", resp)
	}

	if _, err := f.qs.GetSupply(context.Background(), "DOGE"); !errors.Is(err, ledger.ErrUnsupportedToken) {
		t.Errorf("unsupported token err = %v", err)
	}
}

// ============================================================================
// Test: History and transactions
// ============================================================================

func TestGetHistory_NewestFirst(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		f.appendPending(t, fmt.Sprintf("t%d", i), "0xA", "0xB", base.Add(time.Duration(i)*time.Minute))
	}
	f.appendPending(t, "other", "0xC", "0xD", base)

	resp, err := f.qs.GetHistory(context.Background(), "0xB", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Transactions) != 3 || resp.Transactions[0].ID != "t4" || resp.Transactions[2].ID != "t2" {
		t.Errorf("history = %+v", resp.Transactions)
	}

	resp, _ = f.qs.GetHistory(context.Background(), "0xA", 0)
	if resp.Limit != ledger.DefaultHistoryLimit || len(resp.Transactions) != 5 {
		t.Errorf("default page: limit=%d len=%d", resp.Limit, len(resp.Transactions))
	}

	if _, err := f.qs.GetHistory(context.Background(), "0xA", -1); !errors.Is(err, ledger.ErrInvalidLimit) {
		t.Errorf("negative limit err = %v", err)
	}
}

func TestGetHistory_Empty(t *testing.T) {
	f := newFixture(t)
	resp, err := f.qs.GetHistory(context.Background(), "0xNobody", 10)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Transactions == nil || len(resp.Transactions) != 0 {
		t.Errorf("want empty non-nil list, got %#v", resp.Transactions)
	}
}

func TestGetTransaction(t *testing.T) {
	f := newFixture(t)
	f.appendPending(t, "t1", "0xA", "0xB", time.Now())

	rec, err := f.qs.GetTransaction(context.Background(), "t1")
	if err != nil || rec.Status != ledger.StatusPending {
		t.Errorf("t1 = %+v %v", rec, err)
	}

	if _, err := f.qs.GetTransaction(context.Background(), "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
}

// ============================================================================
// Test: Summary and integrity
// ============================================================================

func TestGetSummary(t *testing.T) {
	f := newFixture(t)
	testutil.Fund(t, f.store, "0xA", "GOV", "2")

	s, err := f.qs.GetSummary(context.Background(), "0xA")
	if err != nil {
		t.Fatal(err)
	}
	if !s.TotalValue.Equal(testutil.D("30")) {
		t.Errorf("total = %s, want 30", s.TotalValue)
	}
}

func TestGetSummary_NoProjector(t *testing.T) {
	qs, _ := query.NewQueryService(query.Config{
		Balances: ledger.NewMemoryBalanceStore(),
		Log:      ledger.NewMemoryTransactionLog(),
		Tokens:   ledger.NewTokenRegistry(ledger.DefaultTokens()),
	})
	if _, err := qs.GetSummary(context.Background(), "0xA"); !errors.Is(err, ledger.ErrLedgerUnavailable) {
		t.Errorf("err = %v", err)
	}
}

func TestVerifyIntegrity(t *testing.T) {
	f := newFixture(t)
	testutil.Fund(t, f.store, "0xA", "USDT", "1")

	validator := ledger.NewInvariantValidator(f.store)
	f.qs.RegisterCheck("non_negative", func(context.Context) error { return validator.ValidateNonNegative() })

	report := f.qs.VerifyIntegrity(context.Background())
	if !report.IsHealthy || len(report.Failures) != 0 {
		t.Errorf("report = %+v", report)
	}

	f.qs.RegisterCheck("broken", func(context.Context) error { return errors.New("drift") })
	report = f.qs.VerifyIntegrity(context.Background())
	if report.IsHealthy || report.Failures["broken"] != "drift" {
		t.Errorf("report = %+v", report)
	}
}
