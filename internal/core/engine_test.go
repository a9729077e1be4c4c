package core_test

import (
	"TokenLedger/internal/core"
	"TokenLedger/internal/ledger"
	"TokenLedger/internal/testutil"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// --- Test helpers ---

func baseConfig(store ledger.BalanceStore, log ledger.TransactionLog) core.Config {
	tokens := ledger.NewTokenRegistry(ledger.DefaultTokens())
	fees, err := ledger.NewRatePolicy(ledger.DefaultFeeRate, tokens)
	if err != nil {
		panic(err)
	}
	nop := zerolog.Nop()
	return core.Config{
		Balances: store,
		Log:      log,
		Fees:     fees,
		Tokens:   tokens,
		Logger:   &nop,
	}
}

func mustEngine(t *testing.T, cfg core.Config) *core.TransferEngine {
	t.Helper()
	e, err := core.NewTransferEngine(cfg)
	if err != nil {
		t.Fatalf("NewTransferEngine: %v", err)
	}
	return e
}

func newTestEngine(t *testing.T) (*core.TransferEngine, *ledger.MemoryBalanceStore, *ledger.MemoryTransactionLog) {
	store := ledger.NewMemoryBalanceStore()
	log := ledger.NewMemoryTransactionLog()
	return mustEngine(t, baseConfig(store, log)), store, log
}

func transfer(from, to, token, amount string) ledger.TransferRequest {
	return ledger.TransferRequest{From: from, To: to, Token: token, Amount: testutil.D(amount)}
}

func fixedIDs(ids ...string) func() string {
	var mu sync.Mutex
	i := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[i%len(ids)]
		i++
		return id
	}
}

func assertBalance(t *testing.T, store ledger.BalanceStore, address, token, want string) {
	t.Helper()
	if got := testutil.Balance(t, store, address, token); !got.Equal(testutil.D(want)) {
		t.Errorf("%s %s = %s, want %s", address, token, got, want)
	}
}

func countRecords(t *testing.T, log ledger.TransactionLog, address string) int {
	t.Helper()
	seq, err := log.ListByAddress(context.Background(), address, 10_000)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, err := range seq {
		if err != nil {
			t.Fatal(err)
		}
		n++
	}
	return n
}

// gatedStore blocks the first Get until released, holding the engine inside its locked section.
type gatedStore struct {
	*ledger.MemoryBalanceStore
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	s := &gatedStore{
		MemoryBalanceStore: ledger.NewMemoryBalanceStore(),
		entered:            make(chan struct{}),
		release:            make(chan struct{}),
	}
	s.armed.Store(true)
	return s
}

func (s *gatedStore) Get(ctx context.Context, key ledger.BalanceKey) (decimal.Decimal, error) {
	if s.armed.CompareAndSwap(true, false) {
		close(s.entered)
		<-s.release
	}
	return s.MemoryBalanceStore.Get(ctx, key)
}

// conflictStore never lets a compare-and-set succeed.
type conflictStore struct {
	*ledger.MemoryBalanceStore
	calls atomic.Int32
}

func (s *conflictStore) CompareAndSetAll(context.Context, []ledger.BalanceUpdate) (bool, error) {
	s.calls.Add(1)
	return false, nil
}

// confirmFailLog rejects every CONFIRMED transition.
type confirmFailLog struct {
	*ledger.MemoryTransactionLog
	attempts atomic.Int32
}

func (l *confirmFailLog) MarkTerminal(ctx context.Context, id string, status ledger.Status, reason string, block *ledger.BlockRef) error {
	if status == ledger.StatusConfirmed {
		l.attempts.Add(1)
		return errors.New("connection reset")
	}
	return l.MemoryTransactionLog.MarkTerminal(ctx, id, status, reason, block)
}

// lostAckLog stores the first write of status, then reports it as failed.
type lostAckLog struct {
	*ledger.MemoryTransactionLog
	status ledger.Status
	lost   atomic.Bool
}

func (l *lostAckLog) MarkTerminal(ctx context.Context, id string, status ledger.Status, reason string, block *ledger.BlockRef) error {
	err := l.MemoryTransactionLog.MarkTerminal(ctx, id, status, reason, block)
	if err == nil && status == l.status && l.lost.CompareAndSwap(false, true) {
		return errors.New("connection reset")
	}
	return err
}

// flakyFailLog rejects the first FAILED transition without storing it.
type flakyFailLog struct {
	*ledger.MemoryTransactionLog
	rejected atomic.Bool
}

func (l *flakyFailLog) MarkTerminal(ctx context.Context, id string, status ledger.Status, reason string, block *ledger.BlockRef) error {
	if status == ledger.StatusFailed && l.rejected.CompareAndSwap(false, true) {
		return errors.New("connection reset")
	}
	return l.MemoryTransactionLog.MarkTerminal(ctx, id, status, reason, block)
}

// ============================================================================
// Test: Worked examples
// ============================================================================

func TestTransfer_Confirmed(t *testing.T) {
	e, store, log := newTestEngine(t)
	testutil.Fund(t, store, "0xA", "USDT", "100")

	res, err := e.Transfer(context.Background(), transfer("0xA", "0xB", "USDT", "30"))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if res.Status != ledger.StatusConfirmed || res.Message != "transfer successful" {
		t.Errorf("result = %+v", res)
	}

	assertBalance(t, store, "0xA", "USDT", "69.97")
	assertBalance(t, store, "0xB", "USDT", "30")

	rec, err := log.Get(context.Background(), res.TransactionID)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Fee.Equal(testutil.D("0.03")) {
		t.Errorf("fee = %s, want 0.03", rec.Fee)
	}
	if rec.Block == nil || rec.Block.Number != 1 || !strings.HasPrefix(rec.Block.Hash, "0x") || len(rec.Block.Hash) != 66 {
		t.Errorf("block = %+v", rec.Block)
	}
	if rec.ConfirmedAt == nil {
		t.Error("confirmed record has no confirmation time")
	}
}

func TestTransfer_InsufficientBalance(t *testing.T) {
	e, store, log := newTestEngine(t)
	testutil.Fund(t, store, "0xA", "USDT", "10")

	// 10 + 0.01 fee exceeds the balance
	res, err := e.Transfer(context.Background(), transfer("0xA", "0xB", "USDT", "10"))
	if err != nil {
		t.Fatalf("insufficient funds must not be an error, got %v", err)
	}
	if res.Status != ledger.StatusFailed || res.Message != ledger.ReasonInsufficientBalance {
		t.Errorf("result = %+v", res)
	}

	assertBalance(t, store, "0xA", "USDT", "10")
	assertBalance(t, store, "0xB", "USDT", "0")

	rec, _ := log.Get(context.Background(), res.TransactionID)
	if rec.Status != ledger.StatusFailed || rec.Block != nil {
		t.Errorf("record = %+v", rec)
	}
}

func TestTransfer_SelfTransferRejected(t *testing.T) {
	e, store, log := newTestEngine(t)
	testutil.Fund(t, store, "0xA", "USDT", "100")

	_, err := e.Transfer(context.Background(), transfer("0xA", "0xA", "USDT", "5"))
	if !errors.Is(err, ledger.ErrSelfTransfer) {
		t.Errorf("got %v, want ErrSelfTransfer", err)
	}
	if n := countRecords(t, log, "0xA"); n != 0 {
		t.Errorf("rejected request created %d records", n)
	}
	assertBalance(t, store, "0xA", "USDT", "100")
}

func TestTransfer_ExactBalanceIncludingFee(t *testing.T) {
	e, store, _ := newTestEngine(t)
	testutil.Fund(t, store, "0xA", "USDT", "1.001")

	res, err := e.Transfer(context.Background(), transfer("0xA", "0xB", "USDT", "1"))
	if err != nil || res.Status != ledger.StatusConfirmed {
		t.Fatalf("got %+v, %v", res, err)
	}
	assertBalance(t, store, "0xA", "USDT", "0")
	assertBalance(t, store, "0xB", "USDT", "1")
}

// ============================================================================
// Test: Validation
// ============================================================================

func TestTransfer_Validation(t *testing.T) {
	e, store, log := newTestEngine(t)
	testutil.Fund(t, store, "0xA", "USDT", "100")

	tests := []struct {
		name string
		req  ledger.TransferRequest
		want error
	}{
		{"zero amount", transfer("0xA", "0xB", "USDT", "0"), ledger.ErrInvalidAmount},
		{"zero amount unsupported token", transfer("0xA", "0xB", "XYZ", "0"), ledger.ErrInvalidAmount},
		{"self transfer unsupported token", transfer("0xA", "0xA", "XYZ", "0"), ledger.ErrSelfTransfer},
		{"negative amount", transfer("0xA", "0xB", "USDT", "-1"), ledger.ErrInvalidAmount},
		{"too many decimals", transfer("0xA", "0xB", "USDT", "0.0000001"), ledger.ErrInvalidAmount},
		{"unsupported token", transfer("0xA", "0xB", "DOGE", "1"), ledger.ErrUnsupportedToken},
		{"empty sender", transfer("", "0xB", "USDT", "1"), ledger.ErrInvalidAddress},
		{"empty receiver", transfer("0xA", "", "USDT", "1"), ledger.ErrInvalidAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Transfer(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	if n := countRecords(t, log, "0xA"); n != 0 {
		t.Errorf("rejected requests created %d records", n)
	}
	assertBalance(t, store, "0xA", "USDT", "100")
}

func TestTransfer_DustFeeRoundsToZero(t *testing.T) {
	e, store, log := newTestEngine(t)
	testutil.Fund(t, store, "0xA", "USDT", "1")

	res, err := e.Transfer(context.Background(), transfer("0xA", "0xB", "USDT", "0.000001"))
	if err != nil || res.Status != ledger.StatusConfirmed {
		t.Fatalf("got %+v, %v", res, err)
	}
	rec, _ := log.Get(context.Background(), res.TransactionID)
	if !rec.Fee.IsZero() {
		t.Errorf("fee = %s, want 0", rec.Fee)
	}
	assertBalance(t, store, "0xA", "USDT", "0.999999")
}

// ============================================================================
// Test: Admission
// ============================================================================

func TestTransfer_DuplicateIDRetriedOnce(t *testing.T) {
	store := ledger.NewMemoryBalanceStore()
	log := ledger.NewMemoryTransactionLog()
	testutil.Fund(t, store, "0xA", "USDT", "100")
	log.Append(context.Background(), ledger.TransactionRecord{
		ID: "taken", From: "0xX", To: "0xY", Token: "USDT", Status: ledger.StatusPending, CreatedAt: time.Now(),
	})

	cfg := baseConfig(store, log)
	cfg.NewID = fixedIDs("taken", "fresh")
	e := mustEngine(t, cfg)

	res, err := e.Transfer(context.Background(), transfer("0xA", "0xB", "USDT", "1"))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if res.TransactionID != "fresh" || res.Status != ledger.StatusConfirmed {
		t.Errorf("result = %+v", res)
	}

	other, _ := log.Get(context.Background(), "taken")
	if other.From != "0xX" || other.Status != ledger.StatusPending {
		t.Errorf("colliding record was modified: %+v", other)
	}
}

func TestTransfer_DuplicateIDTwiceUnavailable(t *testing.T) {
	store := ledger.NewMemoryBalanceStore()
	log := ledger.NewMemoryTransactionLog()
	testutil.Fund(t, store, "0xA", "USDT", "100")
	log.Append(context.Background(), ledger.TransactionRecord{
		ID: "taken", From: "0xX", To: "0xY", Token: "USDT", Status: ledger.StatusPending, CreatedAt: time.Now(),
	})

	cfg := baseConfig(store, log)
	cfg.NewID = fixedIDs("taken")
	e := mustEngine(t, cfg)

	_, err := e.Transfer(context.Background(), transfer("0xA", "0xB", "USDT", "1"))
	if !errors.Is(err, ledger.ErrLedgerUnavailable) || !errors.Is(err, ledger.ErrDuplicateID) {
		t.Errorf("got %v, want ErrLedgerUnavailable wrapping ErrDuplicateID", err)
	}
	assertBalance(t, store, "0xA", "USDT", "100")
}

func TestTransfer_UniqueIDs(t *testing.T) {
	e, store, _ := newTestEngine(t)
	testutil.Fund(t, store, "0xA", "USDT", "100")

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		res, err := e.Transfer(context.Background(), transfer("0xA", "0xB", "USDT", "1"))
		if err != nil {
			t.Fatal(err)
		}
		if seen[res.TransactionID] {
			t.Fatalf("duplicate transaction id %s", res.TransactionID)
		}
		seen[res.TransactionID] = true
	}
}

// ============================================================================
// Test: Concurrency
// ============================================================================

func TestTransfer_ConcurrentSameSender(t *testing.T) {
	store := ledger.NewMemoryBalanceStore()
	log := ledger.NewMemoryTransactionLog()
	testutil.Fund(t, store, "0xA", "USDT", "1000")

	cfg := baseConfig(store, log)
	cfg.LockTimeout = 30 * time.Second
	e := mustEngine(t, cfg)

	const n = 1000
	var confirmed, failed atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			res, err := e.Transfer(context.Background(), transfer("0xA", "0xB", "USDT", "1"))
			if err != nil {
				t.Errorf("Transfer: %v", err)
				return
			}
			switch res.Status {
			case ledger.StatusConfirmed:
				confirmed.Add(1)
			case ledger.StatusFailed:
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	// Each transfer costs 1.001; the 1000th finds only 0.001 left
	if confirmed.Load() != 999 || failed.Load() != 1 {
		t.Errorf("confirmed=%d failed=%d, want 999/1", confirmed.Load(), failed.Load())
	}
	assertBalance(t, store, "0xA", "USDT", "0.001")
	assertBalance(t, store, "0xB", "USDT", "999")

	if err := ledger.NewInvariantValidator(store).ValidateNonNegative(); err != nil {
		t.Error(err)
	}
}

func TestTransfer_OpposingDirectionsNoDeadlock(t *testing.T) {
	store := ledger.NewMemoryBalanceStore()
	log := ledger.NewMemoryTransactionLog()
	testutil.Fund(t, store, "0xA", "USDT", "1000")
	testutil.Fund(t, store, "0xB", "USDT", "1000")

	cfg := baseConfig(store, log)
	cfg.LockTimeout = 30 * time.Second
	e := mustEngine(t, cfg)

	v := ledger.NewInvariantValidator(store)
	before := v.ComputeSupply()

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		from, to := "0xA", "0xB"
		if i%2 == 1 {
			from, to = to, from
		}
		go func() {
			defer wg.Done()
			res, err := e.Transfer(context.Background(), transfer(from, to, "USDT", "1"))
			if err != nil || res.Status != ledger.StatusConfirmed {
				t.Errorf("%s -> %s: %+v %v", from, to, res, err)
			}
		}()
	}
	wg.Wait()

	burned := map[string]decimal.Decimal{"USDT": testutil.D("0.001").Mul(decimal.NewFromInt(n))}
	if err := v.ValidateConservation(before, burned); err != nil {
		t.Error(err)
	}
	assertBalance(t, store, "0xA", "USDT", "999.9")
	assertBalance(t, store, "0xB", "USDT", "999.9")
}

func TestTransfer_DisjointKeysRunInParallel(t *testing.T) {
	store := newGatedStore()
	log := ledger.NewMemoryTransactionLog()
	testutil.Fund(t, store, "0xA", "USDT", "10")
	testutil.Fund(t, store, "0xC", "USDT", "10")
	e := mustEngine(t, baseConfig(store, log))

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Transfer(context.Background(), transfer("0xA", "0xB", "USDT", "1"))
	}()
	<-store.entered

	// 0xA->0xB is parked inside its locked section; 0xC->0xD must not wait for it
	res, err := e.Transfer(context.Background(), transfer("0xC", "0xD", "USDT", "1"))
	if err != nil || res.Status != ledger.StatusConfirmed {
		t.Errorf("disjoint transfer: %+v %v", res, err)
	}

	close(store.release)
	<-done
}

// ============================================================================
// Test: Faults
// ============================================================================

func TestTransfer_LockTimeout(t *testing.T) {
	store := newGatedStore()
	log := ledger.NewMemoryTransactionLog()
	testutil.Fund(t, store, "0xA", "USDT", "10")

	cfg := baseConfig(store, log)
	cfg.LockTimeout = 50 * time.Millisecond
	e := mustEngine(t, cfg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Transfer(context.Background(), transfer("0xA", "0xB", "USDT", "1"))
	}()
	<-store.entered

	res, err := e.Transfer(context.Background(), transfer("0xB", "0xA", "USDT", "1"))
	if !errors.Is(err, ledger.ErrLedgerUnavailable) || !errors.Is(err, core.ErrLockTimeout) {
		t.Errorf("got %v, want ErrLedgerUnavailable wrapping ErrLockTimeout", err)
	}
	if res.Status != ledger.StatusFailed || res.TransactionID == "" {
		t.Errorf("result = %+v", res)
	}

	rec, _ := log.Get(context.Background(), res.TransactionID)
	if rec.Status != ledger.StatusFailed {
		t.Errorf("timed-out record status = %s", rec.Status)
	}

	close(store.release)
	<-done
	assertBalance(t, store, "0xA", "USDT", "8.999")
}

func TestTransfer_LockWaitCancelled(t *testing.T) {
	store := newGatedStore()
	log := ledger.NewMemoryTransactionLog()
	testutil.Fund(t, store, "0xA", "USDT", "10")
	e := mustEngine(t, baseConfig(store, log))

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Transfer(context.Background(), transfer("0xA", "0xB", "USDT", "1"))
	}()
	<-store.entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := e.Transfer(ctx, transfer("0xB", "0xA", "USDT", "1"))
	if !errors.Is(err, ledger.ErrLedgerUnavailable) || !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want ErrLedgerUnavailable wrapping context.Canceled", err)
	}
	if errors.Is(err, core.ErrLockTimeout) {
		t.Errorf("cancellation reported as lock timeout: %v", err)
	}

	rec, _ := log.Get(context.Background(), res.TransactionID)
	if rec.Status != ledger.StatusFailed {
		t.Errorf("cancelled record status = %s", rec.Status)
	}

	close(store.release)
	<-done
}

func TestTransfer_ApplyRetriesExhausted(t *testing.T) {
	store := &conflictStore{MemoryBalanceStore: ledger.NewMemoryBalanceStore()}
	log := ledger.NewMemoryTransactionLog()
	testutil.Fund(t, store.MemoryBalanceStore, "0xA", "USDT", "10")

	cfg := baseConfig(store, log)
	cfg.MaxApplyAttempts = 4
	e := mustEngine(t, cfg)

	res, err := e.Transfer(context.Background(), transfer("0xA", "0xB", "USDT", "1"))
	if !errors.Is(err, ledger.ErrLedgerUnavailable) {
		t.Errorf("got %v, want ErrLedgerUnavailable", err)
	}
	if res.Status != ledger.StatusFailed {
		t.Errorf("status = %s", res.Status)
	}
	if got := store.calls.Load(); got != 4 {
		t.Errorf("compare-and-set attempts = %d, want 4", got)
	}
}

func TestTransfer_ConfirmFailureReverts(t *testing.T) {
	store := ledger.NewMemoryBalanceStore()
	log := &confirmFailLog{MemoryTransactionLog: ledger.NewMemoryTransactionLog()}
	testutil.Fund(t, store, "0xA", "USDT", "100")

	cfg := baseConfig(store, log)
	cfg.MaxConfirmAttempts = 2
	e := mustEngine(t, cfg)

	res, err := e.Transfer(context.Background(), transfer("0xA", "0xB", "USDT", "30"))
	if !errors.Is(err, ledger.ErrLedgerUnavailable) {
		t.Errorf("got %v, want ErrLedgerUnavailable", err)
	}
	if res.Status != ledger.StatusFailed {
		t.Errorf("status = %s", res.Status)
	}
	if got := log.attempts.Load(); got != 2 {
		t.Errorf("confirm attempts = %d, want 2", got)
	}

	assertBalance(t, store, "0xA", "USDT", "100")
	assertBalance(t, store, "0xB", "USDT", "0")

	rec, _ := log.Get(context.Background(), res.TransactionID)
	if rec.Status != ledger.StatusFailed {
		t.Errorf("record status = %s", rec.Status)
	}
}

func TestTransfer_ConfirmStoredDespiteWriteError(t *testing.T) {
	store := ledger.NewMemoryBalanceStore()
	log := &lostAckLog{MemoryTransactionLog: ledger.NewMemoryTransactionLog(), status: ledger.StatusConfirmed}
	testutil.Fund(t, store, "0xA", "USDT", "100")
	e := mustEngine(t, baseConfig(store, log))

	res, err := e.Transfer(context.Background(), transfer("0xA", "0xB", "USDT", "30"))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if res.Status != ledger.StatusConfirmed {
		t.Errorf("status = %s", res.Status)
	}

	assertBalance(t, store, "0xA", "USDT", "69.97")
	assertBalance(t, store, "0xB", "USDT", "30")

	rec, _ := log.Get(context.Background(), res.TransactionID)
	if rec.Status != ledger.StatusConfirmed || rec.Block == nil {
		t.Errorf("record = %+v", rec)
	}
}

func TestTransfer_ConfirmStoredOnLastAttempt(t *testing.T) {
	store := ledger.NewMemoryBalanceStore()
	log := &lostAckLog{MemoryTransactionLog: ledger.NewMemoryTransactionLog(), status: ledger.StatusConfirmed}
	testutil.Fund(t, store, "0xA", "USDT", "100")

	cfg := baseConfig(store, log)
	cfg.MaxConfirmAttempts = 1
	e := mustEngine(t, cfg)

	res, err := e.Transfer(context.Background(), transfer("0xA", "0xB", "USDT", "30"))
	if err != nil || res.Status != ledger.StatusConfirmed {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	assertBalance(t, store, "0xA", "USDT", "69.97")
	assertBalance(t, store, "0xB", "USDT", "30")
}

func TestTransfer_FailedWriteRetried(t *testing.T) {
	store := ledger.NewMemoryBalanceStore()
	log := &flakyFailLog{MemoryTransactionLog: ledger.NewMemoryTransactionLog()}
	testutil.Fund(t, store, "0xA", "USDT", "10")
	e := mustEngine(t, baseConfig(store, log))

	res, err := e.Transfer(context.Background(), transfer("0xA", "0xB", "USDT", "30"))
	if err != nil || res.Status != ledger.StatusFailed {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if !log.rejected.Load() {
		t.Fatal("FAILED write was never rejected")
	}

	rec, _ := log.Get(context.Background(), res.TransactionID)
	if rec.Status != ledger.StatusFailed || rec.Reason != ledger.ReasonInsufficientBalance {
		t.Errorf("record status=%s reason=%q", rec.Status, rec.Reason)
	}
}

func TestTransfer_FailedStoredDespiteWriteError(t *testing.T) {
	store := ledger.NewMemoryBalanceStore()
	log := &lostAckLog{MemoryTransactionLog: ledger.NewMemoryTransactionLog(), status: ledger.StatusFailed}
	testutil.Fund(t, store, "0xA", "USDT", "10")
	e := mustEngine(t, baseConfig(store, log))

	res, err := e.Transfer(context.Background(), transfer("0xA", "0xB", "USDT", "30"))
	if err != nil || res.Status != ledger.StatusFailed {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	rec, _ := log.Get(context.Background(), res.TransactionID)
	if rec.Status != ledger.StatusFailed {
		t.Errorf("record status = %s", rec.Status)
	}
}

// ============================================================================
// Test: Cancel and sweeper
// ============================================================================

func TestCancel_Pending(t *testing.T) {
	e, _, log := newTestEngine(t)
	ctx := context.Background()
	log.Append(ctx, ledger.TransactionRecord{ID: "p1", From: "0xA", To: "0xB", Token: "USDT", Status: ledger.StatusPending})

	res, err := e.Cancel(ctx, "p1")
	if err != nil || res.Status != ledger.StatusCancelled {
		t.Fatalf("got %+v, %v", res, err)
	}

	if _, err := e.Cancel(ctx, "p1"); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Errorf("second cancel: got %v, want ErrInvalidTransition", err)
	}
	if _, err := e.Cancel(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("unknown id: got %v, want ErrNotFound", err)
	}
}

func TestCancel_InFlightRejected(t *testing.T) {
	store := newGatedStore()
	log := ledger.NewMemoryTransactionLog()
	testutil.Fund(t, store, "0xA", "USDT", "10")

	cfg := baseConfig(store, log)
	cfg.NewID = fixedIDs("tx-1")
	e := mustEngine(t, cfg)

	done := make(chan ledger.TransactionResult)
	go func() {
		res, _ := e.Transfer(context.Background(), transfer("0xA", "0xB", "USDT", "1"))
		done <- res
	}()
	<-store.entered

	if !e.InFlight("tx-1") {
		t.Error("tx-1 should be in flight")
	}
	if _, err := e.Cancel(context.Background(), "tx-1"); !errors.Is(err, ledger.ErrInFlight) {
		t.Errorf("got %v, want ErrInFlight", err)
	}

	close(store.release)
	if res := <-done; res.Status != ledger.StatusConfirmed {
		t.Errorf("in-flight transfer ended %s", res.Status)
	}
	if e.InFlight("tx-1") {
		t.Error("tx-1 still marked in flight")
	}
}

func TestCancelAbandoned(t *testing.T) {
	e, _, log := newTestEngine(t)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		log.Append(ctx, ledger.TransactionRecord{
			ID: fmt.Sprintf("old-%d", i), From: "0xA", To: "0xB", Token: "USDT",
			Status: ledger.StatusPending, CreatedAt: old,
		})
	}
	log.Append(ctx, ledger.TransactionRecord{
		ID: "recent", From: "0xA", To: "0xB", Token: "USDT",
		Status: ledger.StatusPending, CreatedAt: time.Now(),
	})

	n, err := e.CancelAbandoned(ctx, time.Now().Add(-time.Minute))
	if err != nil || n != 3 {
		t.Fatalf("got %d, %v; want 3", n, err)
	}

	rec, _ := log.Get(ctx, "recent")
	if rec.Status != ledger.StatusPending {
		t.Errorf("recent record status = %s", rec.Status)
	}
	rec, _ = log.Get(ctx, "old-0")
	if rec.Status != ledger.StatusCancelled {
		t.Errorf("old record status = %s", rec.Status)
	}
}

// ============================================================================
// Test: Idempotency keys
// ============================================================================

func TestTransfer_IdempotencyKeyAppliesOnce(t *testing.T) {
	store := ledger.NewMemoryBalanceStore()
	log := ledger.NewMemoryTransactionLog()
	testutil.Fund(t, store, "0xA", "USDT", "100")

	cfg := baseConfig(store, log)
	cfg.Idempotency = core.NewIdempotencyChecker(16, nil, nil)
	e := mustEngine(t, cfg)

	req := transfer("0xA", "0xB", "USDT", "30")
	req.IdempotencyKey = "order-42"

	first, err := e.Transfer(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Transfer(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	if first.TransactionID != second.TransactionID || second.Status != ledger.StatusConfirmed {
		t.Errorf("first=%+v second=%+v", first, second)
	}
	assertBalance(t, store, "0xA", "USDT", "69.97")
	assertBalance(t, store, "0xB", "USDT", "30")
}

func TestTransfer_IdempotencyKeyReusedWithDifferentRequest(t *testing.T) {
	store := ledger.NewMemoryBalanceStore()
	log := ledger.NewMemoryTransactionLog()
	testutil.Fund(t, store, "0xA", "USDT", "100")

	cfg := baseConfig(store, log)
	cfg.Idempotency = core.NewIdempotencyChecker(16, nil, nil)
	e := mustEngine(t, cfg)

	req := transfer("0xA", "0xB", "USDT", "30")
	req.IdempotencyKey = "order-42"
	if _, err := e.Transfer(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	changed := []ledger.TransferRequest{
		transfer("0xA", "0xB", "USDT", "40"),
		transfer("0xA", "0xC", "USDT", "30"),
		transfer("0xA", "0xB", "ETH", "30"),
	}
	for _, other := range changed {
		other.IdempotencyKey = "order-42"
		if _, err := e.Transfer(context.Background(), other); !errors.Is(err, ledger.ErrIdempotencyConflict) {
			t.Errorf("%+v: got %v, want ErrIdempotencyConflict", other, err)
		}
	}

	// Same amount written differently is the same request.
	same := transfer("0xA", "0xB", "USDT", "30.00")
	same.IdempotencyKey = "order-42"
	if _, err := e.Transfer(context.Background(), same); err != nil {
		t.Errorf("equal amount rejected: %v", err)
	}

	assertBalance(t, store, "0xA", "USDT", "69.97")
	assertBalance(t, store, "0xB", "USDT", "30")
	if n := countRecords(t, log, "0xA"); n != 1 {
		t.Errorf("records = %d, want 1", n)
	}
}

func TestTransfer_IdempotencyKeyFromWarmCacheChecksRecord(t *testing.T) {
	store := ledger.NewMemoryBalanceStore()
	log := ledger.NewMemoryTransactionLog()
	err := log.Append(context.Background(), ledger.TransactionRecord{
		ID: "tx-old", From: "0xA", To: "0xB", Token: "USDT", Amount: testutil.D("5"),
		Status: ledger.StatusPending, IdempotencyKey: "k", CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	checker := core.NewIdempotencyChecker(16, nil, nil)
	checker.Warm(map[string]string{"k": "tx-old"})
	cfg := baseConfig(store, log)
	cfg.Idempotency = checker
	e := mustEngine(t, cfg)

	req := transfer("0xA", "0xB", "USDT", "6")
	req.IdempotencyKey = "k"
	if _, err := e.Transfer(context.Background(), req); !errors.Is(err, ledger.ErrIdempotencyConflict) {
		t.Errorf("got %v, want ErrIdempotencyConflict", err)
	}

	req.Amount = testutil.D("5")
	res, err := e.Transfer(context.Background(), req)
	if err != nil || res.TransactionID != "tx-old" {
		t.Errorf("res=%+v err=%v", res, err)
	}
}

func TestTransfer_IdempotencyKeyReleasedOnRejection(t *testing.T) {
	store := ledger.NewMemoryBalanceStore()
	log := ledger.NewMemoryTransactionLog()
	testutil.Fund(t, store, "0xA", "USDT", "100")
	log.Append(context.Background(), ledger.TransactionRecord{ID: "taken", Status: ledger.StatusPending})

	checker := core.NewIdempotencyChecker(16, nil, nil)
	cfg := baseConfig(store, log)
	cfg.Idempotency = checker
	cfg.NewID = fixedIDs("taken")
	e := mustEngine(t, cfg)

	req := transfer("0xA", "0xB", "USDT", "1")
	req.IdempotencyKey = "k"
	if _, err := e.Transfer(context.Background(), req); err == nil {
		t.Fatal("expected admission failure")
	}
	if checker.Size() != 0 {
		t.Errorf("failed admission left %d keys bound", checker.Size())
	}
}

// ============================================================================
// Test: Settlement fan-out
// ============================================================================

func TestTransfer_EmitsSettlements(t *testing.T) {
	store := ledger.NewMemoryBalanceStore()
	log := ledger.NewMemoryTransactionLog()
	testutil.Fund(t, store, "0xA", "USDT", "100")

	persist := make(chan *ledger.Batch, 4)
	publish := make(chan core.Settlement, 4)
	cfg := baseConfig(store, log)
	cfg.PersistChan = persist
	cfg.PublishChan = publish
	e := mustEngine(t, cfg)

	e.Transfer(context.Background(), transfer("0xA", "0xB", "USDT", "30"))
	e.Transfer(context.Background(), transfer("0xA", "0xB", "USDT", "1000"))

	if len(persist) != 1 {
		t.Fatalf("persist channel has %d settlements, want 1 (confirmed only)", len(persist))
	}
	batch := <-persist
	if len(batch.Journals) != 2 || batch.BlockNumber != 1 {
		t.Errorf("persisted batch = %+v", batch)
	}

	if len(publish) != 2 {
		t.Fatalf("publish channel has %d settlements, want 2", len(publish))
	}
	<-publish
	if failed := <-publish; failed.Record.Status != ledger.StatusFailed || failed.Batch != nil {
		t.Errorf("failed settlement = %+v", failed)
	}
}

func TestTransfer_BlockNumbersIncrease(t *testing.T) {
	e, store, log := newTestEngine(t)
	testutil.Fund(t, store, "0xA", "USDT", "100")

	var last int64
	for i := 0; i < 5; i++ {
		res, _ := e.Transfer(context.Background(), transfer("0xA", "0xB", "USDT", "1"))
		rec, _ := log.Get(context.Background(), res.TransactionID)
		if rec.Block.Number <= last {
			t.Errorf("block %d after %d", rec.Block.Number, last)
		}
		last = rec.Block.Number
	}
}
