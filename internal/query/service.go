// Package query serves the read side of the ledger: balances, history,
// single transactions, supply, wallet summaries and integrity checks.
package query

import (
	"TokenLedger/internal/ledger"
	"TokenLedger/internal/projection"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// IntegrityCheck returns an error describing any violated ledger invariant.
type IntegrityCheck func(ctx context.Context) error

// Config wires a QueryService. Balances, Log and Tokens are required.
type Config struct {
	Balances  ledger.BalanceReader
	Log       ledger.TransactionLog
	Tokens    *ledger.TokenRegistry
	Projector *projection.Projector
	Fees      projection.FeeTotalsStore
	Now       func() time.Time
}

// QueryService provides read-only access to the ledger.
// It never takes engine locks; reads may interleave with in-flight transfers.
type QueryService struct {
	balances  ledger.BalanceReader
	log       ledger.TransactionLog
	tokens    *ledger.TokenRegistry
	projector *projection.Projector
	fees      projection.FeeTotalsStore
	now       func() time.Time

	mu     sync.RWMutex
	checks map[string]IntegrityCheck
}

func NewQueryService(cfg Config) (*QueryService, error) {
	if cfg.Balances == nil || cfg.Log == nil || cfg.Tokens == nil {
		return nil, errors.New("query service requires balances, log and tokens")
	}
	qs := &QueryService{
		balances:  cfg.Balances,
		log:       cfg.Log,
		tokens:    cfg.Tokens,
		projector: cfg.Projector,
		fees:      cfg.Fees,
		now:       cfg.Now,
		checks:    make(map[string]IntegrityCheck),
	}
	if qs.now == nil {
		qs.now = time.Now
	}
	return qs, nil
}

// GetHistory returns up to limit transactions sent or received by address,
// newest first. limit 0 means the default page size.
func (qs *QueryService) GetHistory(ctx context.Context, address string, limit int) (*HistoryResponse, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("%w: empty address", ledger.ErrInvalidAddress)
	}
	limit, err := ledger.NormalizeLimit(limit)
	if err != nil {
		return nil, err
	}

	seq, err := qs.log.ListByAddress(ctx, address, limit)
	if err != nil {
		return nil, err
	}

	resp := &HistoryResponse{
		Address:      address,
		Limit:        limit,
		Transactions: make([]ledger.TransactionRecord, 0),
	}
	for rec, err := range seq {
		if err != nil {
			return nil, fmt.Errorf("read history: %w", err)
		}
		resp.Transactions = append(resp.Transactions, rec)
	}
	return resp, nil
}

// GetTransaction returns one record; ledger.ErrNotFound for an unknown id.
func (qs *QueryService) GetTransaction(ctx context.Context, id string) (*ledger.TransactionRecord, error) {
	rec, err := qs.log.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetSummary values every balance of address.
func (qs *QueryService) GetSummary(ctx context.Context, address string) (*projection.WalletSummary, error) {
	if qs.projector == nil {
		return nil, fmt.Errorf("%w: summary projector not configured", ledger.ErrLedgerUnavailable)
	}
	return qs.projector.Summarize(ctx, address)
}

// GetFeeTotals lists the fee projection for every token with confirmed transfers.
func (qs *QueryService) GetFeeTotals(ctx context.Context) ([]projection.FeeTotal, error) {
	if qs.fees == nil {
		return []projection.FeeTotal{}, nil
	}
	return qs.fees.List(ctx)
}

// --- Admin APIs ---

// RegisterCheck adds a named integrity check run by VerifyIntegrity.
func (qs *QueryService) RegisterCheck(name string, check IntegrityCheck) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	qs.checks[name] = check
}

// VerifyIntegrity runs every registered check.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) *IntegrityReport {
	qs.mu.RLock()
	names := make([]string, 0, len(qs.checks))
	for name := range qs.checks {
		names = append(names, name)
	}
	qs.mu.RUnlock()
	sort.Strings(names)

	report := &IntegrityReport{CheckedAt: qs.now().UTC()}
	for _, name := range names {
		qs.mu.RLock()
		check := qs.checks[name]
		qs.mu.RUnlock()

		if err := check(ctx); err != nil {
			if report.Failures == nil {
				report.Failures = make(map[string]string)
			}
			report.Failures[name] = err.Error()
		}
	}

	report.IsHealthy = len(report.Failures) == 0
	return report
}
