package core

import (
	"TokenLedger/internal/ledger"
	"TokenLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	DefaultLockTimeout        = 5 * time.Second
	DefaultMaxApplyAttempts   = 3
	DefaultMaxConfirmAttempts = 3

	// terminalWriteTimeout bounds record writes that must happen even after the caller left.
	terminalWriteTimeout = 5 * time.Second
	sweepPageSize        = 500
)

// Settlement is emitted once per record that reaches a terminal state.
type Settlement struct {
	Record ledger.TransactionRecord
	Batch  *ledger.Batch // nil unless CONFIRMED
}

// Config wires a TransferEngine. Balances, Log, Fees and Tokens are required.
type Config struct {
	Balances    ledger.BalanceStore
	Log         ledger.TransactionLog
	Fees        ledger.FeePolicy
	Tokens      *ledger.TokenRegistry
	Sequencer   *BlockSequencer
	Idempotency *IdempotencyChecker

	LockTimeout        time.Duration
	MaxApplyAttempts   int
	MaxConfirmAttempts int

	// Journal persistence: blocking send bounded by the caller's context.
	PersistChan chan<- *ledger.Batch
	// Projections and outbound events: non-blocking send, dropped when full.
	ProjectionChan chan<- Settlement
	PublishChan    chan<- Settlement

	Metrics *observability.Metrics
	Logger  *zerolog.Logger

	Now   func() time.Time
	NewID func() string
}

// TransferEngine applies transfers between addresses.
//
// Each transfer locks exactly the sender and receiver keys, so transfers over
// disjoint keys run in parallel. All balance writes for one transfer go through
// a single CompareAndSetAll.
type TransferEngine struct {
	balances    ledger.BalanceStore
	log         ledger.TransactionLog
	fees        ledger.FeePolicy
	tokens      *ledger.TokenRegistry
	sequencer   *BlockSequencer
	idempotency *IdempotencyChecker
	locks       *KeyLocker

	lockTimeout        time.Duration
	maxApplyAttempts   int
	maxConfirmAttempts int

	persistChan    chan<- *ledger.Batch
	projectionChan chan<- Settlement
	publishChan    chan<- Settlement

	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
	newID   func() string

	// inflightMu guards inflight. Cancel holds it across its terminal write so
	// a record cannot be admitted and cancelled at the same time.
	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

func NewTransferEngine(cfg Config) (*TransferEngine, error) {
	if cfg.Balances == nil || cfg.Log == nil || cfg.Fees == nil || cfg.Tokens == nil {
		return nil, errors.New("transfer engine requires balances, log, fees and tokens")
	}

	e := &TransferEngine{
		balances:           cfg.Balances,
		log:                cfg.Log,
		fees:               cfg.Fees,
		tokens:             cfg.Tokens,
		sequencer:          cfg.Sequencer,
		idempotency:        cfg.Idempotency,
		locks:              NewKeyLocker(),
		lockTimeout:        cfg.LockTimeout,
		maxApplyAttempts:   cfg.MaxApplyAttempts,
		maxConfirmAttempts: cfg.MaxConfirmAttempts,
		persistChan:        cfg.PersistChan,
		projectionChan:     cfg.ProjectionChan,
		publishChan:        cfg.PublishChan,
		metrics:            cfg.Metrics,
		now:                cfg.Now,
		newID:              cfg.NewID,
		inflight:           make(map[string]struct{}),
	}

	if e.sequencer == nil {
		e.sequencer, _ = NewBlockSequencer(ledger.BlockRef{})
	}
	if e.lockTimeout <= 0 {
		e.lockTimeout = DefaultLockTimeout
	}
	if e.maxApplyAttempts <= 0 {
		e.maxApplyAttempts = DefaultMaxApplyAttempts
	}
	if e.maxConfirmAttempts <= 0 {
		e.maxConfirmAttempts = DefaultMaxConfirmAttempts
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if cfg.Logger != nil {
		e.logger = *cfg.Logger
	} else {
		e.logger = observability.NewLogger("engine")
	}

	return e, nil
}

// Transfer moves req.Amount from req.From to req.To and burns the fee from the sender.
//
// Validation errors are returned without creating a record. Insufficient funds
// is a FAILED result with a nil error. Infrastructure faults return the FAILED
// result (when a record exists) together with an error wrapping
// ledger.ErrLedgerUnavailable.
func (e *TransferEngine) Transfer(ctx context.Context, req ledger.TransferRequest) (ledger.TransactionResult, error) {
	start := e.now()

	fee, err := e.validate(req)
	if err != nil {
		e.recordRejected(err)
		return ledger.TransactionResult{}, err
	}

	id := e.newID()
	if req.IdempotencyKey != "" && e.idempotency != nil {
		prev, claimedWith, claimed := e.idempotency.ClaimRequest(ctx, req.IdempotencyKey, id, requestFingerprint(req))
		if !claimed {
			if claimedWith != "" && claimedWith != requestFingerprint(req) {
				e.recordRejected(ledger.ErrIdempotencyConflict)
				return ledger.TransactionResult{}, fmt.Errorf("%w: key %s", ledger.ErrIdempotencyConflict, req.IdempotencyKey)
			}
			return e.resultFor(ctx, prev, req)
		}
	}

	rec, err := e.admit(ctx, req, id, fee)
	if err != nil {
		if req.IdempotencyKey != "" && e.idempotency != nil {
			e.idempotency.Release(req.IdempotencyKey)
		}
		e.recordRejected(err)
		return ledger.TransactionResult{}, err
	}
	defer e.finish(rec.ID)

	if rec.ID != id && req.IdempotencyKey != "" && e.idempotency != nil {
		e.idempotency.Rebind(req.IdempotencyKey, rec.ID)
	}

	e.logger.Debug().
		Str("tx_id", rec.ID).
		Str("from", rec.From).
		Str("to", rec.To).
		Str("token", rec.Token).
		Str("amount", rec.Amount.String()).
		Msg("transfer admitted")

	settled, batch, err := e.settle(ctx, rec)

	// Locks are released by now; fan-out never delays other transfers on the same keys.
	e.emit(ctx, Settlement{Record: settled, Batch: batch})
	e.recordSettled(settled, start)

	return ledger.ResultFromRecord(settled, e.now()), err
}

// validate checks the request shape and returns the fee it will be charged.
func (e *TransferEngine) validate(req ledger.TransferRequest) (decimal.Decimal, error) {
	if req.From == "" || req.To == "" {
		return decimal.Zero, ledger.ErrInvalidAddress
	}
	if req.From == req.To {
		return decimal.Zero, ledger.ErrSelfTransfer
	}

	if !req.Amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s must be positive", ledger.ErrInvalidAmount, req.Amount)
	}

	places, ok := e.tokens.Decimals(req.Token)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ledger.ErrUnsupportedToken, req.Token)
	}
	if !req.Amount.Equal(req.Amount.Truncate(places)) {
		return decimal.Zero, fmt.Errorf("%w: %s exceeds %d decimals for %s",
			ledger.ErrInvalidAmount, req.Amount, places, req.Token)
	}

	fee, err := e.fees.Fee(req.Amount, req.Token)
	if err != nil {
		return decimal.Zero, err
	}
	if fee.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative fee %s", ledger.ErrInvalidAmount, fee)
	}
	return fee, nil
}

// admit appends the PENDING record, retrying once with a fresh id on collision.
func (e *TransferEngine) admit(ctx context.Context, req ledger.TransferRequest, id string, fee decimal.Decimal) (ledger.TransactionRecord, error) {
	rec := ledger.TransactionRecord{
		ID:             id,
		From:           req.From,
		To:             req.To,
		Token:          req.Token,
		Amount:         req.Amount,
		Fee:            fee,
		Status:         ledger.StatusPending,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      e.now(),
	}

	for attempt := 1; attempt <= 2; attempt++ {
		e.markInflight(rec.ID)

		err := e.log.Append(ctx, rec)
		if err == nil {
			return rec, nil
		}
		e.finish(rec.ID)

		if !errors.Is(err, ledger.ErrDuplicateID) {
			return rec, fmt.Errorf("%w: append record: %w", ledger.ErrLedgerUnavailable, err)
		}
		if e.metrics != nil {
			e.metrics.IDCollisions.Inc()
		}
		e.logger.Warn().Str("tx_id", rec.ID).Int("attempt", attempt).Msg("transaction id collision")
		rec.ID = e.newID()
	}

	return rec, fmt.Errorf("%w: %w after retry", ledger.ErrLedgerUnavailable, ledger.ErrDuplicateID)
}

// settle runs the locked section and returns the record in its terminal state.
func (e *TransferEngine) settle(ctx context.Context, rec ledger.TransactionRecord) (ledger.TransactionRecord, *ledger.Batch, error) {
	sender := ledger.NewBalanceKey(rec.From, rec.Token)
	receiver := ledger.NewBalanceKey(rec.To, rec.Token)

	lockStart := e.now()
	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	unlock, err := e.locks.Lock(lockCtx, sender, receiver)
	cancel()
	if e.metrics != nil {
		e.metrics.LockWait.Observe(e.now().Sub(lockStart).Seconds())
	}
	if err != nil {
		if errors.Is(err, ErrLockTimeout) && e.metrics != nil {
			e.metrics.LockTimeouts.Inc()
		}
		err = fmt.Errorf("%w: acquire locks: %w", ledger.ErrLedgerUnavailable, err)
		return e.fail(ctx, rec, err.Error()), nil, err
	}
	defer unlock()

	total := rec.Amount.Add(rec.Fee)

	var senderBal, receiverBal decimal.Decimal
	for attempt := 1; ; attempt++ {
		senderBal, err = e.balances.Get(ctx, sender)
		if err != nil {
			return e.faulted(ctx, rec, "read sender balance", err)
		}

		if senderBal.LessThan(total) {
			return e.fail(ctx, rec, ledger.ReasonInsufficientBalance), nil, nil
		}

		receiverBal, err = e.balances.Get(ctx, receiver)
		if err != nil {
			return e.faulted(ctx, rec, "read receiver balance", err)
		}

		ok, err := e.balances.CompareAndSetAll(ctx, []ledger.BalanceUpdate{
			{Key: sender, Expected: senderBal, New: senderBal.Sub(total)},
			{Key: receiver, Expected: receiverBal, New: receiverBal.Add(rec.Amount)},
		})
		if err != nil {
			return e.faulted(ctx, rec, "apply balances", err)
		}
		if ok {
			break
		}

		if e.metrics != nil {
			e.metrics.CASConflicts.Inc()
		}
		e.logger.Warn().Str("tx_id", rec.ID).Int("attempt", attempt).Msg("balance changed under lock, re-reading")
		if attempt >= e.maxApplyAttempts {
			return e.faulted(ctx, rec, "apply balances", errors.New("compare-and-set retries exhausted"))
		}
	}

	block := e.sequencer.Next(rec.ID)
	if err := e.markTerminal(ctx, rec.ID, ledger.StatusConfirmed, "", &block, e.maxConfirmAttempts); err != nil {
		undo := []ledger.BalanceUpdate{
			{Key: sender, Expected: senderBal.Sub(total), New: senderBal},
			{Key: receiver, Expected: receiverBal.Add(rec.Amount), New: receiverBal},
		}
		if failed, ferr := e.abortConfirm(ctx, rec, block, undo, err); ferr != nil {
			return failed, nil, ferr
		}
	}

	confirmedAt := e.now()
	rec.Status = ledger.StatusConfirmed
	rec.ConfirmedAt = &confirmedAt
	rec.Block = &block

	batch, err := ledger.GenerateTransferBatch(rec)
	if err != nil {
		e.logger.Error().Err(err).Str("tx_id", rec.ID).Msg("journal generation failed")
	}

	e.logger.Info().
		Str("tx_id", rec.ID).
		Int64("block_number", block.Number).
		Str("token", rec.Token).
		Str("amount", rec.Amount.String()).
		Str("fee", rec.Fee.String()).
		Msg("transfer confirmed")

	return rec, batch, nil
}

// abortConfirm handles a confirm write that did not report success. The
// record is moved PENDING -> FAILED first; that guarded transition is what
// decides whether the applied balances may be reverted. A nil error means the
// confirm had in fact been stored and the transfer stands.
func (e *TransferEngine) abortConfirm(ctx context.Context, rec ledger.TransactionRecord, block ledger.BlockRef, undo []ledger.BalanceUpdate, cause error) (ledger.TransactionRecord, error) {
	err := fmt.Errorf("%w: confirm record: %w", ledger.ErrLedgerUnavailable, cause)
	e.logger.Error().Err(cause).Str("tx_id", rec.ID).Int64("block_number", block.Number).Msg("confirm write failed")

	ferr := e.markTerminal(ctx, rec.ID, ledger.StatusFailed, err.Error(), nil, e.maxConfirmAttempts)
	if ferr == nil {
		e.revert(ctx, rec, undo)
		rec.Status = ledger.StatusFailed
		rec.Reason = err.Error()
		return rec, err
	}

	if errors.Is(ferr, ledger.ErrInvalidTransition) {
		if stored, gerr := e.storedRecord(ctx, rec.ID); gerr == nil && confirmedIn(stored, block) {
			e.logger.Warn().Str("tx_id", rec.ID).Msg("confirm was stored despite write error")
			return rec, nil
		}
	}

	// The stored state is unknown: leave balances applied and the record as is.
	e.logger.Error().
		Err(ferr).
		Str("tx_id", rec.ID).
		Msg("CRITICAL: transfer outcome unknown, record and balances need reconciliation")
	return rec, fmt.Errorf("%w: outcome unknown: %w", err, ferr)
}

func (e *TransferEngine) storedRecord(ctx context.Context, id string) (ledger.TransactionRecord, error) {
	wctx, cancel := e.terminalContext(ctx)
	defer cancel()
	return e.log.Get(wctx, id)
}

// confirmedIn reports whether rec is CONFIRMED at exactly block.
func confirmedIn(rec ledger.TransactionRecord, block ledger.BlockRef) bool {
	return rec.Status == ledger.StatusConfirmed && rec.Block != nil && rec.Block.Number == block.Number
}

// revert undoes an applied transfer whose confirmation could not be recorded.
// Called with both keys still locked.
func (e *TransferEngine) revert(ctx context.Context, rec ledger.TransactionRecord, updates []ledger.BalanceUpdate) {
	wctx, cancel := e.terminalContext(ctx)
	defer cancel()

	ok, err := e.balances.CompareAndSetAll(wctx, updates)
	if err != nil || !ok {
		e.logger.Error().
			Err(err).
			Str("tx_id", rec.ID).
			Bool("applied", ok).
			Msg("CRITICAL: could not revert unconfirmed transfer, balances need reconciliation")
		return
	}
	e.logger.Warn().Str("tx_id", rec.ID).Msg("reverted transfer after confirm failure")
}

// faulted marks the record FAILED for an infrastructure error and wraps the cause.
func (e *TransferEngine) faulted(ctx context.Context, rec ledger.TransactionRecord, stage string, cause error) (ledger.TransactionRecord, *ledger.Batch, error) {
	err := fmt.Errorf("%w: %s: %w", ledger.ErrLedgerUnavailable, stage, cause)
	e.logger.Error().Err(cause).Str("tx_id", rec.ID).Str("stage", stage).Msg("transfer fault")
	return e.fail(ctx, rec, err.Error()), nil, err
}

// fail marks the record FAILED and returns the updated copy.
func (e *TransferEngine) fail(ctx context.Context, rec ledger.TransactionRecord, reason string) ledger.TransactionRecord {
	if err := e.markTerminal(ctx, rec.ID, ledger.StatusFailed, reason, nil, e.maxConfirmAttempts); err != nil {
		e.logger.Error().Err(err).Str("tx_id", rec.ID).Msg("CRITICAL: could not mark transfer failed")
	}
	rec.Status = ledger.StatusFailed
	rec.Reason = reason
	return rec
}

// markTerminal writes a terminal status, retrying transient failures.
// It runs detached from the caller's cancellation so records do not stay PENDING.
func (e *TransferEngine) markTerminal(ctx context.Context, id string, status ledger.Status, reason string, block *ledger.BlockRef, attempts int) error {
	wctx, cancel := e.terminalContext(ctx)
	defer cancel()

	backoff := 10 * time.Millisecond
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = e.log.MarkTerminal(wctx, id, status, reason, block)
		if errors.Is(err, ledger.ErrInvalidTransition) && attempt > 1 && e.alreadyStored(wctx, id, status, block) {
			// An earlier attempt was stored but its acknowledgement was lost.
			return nil
		}
		if err == nil || errors.Is(err, ledger.ErrInvalidTransition) || errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		if attempt < attempts {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-wctx.Done():
				return err
			}
		}
	}
	return err
}

func (e *TransferEngine) alreadyStored(ctx context.Context, id string, status ledger.Status, block *ledger.BlockRef) bool {
	rec, err := e.log.Get(ctx, id)
	if err != nil || rec.Status != status {
		return false
	}
	if block != nil {
		return confirmedIn(rec, *block)
	}
	return true
}

func (e *TransferEngine) terminalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
}

// Cancel moves a PENDING record to CANCELLED.
func (e *TransferEngine) Cancel(ctx context.Context, id string) (ledger.TransactionResult, error) {
	e.inflightMu.Lock()
	if _, busy := e.inflight[id]; busy {
		e.inflightMu.Unlock()
		return ledger.TransactionResult{}, fmt.Errorf("%w: %s", ledger.ErrInFlight, id)
	}
	err := e.log.MarkTerminal(ctx, id, ledger.StatusCancelled, "", nil)
	e.inflightMu.Unlock()

	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrInvalidTransition) {
			return ledger.TransactionResult{}, err
		}
		return ledger.TransactionResult{}, fmt.Errorf("%w: cancel %s: %w", ledger.ErrLedgerUnavailable, id, err)
	}

	rec, err := e.log.Get(ctx, id)
	if err != nil {
		return ledger.TransactionResult{}, fmt.Errorf("%w: read cancelled %s: %w", ledger.ErrLedgerUnavailable, id, err)
	}

	e.logger.Info().Str("tx_id", id).Msg("transfer cancelled")
	e.emit(ctx, Settlement{Record: rec})
	if e.metrics != nil {
		e.metrics.TransfersSettled.WithLabelValues(rec.Token, string(rec.Status)).Inc()
	}
	return ledger.ResultFromRecord(rec, e.now()), nil
}

// CancelAbandoned cancels PENDING records created before olderThan that no
// Transfer call is processing. Returns the number cancelled.
func (e *TransferEngine) CancelAbandoned(ctx context.Context, olderThan time.Time) (int, error) {
	stale, err := e.log.ListPending(ctx, olderThan, sweepPageSize)
	if err != nil {
		return 0, fmt.Errorf("%w: list pending: %w", ledger.ErrLedgerUnavailable, err)
	}

	cancelled := 0
	for _, rec := range stale {
		if _, err := e.Cancel(ctx, rec.ID); err != nil {
			if errors.Is(err, ledger.ErrInFlight) || errors.Is(err, ledger.ErrInvalidTransition) {
				continue
			}
			return cancelled, err
		}
		cancelled++
		if e.metrics != nil {
			e.metrics.AbandonedCancelled.Inc()
		}
	}

	if cancelled > 0 {
		e.logger.Info().Int("cancelled", cancelled).Time("older_than", olderThan).Msg("swept abandoned transfers")
	}
	return cancelled, nil
}

// InFlight reports whether a Transfer call is currently processing id.
func (e *TransferEngine) InFlight(id string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	_, ok := e.inflight[id]
	return ok
}

// resultFor answers a repeated idempotency key from the original record.
func (e *TransferEngine) resultFor(ctx context.Context, id string, req ledger.TransferRequest) (ledger.TransactionResult, error) {
	rec, err := e.log.Get(ctx, id)
	if err == nil && !sameRequest(rec, req) {
		e.recordRejected(ledger.ErrIdempotencyConflict)
		return ledger.TransactionResult{}, fmt.Errorf("%w: key %s", ledger.ErrIdempotencyConflict, req.IdempotencyKey)
	}
	if errors.Is(err, ledger.ErrNotFound) {
		// The original request is still being admitted
		return ledger.TransactionResult{
			TransactionID: id,
			Status:        ledger.StatusPending,
			Message:       "transfer pending",
			Timestamp:     e.now(),
		}, nil
	}
	if err != nil {
		return ledger.TransactionResult{}, fmt.Errorf("%w: read %s: %w", ledger.ErrLedgerUnavailable, id, err)
	}
	return ledger.ResultFromRecord(rec, e.now()), nil
}

func requestFingerprint(req ledger.TransferRequest) string {
	return req.From + "|" + req.To + "|" + req.Token + "|" + req.Amount.String()
}

func sameRequest(rec ledger.TransactionRecord, req ledger.TransferRequest) bool {
	return rec.From == req.From && rec.To == req.To && rec.Token == req.Token && rec.Amount.Equal(req.Amount)
}

func (e *TransferEngine) markInflight(id string) {
	e.inflightMu.Lock()
	e.inflight[id] = struct{}{}
	n := len(e.inflight)
	e.inflightMu.Unlock()
	if e.metrics != nil {
		e.metrics.InFlight.Set(float64(n))
	}
}

func (e *TransferEngine) finish(id string) {
	e.inflightMu.Lock()
	delete(e.inflight, id)
	n := len(e.inflight)
	e.inflightMu.Unlock()
	if e.metrics != nil {
		e.metrics.InFlight.Set(float64(n))
	}
}

// emit hands a terminal record to the downstream workers.
// Persistence uses a BLOCKING send (backpressure) bounded by ctx; projections
// and outbound events use NON-BLOCKING sends and drop when full.
func (e *TransferEngine) emit(ctx context.Context, s Settlement) {
	if e.persistChan != nil && s.Batch != nil {
		select {
		case e.persistChan <- s.Batch:
		case <-ctx.Done():
			if e.metrics != nil {
				e.metrics.SettlementDrops.Inc()
			}
			e.logger.Warn().Str("tx_id", s.Record.ID).Msg("journal dropped, caller context ended")
		}
	}

	if e.projectionChan != nil {
		select {
		case e.projectionChan <- s:
		default:
			if e.metrics != nil {
				e.metrics.SettlementDrops.Inc()
			}
		}
	}

	if e.publishChan != nil {
		select {
		case e.publishChan <- s:
		default:
			if e.metrics != nil {
				e.metrics.SettlementDrops.Inc()
			}
		}
	}
}

func (e *TransferEngine) recordRejected(err error) {
	if e.metrics == nil {
		return
	}
	reason := "other"
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		reason = "invalid_amount"
	case errors.Is(err, ledger.ErrInvalidAddress):
		reason = "invalid_address"
	case errors.Is(err, ledger.ErrSelfTransfer):
		reason = "self_transfer"
	case errors.Is(err, ledger.ErrUnsupportedToken):
		reason = "unsupported_token"
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		reason = "idempotency_conflict"
	case errors.Is(err, ledger.ErrLedgerUnavailable):
		reason = "unavailable"
	}
	e.metrics.TransfersRejected.WithLabelValues(reason).Inc()
}

func (e *TransferEngine) recordSettled(rec ledger.TransactionRecord, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.TransfersSettled.WithLabelValues(rec.Token, string(rec.Status)).Inc()
	e.metrics.TransferDuration.WithLabelValues(string(rec.Status)).Observe(e.now().Sub(start).Seconds())
	if rec.Status == ledger.StatusConfirmed {
		amount, _ := rec.Amount.Float64()
		fee, _ := rec.Fee.Float64()
		e.metrics.TransferVolume.WithLabelValues(rec.Token).Add(amount)
		e.metrics.FeesBurned.WithLabelValues(rec.Token).Add(fee)
		if rec.Block != nil {
			e.metrics.BlockNumber.Set(float64(rec.Block.Number))
		}
	}
}
