package ingestion

import (
	"TokenLedger/internal/ledger"
	"TokenLedger/internal/observability"
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Transferer is the engine surface the intake needs.
type Transferer interface {
	Transfer(ctx context.Context, req ledger.TransferRequest) (ledger.TransactionResult, error)
}

// Outcome is how a raw message was settled with the broker.
type Outcome int

const (
	OutcomeAcked Outcome = iota
	OutcomeRetry
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcked:
		return "acked"
	case OutcomeRetry:
		return "retry"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// IntakeWorker drains raw transfer instructions into the engine with a fixed
// number of goroutines. Transfers over disjoint keys proceed in parallel.
type IntakeWorker struct {
	engine  Transferer
	rawChan <-chan RawEvent
	workers int
	logger  zerolog.Logger
}

func NewIntakeWorker(engine Transferer, rawChan <-chan RawEvent, workers int) *IntakeWorker {
	if workers <= 0 {
		workers = 1
	}
	return &IntakeWorker{
		engine:  engine,
		rawChan: rawChan,
		workers: workers,
		logger:  observability.NewLogger("ingestion"),
	}
}

// Run blocks until ctx ends or the raw channel closes.
func (w *IntakeWorker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case raw, ok := <-w.rawChan:
					if !ok {
						return
					}
					w.Handle(ctx, raw)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Handle processes one message and settles it with the broker.
// Malformed or invalid requests are terminated; unavailability is retried;
// any engine result, FAILED included, is acknowledged.
func (w *IntakeWorker) Handle(ctx context.Context, raw RawEvent) Outcome {
	evt, err := ParseTransferRequest(raw.Data)
	if err != nil {
		w.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed transfer request")
		call(raw.TermFunc)
		return OutcomeRejected
	}

	res, err := w.engine.Transfer(ctx, evt.Request())
	switch {
	case err == nil:
		w.logger.Debug().
			Str("tx_id", res.TransactionID).
			Str("status", string(res.Status)).
			Msg("transfer request processed")
		call(raw.AckFunc)
		return OutcomeAcked

	case errors.Is(err, ledger.ErrLedgerUnavailable), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		w.logger.Warn().Err(err).Str("tx_id", res.TransactionID).Msg("transfer request will be redelivered")
		call(raw.NakFunc)
		return OutcomeRetry

	default:
		w.logger.Info().Err(err).Str("from", evt.From).Str("token", evt.Token).Msg("transfer request rejected")
		call(raw.TermFunc)
		return OutcomeRejected
	}
}

func call(f func()) {
	if f != nil {
		f()
	}
}
