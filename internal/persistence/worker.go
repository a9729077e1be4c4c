package persistence

import (
	"TokenLedger/internal/ledger"
	"TokenLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// JournalWorker drains the journal channel and batch-writes to Postgres.
// The engine sends with backpressure, so if this worker falls behind,
// confirmed transfers wait for it before returning to their callers.
type JournalWorker struct {
	db           *sql.DB
	writer       *JournalWriter
	inputChan    <-chan *ledger.Batch
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewJournalWorker(
	db *sql.DB,
	inputChan <-chan *ledger.Batch,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *JournalWorker {
	return &JournalWorker{
		db:           db,
		writer:       NewJournalWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       observability.NewLogger("journal-worker"),
	}
}

// Run batches incoming settlements and flushes either when the batch is full
// or the flush timeout expires. Blocks until ctx is cancelled or the input closes.
func (jw *JournalWorker) Run(ctx context.Context) error {
	batches := 0
	journalBatch := make([]JournalRow, 0, jw.batchSize*2)

	timer := time.NewTimer(jw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: take whatever is already queued, then flush
			batches += jw.drain(&journalBatch)
			if batches > 0 {
				if err := jw.flush(context.Background(), batches, journalBatch); err != nil {
					jw.logger.Error().Err(err).Int("journals", len(journalBatch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case batch, ok := <-jw.inputChan:
			if !ok {
				if batches > 0 {
					if err := jw.flush(context.Background(), batches, journalBatch); err != nil {
						jw.logger.Error().Err(err).Int("journals", len(journalBatch)).Msg("final flush failed")
					}
				}
				return nil
			}

			journalBatch = append(journalBatch, JournalRowsFromBatch(batch)...)
			batches++

			if batches >= jw.batchSize {
				if err := jw.flushWithRetry(ctx, batches, journalBatch); err != nil {
					jw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batches = 0
				journalBatch = journalBatch[:0]
				timer.Reset(jw.flushTimeout)
			}

		case <-timer.C:
			if batches > 0 {
				if err := jw.flushWithRetry(ctx, batches, journalBatch); err != nil {
					jw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batches = 0
				journalBatch = journalBatch[:0]
			}
			timer.Reset(jw.flushTimeout)
		}
	}
}

// drain moves every batch already buffered in the input channel onto rows
// without blocking and returns how many were taken.
func (jw *JournalWorker) drain(rows *[]JournalRow) int {
	n := 0
	for {
		select {
		case batch, ok := <-jw.inputChan:
			if !ok {
				return n
			}
			*rows = append(*rows, JournalRowsFromBatch(batch)...)
			n++
		default:
			return n
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or the context is cancelled. It never drops journals on a transient error.
func (jw *JournalWorker) flushWithRetry(ctx context.Context, batches int, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			jw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("journals", len(journals)).
				Msg("journal flush retry")
			select {
			case <-ctx.Done():
				// Shutting down: one last attempt detached from the cancelled context
				if err := jw.flush(context.Background(), batches, journals); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := jw.flush(ctx, batches, journals)
		if err == nil {
			if attempt > 0 {
				jw.logger.Info().Int("retries", attempt).Msg("journal flush succeeded")
			}
			return nil
		}

		if jw.metrics != nil {
			jw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (jw *JournalWorker) flush(ctx context.Context, batches int, journals []JournalRow) error {
	start := time.Now()

	tx, err := jw.db.BeginTx(ctx, nil)
	if err != nil {
		if jw.metrics != nil {
			jw.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := jw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		if jw.metrics != nil {
			jw.metrics.PersistErrors.WithLabelValues("write_journals").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if jw.metrics != nil {
			jw.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if jw.metrics != nil {
		jw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		jw.metrics.PersistBatchSize.Observe(float64(batches))
		jw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
	}

	return nil
}

// Writer returns the underlying journal writer.
func (jw *JournalWorker) Writer() *JournalWriter {
	return jw.writer
}
