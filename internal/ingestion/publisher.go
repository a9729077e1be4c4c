package ingestion

import (
	"TokenLedger/internal/core"
	"TokenLedger/internal/event"
	"TokenLedger/internal/ledger"
	"TokenLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher is the slice of jetstream.JetStream the outbound side uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes settled transfers to NATS for downstream consumers.
// Subjects follow the pattern: ledger.transfers.{status}
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan core.Settlement
	metrics   *observability.Metrics
	logger    zerolog.Logger
	timeout   time.Duration
}

func NewOutboundPublisher(js Publisher, inputChan <-chan core.Settlement, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("publisher"),
		timeout:   5 * time.Second,
	}
}

// SettlementSubject is where a record in the given terminal status is published.
func SettlementSubject(status ledger.Status) string {
	return "ledger.transfers." + strings.ToLower(string(status))
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case s, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.Publish(ctx, s.Record); err != nil {
				// Non-fatal: consumers can read the transaction log directly
				op.logger.Warn().Err(err).Str("tx_id", s.Record.ID).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishFailures.Inc()
				}
			}
		}
	}
}

// Publish sends one terminal record. The message id makes broker-side
// deduplication drop a repeated publish of the same outcome.
func (op *OutboundPublisher) Publish(ctx context.Context, rec ledger.TransactionRecord) error {
	if !rec.Status.IsTerminal() {
		return fmt.Errorf("publish %s: status %s is not terminal", rec.ID, rec.Status)
	}

	var seq int64
	if rec.Block != nil {
		seq = rec.Block.Number
	}
	env, err := event.Wrap(event.NewTransferSettled(rec), seq, time.Now().UTC())
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, op.timeout)
	defer cancel()

	msgID := rec.ID + ":" + string(rec.Status)
	if _, err := op.js.Publish(pubCtx, SettlementSubject(rec.Status), data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish %s: %w", msgID, err)
	}
	return nil
}
