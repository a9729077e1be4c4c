package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for TokenLedger.
type Metrics struct {
	// --- Transfer engine ---
	TransfersRejected *prometheus.CounterVec
	TransfersSettled  *prometheus.CounterVec
	TransferDuration  *prometheus.HistogramVec
	TransferVolume    *prometheus.CounterVec
	FeesBurned        *prometheus.CounterVec
	InFlight          prometheus.Gauge
	BlockNumber       prometheus.Gauge

	// --- Locking ---
	LockWait     prometheus.Histogram
	LockTimeouts prometheus.Counter
	CASConflicts prometheus.Counter

	// --- Idempotency ---
	IdempotencyHits *prometheus.CounterVec
	IDCollisions    prometheus.Counter

	// --- Settlement fan-out ---
	SettlementDrops  prometheus.Counter
	PublishFailures  prometheus.Counter
	ProjectionErrors prometheus.Counter

	// --- Persistence ---
	PersistBatchDur        prometheus.Histogram
	PersistBatchSize       prometheus.Histogram
	PersistJournalsWritten prometheus.Counter
	PersistErrors          *prometheus.CounterVec

	// --- Sweeper ---
	AbandonedCancelled prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on reg; tests pass a fresh prometheus.NewRegistry().
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.25, 1,
	}

	return &Metrics{
		TransfersRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_transfers_rejected_total",
			Help: "Transfer requests rejected before admission",
		}, []string{"reason"}),

		TransfersSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_transfers_settled_total",
			Help: "Admitted transfers by terminal status",
		}, []string{"token", "status"}),

		TransferDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_transfer_duration_seconds",
			Help:    "End-to-end time of a transfer call",
			Buckets: latencyBuckets,
		}, []string{"status"}),

		TransferVolume: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_transfer_volume_total",
			Help: "Confirmed transfer amount per token",
		}, []string{"token"}),

		FeesBurned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_fees_burned_total",
			Help: "Fees debited from senders per token",
		}, []string{"token"}),

		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_transfers_in_flight",
			Help: "Admitted transfers not yet terminal",
		}),

		BlockNumber: f.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_block_number",
			Help: "Last assigned settlement block number",
		}),

		LockWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_lock_wait_seconds",
			Help:    "Time spent acquiring per-key locks",
			Buckets: latencyBuckets,
		}),

		LockTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_lock_timeouts_total",
			Help: "Lock acquisitions that hit the wait bound",
		}),

		CASConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_cas_conflicts_total",
			Help: "Compare-and-set mismatches that forced a re-read",
		}),

		IdempotencyHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_idempotency_hits_total",
			Help: "Requests answered from a previous transaction",
		}, []string{"tier"}),

		IDCollisions: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_id_collisions_total",
			Help: "Generated transaction ids rejected as duplicates",
		}),

		SettlementDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_settlement_drops_total",
			Help: "Settlements not handed to fan-out because the caller gave up",
		}),

		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_publish_failures_total",
			Help: "Outbound NATS publishes that failed",
		}),

		ProjectionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_projection_errors_total",
			Help: "Fee projection updates that failed",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_persist_batch_duration_seconds",
			Help:    "Time to write one journal batch",
			Buckets: latencyBuckets,
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_persist_batch_size",
			Help:    "Settlements per journal flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_persist_journals_written_total",
			Help: "Journal rows written",
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_persist_errors_total",
			Help: "Journal persistence errors by stage",
		}, []string{"stage"}),

		AbandonedCancelled: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_abandoned_cancelled_total",
			Help: "Stale PENDING records cancelled by the sweeper",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_query_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_query_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: latencyBuckets,
		}, []string{"route"}),
	}
}
