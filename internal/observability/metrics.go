package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for IsoLedger.
type Metrics struct {
	// --- Ledger batches ---
	LedgerBatches *prometheus.CounterVec

	// --- Async conversion requests ---
	AsyncRequestsCreated *prometheus.CounterVec
	AsyncCallbacks       *prometheus.CounterVec
	AsyncRequestsLive    prometheus.Gauge
	AsyncRetries         prometheus.Counter
	AsyncCancels         *prometheus.CounterVec
	FrozenVaults         prometheus.Gauge
	CallbackDuration     prometheus.Histogram

	// --- Liquidation & zap ---
	LiquidationsExecuted *prometheus.CounterVec
	LiquidationsRejected *prometheus.CounterVec
	ZapsExecuted         prometheus.Counter
	ZapsRejected         *prometheus.CounterVec
	ZapHops              prometheus.Histogram

	// --- Channel & backpressure ---
	ChannelSize     *prometheus.GaugeVec
	ChannelCapacity *prometheus.GaugeVec

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter

	// --- Transport ---
	VenuePublish        *prometheus.CounterVec
	VenuePublishRetries prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistErrors        *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		LedgerBatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_ledger_batches_total",
			Help: "Ledger batches by outcome",
		}, []string{"source", "outcome"}),

		AsyncRequestsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_async_requests_created_total",
			Help: "Async conversion requests created",
		}, []string{"kind"}),

		AsyncCallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_async_callbacks_total",
			Help: "Keeper callbacks by outcome (executed, failed, rejected, duplicate)",
		}, []string{"outcome"}),

		AsyncRequestsLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "iso_async_requests_live",
			Help: "Async requests not yet settled or cancelled",
		}),

		AsyncRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "iso_async_retries_total",
			Help: "Retries of failed async requests",
		}),

		AsyncCancels: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_async_cancels_total",
			Help: "Cancelled async requests",
		}, []string{"kind"}),

		FrozenVaults: f.NewGauge(prometheus.GaugeOpts{
			Name: "iso_frozen_vaults",
			Help: "Vaults with at least one live async request",
		}),

		CallbackDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "iso_callback_duration_seconds",
			Help:    "Time to process one keeper callback",
			Buckets: latencyBuckets,
		}),

		LiquidationsExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_liquidations_executed_total",
			Help: "Committed liquidations",
		}, []string{"mode"}),

		LiquidationsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_liquidations_rejected_total",
			Help: "Rejected liquidations by reason",
		}, []string{"reason"}),

		ZapsExecuted: f.NewCounter(prometheus.CounterOpts{
			Name: "iso_zaps_executed_total",
			Help: "Committed zaps",
		}),

		ZapsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_zaps_rejected_total",
			Help: "Rejected zaps by reason",
		}, []string{"reason"}),

		ZapHops: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "iso_zap_hops",
			Help:    "Hops per committed zap",
			Buckets: []float64{1, 2, 3, 4, 6, 8},
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iso_channel_size",
			Help: "Current items in channel",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iso_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_idempotency_duplicates_total",
			Help: "Duplicate callbacks detected",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "iso_dedup_lru_size",
			Help: "Current LRU cache size",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "iso_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		VenuePublish: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_venue_publish_total",
			Help: "Messages published to the venue subject",
		}, []string{"op", "outcome"}),

		VenuePublishRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "iso_venue_publish_retries_total",
			Help: "Publish attempts retried after a transient error",
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "iso_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "iso_persist_batch_size",
			Help:    "Events per persistence batch",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"op"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "iso_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}
