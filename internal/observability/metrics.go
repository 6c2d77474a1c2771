package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement daemon.
type Metrics struct {
	// --- Batch lifecycle ---
	BatchesCreated *prometheus.CounterVec
	BatchesClosed  *prometheus.CounterVec
	BatchesSettled *prometheus.CounterVec
	SettleDuration *prometheus.HistogramVec

	// --- Settlement proposals ---
	ProposalsCreated   *prometheus.CounterVec
	ProposalsUpdated   *prometheus.CounterVec
	ProposalsCancelled *prometheus.CounterVec
	ProposalsExecuted  *prometheus.CounterVec
	CooldownSeconds    prometheus.Gauge

	// --- Pricing & fees ---
	SharePrice  *prometheus.GaugeVec
	Watermark   *prometheus.GaugeVec
	FeesCharged *prometheus.CounterVec

	// --- User flows ---
	MintsExecuted     *prometheus.CounterVec
	RequestsCreated   *prometheus.CounterVec
	RequestsCancelled *prometheus.CounterVec
	ClaimsExecuted    *prometheus.CounterVec

	// --- Virtual balances ---
	VirtualDeposited *prometheus.GaugeVec
	VirtualRequested *prometheus.GaugeVec

	// --- Protocol state ---
	Paused prometheus.Gauge

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec
	IngestDuration *prometheus.HistogramVec
	PublishDrops   prometheus.Counter

	// --- Persistence ---
	PersistWrites   prometheus.Counter
	PersistErrors   *prometheus.CounterVec
	PersistRetry    prometheus.Counter
	PersistBatchDur prometheus.Histogram

	// --- Operator API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	settleBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0}
	ingestBuckets := []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05}

	return &Metrics{
		BatchesCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kam_batches_created_total",
			Help: "Settlement batches opened",
		}, []string{"vault"}),

		BatchesClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kam_batches_closed_total",
			Help: "Settlement batches closed to new requests",
		}, []string{"vault"}),

		BatchesSettled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kam_batches_settled_total",
			Help: "Settlement batches executed",
		}, []string{"vault"}),

		SettleDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kam_settlement_duration_seconds",
			Help:    "Time to execute one batch settlement",
			Buckets: settleBuckets,
		}, []string{"vault"}),

		ProposalsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kam_proposals_created_total",
			Help: "Settlement proposals opened",
		}, []string{"vault"}),

		ProposalsUpdated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kam_proposals_updated_total",
			Help: "Settlement proposals amended before execution",
		}, []string{"vault"}),

		ProposalsCancelled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kam_proposals_cancelled_total",
			Help: "Settlement proposals voided",
		}, []string{"vault"}),

		ProposalsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kam_proposals_executed_total",
			Help: "Settlement proposals executed",
		}, []string{"vault"}),

		CooldownSeconds: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kam_settlement_cooldown_seconds",
			Help: "Current settlement timelock duration",
		}),

		SharePrice: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kam_share_price",
			Help: "Share price at last settlement (fixed point, 1e6 scale)",
		}, []string{"vault", "kind"}),

		Watermark: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kam_share_price_watermark",
			Help: "High watermark for performance fees (fixed point, 1e6 scale)",
		}, []string{"vault"}),

		FeesCharged: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kam_fees_charged_total",
			Help: "Fees assessed at settlement (asset units)",
		}, []string{"vault", "fee_type"}),

		MintsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kam_mints_total",
			Help: "Instant gateway mints",
		}, []string{"asset"}),

		RequestsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kam_requests_created_total",
			Help: "Batched user requests opened",
		}, []string{"vault", "kind"}),

		RequestsCancelled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kam_requests_cancelled_total",
			Help: "Batched user requests cancelled before close",
		}, []string{"vault", "kind"}),

		ClaimsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kam_claims_total",
			Help: "Post-settlement claims paid out",
		}, []string{"vault", "kind"}),

		VirtualDeposited: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kam_virtual_deposited",
			Help: "Assets pushed into the current batch",
		}, []string{"vault"}),

		VirtualRequested: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kam_virtual_requested",
			Help: "Assets requested out of the current batch",
		}, []string{"vault"}),

		Paused: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kam_paused",
			Help: "1 while the protocol pause switch is on",
		}),

		IngestMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kam_ingest_messages_total",
			Help: "Command messages consumed from NATS",
		}, []string{"subject", "status"}),

		IngestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kam_ingest_duration_seconds",
			Help:    "NATS receive to command applied",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kam_publish_drops_total",
			Help: "Outbound events dropped due to full publish channel",
		}),

		PersistWrites: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kam_persist_writes_total",
			Help: "State mutations written to Postgres",
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kam_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kam_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "kam_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		APIRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kam_api_requests_total",
			Help: "Operator API requests",
		}, []string{"endpoint", "status"}),

		APIDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kam_api_duration_seconds",
			Help:    "Operator API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
