package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for nest-markets.
type Metrics struct {
	// --- Engine ---
	CommandsApplied  *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	EngineSequence   prometheus.Gauge
	MarketsOpen      prometheus.Gauge

	// --- External collaborators ---
	ExternalCalls  *prometheus.CounterVec
	Compensations  *prometheus.CounterVec
	PendingCalls   prometheus.Gauge

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Event feed ---
	PublishDrops    prometheus.Counter
	EventsPublished prometheus.Counter

	// --- Replay ---
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	httpBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
	}

	return &Metrics{
		CommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nest_engine_commands_applied_total",
			Help: "Commands successfully applied by the engine",
		}, []string{"command"}),

		CommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nest_engine_commands_rejected_total",
			Help: "Commands rejected (validation, slippage, auth, state, duplicate)",
		}, []string{"command", "reason"}),

		CommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nest_engine_command_duration_seconds",
			Help:    "Time to apply a single command in the engine",
			Buckets: latencyBuckets,
		}, []string{"command"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "nest_engine_sequence",
			Help: "Next event sequence number",
		}),

		MarketsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "nest_markets_total",
			Help: "Number of markets ever created",
		}),

		ExternalCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nest_external_calls_total",
			Help: "External collaborator calls by outcome",
		}, []string{"collaborator", "result"}),

		Compensations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nest_saga_compensations_total",
			Help: "Compensating rollbacks after a failed external call",
		}, []string{"operation"}),

		PendingCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "nest_saga_pending_calls",
			Help: "In-flight external calls awaiting completion",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nest_persist_events_written_total",
			Help: "Events written to the Postgres event log",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "nest_persist_batch_size",
			Help:    "Events per persisted batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "nest_persist_batch_duration_seconds",
			Help:    "Time to write one batch to Postgres",
			Buckets: httpBuckets,
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nest_persist_errors_total",
			Help: "Persistence failures by kind",
		}, []string{"kind"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nest_persist_retries_total",
			Help: "Batch write retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "nest_persist_last_sequence",
			Help: "Highest sequence durably written",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nest_publish_drops_total",
			Help: "Outbound events dropped because the publish channel was full",
		}),

		EventsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nest_events_published_total",
			Help: "Events published to the JetStream feed",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nest_replay_events_total",
			Help: "Events replayed from the log at startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "nest_replay_duration_seconds",
			Help: "Duration of the startup replay",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nest_http_requests_total",
			Help: "API requests by route and status",
		}, []string{"route", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nest_http_request_duration_seconds",
			Help:    "API request latency by route",
			Buckets: httpBuckets,
		}, []string{"route"}),
	}
}
