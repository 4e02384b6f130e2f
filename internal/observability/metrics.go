package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for threadvault.
// Uses a custom registry; no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Store metrics.
	StoreOpsTotal   *prometheus.CounterVec
	StoreOpDuration *prometheus.HistogramVec

	// Stream ingestion metrics.
	StreamEventsTotal    *prometheus.CounterVec
	StreamSessionsActive prometheus.Gauge
	RunsPersistedTotal   *prometheus.CounterVec
	MessagesPersisted    prometheus.Counter

	// Anomaly metrics.
	AnomaliesTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    *prometheus.CounterVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		StoreOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadvault",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total message store operations.",
		}, []string{"driver", "operation", "status"}),

		StoreOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "threadvault",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Message store operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"driver", "operation"}),

		StreamEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadvault",
			Subsystem: "stream",
			Name:      "events_total",
			Help:      "Total stream events processed.",
		}, []string{"event", "status"}),

		StreamSessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "threadvault",
			Subsystem: "stream",
			Name:      "sessions_active",
			Help:      "Number of open stream ingestion sessions.",
		}),

		RunsPersistedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadvault",
			Subsystem: "stream",
			Name:      "runs_persisted_total",
			Help:      "Total stream runs persisted.",
		}, []string{"status"}),

		MessagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threadvault",
			Subsystem: "stream",
			Name:      "messages_persisted_total",
			Help:      "Total messages newly persisted from stream runs.",
		}),

		AnomaliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadvault",
			Subsystem: "anomaly",
			Name:      "detected_total",
			Help:      "Total error-rate anomalies detected.",
		}, []string{"operation"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadvault",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "threadvault",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadvault",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Total requests rejected by the rate limiter.",
		}, []string{"client"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "threadvault",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.StoreOpsTotal,
		m.StoreOpDuration,
		m.StreamEventsTotal,
		m.StreamSessionsActive,
		m.RunsPersistedTotal,
		m.MessagesPersisted,
		m.AnomaliesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitedTotal,
		m.ActiveRequests,
	)

	return m
}
