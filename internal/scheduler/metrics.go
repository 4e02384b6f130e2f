package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the maintenance scheduler.
type Metrics struct {
	JobsFired      *prometheus.CounterVec
	JobsFailed     *prometheus.CounterVec
	ItemsProcessed *prometheus.CounterVec
	TickDuration   prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadvault",
			Subsystem: "scheduler",
			Name:      "jobs_fired_total",
			Help:      "Total maintenance jobs fired.",
		}, []string{"job"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadvault",
			Subsystem: "scheduler",
			Name:      "jobs_failed_total",
			Help:      "Total maintenance job runs that returned an error.",
		}, []string{"job"}),
		ItemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadvault",
			Subsystem: "scheduler",
			Name:      "items_processed_total",
			Help:      "Total items processed by maintenance jobs (e.g. evicted threads).",
		}, []string{"job"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "threadvault",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each scheduler tick.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}

	reg.MustRegister(
		m.JobsFired,
		m.JobsFailed,
		m.ItemsProcessed,
		m.TickDuration,
	)

	return m
}
