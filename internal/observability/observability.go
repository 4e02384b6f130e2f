// Package observability instruments the message store and HTTP surfaces with
// Prometheus metrics and OpenTelemetry spans, and serves readiness checks and
// store error-rate anomaly detection. Every component is optional: a nil
// component is skipped with a single nil check per operation.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/threadvault/internal/config"
	"github.com/jkaninda/threadvault/internal/storage"
)

// Observability groups the optional components. A disabled component is nil.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New builds the components enabled in cfg. A nil cfg disables everything
// and yields a nil *Observability, which every method accepts.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}

	tracer, err := NewTracerSetup(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	obs := &Observability{
		Tracer: tracer,
		Health: NewHealthChecker(logger),
	}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
		if m := obs.Metrics; m != nil {
			obs.Anomaly.onAnomaly = func(operation string, _ float64) {
				m.AnomaliesTotal.WithLabelValues(operation).Inc()
			}
		}
	}
	return obs, nil
}

// Shutdown releases observability resources.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// InstrumentStore wraps store with whichever components are enabled.
// A nil Observability returns store unchanged.
func (o *Observability) InstrumentStore(store storage.Store) storage.Store {
	if o == nil || (o.Metrics == nil && o.Tracer == nil && o.Anomaly == nil) {
		return store
	}
	return NewInstrumentedStore(store, o.Metrics, o.Tracer, o.Anomaly)
}

// MetricsOrNil returns the metrics collector or nil if metrics are disabled.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// TracerOrNil returns the OTel tracer or nil if tracing is disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}
