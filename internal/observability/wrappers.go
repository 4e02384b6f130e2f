package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/threadvault/internal/remote"
	"github.com/jkaninda/threadvault/internal/storage"
)

// InstrumentedStore wraps a storage.Store with metrics, tracing, and anomaly detection.
// Lifecycle methods pass through untouched.
type InstrumentedStore struct {
	storage.Store
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedStore wraps a store with observability.
func NewInstrumentedStore(inner storage.Store, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedStore {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedStore{
		Store:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (s *InstrumentedStore) Create(ctx context.Context, threadID string, req remote.CreateRequest) (remote.CreateResponse, error) {
	ctx, done := s.begin(ctx, "create", threadID, attribute.String("message.format", req.Format))
	resp, err := s.Store.Create(ctx, threadID, req)
	done(err)
	return resp, err
}

func (s *InstrumentedStore) Update(ctx context.Context, threadID, messageID string, req remote.UpdateRequest) error {
	ctx, done := s.begin(ctx, "update", threadID, attribute.String("message.id", messageID))
	err := s.Store.Update(ctx, threadID, messageID, req)
	done(err)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, threadID string, opts remote.ListOptions) (remote.ListResponse, error) {
	ctx, done := s.begin(ctx, "list", threadID, attribute.String("message.format", opts.Format))
	resp, err := s.Store.List(ctx, threadID, opts)
	done(err)
	return resp, err
}

// begin starts a span and returns a function that records the outcome.
func (s *InstrumentedStore) begin(ctx context.Context, op, threadID string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	driver := s.Store.Driver()

	var span trace.Span
	if s.tracer != nil {
		attrs = append(attrs,
			attribute.String("store.driver", driver),
			attribute.String("thread.id", threadID),
		)
		ctx, span = s.tracer.Start(ctx, "store."+op, trace.WithAttributes(attrs...))
	}

	start := time.Now()
	return ctx, func(err error) {
		duration := time.Since(start).Seconds()
		status := storeStatus(err)

		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}

		if s.metrics != nil {
			s.metrics.StoreOpsTotal.WithLabelValues(driver, op, status).Inc()
			s.metrics.StoreOpDuration.WithLabelValues(driver, op).Observe(duration)
		}

		if s.anomaly != nil {
			// Caller errors do not count towards backend health.
			if status == "error" {
				s.anomaly.RecordError("store." + op)
			} else {
				s.anomaly.RecordSuccess("store." + op)
			}
		}
	}
}

// storeStatus classifies an operation outcome for metric labels.
func storeStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, remote.ErrInvalidRequest),
		errors.Is(err, remote.ErrMessageNotFound),
		errors.Is(err, remote.ErrParentNotFound):
		return "rejected"
	default:
		return "error"
	}
}

// --- Compile-time interface checks ---

var _ storage.Store = (*InstrumentedStore)(nil)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
