package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/threadvault/internal/config"
	"github.com/jkaninda/threadvault/internal/remote"
	"github.com/jkaninda/threadvault/internal/storage/memory"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestTracerOrNil_Nil(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
	if obs.MetricsOrNil() != nil {
		t.Error("expected nil metrics from nil Observability")
	}
}

func TestInstrumentStore_Disabled(t *testing.T) {
	store := memory.New()
	var obs *Observability
	if obs.InstrumentStore(store) != store {
		t.Error("nil Observability should return the store unchanged")
	}
	obs = &Observability{Health: NewHealthChecker(nil)}
	if obs.InstrumentStore(store) != store {
		t.Error("disabled Observability should return the store unchanged")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m == nil {
		t.Fatal("expected non-nil MetricsCollector")
	}
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// Vec metrics only show up once a label set is used.
	m.StoreOpsTotal.WithLabelValues("memory", "create", "success").Inc()
	m.StreamEventsTotal.WithLabelValues("messages", "ok").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, expected := range []string{
		"threadvault_store_operations_total",
		"threadvault_stream_events_total",
		"threadvault_stream_sessions_active",
		"threadvault_stream_messages_persisted_total",
		"threadvault_http_requests_total",
		"threadvault_active_requests",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.HTTPStatus() != http.StatusOK {
		t.Errorf("HTTPStatus = %d", status.HTTPStatus())
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddStoreCheck("store", memory.New())
	h.AddCheck("scheduler", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks["store"].Status != "ok" {
		t.Errorf("store check = %q, want ok", status.Checks["store"].Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("scheduler", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.HTTPStatus() != http.StatusServiceUnavailable {
		t.Errorf("HTTPStatus = %d, want 503", status.HTTPStatus())
	}
	if status.Checks["store"].Status != "fail" || status.Checks["store"].Message != "connection refused" {
		t.Errorf("store check = %+v", status.Checks["store"])
	}
	if status.Checks["scheduler"].Status != "ok" {
		t.Errorf("scheduler check = %q, want ok", status.Checks["scheduler"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckHealth()
	if status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	// All methods should be no-ops on nil receiver.
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	if a.ErrorRate("test") != 0 {
		t.Error("nil detector should report zero error rate")
	}
}

func TestAnomalyDetector_ErrorRateThreshold(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)

	var fired []string
	a.onAnomaly = func(operation string, rate float64) { fired = append(fired, operation) }

	// Record enough data to trigger: 6 errors, 4 successes = 60% error rate > 50%
	for i := 0; i < 4; i++ {
		a.RecordSuccess("store.create")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("store.create")
	}

	if got := a.ErrorRate("store.create"); got != 0.6 {
		t.Errorf("error rate = %v, want 0.6", got)
	}
	if len(fired) == 0 {
		t.Error("expected an anomaly to fire")
	}
}

func TestAnomalyDetector_WindowExpires(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.5, WindowSeconds: 60}, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	a.RecordError("store.list")
	now = now.Add(2 * time.Minute)
	a.RecordSuccess("store.list")

	if got := a.ErrorRate("store.list"); got != 0 {
		t.Errorf("error rate = %v, want 0 after the error left the window", got)
	}
}

func TestAnomalyDetector_FiresOncePerEpisode(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.5, WindowSeconds: 60}, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	fired := 0
	a.onAnomaly = func(string, float64) { fired++ }

	for i := 0; i < 6; i++ {
		a.RecordError("store.create")
	}
	if fired != 1 {
		t.Fatalf("fired %d times during first episode, want 1", fired)
	}

	for i := 0; i < 10; i++ {
		a.RecordSuccess("store.create")
	}
	for i := 0; i < 5; i++ {
		a.RecordError("store.create")
	}
	if fired != 2 {
		t.Errorf("fired %d times after recovery and relapse, want 2", fired)
	}
}

// --- InstrumentedStore (wrapper) ---

func TestInstrumentedStore_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	store := NewInstrumentedStore(memory.New(), metrics, nil, nil)
	ctx := context.Background()

	resp, err := store.Create(ctx, "t1", remote.CreateRequest{Format: "chat/v1", Content: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.List(ctx, "t1", remote.ListOptions{}); err != nil {
		t.Fatalf("List: %v", err)
	}
	if err := store.Update(ctx, "t1", resp.MessageID, remote.UpdateRequest{Content: json.RawMessage(`{"a":1}`)}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	for _, op := range []string{"create", "list", "update"} {
		val := counterValue(t, metrics.Registry, "threadvault_store_operations_total", prometheus.Labels{"driver": "memory", "operation": op, "status": "success"})
		if val != 1 {
			t.Errorf("%s count = %v, want 1", op, val)
		}
	}
	if store.Driver() != "memory" {
		t.Errorf("Driver = %q", store.Driver())
	}
}

func TestInstrumentedStore_Errors(t *testing.T) {
	metrics := NewMetricsCollector()
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.5}, nil)
	store := NewInstrumentedStore(memory.New(), metrics, nil, anomaly)

	err := store.Update(context.Background(), "t1", "missing", remote.UpdateRequest{Content: json.RawMessage(`{}`)})
	if !errors.Is(err, remote.ErrMessageNotFound) {
		t.Fatalf("Update error = %v", err)
	}

	val := counterValue(t, metrics.Registry, "threadvault_store_operations_total", prometheus.Labels{"operation": "update", "status": "rejected"})
	if val != 1 {
		t.Errorf("rejected updates = %v, want 1", val)
	}
	if anomaly.ErrorRate("store.update") != 0 {
		t.Error("caller errors should not count as backend errors")
	}
}

func TestInstrumentedStore_NilMetrics(t *testing.T) {
	// Should not panic with nil metrics/tracer/anomaly.
	store := NewInstrumentedStore(memory.New(), nil, nil, nil)
	if _, err := store.Create(context.Background(), "t1", remote.CreateRequest{Format: "f", Content: json.RawMessage(`1`)}); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

// --- HTTP Middleware ---

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/v1/threads/abc/messages":     "/v1/threads/:thread_id/messages",
		"/v1/threads/abc/messages/m-1": "/v1/threads/:thread_id/messages/:message_id",
		"/healthz":                     "/healthz",
	}
	for in, want := range tests {
		if got := RouteLabel(in); got != want {
			t.Errorf("RouteLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest("GET", "/v1/threads/t1/messages", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}

	val := counterValue(t, metrics.Registry, "threadvault_http_requests_total", prometheus.Labels{"method": "GET", "path": "/v1/threads/:thread_id/messages", "status_code": "418"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	// Should not panic with nil metrics.
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
