package observability

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 3 * time.Second

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

// Pinger is implemented by storage backends that can report readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckFunc reports a dependency as unhealthy by returning an error.
type CheckFunc func(ctx context.Context) error

// HealthChecker runs the readiness checks behind /readyz.
type HealthChecker struct {
	mu     sync.RWMutex
	names  []string
	checks map[string]CheckFunc
	logger *slog.Logger
}

// HealthStatus is the JSON body of /healthz and /readyz.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// HTTPStatus maps the aggregate status to a response code.
func (s HealthStatus) HTTPStatus() int {
	if s.Status == statusOK {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status  string `json:"status"` // "ok" or "fail"
	Message string `json:"message,omitempty"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{checks: make(map[string]CheckFunc), logger: logger}
}

// AddCheck registers check under name, replacing any check with that name.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.checks[name]; !ok {
		h.names = append(h.names, name)
	}
	h.checks[name] = check
}

// AddStoreCheck registers a readiness check that pings the message store.
func (h *HealthChecker) AddStoreCheck(name string, p Pinger) {
	h.AddCheck(name, p.Ping)
}

// CheckHealth reports liveness, which holds while the process serves requests.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: statusOK}
}

// CheckReady runs every check concurrently under a shared timeout. The
// status is "degraded" when any check fails.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	names := slices.Clone(h.names)
	checks := make([]CheckFunc, len(names))
	for i, name := range names {
		checks[i] = h.checks[name]
	}
	h.mu.RUnlock()

	if len(names) == 0 {
		return HealthStatus{Status: statusOK}
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	errs := make([]error, len(names))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			errs[i] = check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{Status: statusOK, Checks: make(map[string]CheckResult, len(names))}
	for i, name := range names {
		if errs[i] == nil {
			status.Checks[name] = CheckResult{Status: statusOK}
			continue
		}
		status.Status = statusDegraded
		status.Checks[name] = CheckResult{Status: statusFail, Message: errs[i].Error()}
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", name),
				slog.String("error", errs[i].Error()),
			)
		}
	}
	return status
}
