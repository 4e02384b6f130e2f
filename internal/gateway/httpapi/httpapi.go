// Package httpapi implements the HTTP API gateway for threadvault.
//
// It serves the message store contract over any remote.Store backend.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/threadvault/internal/gateway"
	"github.com/jkaninda/threadvault/internal/gateway/ws"
	"github.com/jkaninda/threadvault/internal/observability"
	"github.com/jkaninda/threadvault/internal/ratelimit"
	"github.com/jkaninda/threadvault/internal/remote"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// Error codes carried in ErrorBody.Code.
const (
	CodeNotFound       = "not_found"
	CodeParentNotFound = "parent_not_found"
	CodeInvalidRequest = "invalid_request"
)

// ErrorBody is the standard error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → client ID mapping.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// RunLister lists stream ingestion runs.
type RunLister interface {
	List() []ws.TrackedRun
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	store   remote.Store
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	runs    RunLister // nil = /v1/runs disabled.

	// Extra handlers mounted on the HTTP mux (e.g., WebSocket ingestion endpoint).
	extraRoutes []extraRoute

	okapi  *okapi.Okapi
	group  *okapi.Group
	routed bool
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway serving store. A nil limiter
// disables rate limiting. A nil logger discards output.
func NewGateway(cfg Config, store remote.Store, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		store:   store,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithRuns exposes the given runs at GET /v1/runs.
func (g *Gateway) WithRuns(runs RunLister) *Gateway {
	g.runs = runs
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Useful for adding the WebSocket ingestion endpoint alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

func (g *Gateway) withOpenAPIDocs() {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "threadvault",
			Version: "v1",
		},
	)
}

// Handler registers the routes on first use and returns the gateway as an
// http.Handler.
func (g *Gateway) Handler() http.Handler {
	g.routes()
	return g.okapi
}

func (g *Gateway) routes() {
	if g.routed {
		return
	}
	g.routed = true

	maxBytes := g.config.MaxRequestSize
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	})

	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/threads/{thread_id}/messages", g.handleCreate,
		okapi.DocSummary("Append a message to a thread"),
		okapi.DocTags("Messages"),
		okapi.DocPathParam("thread_id", "string", "Thread ID"),
		okapi.DocRequestBody(remote.CreateRequest{}),
		okapi.DocResponse(http.StatusCreated, remote.CreateResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/threads/{thread_id}/messages", g.handleList,
		okapi.DocSummary("List a thread's messages, newest first"),
		okapi.DocTags("Messages"),
		okapi.DocPathParam("thread_id", "string", "Thread ID"),
		okapi.DocResponse(remote.ListResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Put("/threads/{thread_id}/messages/{message_id}", g.handleUpdate,
		okapi.DocSummary("Replace a message's content"),
		okapi.DocTags("Messages"),
		okapi.DocPathParam("thread_id", "string", "Thread ID"),
		okapi.DocPathParam("message_id", "string", "Message ID"),
		okapi.DocRequestBody(remote.UpdateRequest{}),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	if g.runs != nil {
		g.group.Get("/runs", g.handleRuns,
			okapi.DocSummary("List stream ingestion runs"),
			okapi.DocTags("Runs"),
			okapi.DocResponse([]ws.TrackedRun{}),
		)
	}

	// Extra handlers (e.g., WebSocket ingestion endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.withOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// StatusResponse is the JSON response for PUT requests.
type StatusResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleCreate(c *okapi.Context) error {
	clientID, ok := g.admit(c)
	if !ok {
		return rateLimited(c)
	}

	var req remote.CreateRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c, err)
	}

	threadID := c.Param("thread_id")
	resp, err := g.store.Create(c.Context(), threadID, req)
	if err != nil {
		return g.storeError(c, "create", threadID, err)
	}

	g.logger.Debug("message created",
		slog.String("client_id", clientID),
		slog.String("thread_id", threadID),
		slog.String("message_id", resp.MessageID),
		slog.String("format", req.Format),
	)
	return c.JSON(http.StatusCreated, resp)
}

func (g *Gateway) handleList(c *okapi.Context) error {
	if _, ok := g.admit(c); !ok {
		return rateLimited(c)
	}

	threadID := c.Param("thread_id")
	resp, err := g.store.List(c.Context(), threadID, remote.ListOptions{Format: c.Query("format")})
	if err != nil {
		return g.storeError(c, "list", threadID, err)
	}
	if resp.Messages == nil {
		resp.Messages = []remote.StoredMessage{}
	}
	return c.OK(resp)
}

func (g *Gateway) handleUpdate(c *okapi.Context) error {
	if _, ok := g.admit(c); !ok {
		return rateLimited(c)
	}

	var req remote.UpdateRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c, err)
	}

	threadID := c.Param("thread_id")
	if err := g.store.Update(c.Context(), threadID, c.Param("message_id"), req); err != nil {
		return g.storeError(c, "update", threadID, err)
	}
	return c.OK(StatusResponse{Status: "ok"})
}

func (g *Gateway) handleRuns(c *okapi.Context) error {
	if _, ok := g.admit(c); !ok {
		return rateLimited(c)
	}
	return c.OK(g.runs.List())
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	return c.JSON(status.HTTPStatus(), status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped client ID.
// With no keys configured every request runs as the "anonymous" client.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("clientID", "anonymous")
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.JSON(http.StatusUnauthorized, ErrorBody{Error: "missing or invalid Authorization header"})
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		clientID := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				clientID = id
			}
		}
		if clientID == "" {
			return c.JSON(http.StatusUnauthorized, ErrorBody{Error: "invalid API key"})
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

// admit applies the per-client rate limit and returns the client ID.
func (g *Gateway) admit(c *okapi.Context) (string, bool) {
	clientID := c.GetString("clientID")
	if g.limiter == nil {
		return clientID, true
	}
	if err := g.limiter.Allow(clientID); err != nil {
		if g.config.Metrics != nil {
			g.config.Metrics.RateLimitedTotal.WithLabelValues(clientID).Inc()
		}
		return clientID, false
	}
	return clientID, true
}

func rateLimited(c *okapi.Context) error {
	return c.JSON(http.StatusTooManyRequests, ErrorBody{Error: "rate limit exceeded"})
}

// --- Helpers ---

// decodeBody binds the JSON request body into v.
func decodeBody(c *okapi.Context, v any) error {
	if err := c.Bind(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errors.New("request body too large")
		}
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func badRequest(c *okapi.Context, err error) error {
	return c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error(), Code: CodeInvalidRequest})
}

// storeError maps store errors to HTTP responses.
func (g *Gateway) storeError(c *okapi.Context, op, threadID string, err error) error {
	switch {
	case errors.Is(err, remote.ErrMessageNotFound):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: err.Error(), Code: CodeNotFound})
	case errors.Is(err, remote.ErrParentNotFound):
		return c.JSON(http.StatusUnprocessableEntity, ErrorBody{Error: err.Error(), Code: CodeParentNotFound})
	case errors.Is(err, remote.ErrInvalidRequest):
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error(), Code: CodeInvalidRequest})
	default:
		g.logger.Error("store operation failed",
			slog.String("operation", op),
			slog.String("thread_id", threadID),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: "store operation failed"})
	}
}

var _ gateway.Gateway = (*Gateway)(nil)
