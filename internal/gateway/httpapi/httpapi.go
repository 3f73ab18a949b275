// Package httpapi implements the HTTP API gateway for Sandstorm.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Per-user rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/sandstorm/internal/observability"
	"github.com/jkaninda/sandstorm/internal/protocol"
	"github.com/jkaninda/sandstorm/internal/ratelimit"
	"github.com/jkaninda/sandstorm/internal/store"
)

// Runner executes one agent session and streams its events. The channel
// closes when the run is fully finished.
type Runner interface {
	Run(ctx context.Context, req *protocol.QueryRequest, requestID string) (<-chan protocol.Event, error)
}

// RunStore reads persisted run records for the inspection endpoints.
type RunStore interface {
	GetRun(ctx context.Context, runID string) (*store.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]store.RunRecord, error)
}

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string
	EnableDocs     bool
	APIKeys        map[string]string // API key → user ID mapping.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = unlimited.

	// Observability
	MetricsRegistry *prometheus.Registry
	MetricsPath     string // Default: "/metrics".
	HealthChecker   *observability.HealthChecker
	Metrics         *observability.MetricsCollector
	Tracer          trace.Tracer
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	runner  Runner
	runs    RunStore // nil = run inspection endpoints disabled.
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
	group   *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, runner Runner, runs RunStore, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		runner:  runner,
		runs:    runs,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(),
	}
}

// WithOpenAPIDocs enables the interactive OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Sandstorm",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	middlewares := []okapi.Middleware{g.authenticate}
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middlewares = append([]okapi.Middleware{
			observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer),
		}, middlewares...)
	}

	g.group = g.okapi.Group("/v1", middlewares...)

	g.group.Post("/query", g.handleQuery,
		okapi.DocSummary("Run an agent session in a sandbox, streaming events via SSE"),
		okapi.DocTags("Query"),
		okapi.DocRequestBody(protocol.QueryRequest{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	// Run inspection endpoints (only if a run store is configured).
	if g.runs != nil {
		g.group.Get("/runs", g.handleRunList,
			okapi.DocSummary("List recent runs"),
			okapi.DocTags("Runs"),
			okapi.DocResponse([]RunResponse{}),
		)
		g.group.Get("/runs/{id}", g.handleRunGet,
			okapi.DocSummary("Get a run by ID"),
			okapi.DocTags("Runs"),
			okapi.DocPathParam("id", "string", "Run ID (UUID)"),
			okapi.DocResponse(RunResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
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
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
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

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// RunResponse is one run record in the inspection endpoints.
type RunResponse struct {
	ID        string     `json:"id"`
	RequestID string     `json:"request_id"`
	SandboxID string     `json:"sandbox_id"`
	Model     string     `json:"model,omitempty"`
	Status    string     `json:"status"`
	KeepAlive bool       `json:"keep_alive"`
	Events    int64      `json:"events"`
	Dropped   int64      `json:"dropped"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func runResponse(rec *store.RunRecord) RunResponse {
	return RunResponse{
		ID:        rec.ID,
		RequestID: rec.RequestID,
		SandboxID: rec.SandboxID,
		Model:     rec.Model,
		Status:    rec.Status,
		KeepAlive: rec.KeepAlive,
		Events:    rec.Events,
		Dropped:   rec.Dropped,
		Deadline:  rec.Deadline,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func (g *Gateway) handleRunList(c *okapi.Context) error {
	limit, _ := strconv.Atoi(c.Query("limit"))
	recs, err := g.runs.ListRuns(c.Context(), limit)
	if err != nil {
		g.logger.Error("listing runs failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing runs failed")
	}
	resp := make([]RunResponse, len(recs))
	for i := range recs {
		resp[i] = runResponse(&recs[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleRunGet(c *okapi.Context) error {
	rec, err := g.runs.GetRun(c.Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "run not found"})
	}
	return c.OK(runResponse(rec))
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped user ID in
// the request context. With no keys configured the API is open and
// every caller is "anonymous".
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("userID", "anonymous")
			return next(c)
		}
		userID, ok := lookupUser(g.config.APIKeys, c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// lookupUser resolves a Bearer token to a user ID. Every configured key
// is compared in constant time regardless of where the match lands.
func lookupUser(keys map[string]string, authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	apiKey := strings.TrimPrefix(authHeader, "Bearer ")

	userID := ""
	for key, user := range keys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			userID = user
		}
	}
	return userID, userID != ""
}

func newRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
