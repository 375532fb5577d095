// Package httpapi serves the watch-mode HTTP API: liveness and readiness
// probes, Prometheus metrics, run history, and a manual run trigger.
//
// Security:
//   - Bearer token on every /v1 request when a token is configured
//     (constant-time comparison)
//   - Probes and /metrics are unauthenticated
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/tunnelsecrets/internal/materializer"
	"github.com/jkaninda/tunnelsecrets/internal/observability"
	"github.com/jkaninda/tunnelsecrets/internal/ratelimit"
	"github.com/jkaninda/tunnelsecrets/internal/scheduler"
	"github.com/jkaninda/tunnelsecrets/internal/storage"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// maxListLimit caps GET /v1/runs?limit=.
const maxListLimit = 200

// ErrorBody is the standard error response.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API.
type Config struct {
	ListenAddr string // e.g. ":9102"
	APIToken   string // Empty = /v1 is unauthenticated.
	EnableDocs bool

	// Manual runs per minute per client address. 0 = unlimited.
	TriggerPerMinute int

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Trigger runs the workflow on demand and reports scheduler state.
type Trigger interface {
	Trigger(ctx context.Context) (*materializer.Report, error)
	Status() scheduler.Status
}

// Server is the watch-mode HTTP API.
type Server struct {
	config  Config
	runs    storage.RunStore // nil = history endpoints return 503.
	project string
	trigger Trigger // nil = status and trigger endpoints return 503.
	logger  *slog.Logger
	limiter *ratelimit.Limiter

	okapi  *okapi.Okapi
	once   sync.Once
	server *http.Server
}

// New creates the HTTP API server.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		config:  cfg,
		logger:  logger,
		limiter: ratelimit.NewLimiter(ratelimit.Config{PerMinute: cfg.TriggerPerMinute}),
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithRuns attaches the run-history store, scoped to project.
func (s *Server) WithRuns(runs storage.RunStore, project string) *Server {
	s.runs = runs
	s.project = project
	return s
}

// WithTrigger attaches the scheduler used for status and manual runs.
func (s *Server) WithTrigger(t Trigger) *Server {
	s.trigger = t
	return s
}

// Handler registers the routes on first use and returns the router.
func (s *Server) Handler() http.Handler {
	s.once.Do(s.routes)
	return s.okapi
}

func (s *Server) routes() {
	// Metrics/tracing middleware (applied globally).
	if s.config.Metrics != nil || s.config.Tracer != nil {
		s.okapi.Use(observability.MetricsMiddleware(s.config.Metrics, s.config.Tracer))
	}

	// Observability endpoints (unauthenticated).
	s.okapi.Get("/healthz", s.handleLiveness,
		okapi.DocSummary("Liveness probe"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)
	s.okapi.Get("/readyz", s.handleReadiness,
		okapi.DocSummary("Readiness probe"),
		okapi.DocTags("Health"),
		okapi.DocResponse(observability.HealthStatus{}),
		okapi.DocResponse(http.StatusServiceUnavailable, observability.HealthStatus{}),
	)
	if s.config.MetricsRegistry != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.okapi.HandleStd("GET", path, promhttp.HandlerFor(s.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	var group *okapi.Group
	if s.config.APIToken != "" {
		group = s.okapi.Group("/v1", s.authenticate)
	} else {
		group = s.okapi.Group("/v1")
	}

	group.Get("/status", s.handleStatus,
		okapi.DocSummary("Scheduler status"),
		okapi.DocTags("Runs"),
		okapi.DocResponse(scheduler.Status{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	group.Get("/runs", s.handleRunList,
		okapi.DocSummary("List recent runs, newest first"),
		okapi.DocTags("Runs"),
		okapi.DocResponse([]storage.Run{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	group.Get("/runs/{id}", s.handleRunGet,
		okapi.DocSummary("Get a run with its steps"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse(storage.Run{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	group.Post("/runs", s.handleRunTrigger,
		okapi.DocSummary("Run the materialization workflow now"),
		okapi.DocTags("Runs"),
		okapi.DocResponse(storage.Run{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusInternalServerError, ErrorBody{}),
	)

	if s.config.EnableDocs {
		s.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "tunnelsecrets",
			Version: "v1",
		})
	}
}

// Start launches the HTTP server and blocks until it exits.
func (s *Server) Start(ctx context.Context) error {
	handler := s.Handler()
	if s.config.APIToken == "" {
		s.logger.Warn("http api has no token; /v1 is unauthenticated")
	}
	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // POST /v1/runs waits for the run.
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("http api starting", slog.String("addr", s.config.ListenAddr))
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(_ context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("http api stopping")
	return s.okapi.Shutdown(s.server)
}

// --- Handlers ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (s *Server) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := s.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

func (s *Server) handleStatus(c *okapi.Context) error {
	if s.trigger == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: "scheduler not running"})
	}
	return c.OK(s.trigger.Status())
}

func (s *Server) handleRunList(c *okapi.Context) error {
	if s.runs == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: "run history disabled"})
	}

	limit := 20
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorBody{Error: "limit must be a positive integer"})
		}
		limit = min(n, maxListLimit)
	}

	runs, err := s.runs.List(c.Context(), s.project, limit)
	if err != nil {
		s.logger.Error("listing runs failed", slog.String("error", err.Error()))
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: "listing runs failed"})
	}
	if runs == nil {
		runs = []storage.Run{}
	}
	return c.OK(runs)
}

func (s *Server) handleRunGet(c *okapi.Context) error {
	if s.runs == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: "run history disabled"})
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid run id"})
	}

	run, err := s.runs.Get(c.Context(), s.project, id)
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "run not found"})
	}
	if err != nil {
		s.logger.Error("getting run failed", slog.String("run_id", id.String()), slog.String("error", err.Error()))
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: "getting run failed"})
	}
	return c.OK(run)
}

func (s *Server) handleRunTrigger(c *okapi.Context) error {
	if s.trigger == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: "scheduler not running"})
	}

	client := clientAddr(c.Request())
	if err := s.limiter.Allow(client); err != nil {
		s.logger.Warn("manual run rate limited",
			slog.String("client", client),
			slog.Duration("retry_after", s.limiter.RetryAfter(client)),
		)
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	s.logger.Info("manual run requested", slog.String("client", client))

	// The run outlives a disconnecting client.
	report, err := s.trigger.Trigger(context.WithoutCancel(c.Context()))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: err.Error()})
	}
	return c.OK(storage.FromReport(s.project, storage.TriggerAPI, report))
}

// clientAddr is the request's remote host without the port.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authenticate checks the bearer token on /v1 routes.
func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.APIToken)) != 1 {
			return c.AbortUnauthorized("invalid API token")
		}
		return next(c)
	}
}
