// Package httpapi exposes the host over HTTP: health checks, metrics and an
// authenticated entry point into the capability router.
//
// Security:
//   - Bearer token on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - POST /v1/call is mounted only when explicitly enabled
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/hpcbridge/internal/observability"
	"github.com/jkaninda/hpcbridge/internal/ratelimit"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response.
type ErrorBody struct {
	Error string `json:"error"`
}

// Dispatcher is the router surface served over HTTP. *router.Router implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, raw []byte) []byte
	Capabilities() []string
}

// Config configures the HTTP API.
type Config struct {
	ListenAddr     string // e.g., ":9090"
	APIToken       string // Bearer token for /v1. Empty leaves /v1 open.
	EnableCall     bool   // Mount POST /v1/call.
	MaxRequestSize int64  // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Registry served at MetricsPath. Nil disables it.
	MetricsPath     string                          // Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Checks behind /readyz.
	Metrics         *observability.MetricsCollector // HTTP request metrics.
	Tracer          trace.Tracer                    // HTTP request spans.
}

// Server is the HTTP API.
type Server struct {
	config     Config
	dispatcher Dispatcher
	limiter    *ratelimit.Limiter
	logger     *slog.Logger

	okapi  *okapi.Okapi
	server *http.Server
	once   sync.Once
}

// NewServer creates the HTTP API. limiter may be nil.
func NewServer(cfg Config, d Dispatcher, limiter *ratelimit.Limiter, logger *slog.Logger) *Server {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		config:     cfg,
		dispatcher: d,
		limiter:    limiter,
		logger:     logger,
		okapi:      okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// mount registers all routes exactly once.
func (s *Server) mount() {
	s.once.Do(func() {
		if s.config.Metrics != nil || s.config.Tracer != nil {
			s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
				return observability.HTTPMetricsMiddleware(s.config.Metrics, s.config.Tracer, next)
			})
		}

		// Observability endpoints (unauthenticated).
		s.okapi.Get("/healthz", s.handleLiveness)
		s.okapi.Get("/readyz", s.handleReadiness)
		if s.config.MetricsRegistry != nil {
			s.okapi.HandleStd("GET", s.config.MetricsPath,
				promhttp.HandlerFor(s.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
		}

		v1 := s.okapi.Group("/v1", s.authenticate)
		v1.Get("/capabilities", s.handleCapabilities)
		if s.config.EnableCall {
			v1.Post("/call", s.handleCall)
		}
	})
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	s.mount()
	return s.okapi
}

// Start launches the HTTP server and blocks until it exits.
func (s *Server) Start(ctx context.Context) error {
	s.mount()
	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("http api starting",
		slog.String("addr", s.config.ListenAddr),
		slog.Bool("call_enabled", s.config.EnableCall),
	)
	err := s.okapi.StartServer(s.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
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

// CapabilitiesResponse is the JSON response for GET /v1/capabilities.
type CapabilitiesResponse struct {
	Capabilities []string `json:"capabilities"`
}

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
	if status.Status != observability.StatusOK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

func (s *Server) handleCapabilities(c *okapi.Context) error {
	return c.OK(CapabilitiesResponse{Capabilities: s.dispatcher.Capabilities()})
}

// handleCall dispatches the body as one HPC request. The router answers
// every request with a JSON document, so protocol failures are reported in
// the body with status 200, the same as the socket transport.
func (s *Server) handleCall(c *okapi.Context) error {
	if s.limiter != nil {
		if err := s.limiter.Allow(clientKey(c.Request())); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	r := c.Request()
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, s.config.MaxRequestSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: "request body too large"})
		}
		return c.AbortBadRequest("reading request body failed")
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return c.AbortBadRequest("request body is required")
	}

	out := s.dispatcher.Dispatch(c.Context(), raw)
	return c.JSON(http.StatusOK, json.RawMessage(out))
}

// --- Authentication ---

// authenticate checks the bearer token when one is configured.
func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if s.config.APIToken == "" {
			return next(c)
		}
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

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
