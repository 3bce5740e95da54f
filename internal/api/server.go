// Package api provides the REST API server of the sync bridge.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	adminapi "github.com/trackdock/syncbridge/internal/api/admin"
	v0 "github.com/trackdock/syncbridge/internal/api/v0"
	"github.com/trackdock/syncbridge/internal/api/webhooks"
	"github.com/trackdock/syncbridge/internal/store"
	"github.com/trackdock/syncbridge/internal/sync/dispatcher"
	"github.com/trackdock/syncbridge/internal/telemetry"
	"github.com/trackdock/syncbridge/internal/webhook"
)

// ServerOption configures the bridge API server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares    []func(http.Handler) http.Handler
	metricsHandler http.Handler
	bridgeMetrics  *telemetry.BridgeMetrics
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithMetricsHandler mounts a Prometheus exposition handler at /metrics
func WithMetricsHandler(handler http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.metricsHandler = handler
	}
}

// WithBridgeMetrics sets the bridge metrics recorded by the handlers
func WithBridgeMetrics(metrics *telemetry.BridgeMetrics) ServerOption {
	return func(cfg *serverConfig) {
		cfg.bridgeMetrics = metrics
	}
}

// NewServer creates and configures the HTTP router with the given dependencies and options
func NewServer(
	verifier *webhook.Verifier,
	d dispatcher.Dispatcher,
	deadLetters store.DeadLetterStore,
	idempotency store.IdempotencyStore,
	checker v0.ReadinessChecker,
	opts ...ServerOption,
) *chi.Mux {
	// Initialize configuration with defaults
	cfg := &serverConfig{
		middlewares: []func(http.Handler) http.Handler{},
	}

	// Apply options
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()

	// Apply middleware
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	// Mount health check routes directly at root
	r.Mount("/", v0.HealthRouter(checker))

	if cfg.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metricsHandler)
	}

	// Webhook ingress
	r.Mount("/webhooks", webhooks.Router(verifier, d, idempotency, cfg.bridgeMetrics))

	// Operator endpoints
	r.Mount("/admin", adminapi.Router(deadLetters, idempotency, d))

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
