package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/metric"

	"github.com/trackdock/syncbridge/internal/api"
	v0 "github.com/trackdock/syncbridge/internal/api/v0"
	"github.com/trackdock/syncbridge/internal/auth"
	"github.com/trackdock/syncbridge/internal/config"
	"github.com/trackdock/syncbridge/internal/db"
	"github.com/trackdock/syncbridge/internal/event"
	"github.com/trackdock/syncbridge/internal/platform"
	"github.com/trackdock/syncbridge/internal/store"
	"github.com/trackdock/syncbridge/internal/store/inmemory"
	pkgsync "github.com/trackdock/syncbridge/internal/sync"
	"github.com/trackdock/syncbridge/internal/sync/dispatcher"
	"github.com/trackdock/syncbridge/internal/sync/retry"
	"github.com/trackdock/syncbridge/internal/telemetry"
	"github.com/trackdock/syncbridge/internal/webhook"
)

const (
	defaultHTTPAddress    = ":8080"
	defaultRequestTimeout = 10 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultWriteTimeout   = 15 * time.Second
	defaultIdleTimeout    = 60 * time.Second
)

// defaultPublicPaths are paths that never require the admin bearer token.
// Webhook ingress authenticates by HMAC signature, not bearer token.
var defaultPublicPaths = []string{"/health", "/readiness", "/version", "/metrics", "/webhooks"}

// BridgeAppOptions is a function that configures the bridge app builder
type BridgeAppOptions func(*bridgeAppConfig) error

// bridgeAppConfig builds a BridgeApp using the builder pattern
// It supports dependency injection for testing while providing sensible defaults for production
type bridgeAppConfig struct {
	config *config.Config

	// Optional component overrides (primarily for testing)
	stores     *Stores
	clients    map[event.SourcePlatform]platform.Client
	dispatcher dispatcher.Dispatcher

	// HTTP server options
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration

	// Auth components
	authMiddleware func(http.Handler) http.Handler

	// Telemetry components
	meterProvider  metric.MeterProvider
	metricsHandler http.Handler
}

// Stores bundles the persistence interfaces of the bridge.
type Stores struct {
	Idempotency store.IdempotencyStore
	Locks       store.LockManager
	Mappings    store.MappingStore
	DeadLetters store.DeadLetterStore
}

func baseConfig(opts ...BridgeAppOptions) (*bridgeAppConfig, error) {
	cfg := &bridgeAppConfig{
		address:        defaultHTTPAddress,
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
		idleTimeout:    defaultIdleTimeout,
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// NewBridgeApp creates a new builder with the given configuration
func NewBridgeApp(
	ctx context.Context,
	opts ...BridgeAppOptions,
) (*BridgeApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}
	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	// Open the database and build the stores (single decision point for
	// Postgres vs in-memory)
	database, err := buildStores(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build stores: %w", err)
	}

	// Ensure cleanup happens on error
	var cleanupNeeded = true
	defer func() {
		if cleanupNeeded && database != nil {
			database.Close()
		}
	}()

	bridgeMetrics, err := telemetry.NewBridgeMetrics(cfg.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge metrics: %w", err)
	}

	// Build platform clients and the webhook verifier
	verifier, err := buildVerifier(cfg.config)
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook verifier: %w", err)
	}
	if cfg.clients == nil {
		cfg.clients, err = buildPlatformClients(cfg.config)
		if err != nil {
			return nil, fmt.Errorf("failed to build platform clients: %w", err)
		}
	}

	// Build processing pipeline: orchestrator, retry controller, dispatcher
	if cfg.dispatcher == nil {
		cfg.dispatcher = buildDispatcher(cfg, bridgeMetrics)
	}

	// Build auth middleware (if not injected)
	if cfg.authMiddleware == nil {
		var authErr error
		cfg.authMiddleware, authErr = auth.NewAuthMiddleware(cfg.config.Admin)
		if authErr != nil {
			return nil, fmt.Errorf("failed to build auth middleware: %w", authErr)
		}
	}

	// Build HTTP server
	httpServer, err := buildHTTPServer(cfg, verifier, database, bridgeMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	// Create application context
	appCtx, cancel := context.WithCancel(ctx)

	// Cleanup is now handled by the app, not in defer
	cleanupNeeded = false

	cancelFunc := func() {
		if database != nil {
			database.Close()
		}
		cancel()
	}

	return &BridgeApp{
		config: cfg.config,
		components: &AppComponents{
			Dispatcher: cfg.dispatcher,
			Database:   database,
		},
		httpServer: httpServer,
		ctx:        appCtx,
		cancelFunc: cancelFunc,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) BridgeAppOptions {
	return func(cfg *bridgeAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) BridgeAppOptions {
	return func(cfg *bridgeAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		parts := strings.SplitN(addr, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		host := parts[0]
		port := parts[1]

		if port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares sets custom HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) BridgeAppOptions {
	return func(cfg *bridgeAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithStores allows injecting custom store implementations (for testing)
func WithStores(s *Stores) BridgeAppOptions {
	return func(cfg *bridgeAppConfig) error {
		cfg.stores = s
		return nil
	}
}

// WithPlatformClients allows injecting custom platform clients (for testing)
func WithPlatformClients(clients map[event.SourcePlatform]platform.Client) BridgeAppOptions {
	return func(cfg *bridgeAppConfig) error {
		cfg.clients = clients
		return nil
	}
}

// WithDispatcher allows injecting a custom dispatcher (for testing)
func WithDispatcher(d dispatcher.Dispatcher) BridgeAppOptions {
	return func(cfg *bridgeAppConfig) error {
		cfg.dispatcher = d
		return nil
	}
}

// WithAuthMiddleware allows injecting a custom auth middleware (for testing)
func WithAuthMiddleware(mw func(http.Handler) http.Handler) BridgeAppOptions {
	return func(cfg *bridgeAppConfig) error {
		cfg.authMiddleware = mw
		return nil
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider for metrics
func WithMeterProvider(mp metric.MeterProvider) BridgeAppOptions {
	return func(cfg *bridgeAppConfig) error {
		cfg.meterProvider = mp
		return nil
	}
}

// WithMetricsHandler mounts a Prometheus exposition handler at /metrics
func WithMetricsHandler(handler http.Handler) BridgeAppOptions {
	return func(cfg *bridgeAppConfig) error {
		cfg.metricsHandler = handler
		return nil
	}
}

// buildStores opens the database connection and creates the Postgres
// stores, or falls back to the in-memory stores when no database is
// configured. Returns the connection so the app can close it.
func buildStores(ctx context.Context, b *bridgeAppConfig) (*db.Connection, error) {
	if b.stores != nil {
		return nil, nil
	}

	if b.config.Database == nil {
		slog.Warn("No database configured, using in-memory stores; state will not survive restarts")
		b.stores = &Stores{
			Idempotency: inmemory.NewIdempotencyStore(),
			Locks:       inmemory.NewLockManager(),
			Mappings:    inmemory.NewMappingStore(),
			DeadLetters: inmemory.NewDeadLetterStore(),
		}
		return nil, nil
	}

	conn, err := db.NewConnection(ctx, b.config.Database)
	if err != nil {
		return nil, err
	}

	b.stores = &Stores{
		Idempotency: store.NewIdempotencyStore(conn.Pool),
		Locks:       store.NewLockManager(conn.Pool),
		Mappings:    store.NewMappingStore(conn.Pool),
		DeadLetters: store.NewDeadLetterStore(conn.Pool),
	}

	return conn, nil
}

// buildVerifier creates the webhook signature verifier from the
// per-platform secrets.
func buildVerifier(cfg *config.Config) (*webhook.Verifier, error) {
	secrets := make(map[event.SourcePlatform]string, len(cfg.Platforms))
	for name, pc := range cfg.Platforms {
		p, err := event.ParsePlatform(name)
		if err != nil {
			return nil, err
		}
		secret, err := pc.GetWebhookSecret(name)
		if err != nil {
			return nil, err
		}
		secrets[p] = secret
	}
	return webhook.NewVerifier(secrets), nil
}

// buildPlatformClients creates the HTTP apply clients from the
// per-platform endpoints and tokens.
func buildPlatformClients(cfg *config.Config) (map[event.SourcePlatform]platform.Client, error) {
	clients := make(map[event.SourcePlatform]platform.Client, len(cfg.Platforms))
	for name, pc := range cfg.Platforms {
		p, err := event.ParsePlatform(name)
		if err != nil {
			return nil, err
		}
		token, err := pc.GetToken()
		if err != nil {
			return nil, fmt.Errorf("failed to read token for platform %s: %w", name, err)
		}
		clients[p] = platform.NewHTTPClient(pc.Endpoint,
			platform.WithToken(token),
			platform.WithTimeout(pc.GetTimeout()),
		)
	}
	return clients, nil
}

// buildDispatcher assembles the orchestrator, retry controller, and
// worker pool dispatcher.
func buildDispatcher(b *bridgeAppConfig, metrics *telemetry.BridgeMetrics) dispatcher.Dispatcher {
	slog.Info("Initializing sync pipeline",
		"policy", b.config.GetPolicy(),
		"workers", b.config.GetWorkerCount(),
		"max_attempts", b.config.GetMaxAttempts())

	orchestrator := pkgsync.NewOrchestrator(
		b.stores.Idempotency,
		b.stores.Locks,
		b.stores.Mappings,
		b.clients,
		pkgsync.WithPolicy(b.config.GetPolicy(), event.SourcePlatform(b.config.GetDefaultPlatform())),
		pkgsync.WithLeaseDuration(b.config.GetLeaseDuration()),
		pkgsync.WithMetrics(metrics),
	)

	controller := retry.New(
		orchestrator,
		b.stores.DeadLetters,
		b.stores.Idempotency,
		retry.WithSchedule(b.config.GetMaxAttempts(), b.config.GetInitialDelay(), b.config.GetMaxDelay()),
		retry.WithMetrics(metrics),
	)

	return dispatcher.New(
		controller,
		b.stores.DeadLetters,
		b.stores.Idempotency,
		dispatcher.WithWorkers(b.config.GetWorkerCount(), b.config.GetQueueSize()),
		dispatcher.WithSweep(b.config.GetSweepInterval(), b.config.GetSweepMinAge(), b.config.GetSweepBatchSize()),
		dispatcher.WithMetrics(metrics),
	)
}

// buildHTTPServer builds the HTTP server with router and middleware
func buildHTTPServer(
	b *bridgeAppConfig,
	verifier *webhook.Verifier,
	database *db.Connection,
	bridgeMetrics *telemetry.BridgeMetrics,
) (*http.Server, error) {
	slog.Info("Initializing HTTP server")

	// Use default middlewares if not provided
	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(b.requestTimeout),
			api.LoggingMiddleware,
		}
	}

	// Add metrics middleware if meter provider is configured
	// This should be added early in the chain to capture all requests
	if b.meterProvider != nil {
		metricsMiddleware, err := telemetry.MetricsMiddleware(b.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics middleware: %w", err)
		}
		if metricsMiddleware != nil {
			// Prepend metrics middleware to capture all requests including those rejected by auth
			b.middlewares = append([]func(http.Handler) http.Handler{metricsMiddleware}, b.middlewares...)
			slog.Info("HTTP metrics middleware enabled")
		}
	}

	// Create auth middleware that bypasses public paths
	authMw := auth.WrapWithPublicPaths(b.authMiddleware, defaultPublicPaths)
	b.middlewares = append(b.middlewares, authMw)

	// Readiness is tied to the database when one is configured
	checker := v0.ReadinessCheckerFunc(func(context.Context) error { return nil })
	if database != nil {
		checker = database.Ping
	}

	serverOpts := []api.ServerOption{
		api.WithMiddlewares(b.middlewares...),
		api.WithBridgeMetrics(bridgeMetrics),
	}
	if b.metricsHandler != nil {
		serverOpts = append(serverOpts, api.WithMetricsHandler(b.metricsHandler))
	}

	// Create router with middlewares
	router := api.NewServer(verifier, b.dispatcher, b.stores.DeadLetters, b.stores.Idempotency, checker, serverOpts...)

	// Create HTTP server
	server := &http.Server{
		Addr:         b.address,
		Handler:      router,
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  b.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server, nil
}
