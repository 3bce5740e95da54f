package auth

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/trackdock/syncbridge/internal/config"
)

// NewAuthMiddleware creates authentication middleware from the admin config.
// With no token configured the middleware is anonymous; operator endpoints
// should only run without a token in development setups.
func NewAuthMiddleware(cfg *config.AdminConfig) (func(http.Handler) http.Handler, error) {
	token, err := cfg.GetAuthToken()
	if err != nil {
		return nil, fmt.Errorf("failed to read admin auth token: %w", err)
	}

	if token == "" {
		slog.Info("auth: anonymous mode (no admin token configured)")
		return anonymousMiddleware, nil
	}

	m, err := newBearerTokenMiddleware(token, defaultRealm)
	if err != nil {
		return nil, fmt.Errorf("failed to create bearer token middleware: %w", err)
	}

	slog.Info("auth: bearer token mode")

	return m.Middleware, nil
}

// anonymousMiddleware is a no-op middleware that passes requests through without authentication.
func anonymousMiddleware(next http.Handler) http.Handler {
	return next
}
