package app

import (
	"github.com/trackdock/syncbridge/internal/db"
	"github.com/trackdock/syncbridge/internal/sync/dispatcher"
)

// AppComponents groups all application components
//
//nolint:revive // This name is fine
type AppComponents struct {
	// Dispatcher manages the background worker pool and dead-letter sweep
	Dispatcher dispatcher.Dispatcher

	// Database is the database connection (nil when running on the
	// in-memory stores)
	Database *db.Connection
}
