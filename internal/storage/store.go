// Package storage defines the Store interface implemented by every message backend.
// Three backends are provided: SQLite (default, zero-config), PostgreSQL
// (production) and an in-memory store for tests and ephemeral gateways.
package storage

import (
	"context"

	"github.com/jkaninda/threadvault/internal/remote"
)

// Store is a remote.Store with a lifecycle.
type Store interface {
	remote.Store

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error
	// Ping checks the backend for readiness probes.
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite", "postgres" or "memory").
	Driver() string
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DriverMemory is the in-memory driver name.
const DriverMemory = "memory"
