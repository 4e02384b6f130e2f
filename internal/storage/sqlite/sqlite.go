// Package sqlite is the default zero-config message backend: a single SQLite
// file opened through the pure-Go glebarez/sqlite GORM driver.
//
// It shares the models and repository of storage/postgres. Differences:
//   - one connection, so writers are serialized instead of row-locked
//   - journal mode (WAL by default), busy timeout and foreign keys set by DSN pragmas
//   - JSON content lives in a TEXT column
package sqlite

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"

	"github.com/jkaninda/threadvault/internal/storage"
	pgstore "github.com/jkaninda/threadvault/internal/storage/postgres"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path. Parent directories are created.
	JournalMode string // Default: "wal".
}

func (c Config) dsn() string {
	mode := c.JournalMode
	if mode == "" {
		mode = "wal"
	}
	q := url.Values{}
	q.Add("_pragma", "journal_mode("+mode+")")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(ON)")
	return c.Path + "?" + q.Encode()
}

// Store is the SQLite storage.Store.
type Store struct {
	*pgstore.MessageRepository
	*pgstore.DB

	path string
}

// Open creates the database file if needed. Call Migrate before use.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}

	db, err := pgstore.Connect(sqlite.Open(cfg.dsn()), pgstore.Pool{MaxOpen: 1}, slogger, false)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path))
	return &Store{
		MessageRepository: pgstore.NewMessageRepository(db.GormDB()),
		DB:                db,
		path:              cfg.Path,
	}, nil
}

// Driver returns "sqlite".
func (s *Store) Driver() string {
	return storage.DriverSQLite
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

var _ storage.Store = (*Store)(nil)
