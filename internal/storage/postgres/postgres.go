// Package postgres stores messages in PostgreSQL through GORM.
// The models, scopes and repository are dialect-neutral; storage/sqlite opens
// its own dialector through Connect and reuses them.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config configures the PostgreSQL connection and pool.
type Config struct {
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30m
	ConnMaxIdleTime time.Duration // Default: 10m
}

// Pool holds connection pool limits. A zero field keeps the database/sql default.
type Pool struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

func (c Config) pool() Pool {
	p := Pool{MaxOpen: 25, MaxIdle: 5, MaxLifetime: 30 * time.Minute, MaxIdleTime: 10 * time.Minute}
	if c.MaxOpenConns > 0 {
		p.MaxOpen = c.MaxOpenConns
	}
	if c.MaxIdleConns > 0 {
		p.MaxIdle = c.MaxIdleConns
	}
	if c.ConnMaxLifetime > 0 {
		p.MaxLifetime = c.ConnMaxLifetime
	}
	if c.ConnMaxIdleTime > 0 {
		p.MaxIdleTime = c.ConnMaxIdleTime
	}
	return p
}

// DB is an open GORM connection to a message database.
type DB struct {
	gormDB *gorm.DB
}

// Open connects to PostgreSQL. Call Migrate before serving requests.
func Open(cfg Config, slogger *slog.Logger) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	pool := cfg.pool()
	db, err := Connect(postgres.Open(cfg.DSN), pool, slogger, true)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	slogger.Info("postgres connected",
		slog.Int("max_open_conns", pool.MaxOpen),
		slog.Int("max_idle_conns", pool.MaxIdle),
	)
	return db, nil
}

// Connect opens dialector with UTC timestamps and GORM logs routed to slogger
// at warn level, then applies pool.
func Connect(dialector gorm.Dialector, pool Pool, slogger *slog.Logger, prepareStmt bool) (*DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(slogWriter{slogger}, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: prepareStmt,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	if pool.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.MaxLifetime)
	}
	if pool.MaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(pool.MaxIdleTime)
	}
	return &DB{gormDB: db}, nil
}

// GormDB returns the underlying *gorm.DB for repository constructors.
func (d *DB) GormDB() *gorm.DB {
	return d.gormDB
}

// Migrate creates or updates the messages table and its self-referencing FK.
func (d *DB) Migrate(ctx context.Context) error {
	if err := d.gormDB.WithContext(ctx).AutoMigrate(&MessageModel{}); err != nil {
		return fmt.Errorf("auto-migrating messages: %w", err)
	}
	return nil
}

// Ping checks the database connection for readiness probes.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogWriter adapts *slog.Logger to GORM's logger.Writer. GORM only writes at
// warn level or above here (slow queries and errors).
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Printf(format string, args ...any) {
	w.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "gorm"))
}
