package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO required)
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("record not found")

// DB wraps a database connection with driver information
type DB struct {
	*sql.DB
	driver string
	logger *zap.Logger
}

// NewDB opens PostgreSQL when dsn is set, otherwise SQLite at path, and
// applies pending migrations
func NewDB(dsn, path string, logger *zap.Logger) (*DB, error) {
	sqlDB, driver, err := open(dsn, path)
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}
	logger.Info("connected to database", zap.String("driver", driver))

	db := &DB{DB: sqlDB, driver: driver, logger: logger}
	if err := db.Migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

func open(dsn, path string) (*sql.DB, string, error) {
	if dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open PostgreSQL database: %w", err)
		}
		return db, "postgres", nil
	}

	if path == "" {
		path = "./sandboxgate.db"
	}
	// modernc.org/sqlite registers as "sqlite" and takes _pragma parameters
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, "", fmt.Errorf("failed to open SQLite database: %w", err)
	}
	return db, "sqlite", nil
}

// Driver returns "postgres" or "sqlite"
func (db *DB) Driver() string {
	return db.driver
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

const schemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Migrate applies pending migrations in order, each in its own transaction
func (db *DB) Migrate() error {
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, schemaVersionTable); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current, err := db.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	applied := 0
	for i, stmt := range migrations {
		version := i + 1
		if version <= current {
			continue
		}
		if err := db.applyMigration(ctx, version, stmt); err != nil {
			return err
		}
		applied++
	}

	if applied > 0 {
		db.logger.Info("database migrations applied", zap.Int("from", current), zap.Int("to", len(migrations)))
	}
	return nil
}

func (db *DB) applyMigration(ctx context.Context, version int, stmt string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", version, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to apply migration %d: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES ($1)", version); err != nil {
		return fmt.Errorf("failed to record migration version %d: %w", version, err)
	}
	return tx.Commit()
}

// SchemaVersion returns the highest applied migration
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return v, nil
}

// migrations are applied in order; version is index+1.
var migrations = []string{
	initialSchema,
	sandboxEventsSchema,
}

// initialSchema is the initial database schema
const initialSchema = `
-- One sandbox per (user, template)
CREATE TABLE IF NOT EXISTS sandboxes (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    template VARCHAR(255) NOT NULL,
    sandbox_id VARCHAR(255) NOT NULL,
    status VARCHAR(50) NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(user_id, template)
);

CREATE INDEX IF NOT EXISTS idx_sandboxes_sandbox_id ON sandboxes(sandbox_id);
CREATE INDEX IF NOT EXISTS idx_sandboxes_status ON sandboxes(status);

-- Subscription plan per user
CREATE TABLE IF NOT EXISTS subscriptions (
    user_id TEXT PRIMARY KEY,
    plan_type VARCHAR(50) NOT NULL,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Metrics table
CREATE TABLE IF NOT EXISTS metrics (
    id TEXT PRIMARY KEY,
    sandbox_id VARCHAR(255),
    metric_type VARCHAR(50) NOT NULL,
    value REAL NOT NULL,
    timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_metrics_type ON metrics(metric_type);
CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON metrics(timestamp);
`

// sandboxEventsSchema adds the lifecycle event log
const sandboxEventsSchema = `
CREATE TABLE IF NOT EXISTS sandbox_events (
    id TEXT PRIMARY KEY,
    sandbox_id VARCHAR(255) NOT NULL,
    user_id TEXT,
    event_type VARCHAR(50) NOT NULL,
    details TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sandbox_events_sandbox_id ON sandbox_events(sandbox_id);
`

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
