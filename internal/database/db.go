package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DB wraps the SQL database connection pool
type DB struct {
	*sql.DB
}

// Config holds database configuration
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// New creates a new database connection
func New(cfg Config) (*DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db}, nil
}

// InitSchema creates the tables owned by the coordination core
func (db *DB) InitSchema() error {
	schema := `
	-- Signal fingerprints for idempotency filtering
	CREATE TABLE IF NOT EXISTS signal_fingerprints (
		fingerprint VARCHAR(16) PRIMARY KEY,
		symbol VARCHAR(32) NOT NULL,
		direction VARCHAR(8) NOT NULL,
		strategy VARCHAR(64) NOT NULL,
		timestamp_minute BIGINT NOT NULL,
		signal_strength DOUBLE PRECISION,
		price_level DOUBLE PRECISION,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		metadata JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_signal_fingerprints_created_at ON signal_fingerprints(created_at DESC);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// ActiveConnections returns the number of in-use pool connections via a
// lightweight stats read (no query round trip).
func (db *DB) ActiveConnections() int {
	return db.Stats().InUse
}

// HealthCheck verifies the database is reachable
func (db *DB) HealthCheck(ctx context.Context) error {
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
