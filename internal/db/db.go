package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultMaxConns caps the pool when Connect is given a non-positive size.
const DefaultMaxConns = 10

// Execer is the slice of *pgxpool.Pool the attachment store and schema
// bootstrap need.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema creates the attachments table. Every statement is idempotent.
var Schema = []string{
	`CREATE SCHEMA IF NOT EXISTS harbortrace`,
	`CREATE TABLE IF NOT EXISTS harbortrace.attachments (
		id          uuid PRIMARY KEY,
		name        text        NOT NULL,
		value       bytea       NOT NULL,
		size_bytes  integer     NOT NULL,
		stored_at   timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS attachments_stored_at_idx ON harbortrace.attachments (stored_at)`,
	`ALTER TABLE harbortrace.attachments ADD COLUMN IF NOT EXISTS correlation_id uuid`,
	`CREATE INDEX IF NOT EXISTS attachments_correlation_idx ON harbortrace.attachments (correlation_id)`,
}

// Connect establishes a connection pool to the database and returns the pool
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	// Parse config from DSN
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	cfg.MaxConns = maxConns
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	// Ping the database to verify connection
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// EnsureSchema runs Schema against db in order.
func EnsureSchema(ctx context.Context, db Execer) error {
	for i, stmt := range Schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
