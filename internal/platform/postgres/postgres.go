// Package postgres opens the shared connection pool and owns the schema.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	// registers the "postgres" driver
	_ "github.com/lib/pq"

	"veritas/internal/platform/config"
)

// Open creates a pool from cfg and verifies connectivity.
// Returns nil if the URL is empty (Postgres not configured).
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return db, nil
}

// schema is idempotent; Migrate runs it on every start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS artifacts (
		artifact_id        TEXT PRIMARY KEY,
		classification_key TEXT NOT NULL,
		digest             CHAR(64) NOT NULL,
		envelope           TEXT NOT NULL,
		issuer             TEXT NOT NULL,
		sealed_at          TIMESTAMPTZ NOT NULL,
		expires_at         TIMESTAMPTZ NOT NULL,
		UNIQUE (classification_key, digest)
	)`,
	`CREATE TABLE IF NOT EXISTS provenance_edges (
		edge_id     UUID PRIMARY KEY,
		parent_id   TEXT NOT NULL,
		child_id    TEXT NOT NULL,
		relation    TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL,
		CHECK (parent_id <> child_id),
		UNIQUE (parent_id, child_id, relation)
	)`,
	`CREATE INDEX IF NOT EXISTS provenance_edges_child_idx ON provenance_edges (child_id)`,
	`CREATE TABLE IF NOT EXISTS disclosure_tokens (
		token           TEXT PRIMARY KEY,
		artifact_id     TEXT NOT NULL,
		artifact_digest CHAR(64) NOT NULL,
		allowed_party   TEXT NOT NULL,
		permissions     TEXT[] NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		expires_at      TIMESTAMPTZ NOT NULL,
		used            BOOLEAN NOT NULL DEFAULT FALSE,
		used_at         TIMESTAMPTZ,
		revoked         BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS disclosure_tokens_expiry_idx ON disclosure_tokens (expires_at) WHERE used = FALSE`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id             UUID PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        JSONB NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		processed_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (created_at) WHERE processed_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS outbox_aggregate_idx ON outbox (aggregate_type, aggregate_id)`,
}

// Migrate creates the tables the stores rely on.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
