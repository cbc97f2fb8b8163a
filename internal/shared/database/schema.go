package database

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS api_catalog (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE CHECK (slug = lower(slug)),
		description TEXT NOT NULL DEFAULT '',
		base_url TEXT NOT NULL,
		endpoints TEXT[] NOT NULL DEFAULT '{}',
		documentation TEXT NOT NULL DEFAULT '',
		auth_required BOOLEAN NOT NULL DEFAULT true,
		default_rate_limit INTEGER NOT NULL DEFAULT 100,
		default_rate_window_ms BIGINT NOT NULL DEFAULT 3600000,
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY,
		key_hash TEXT NOT NULL UNIQUE,
		key_prefix TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL,
		api_id UUID NOT NULL REFERENCES api_catalog (id),
		status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'revoked', 'expired')),
		rate_limit INTEGER,
		rate_window_ms BIGINT,
		expires_at TIMESTAMPTZ,
		last_used_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS usage_logs (
		id UUID PRIMARY KEY,
		api_key_id UUID,
		owner_id TEXT,
		api_id UUID NOT NULL,
		endpoint TEXT NOT NULL,
		method TEXT NOT NULL,
		response_status INTEGER NOT NULL,
		response_time_ms BIGINT NOT NULL,
		client_ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS usage_logs_key_created_idx ON usage_logs (api_key_id, created_at)`,
}

// Migrate creates the gateway tables when they do not exist yet
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i+1, err)
		}
	}
	return nil
}
