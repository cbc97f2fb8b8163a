package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/models"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/store"
)

type DB struct {
	conn *sql.DB
}

var (
	_ store.CatalogStore = (*DB)(nil)
	_ store.KeyStore     = (*DB)(nil)
	_ store.UsageSink    = (*DB)(nil)
	_ store.UsageReader  = (*DB)(nil)
)

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection is alive
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

const catalogColumns = `
	id, name, slug, description, base_url, endpoints, documentation, auth_required,
	default_rate_limit, default_rate_window_ms, is_active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCatalogEntry(row rowScanner) (*models.CatalogEntry, error) {
	var (
		entry    models.CatalogEntry
		windowMs int64
	)
	err := row.Scan(
		&entry.ID,
		&entry.Name,
		&entry.Slug,
		&entry.Description,
		&entry.BaseURL,
		pq.Array(&entry.Endpoints),
		&entry.Documentation,
		&entry.AuthRequired,
		&entry.DefaultQuota.Limit,
		&windowMs,
		&entry.Active,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	entry.DefaultQuota.Window = time.Duration(windowMs) * time.Millisecond
	return &entry, nil
}

// FindActiveBySlug retrieves an active catalog entry by its routing slug
func (db *DB) FindActiveBySlug(ctx context.Context, slug string) (*models.CatalogEntry, error) {
	query := `SELECT` + catalogColumns + `
		FROM api_catalog
		WHERE slug = $1 AND is_active = true
	`

	entry, err := scanCatalogEntry(db.conn.QueryRowContext(ctx, query, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return entry, nil
}

// FindByID retrieves a catalog entry regardless of its status
func (db *DB) FindByID(ctx context.Context, id string) (*models.CatalogEntry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}

	query := `SELECT` + catalogColumns + `
		FROM api_catalog
		WHERE id = $1
	`

	entry, err := scanCatalogEntry(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return entry, nil
}

// ListActive lists every active catalog entry ordered by slug
func (db *DB) ListActive(ctx context.Context) ([]models.CatalogEntry, error) {
	query := `SELECT` + catalogColumns + `
		FROM api_catalog
		WHERE is_active = true
		ORDER BY slug
	`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var entries []models.CatalogEntry
	for rows.Next() {
		entry, err := scanCatalogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("database error: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return entries, nil
}

// UpsertCatalogEntry inserts a catalog entry or updates the one sharing its slug
func (db *DB) UpsertCatalogEntry(ctx context.Context, entry models.CatalogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	query := `
		INSERT INTO api_catalog (
			id, name, slug, description, base_url, endpoints, documentation, auth_required,
			default_rate_limit, default_rate_window_ms, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			base_url = EXCLUDED.base_url,
			endpoints = EXCLUDED.endpoints,
			documentation = EXCLUDED.documentation,
			auth_required = EXCLUDED.auth_required,
			default_rate_limit = EXCLUDED.default_rate_limit,
			default_rate_window_ms = EXCLUDED.default_rate_window_ms,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		entry.ID,
		entry.Name,
		entry.Slug,
		entry.Description,
		entry.BaseURL,
		pq.Array(entry.Endpoints),
		entry.Documentation,
		entry.AuthRequired,
		entry.DefaultQuota.Limit,
		entry.DefaultQuota.WindowMs(),
		entry.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert catalog entry %s: %w", entry.Slug, err)
	}
	return nil
}

// FindByValue retrieves an API key by its raw key value
func (db *DB) FindByValue(ctx context.Context, secret string) (*models.APIKey, error) {
	query := `
		SELECT id, key_hash, key_prefix, name, owner_id, api_id, status,
		       rate_limit, rate_window_ms, expires_at, last_used_at, created_at, updated_at
		FROM api_keys
		WHERE key_hash = $1
	`

	var (
		apiKey   models.APIKey
		status   string
		limit    sql.NullInt64
		windowMs sql.NullInt64
	)
	err := db.conn.QueryRowContext(ctx, query, store.HashKey(secret)).Scan(
		&apiKey.ID,
		&apiKey.KeyHash,
		&apiKey.KeyPrefix,
		&apiKey.Name,
		&apiKey.OwnerID,
		&apiKey.APIID,
		&status,
		&limit,
		&windowMs,
		&apiKey.ExpiresAt,
		&apiKey.LastUsedAt,
		&apiKey.CreatedAt,
		&apiKey.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	apiKey.Status = models.KeyStatus(status)
	if limit.Valid && windowMs.Valid && limit.Int64 > 0 && windowMs.Int64 > 0 {
		apiKey.CustomQuota = &models.Quota{
			Limit:  int(limit.Int64),
			Window: time.Duration(windowMs.Int64) * time.Millisecond,
		}
	}

	return &apiKey, nil
}

// TouchLastUsed updates the last_used_at timestamp
func (db *DB) TouchLastUsed(ctx context.Context, keyID string) error {
	query := `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`
	_, err := db.conn.ExecContext(ctx, query, keyID)
	return err
}

// MarkExpired moves an active key to the expired status
func (db *DB) MarkExpired(ctx context.Context, keyID string) error {
	query := `UPDATE api_keys SET status = 'expired', updated_at = NOW() WHERE id = $1 AND status = 'active'`
	_, err := db.conn.ExecContext(ctx, query, keyID)
	return err
}

// Append logs a gateway dispatch
func (db *DB) Append(ctx context.Context, rec *models.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	query := `
		INSERT INTO usage_logs (
			id, api_key_id, owner_id, api_id, endpoint, method, response_status,
			response_time_ms, client_ip, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		rec.ID,
		rec.APIKeyID,
		rec.OwnerID,
		rec.APIID,
		rec.Endpoint,
		rec.Method,
		rec.ResponseStatus,
		rec.ResponseTimeMs,
		rec.ClientIP,
		rec.UserAgent,
		rec.Timestamp,
	)

	return err
}

// SummarizeUsage aggregates a key's usage logs in [from, to)
func (db *DB) SummarizeUsage(ctx context.Context, keyID string, from, to time.Time) (*models.UsageSummary, error) {
	query := `
		SELECT response_status, COUNT(*), COALESCE(SUM(response_time_ms), 0)
		FROM usage_logs
		WHERE api_key_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY response_status
	`

	rows, err := db.conn.QueryContext(ctx, query, keyID, from, to)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	summary := &models.UsageSummary{
		APIKeyID: keyID,
		From:     from,
		To:       to,
		ByStatus: make(map[int]int64),
	}
	var totalMs int64
	for rows.Next() {
		var (
			status int
			count  int64
			sumMs  int64
		)
		if err := rows.Scan(&status, &count, &sumMs); err != nil {
			return nil, fmt.Errorf("database error: %w", err)
		}
		summary.ByStatus[status] = count
		summary.TotalRequests += count
		if status >= 400 {
			summary.ErrorRequests += count
		}
		totalMs += sumMs
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	if summary.TotalRequests > 0 {
		summary.AvgResponseTimeMs = float64(totalMs) / float64(summary.TotalRequests)
	}
	return summary, nil
}
