// Package store defines the data sources the gateway reads from and writes to.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/models"
)

// ErrNotFound is returned when a lookup matches nothing
var ErrNotFound = errors.New("not found")

// CatalogStore resolves registered upstream APIs
type CatalogStore interface {
	// FindActiveBySlug returns ErrNotFound for unknown and inactive slugs
	FindActiveBySlug(ctx context.Context, slug string) (*models.CatalogEntry, error)
	FindByID(ctx context.Context, id string) (*models.CatalogEntry, error)
	ListActive(ctx context.Context) ([]models.CatalogEntry, error)
}

// KeyStore resolves issued API keys
type KeyStore interface {
	FindByValue(ctx context.Context, secret string) (*models.APIKey, error)
	TouchLastUsed(ctx context.Context, keyID string) error
	MarkExpired(ctx context.Context, keyID string) error
}

// UsageSink receives metering records
type UsageSink interface {
	Append(ctx context.Context, rec *models.UsageRecord) error
}

// UsageReader aggregates stored metering records
type UsageReader interface {
	SummarizeUsage(ctx context.Context, keyID string, from, to time.Time) (*models.UsageSummary, error)
}

// HashKey returns the hex SHA-256 digest used to look up a raw key
func HashKey(secret string) string {
	hash := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(hash[:])
}

// KeyPrefix returns the loggable prefix of a raw key
func KeyPrefix(secret string) string {
	if len(secret) <= 8 {
		return secret[:len(secret)/2]
	}
	return secret[:8]
}
