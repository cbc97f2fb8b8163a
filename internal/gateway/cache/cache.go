package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/models"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/redis"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/store"
)

// Backend is the subset of the Redis client used by the cache
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// Catalog is a read-through Redis cache in front of a catalog store.
// Misses are never cached, and Redis failures fall back to the store.
type Catalog struct {
	backend Backend
	next    store.CatalogStore
	ttl     time.Duration
	logger  *zap.Logger
}

var _ store.CatalogStore = (*Catalog)(nil)

// NewCatalog wraps next with a cache of the given TTL
func NewCatalog(backend Backend, next store.CatalogStore, ttl time.Duration, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{backend: backend, next: next, ttl: ttl, logger: logger}
}

// cachedEntry is the JSON form stored in Redis. Quota is kept separately
// since CatalogEntry does not serialize it.
type cachedEntry struct {
	models.CatalogEntry
	QuotaLimit    int   `json:"quota_limit"`
	QuotaWindowMs int64 `json:"quota_window_ms"`
}

func slugKey(slug string) string { return "cache:catalog:slug:" + slug }
func idKey(id string) string     { return "cache:catalog:id:" + id }

// FindActiveBySlug retrieves an active entry from cache, falling back to the store
func (c *Catalog) FindActiveBySlug(ctx context.Context, slug string) (*models.CatalogEntry, error) {
	return c.readThrough(ctx, slugKey(slug), func() (*models.CatalogEntry, error) {
		return c.next.FindActiveBySlug(ctx, slug)
	})
}

// FindByID retrieves an entry by id from cache, falling back to the store
func (c *Catalog) FindByID(ctx context.Context, id string) (*models.CatalogEntry, error) {
	return c.readThrough(ctx, idKey(id), func() (*models.CatalogEntry, error) {
		return c.next.FindByID(ctx, id)
	})
}

// ListActive is not cached
func (c *Catalog) ListActive(ctx context.Context) ([]models.CatalogEntry, error) {
	return c.next.ListActive(ctx)
}

func (c *Catalog) readThrough(ctx context.Context, key string, load func() (*models.CatalogEntry, error)) (*models.CatalogEntry, error) {
	if entry, err := c.get(ctx, key); err == nil {
		return entry, nil
	} else if !errors.Is(err, redis.ErrKeyNotFound) {
		c.logger.Warn("catalog cache read failed", zap.String("key", key), zap.Error(err))
	}

	entry, err := load()
	if err != nil {
		return nil, err
	}

	if err := c.set(ctx, key, entry); err != nil {
		c.logger.Warn("catalog cache write failed", zap.String("key", key), zap.Error(err))
	}
	return entry, nil
}

func (c *Catalog) get(ctx context.Context, key string) (*models.CatalogEntry, error) {
	val, err := c.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var cached cachedEntry
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		return nil, fmt.Errorf("failed to deserialize cached entry: %w", err)
	}

	entry := cached.CatalogEntry
	entry.DefaultQuota = models.Quota{
		Limit:  cached.QuotaLimit,
		Window: time.Duration(cached.QuotaWindowMs) * time.Millisecond,
	}
	return &entry, nil
}

func (c *Catalog) set(ctx context.Context, key string, entry *models.CatalogEntry) error {
	data, err := json.Marshal(cachedEntry{
		CatalogEntry:  *entry,
		QuotaLimit:    entry.DefaultQuota.Limit,
		QuotaWindowMs: entry.DefaultQuota.WindowMs(),
	})
	if err != nil {
		return fmt.Errorf("failed to serialize entry: %w", err)
	}

	return c.backend.Set(ctx, key, string(data), c.ttl)
}
