package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/models"
)

// Memory is an in-process catalog, key store and usage sink.
// Reads return copies so callers never observe later mutations.
type Memory struct {
	mu    sync.RWMutex
	apis  map[string]models.CatalogEntry // by id
	keys  map[string]models.APIKey       // by key hash
	usage []models.UsageRecord
	now   func() time.Time
}

var (
	_ CatalogStore = (*Memory)(nil)
	_ KeyStore     = (*Memory)(nil)
	_ UsageSink    = (*Memory)(nil)
	_ UsageReader  = (*Memory)(nil)
)

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		apis: make(map[string]models.CatalogEntry),
		keys: make(map[string]models.APIKey),
		now:  time.Now,
	}
}

// PutCatalogEntry inserts or replaces a catalog entry and returns the stored copy
func (m *Memory) PutCatalogEntry(entry models.CatalogEntry) models.CatalogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := m.now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	entry.Endpoints = append([]string(nil), entry.Endpoints...)
	m.apis[entry.ID] = entry
	return entry
}

// PutKey registers a raw secret and its key record
func (m *Memory) PutKey(secret string, key models.APIKey) models.APIKey {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.Status == "" {
		key.Status = models.KeyStatusActive
	}
	key.KeyHash = HashKey(secret)
	key.KeyPrefix = KeyPrefix(secret)
	if key.CreatedAt.IsZero() {
		key.CreatedAt = m.now()
	}
	m.keys[key.KeyHash] = key
	return key
}

func (m *Memory) FindActiveBySlug(_ context.Context, slug string) (*models.CatalogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, entry := range m.apis {
		if entry.Active && entry.Slug == slug {
			return copyEntry(entry), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindByID(_ context.Context, id string) (*models.CatalogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.apis[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEntry(entry), nil
}

func (m *Memory) ListActive(_ context.Context) ([]models.CatalogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]models.CatalogEntry, 0, len(m.apis))
	for _, entry := range m.apis {
		if entry.Active {
			entries = append(entries, *copyEntry(entry))
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Slug < entries[j].Slug })
	return entries, nil
}

func (m *Memory) FindByValue(_ context.Context, secret string) (*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.keys[HashKey(secret)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyKey(key), nil
}

func (m *Memory) TouchLastUsed(_ context.Context, keyID string) error {
	return m.updateKey(keyID, func(k *models.APIKey) {
		now := m.now()
		k.LastUsedAt = &now
	})
}

func (m *Memory) MarkExpired(_ context.Context, keyID string) error {
	return m.updateKey(keyID, func(k *models.APIKey) {
		k.Status = models.KeyStatusExpired
	})
}

func (m *Memory) updateKey(keyID string, fn func(k *models.APIKey)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for hash, key := range m.keys {
		if key.ID == keyID {
			fn(&key)
			key.UpdatedAt = m.now()
			m.keys[hash] = key
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) Append(_ context.Context, rec *models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *rec
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	m.usage = append(m.usage, stored)
	return nil
}

// UsageRecords returns a snapshot of all appended records
func (m *Memory) UsageRecords() []models.UsageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]models.UsageRecord(nil), m.usage...)
}

func (m *Memory) SummarizeUsage(_ context.Context, keyID string, from, to time.Time) (*models.UsageSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := &models.UsageSummary{
		APIKeyID: keyID,
		From:     from,
		To:       to,
		ByStatus: make(map[int]int64),
	}
	var totalMs int64
	for _, rec := range m.usage {
		if rec.APIKeyID == nil || *rec.APIKeyID != keyID {
			continue
		}
		if rec.Timestamp.Before(from) || !rec.Timestamp.Before(to) {
			continue
		}
		summary.TotalRequests++
		summary.ByStatus[rec.ResponseStatus]++
		if rec.ResponseStatus >= 400 {
			summary.ErrorRequests++
		}
		totalMs += rec.ResponseTimeMs
	}
	if summary.TotalRequests > 0 {
		summary.AvgResponseTimeMs = float64(totalMs) / float64(summary.TotalRequests)
	}
	return summary, nil
}

func copyEntry(entry models.CatalogEntry) *models.CatalogEntry {
	entry.Endpoints = append([]string(nil), entry.Endpoints...)
	return &entry
}

func copyKey(key models.APIKey) *models.APIKey {
	if key.CustomQuota != nil {
		q := *key.CustomQuota
		key.CustomQuota = &q
	}
	if key.ExpiresAt != nil {
		t := *key.ExpiresAt
		key.ExpiresAt = &t
	}
	if key.LastUsedAt != nil {
		t := *key.LastUsedAt
		key.LastUsedAt = &t
	}
	return &key
}
