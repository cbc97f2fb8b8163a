package store

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/models"
)

// Seed is the YAML document used to bootstrap the catalog (and, for the
// in-memory backend, a set of keys)
type Seed struct {
	APIs []SeedAPI `yaml:"apis"`
	Keys []SeedKey `yaml:"keys"`
}

type SeedRateLimit struct {
	Requests int           `yaml:"requests"`
	Per      time.Duration `yaml:"per"`
}

func (r *SeedRateLimit) quota() *models.Quota {
	if r == nil || r.Requests <= 0 || r.Per <= 0 {
		return nil
	}
	return &models.Quota{Limit: r.Requests, Window: r.Per}
}

type SeedAPI struct {
	ID            string         `yaml:"id"`
	Name          string         `yaml:"name"`
	Slug          string         `yaml:"slug"`
	Description   string         `yaml:"description"`
	BaseURL       string         `yaml:"base_url"`
	Endpoints     []string       `yaml:"endpoints"`
	Documentation string         `yaml:"documentation"`
	AuthRequired  *bool          `yaml:"auth_required"`
	RateLimit     *SeedRateLimit `yaml:"rate_limit"`
	Active        *bool          `yaml:"active"`
}

type SeedKey struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Key       string         `yaml:"key"`
	OwnerID   string         `yaml:"owner_id"`
	API       string         `yaml:"api"` // slug
	Status    string         `yaml:"status"`
	RateLimit *SeedRateLimit `yaml:"rate_limit"`
	ExpiresAt *time.Time     `yaml:"expires_at"`
}

// LoadSeed reads and validates a seed file
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates a seed document
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}

	slugs := make(map[string]bool, len(seed.APIs))
	for i := range seed.APIs {
		api := &seed.APIs[i]
		api.Slug = strings.ToLower(strings.TrimSpace(api.Slug))
		if api.Slug == "" || api.BaseURL == "" {
			return nil, fmt.Errorf("seed api %d: slug and base_url are required", i)
		}
		if slugs[api.Slug] {
			return nil, fmt.Errorf("seed api %d: duplicate slug %q", i, api.Slug)
		}
		slugs[api.Slug] = true
	}
	for i, key := range seed.Keys {
		if key.Key == "" {
			return nil, fmt.Errorf("seed key %d: key is required", i)
		}
		if !slugs[strings.ToLower(key.API)] {
			return nil, fmt.Errorf("seed key %d: unknown api %q", i, key.API)
		}
	}
	return &seed, nil
}

// CatalogEntries converts the seeded APIs into catalog entries
func (s *Seed) CatalogEntries() []models.CatalogEntry {
	entries := make([]models.CatalogEntry, 0, len(s.APIs))
	for _, api := range s.APIs {
		entry := models.CatalogEntry{
			ID:            api.ID,
			Name:          api.Name,
			Slug:          api.Slug,
			Description:   api.Description,
			BaseURL:       api.BaseURL,
			Endpoints:     api.Endpoints,
			Documentation: api.Documentation,
			AuthRequired:  api.AuthRequired == nil || *api.AuthRequired,
			Active:        api.Active == nil || *api.Active,
		}
		if q := api.RateLimit.quota(); q != nil {
			entry.DefaultQuota = *q
		}
		if entry.Name == "" {
			entry.Name = entry.Slug
		}
		entries = append(entries, entry)
	}
	return entries
}

// ApplyTo loads the seeded APIs and keys into an in-memory store
func (s *Seed) ApplyTo(m *Memory) {
	ids := make(map[string]string, len(s.APIs))
	for _, entry := range s.CatalogEntries() {
		stored := m.PutCatalogEntry(entry)
		ids[stored.Slug] = stored.ID
	}
	for _, k := range s.Keys {
		status := models.KeyStatus(k.Status)
		if status == "" {
			status = models.KeyStatusActive
		}
		m.PutKey(k.Key, models.APIKey{
			ID:          k.ID,
			Name:        k.Name,
			OwnerID:     k.OwnerID,
			APIID:       ids[strings.ToLower(k.API)],
			Status:      status,
			CustomQuota: k.RateLimit.quota(),
			ExpiresAt:   k.ExpiresAt,
		})
	}
}
