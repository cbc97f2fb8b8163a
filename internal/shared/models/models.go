package models

import (
	"time"
)

// Quota is a request budget for one fixed window
type Quota struct {
	Limit  int           `json:"limit" yaml:"limit"`
	Window time.Duration `json:"-" yaml:"-"`
}

// WindowMs returns the window length in milliseconds
func (q Quota) WindowMs() int64 {
	return q.Window.Milliseconds()
}

// IsZero reports whether the quota was left unset
func (q Quota) IsZero() bool {
	return q.Limit <= 0 || q.Window <= 0
}

// CatalogEntry is an upstream API registered with the gateway
type CatalogEntry struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Slug          string    `json:"slug"`
	Description   string    `json:"description,omitempty"`
	BaseURL       string    `json:"base_url"`
	Endpoints     []string  `json:"endpoints,omitempty"`
	Documentation string    `json:"documentation,omitempty"`
	AuthRequired  bool      `json:"auth_required"`
	DefaultQuota  Quota     `json:"-"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// KeyStatus is the lifecycle state of an API key
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusRevoked KeyStatus = "revoked"
	KeyStatusExpired KeyStatus = "expired"
)

// APIKey represents an issued gateway API key. The secret itself is never stored.
type APIKey struct {
	ID          string
	KeyHash     string
	KeyPrefix   string
	Name        string
	OwnerID     string
	APIID       string
	Status      KeyStatus
	CustomQuota *Quota
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsExpired reports whether the key has an expiry at or before now
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// AuthContext is the result of a successful key validation
type AuthContext struct {
	KeyID          string
	KeyPrefix      string
	OwnerID        string
	APIID          string
	ScopeSlug      string
	EffectiveQuota Quota
}

// UsageRecord is one metered dispatch attempt
type UsageRecord struct {
	ID             string
	APIKeyID       *string
	OwnerID        *string
	APIID          string
	Endpoint       string
	Method         string
	ResponseStatus int
	ResponseTimeMs int64
	ClientIP       string
	UserAgent      string
	Timestamp      time.Time
}

// UsageSummary aggregates usage records of one key over a time range
type UsageSummary struct {
	APIKeyID          string        `json:"api_key_id"`
	From              time.Time     `json:"from"`
	To                time.Time     `json:"to"`
	TotalRequests     int64         `json:"total_requests"`
	ErrorRequests     int64         `json:"error_requests"`
	AvgResponseTimeMs float64       `json:"avg_response_time_ms"`
	ByStatus          map[int]int64 `json:"by_status"`
}
