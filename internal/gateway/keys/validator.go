// Package keys resolves inbound API keys into authorization contexts.
package keys

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/apierror"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/models"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/store"
)

// HeaderAPIKey is the alternative to a Bearer Authorization header
const HeaderAPIKey = "X-API-Key"

// ExtractKey returns the raw key from the Authorization bearer token or the
// X-API-Key header. An empty string means no usable key was sent.
func ExtractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.Header.Get(HeaderAPIKey))
}

// StripKey removes the header ExtractKey would read the key from, so the
// gateway credential is never passed on to an upstream.
func StripKey(h http.Header) {
	if auth := h.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && strings.TrimSpace(parts[1]) != "" {
			h.Del("Authorization")
			return
		}
	}
	h.Del(HeaderAPIKey)
}

// Background runs detached side effects
type Background interface {
	Go(task string, fn func(ctx context.Context) error)
}

type Validator struct {
	keys         store.KeyStore
	catalog      store.CatalogStore
	defaultQuota models.Quota
	background   Background
	now          func() time.Time
	logger       *zap.Logger
}

// Option configures a Validator
type Option func(*Validator)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithBackground sets the runner for the lazy expired-status write
func WithBackground(b Background) Option {
	return func(v *Validator) { v.background = b }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// NewValidator creates a validator. defaultQuota applies when neither the key
// nor its catalog entry defines one.
func NewValidator(keys store.KeyStore, catalog store.CatalogStore, defaultQuota models.Quota, opts ...Option) *Validator {
	v := &Validator{
		keys:         keys,
		catalog:      catalog,
		defaultQuota: defaultQuota,
		now:          time.Now,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate resolves a raw key to an AuthContext
func (v *Validator) Validate(ctx context.Context, raw string) (*models.AuthContext, error) {
	if raw == "" {
		return nil, apierror.Unauthorized("missing API key")
	}

	key, err := v.keys.FindByValue(ctx, raw)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.Unauthorized("unknown key")
	}
	if err != nil {
		return nil, apierror.Internal(err)
	}

	if key.Status != models.KeyStatusActive {
		return nil, apierror.Unauthorized("revoked or inactive key")
	}

	if key.IsExpired(v.now()) {
		v.markExpired(key.ID)
		return nil, apierror.Unauthorized("expired key")
	}

	entry, err := v.catalog.FindByID(ctx, key.APIID)
	if err != nil {
		// a key bound to a missing API is a data fault, not a caller error
		return nil, apierror.Internal(err)
	}

	return &models.AuthContext{
		KeyID:          key.ID,
		KeyPrefix:      key.KeyPrefix,
		OwnerID:        key.OwnerID,
		APIID:          key.APIID,
		ScopeSlug:      entry.Slug,
		EffectiveQuota: v.effectiveQuota(key, entry),
	}, nil
}

func (v *Validator) effectiveQuota(key *models.APIKey, entry *models.CatalogEntry) models.Quota {
	if key.CustomQuota != nil && !key.CustomQuota.IsZero() {
		return *key.CustomQuota
	}
	if !entry.DefaultQuota.IsZero() {
		return entry.DefaultQuota
	}
	return v.defaultQuota
}

func (v *Validator) markExpired(keyID string) {
	if v.background == nil {
		return
	}
	v.background.Go("mark_expired", func(ctx context.Context) error {
		return v.keys.MarkExpired(ctx, keyID)
	})
}
