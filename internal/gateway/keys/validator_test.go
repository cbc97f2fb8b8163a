package keys

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/apierror"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/models"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/store"
)

var (
	now          = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	defaultQuota = models.Quota{Limit: 100, Window: 15 * time.Minute}
)

type syncBackground struct {
	tasks []string
	errs  []error
}

func (b *syncBackground) Go(task string, fn func(ctx context.Context) error) {
	b.tasks = append(b.tasks, task)
	b.errs = append(b.errs, fn(context.Background()))
}

type failingKeys struct {
	store.KeyStore
}

func (failingKeys) FindByValue(context.Context, string) (*models.APIKey, error) {
	return nil, errors.New("pq: connection reset by peer")
}

func fixture(t *testing.T) (*store.Memory, models.CatalogEntry) {
	t.Helper()

	mem := store.NewMemory()
	weather := mem.PutCatalogEntry(models.CatalogEntry{
		Slug:         "weather",
		BaseURL:      "https://api.openweathermap.org/data/2.5",
		AuthRequired: true,
		DefaultQuota: models.Quota{Limit: 1000, Window: time.Hour},
		Active:       true,
	})
	return mem, weather
}

func TestExtractKey(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		want   string
	}{
		{name: "bearer", header: map[string]string{"Authorization": "Bearer abc123"}, want: "abc123"},
		{name: "bearer lowercase", header: map[string]string{"Authorization": "bearer abc123"}, want: "abc123"},
		{name: "x-api-key", header: map[string]string{"X-API-Key": "xyz"}, want: "xyz"},
		{name: "basic falls back", header: map[string]string{"Authorization": "Basic Zm9v", "X-API-Key": "xyz"}, want: "xyz"},
		{name: "malformed", header: map[string]string{"Authorization": "Bearer"}, want: ""},
		{name: "none", header: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/gateway/weather/data", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ExtractKey(req))
		})
	}
}

func TestStripKey(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		want   map[string]string
	}{
		{
			name:   "bearer removed, api key header kept",
			header: map[string]string{"Authorization": "Bearer abc123", "X-API-Key": "upstream"},
			want:   map[string]string{"X-Api-Key": "upstream"},
		},
		{
			name:   "x-api-key removed",
			header: map[string]string{"X-API-Key": "xyz", "Accept": "application/json"},
			want:   map[string]string{"Accept": "application/json"},
		},
		{
			name:   "basic auth kept",
			header: map[string]string{"Authorization": "Basic Zm9v", "X-API-Key": "xyz"},
			want:   map[string]string{"Authorization": "Basic Zm9v"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/gateway/weather/data", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			StripKey(req.Header)

			got := map[string]string{}
			for k := range req.Header {
				got[k] = req.Header.Get(k)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate_Active(t *testing.T) {
	mem, weather := fixture(t)
	key := mem.PutKey("secret-weather-key", models.APIKey{OwnerID: "user-1", APIID: weather.ID})

	v := NewValidator(mem, mem, defaultQuota, WithClock(func() time.Time { return now }))
	auth, err := v.Validate(context.Background(), "secret-weather-key")
	require.NoError(t, err)

	assert.Equal(t, key.ID, auth.KeyID)
	assert.Equal(t, "user-1", auth.OwnerID)
	assert.Equal(t, weather.ID, auth.APIID)
	assert.Equal(t, "weather", auth.ScopeSlug)
	assert.Equal(t, weather.DefaultQuota, auth.EffectiveQuota)
	assert.Equal(t, "secret-w", auth.KeyPrefix)
}

func TestValidate_CustomQuotaWins(t *testing.T) {
	mem, weather := fixture(t)
	custom := models.Quota{Limit: 5, Window: time.Minute}
	mem.PutKey("custom", models.APIKey{APIID: weather.ID, CustomQuota: &custom})

	v := NewValidator(mem, mem, defaultQuota)
	auth, err := v.Validate(context.Background(), "custom")
	require.NoError(t, err)
	assert.Equal(t, custom, auth.EffectiveQuota)
}

func TestValidate_FallsBackToGatewayDefault(t *testing.T) {
	mem := store.NewMemory()
	bare := mem.PutCatalogEntry(models.CatalogEntry{Slug: "bare", BaseURL: "http://bare", Active: true})
	mem.PutKey("k", models.APIKey{APIID: bare.ID})

	v := NewValidator(mem, mem, defaultQuota)
	auth, err := v.Validate(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, defaultQuota, auth.EffectiveQuota)
}

func TestValidate_Rejections(t *testing.T) {
	mem, weather := fixture(t)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	mem.PutKey("revoked", models.APIKey{APIID: weather.ID, Status: models.KeyStatusRevoked})
	mem.PutKey("expired-status", models.APIKey{APIID: weather.ID, Status: models.KeyStatusExpired})
	mem.PutKey("expired-time", models.APIKey{APIID: weather.ID, ExpiresAt: &past})
	mem.PutKey("not-yet", models.APIKey{APIID: weather.ID, ExpiresAt: &future})

	v := NewValidator(mem, mem, defaultQuota, WithClock(func() time.Time { return now }))

	tests := []struct {
		raw     string
		message string
	}{
		{raw: "", message: "missing API key"},
		{raw: "nope", message: "unknown key"},
		{raw: "revoked", message: "revoked or inactive key"},
		{raw: "expired-status", message: "revoked or inactive key"},
		{raw: "expired-time", message: "expired key"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			_, err := v.Validate(context.Background(), tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, apierror.ErrUnauthorized)

			var apiErr *apierror.Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.message, apiErr.Message)
		})
	}

	_, err := v.Validate(context.Background(), "not-yet")
	assert.NoError(t, err)
}

func TestValidate_ExpiredMarksStatusInBackground(t *testing.T) {
	mem, weather := fixture(t)
	past := now.Add(-time.Second)
	mem.PutKey("old", models.APIKey{APIID: weather.ID, ExpiresAt: &past})

	bg := &syncBackground{}
	v := NewValidator(mem, mem, defaultQuota,
		WithClock(func() time.Time { return now }),
		WithBackground(bg),
	)

	_, err := v.Validate(context.Background(), "old")
	assert.ErrorIs(t, err, apierror.ErrUnauthorized)
	assert.Equal(t, []string{"mark_expired"}, bg.tasks)

	stored, err := mem.FindByValue(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusExpired, stored.Status)
}

func TestValidate_StoreFailureIsInternal(t *testing.T) {
	mem, _ := fixture(t)
	v := NewValidator(failingKeys{}, mem, defaultQuota)

	_, err := v.Validate(context.Background(), "anything")
	assert.ErrorIs(t, err, apierror.ErrInternal)
}

func TestValidate_Idempotent(t *testing.T) {
	mem, weather := fixture(t)
	mem.PutKey("k", models.APIKey{APIID: weather.ID})
	v := NewValidator(mem, mem, defaultQuota)

	first, err := v.Validate(context.Background(), "k")
	require.NoError(t, err)
	second, err := v.Validate(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
