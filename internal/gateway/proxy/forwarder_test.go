package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/apierror"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/dispatch"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/metrics"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func target(slug, baseURL, remainder string) *dispatch.Target {
	return &dispatch.Target{
		Entry:         &models.CatalogEntry{Slug: slug, BaseURL: baseURL, Active: true},
		Slug:          slug,
		RemainderPath: remainder,
	}
}

func decodeError(t *testing.T, body io.Reader) apierror.Body {
	t.Helper()
	var b apierror.Body
	require.NoError(t, json.NewDecoder(body).Decode(&b))
	return b
}

func TestForward_RewritesAndStreams(t *testing.T) {
	var got *http.Request
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"temp":21}`)
	}))
	defer upstream.Close()

	f := New(Config{Timeout: time.Second}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "http://gw.local/gateway/weather/weather?q=London&units=metric", strings.NewReader("payload"))
	req.RemoteAddr = "203.0.113.7:51234"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	req.Header.Set("Connection", "X-Drop-Me")
	req.Header.Set("X-Drop-Me", "1")
	req.Header.Set("Proxy-Authorization", "Basic Zm9v")
	req.Header.Set("X-Custom", "kept")
	req = req.WithContext(context.WithValue(req.Context(), chimiddleware.RequestIDKey, "req-123"))
	rec := httptest.NewRecorder()

	err := f.Forward(rec, req, target("weather", upstream.URL+"/data/2.5", "/weather"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"temp":21}`, rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/data/2.5/weather", got.URL.Path)
	assert.Equal(t, "q=London&units=metric", got.URL.RawQuery)
	assert.Equal(t, strings.TrimPrefix(upstream.URL, "http://"), got.Host)
	assert.Equal(t, "198.51.100.1, 203.0.113.7", got.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "gw.local", got.Header.Get("X-Forwarded-Host"))
	assert.Equal(t, "http", got.Header.Get("X-Forwarded-Proto"))
	assert.Equal(t, "req-123", got.Header.Get("X-Request-Id"))
	assert.Equal(t, "kept", got.Header.Get("X-Custom"))
	assert.Empty(t, got.Header.Get("X-Drop-Me"))
	assert.Empty(t, got.Header.Get("Proxy-Authorization"))
}

func TestForward_DropsGatewayKey(t *testing.T) {
	var got http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer upstream.Close()

	f := New(Config{Timeout: time.Second}, nil, nil)

	for _, header := range []string{"Authorization", "X-API-Key"} {
		req := httptest.NewRequest(http.MethodGet, "/gateway/weather/weather", nil)
		if header == "Authorization" {
			req.Header.Set(header, "Bearer wk_live_secret")
		} else {
			req.Header.Set(header, "wk_live_secret")
		}

		err := f.Forward(httptest.NewRecorder(), req, target("weather", upstream.URL, "/weather"))
		require.NoError(t, err)
		assert.Empty(t, got.Get(header), header)
		// the inbound request is left as it was
		assert.NotEmpty(t, req.Header.Get(header), header)
	}
}

func TestForward_UpstreamErrorStatusPassesThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer upstream.Close()

	f := New(Config{Timeout: time.Second}, nil, nil)
	rec := httptest.NewRecorder()

	err := f.Forward(rec, httptest.NewRequest(http.MethodGet, "/gateway/x/", nil), target("x", upstream.URL, "/"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestForward_ConnectionRefused(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	addr := upstream.URL
	upstream.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	f := New(Config{Timeout: time.Second}, nil, m)
	rec := httptest.NewRecorder()

	err := f.Forward(rec, httptest.NewRequest(http.MethodGet, "/gateway/x/y", nil), target("x", addr, "/y"))

	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, "connection", upErr.Reason)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decodeError(t, rec.Body)
	assert.Equal(t, "Bad Gateway", body.Error)
	assert.Equal(t, "Failed to reach upstream API", body.Message)

	count, err := testutil.GatherAndCount(reg, "gateway_proxy_upstream_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestForward_Timeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	f := New(Config{Timeout: 50 * time.Millisecond}, nil, nil)
	rec := httptest.NewRecorder()

	err := f.Forward(rec, httptest.NewRequest(http.MethodGet, "/gateway/slow/", nil), target("slow", upstream.URL, "/"))

	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, "timeout", upErr.Reason)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "deadline")
}

func TestForward_ClientCanceled(t *testing.T) {
	arrived := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-r.Context().Done()
	}))
	defer upstream.Close()

	f := New(Config{Timeout: 5 * time.Second}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/gateway/x/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	go func() {
		<-arrived
		cancel()
	}()

	err := f.Forward(rec, req, target("x", upstream.URL, "/"))
	assert.ErrorIs(t, err, ErrClientCanceled)
	assert.Zero(t, rec.Body.Len())
}

func TestForward_InvalidBaseURL(t *testing.T) {
	f := New(Config{Timeout: time.Second}, nil, nil)
	rec := httptest.NewRecorder()

	err := f.Forward(rec, httptest.NewRequest(http.MethodGet, "/gateway/x/", nil), target("x", "not a url", "/"))
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestForward_BreakerOpens(t *testing.T) {
	calls := 0
	failing := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		return nil, errors.New("connection reset by peer")
	})

	f := New(Config{
		Timeout:   time.Second,
		Transport: failing,
		Breaker:   BreakerConfig{Enabled: true, FailureThreshold: 2, OpenTimeout: time.Minute},
	}, nil, nil)

	forward := func() error {
		rec := httptest.NewRecorder()
		err := f.Forward(rec, httptest.NewRequest(http.MethodGet, "/gateway/x/", nil), target("x", "http://upstream.test", "/"))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		return err
	}

	require.Error(t, forward())
	require.Error(t, forward())
	assert.Equal(t, gobreaker.StateOpen, f.breaker.State("upstream.test"))

	err := forward()
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, "circuit_open", upErr.Reason)
	assert.Equal(t, 2, calls)
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "/users/octocat", joinPath("", "/users/octocat"))
	assert.Equal(t, "/users/octocat", joinPath("/", "/users/octocat"))
	assert.Equal(t, "/data/2.5/weather", joinPath("/data/2.5", "/weather"))
	assert.Equal(t, "/data/2.5/weather", joinPath("/data/2.5/", "/weather"))
	assert.Equal(t, "/data/2.5/", joinPath("/data/2.5", "/"))
}

func TestRemoveHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Internal")
	h.Set("X-Internal", "secret")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Upgrade", "websocket")
	h.Set("Accept", "application/json")

	removeHopHeaders(h)

	assert.Equal(t, http.Header{"Accept": []string{"application/json"}}, h)
}
