package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := Forbidden("This API key does not have access to 'weather'")

	assert.True(t, errors.Is(err, ErrForbidden))
	assert.False(t, errors.Is(err, ErrUnauthorized))

	wrapped := fmt.Errorf("dispatch: %w", err)
	assert.True(t, errors.Is(wrapped, ErrForbidden))
	assert.Equal(t, KindForbidden, KindOf(wrapped))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := UpstreamUnavailable(cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestKindOf_Foreign(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestWrite(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantError   string
		wantMessage string
	}{
		{
			name:        "unauthorized",
			err:         Unauthorized("unknown key"),
			wantStatus:  http.StatusUnauthorized,
			wantError:   "Unauthorized",
			wantMessage: "unknown key",
		},
		{
			name:        "not found",
			err:         NotFound("API 'nope' not found"),
			wantStatus:  http.StatusNotFound,
			wantError:   "Not Found",
			wantMessage: "API 'nope' not found",
		},
		{
			name:        "too many requests",
			err:         TooManyRequests("Rate limit exceeded. Please try again later."),
			wantStatus:  http.StatusTooManyRequests,
			wantError:   "Too Many Requests",
			wantMessage: "Rate limit exceeded. Please try again later.",
		},
		{
			name:        "upstream hides cause",
			err:         UpstreamUnavailable(errors.New("dial tcp 10.0.0.1:443: i/o timeout")),
			wantStatus:  http.StatusBadGateway,
			wantError:   "Bad Gateway",
			wantMessage: "Failed to reach upstream API",
		},
		{
			name:        "foreign error is internal",
			err:         errors.New("pq: password authentication failed for user gateway"),
			wantStatus:  http.StatusInternalServerError,
			wantError:   "Internal Server Error",
			wantMessage: "An unexpected error occurred",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Write(rec, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body Body
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantError, body.Error)
			assert.Equal(t, tt.wantMessage, body.Message)
			assert.NotContains(t, rec.Body.String(), "pq:")
			assert.NotContains(t, rec.Body.String(), "10.0.0.1")
		})
	}
}
