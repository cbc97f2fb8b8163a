package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/apierror"
)

// Check reports whether a dependency is reachable
type Check func(ctx context.Context) error

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Ready returns a handler for GET /ready running every check with a short timeout
func Ready(checks map[string]Check, logger *zap.Logger) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{}
		ready := true
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
				status[name] = "unavailable"
				ready = false
				continue
			}
			status[name] = "ok"
		}

		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		apierror.WriteJSON(w, code, map[string]any{"ready": ready, "checks": status})
	}
}
