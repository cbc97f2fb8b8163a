package handlers

import (
	"context"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/apierror"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/keys"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/metrics"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/models"
)

type contextKey string

const authContextKey contextKey = "auth_context"

// AuthFromContext returns the validated key of the request, nil when none was sent
func AuthFromContext(ctx context.Context) *models.AuthContext {
	auth, _ := ctx.Value(authContextKey).(*models.AuthContext)
	return auth
}

// WithAuth stores auth on ctx
func WithAuth(ctx context.Context, auth *models.AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, auth)
}

type Middleware struct {
	validator *keys.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewMiddleware(validator *keys.Validator, m *metrics.Metrics, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		validator: validator,
		metrics:   m,
		logger:    logger,
	}
}

// AuthMiddleware validates the API key when one is sent. Requests without a
// key continue unauthenticated; whether that is acceptable is decided later.
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := keys.ExtractKey(r)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}

		auth, err := m.validator.Validate(r.Context(), raw)
		if err != nil {
			m.reject(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), auth)))
	})
}

// RequireKey rejects requests that passed AuthMiddleware without a key
func (m *Middleware) RequireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if AuthFromContext(r.Context()) == nil {
			m.reject(w, r, apierror.Unauthorized("missing API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, err error) {
	kind := apierror.KindOf(err)
	m.metrics.ObserveRejection(kind.String())

	if kind == apierror.KindInternal {
		m.logger.Error("key validation failed",
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	} else {
		m.logger.Info("request rejected",
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			zap.String("reason", kind.String()),
			zap.String("path", r.URL.Path),
		)
	}
	apierror.Write(w, err)
}

// RequestLogger logs one line per request
func (m *Middleware) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			m.logger.Info("request",
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// CORSHeaders are the response headers set by CORSMiddleware
var CORSHeaders = []string{
	"Access-Control-Allow-Origin",
	"Access-Control-Allow-Methods",
	"Access-Control-Allow-Headers",
	"Access-Control-Expose-Headers",
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Expose-Headers", "X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
