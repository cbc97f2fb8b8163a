package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/apierror"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/dispatch"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/metrics"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/proxy"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/quota"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/usage"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/models"
)

// GatewayHandler runs the dispatch pipeline after AuthMiddleware:
// route, enforce quota, forward, then record usage in the background.
type GatewayHandler struct {
	router       *dispatch.Router
	enforcer     *quota.Enforcer
	forwarder    *proxy.Forwarder
	recorder     *usage.Recorder
	clientIP     *ClientIPExtractor
	defaultQuota models.Quota
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

func NewGatewayHandler(
	router *dispatch.Router,
	enforcer *quota.Enforcer,
	forwarder *proxy.Forwarder,
	recorder *usage.Recorder,
	clientIP *ClientIPExtractor,
	defaultQuota models.Quota,
	m *metrics.Metrics,
	logger *zap.Logger,
) *GatewayHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GatewayHandler{
		router:       router,
		enforcer:     enforcer,
		forwarder:    forwarder,
		recorder:     recorder,
		clientIP:     clientIP,
		defaultQuota: defaultQuota,
		metrics:      m,
		logger:       logger,
	}
}

func (h *GatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	auth := AuthFromContext(ctx)
	clientIP := h.clientIP.ClientIP(r)

	target, err := h.router.Resolve(ctx, r.URL.Path, auth)
	if err != nil {
		h.reject(w, r, err)
		return
	}

	subject, q := quota.IPSubject(clientIP, target.Slug), target.Entry.DefaultQuota
	if auth != nil {
		subject, q = quota.KeySubject(auth.KeyID, target.Slug), auth.EffectiveQuota
	}
	if q.IsZero() {
		q = h.defaultQuota
	}

	decision, err := h.enforcer.Allow(ctx, subject, q)
	if err != nil {
		if errors.Is(err, apierror.ErrTooManyRequests) {
			setRateLimitHeaders(w, decision)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter(time.Now()).Seconds()))))
			h.logger.Warn("rate limit exceeded",
				zap.String("subject", subject),
				zap.String("api", target.Slug),
				zap.Int("limit", decision.Limit),
			)
		}
		h.reject(w, r, err)
		return
	}
	setRateLimitHeaders(w, decision)

	ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
	start := time.Now()
	var fwdErr error

	// deferred so a response aborted mid-stream is still metered
	defer func() {
		status := ww.Status()
		if errors.Is(fwdErr, proxy.ErrClientCanceled) || status == 0 {
			status = proxy.StatusClientClosedRequest
		}
		h.metrics.ObserveRequest(target.Slug, status)
		h.recorder.Record(usageRecord(r, auth, target, clientIP, status, start))
		if auth != nil && fwdErr == nil {
			h.recorder.TouchLastUsed(auth.KeyID)
		}
	}()

	fwdErr = h.forwarder.Forward(ww, r, target)
}

func (h *GatewayHandler) reject(w http.ResponseWriter, r *http.Request, err error) {
	kind := apierror.KindOf(err)
	h.metrics.ObserveRejection(kind.String())
	if kind == apierror.KindInternal {
		h.logger.Error("dispatch failed",
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	apierror.Write(w, err)
}

// RateLimitHeaders are the response headers owned by the quota enforcer
var RateLimitHeaders = []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"}

// OwnedHeaders lists every response header the gateway sets itself. The
// forwarder drops upstream values for them instead of merging.
func OwnedHeaders() []string {
	owned := make([]string, 0, len(RateLimitHeaders)+len(CORSHeaders))
	owned = append(owned, RateLimitHeaders...)
	return append(owned, CORSHeaders...)
}

func setRateLimitHeaders(w http.ResponseWriter, d quota.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func usageRecord(r *http.Request, auth *models.AuthContext, target *dispatch.Target, clientIP string, status int, start time.Time) models.UsageRecord {
	rec := models.UsageRecord{
		APIID:          target.Entry.ID,
		Endpoint:       r.URL.Path,
		Method:         r.Method,
		ResponseStatus: status,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		ClientIP:       clientIP,
		UserAgent:      r.UserAgent(),
		Timestamp:      start,
	}
	if auth != nil {
		keyID, ownerID := auth.KeyID, auth.OwnerID
		rec.APIKeyID = &keyID
		rec.OwnerID = &ownerID
	}
	return rec
}
