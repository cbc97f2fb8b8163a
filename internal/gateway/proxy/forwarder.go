// Package proxy forwards dispatched requests to upstream APIs.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/apierror"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/dispatch"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/keys"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/metrics"
)

// hopHeaders are hop-by-hop headers that must not be forwarded
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StatusClientClosedRequest is recorded when the caller disconnects before the upstream answers
const StatusClientClosedRequest = 499

// Config configures a Forwarder
type Config struct {
	// Timeout bounds the whole upstream exchange
	Timeout time.Duration
	Breaker BreakerConfig
	// Transport overrides the base transport, mainly for tests
	Transport http.RoundTripper
	// OwnedHeaders are response headers set by the gateway itself; upstream
	// values for them are dropped instead of being merged in
	OwnedHeaders []string
}

type Forwarder struct {
	proxy        *httputil.ReverseProxy
	breaker      *breakerTransport
	timeout      time.Duration
	ownedHeaders []string
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

type stateKey struct{}

// forwardState carries one request's target through the ReverseProxy hooks
type forwardState struct {
	slug      string
	target    *url.URL
	remainder string
	clientCtx context.Context
	err       error
}

// New creates a Forwarder
func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	base := cfg.Transport
	if base == nil {
		base = newTransport(cfg.Timeout)
	}

	f := &Forwarder{
		timeout:      cfg.Timeout,
		ownedHeaders: cfg.OwnedHeaders,
		metrics:      m,
		logger:       logger,
	}

	transport := base
	if cfg.Breaker.Enabled {
		f.breaker = newBreakerTransport(base, cfg.Breaker, logger, m)
		transport = f.breaker
	}

	f.proxy = &httputil.ReverseProxy{
		Rewrite:        f.rewrite,
		Transport:      transport,
		FlushInterval:  -1,
		ModifyResponse: f.modifyResponse,
		ErrorHandler:   f.handleError,
		ErrorLog:       zap.NewStdLog(logger),
	}
	return f
}

func newTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   minDuration(timeout, 10*time.Second),
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   minDuration(timeout, 10*time.Second),
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// Forward proxies r to the target and streams the response to w.
// On upstream failure a generic 502 has already been written when the
// returned *UpstreamError comes back; on ErrClientCanceled nothing was written.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, target *dispatch.Target) error {
	base, err := url.Parse(target.Entry.BaseURL)
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		upErr := &UpstreamError{
			API:    target.Slug,
			Target: target.Entry.BaseURL,
			Reason: "invalid_target",
			Cause:  fmt.Errorf("%w: %q", ErrInvalidTarget, target.Entry.BaseURL),
		}
		f.logger.Error("cannot forward request", zap.String("api", target.Slug), zap.Error(upErr))
		f.metrics.ObserveUpstreamError(target.Slug, upErr.Reason)
		apierror.Write(w, apierror.UpstreamUnavailable(upErr))
		return upErr
	}

	st := &forwardState{
		slug:      target.Slug,
		target:    base,
		remainder: target.RemainderPath,
		clientCtx: r.Context(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), f.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, stateKey{}, st)

	start := time.Now()
	f.proxy.ServeHTTP(w, r.WithContext(ctx))
	f.metrics.ObserveUpstream(target.Slug, time.Since(start))

	return st.err
}

func stateFrom(ctx context.Context) *forwardState {
	st, _ := ctx.Value(stateKey{}).(*forwardState)
	return st
}

func (f *Forwarder) rewrite(pr *httputil.ProxyRequest) {
	st := stateFrom(pr.In.Context())
	out := pr.Out

	out.URL.Scheme = st.target.Scheme
	out.URL.Host = st.target.Host
	out.URL.Path = joinPath(st.target.Path, st.remainder)
	out.URL.RawPath = ""
	out.URL.RawQuery = pr.In.URL.RawQuery
	out.Host = st.target.Host

	removeHopHeaders(out.Header)
	keys.StripKey(out.Header)
	setForwardedHeaders(out, pr.In)

	if reqID := chimiddleware.GetReqID(pr.In.Context()); reqID != "" && out.Header.Get(chimiddleware.RequestIDHeader) == "" {
		out.Header.Set(chimiddleware.RequestIDHeader, reqID)
	}
}

func (f *Forwarder) modifyResponse(res *http.Response) error {
	for _, name := range f.ownedHeaders {
		res.Header.Del(name)
	}
	return nil
}

func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	st := stateFrom(r.Context())

	if errors.Is(err, context.Canceled) && st.clientCtx.Err() != nil {
		st.err = ErrClientCanceled
		f.metrics.ObserveUpstreamError(st.slug, "client_canceled")
		f.logger.Debug("client disconnected before upstream responded",
			zap.String("api", st.slug),
			zap.String("upstream", st.target.Host),
		)
		return
	}

	upErr := &UpstreamError{
		API:    st.slug,
		Target: st.target.Host,
		Reason: classify(err),
		Cause:  err,
	}
	st.err = upErr

	f.metrics.ObserveUpstreamError(st.slug, upErr.Reason)
	f.logger.Error("upstream request failed",
		zap.String("api", upErr.API),
		zap.String("upstream", upErr.Target),
		zap.String("reason", upErr.Reason),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)

	apierror.Write(w, apierror.UpstreamUnavailable(upErr))
}

// joinPath appends the remainder to the base path with exactly one slash between them
func joinPath(base, remainder string) string {
	if base == "" || base == "/" {
		return remainder
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(remainder, "/")
}

func removeHopHeaders(h http.Header) {
	// headers listed in Connection are hop-by-hop as well
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func setForwardedHeaders(out, in *http.Request) {
	clientIP := peerIP(in.RemoteAddr)
	if prior := in.Header.Values("X-Forwarded-For"); len(prior) > 0 {
		clientIP = strings.Join(prior, ", ") + ", " + clientIP
	}
	out.Header.Set("X-Forwarded-For", clientIP)
	out.Header.Set("X-Forwarded-Host", in.Host)
	if in.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}
}

func peerIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
