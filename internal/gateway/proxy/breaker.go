package proxy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/metrics"
)

// BreakerConfig configures the per-upstream circuit breakers
type BreakerConfig struct {
	Enabled bool
	// FailureThreshold is the number of consecutive transport failures that opens the breaker
	FailureThreshold int
	// OpenTimeout is how long the breaker stays open before probing again
	OpenTimeout time.Duration
}

// breakerTransport wraps a RoundTripper with one breaker per upstream host.
// Only transport errors count as failures; upstream 5xx responses are
// forwarded to the caller unchanged.
type breakerTransport struct {
	next     http.RoundTripper
	cfg      BreakerConfig
	logger   *zap.Logger
	metrics  *metrics.Metrics
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerTransport(next http.RoundTripper, cfg BreakerConfig, logger *zap.Logger, m *metrics.Metrics) *breakerTransport {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &breakerTransport{
		next:     next,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (t *breakerTransport) breaker(host string) *gobreaker.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cb, ok := t.breakers[host]; ok {
		return cb
	}

	threshold := uint32(t.cfg.FailureThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     t.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// the caller hanging up says nothing about upstream health
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Warn("circuit breaker state changed",
				zap.String("upstream", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			t.metrics.SetBreakerState(name, int(to))
		},
	})
	t.breakers[host] = cb
	t.metrics.SetBreakerState(host, int(gobreaker.StateClosed))
	return cb
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cb := t.breaker(req.URL.Host)

	res, err := cb.Execute(func() (interface{}, error) {
		return t.next.RoundTrip(req)
	})
	if err != nil {
		return nil, err
	}
	return res.(*http.Response), nil
}

// State returns the breaker state of an upstream host
func (t *breakerTransport) State(host string) gobreaker.State {
	return t.breaker(host).State()
}
