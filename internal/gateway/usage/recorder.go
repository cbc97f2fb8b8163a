// Package usage records metering data off the request path.
package usage

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/metrics"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/models"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/store"
)

// ErrClosed is returned by Go after Close was called
var ErrClosed = errors.New("recorder closed")

// Config configures a Recorder
type Config struct {
	// MaxInflight bounds concurrent background writes; extra tasks are dropped
	MaxInflight int
	// WriteTimeout bounds each background write
	WriteTimeout time.Duration
}

// Recorder runs detached, best-effort writes. A failed or dropped write is
// logged and counted but never reported back to the request that caused it.
type Recorder struct {
	sink    store.UsageSink
	keys    store.KeyStore
	timeout time.Duration
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics *metrics.Metrics
	logger  *zap.Logger
	warn    rate.Sometimes

	mu     sync.RWMutex
	closed bool
}

func NewRecorder(sink store.UsageSink, keys store.KeyStore, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Recorder {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		sink:    sink,
		keys:    keys,
		timeout: cfg.WriteTimeout,
		sem:     make(chan struct{}, cfg.MaxInflight),
		metrics: m,
		logger:  logger,
		// the first failure is always logged, then at most one every 10s
		warn: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Record appends rec to the usage sink in the background
func (r *Recorder) Record(rec models.UsageRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	r.Go("usage", func(ctx context.Context) error {
		return r.sink.Append(ctx, &rec)
	})
}

// TouchLastUsed updates the key's last use in the background
func (r *Recorder) TouchLastUsed(keyID string) {
	if r.keys == nil {
		return
	}
	r.Go("touch_last_used", func(ctx context.Context) error {
		return r.keys.TouchLastUsed(ctx, keyID)
	})
}

// Go runs fn in a detached goroutine with its own timeout. It never blocks:
// when MaxInflight writes are already running the task is dropped.
func (r *Recorder) Go(task string, fn func(ctx context.Context) error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.drop(task, "closed", ErrClosed)
		return
	}

	select {
	case r.sem <- struct{}{}:
	default:
		r.drop(task, "saturated", nil)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()
		defer func() {
			if p := recover(); p != nil {
				r.drop(task, "panic", nil)
				r.logger.Error("background task panicked", zap.String("task", task), zap.Any("panic", p))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			r.drop(task, "error", err)
		}
	}()
}

func (r *Recorder) drop(task, reason string, err error) {
	r.metrics.ObserveUsageDropped(task, reason)
	r.warn.Do(func() {
		r.logger.Warn("background write dropped",
			zap.String("task", task),
			zap.String("reason", reason),
			zap.Error(err),
		)
	})
}

// Close stops accepting tasks and waits for in-flight ones until ctx is done
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
