// Package quota enforces fixed-window request quotas.
//
// A window is [floor(now/window)*window, +window). Every attempt increments the
// window's counter, including denied ones, and a request is denied once the
// post-increment count exceeds the limit. Across a window boundary a subject
// can therefore be admitted up to twice its limit.
package quota

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/apierror"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/models"
)

// CounterStore atomically increments the counter of one window
type CounterStore interface {
	IncrementAndGet(ctx context.Context, key string, windowStart time.Time, window time.Duration) (int64, error)
}

// Decision is the outcome of one quota check
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Count     int64
	ResetAt   time.Time
}

// RetryAfter is the time left until the current window closes
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

type Enforcer struct {
	store    CounterStore
	failOpen bool
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures an Enforcer
type Option func(*Enforcer)

// WithFailOpen admits requests when the counter store is unavailable
func WithFailOpen(failOpen bool) Option {
	return func(e *Enforcer) { e.failOpen = failOpen }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Enforcer) { e.logger = l }
}

func NewEnforcer(store CounterStore, opts ...Option) *Enforcer {
	e := &Enforcer{
		store:  store,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WindowStart returns the start of the fixed window containing now
func WindowStart(now time.Time, window time.Duration) time.Time {
	ms := window.Milliseconds()
	if ms <= 0 {
		return now
	}
	return time.UnixMilli(now.UnixMilli() / ms * ms)
}

// KeySubject is the quota subject for a validated key on an API
func KeySubject(keyID, slug string) string {
	return "key:" + keyID + ":" + slug
}

// IPSubject is the quota subject for a keyless caller on an API
func IPSubject(ip, slug string) string {
	return "ip:" + ip + ":" + slug
}

// Allow counts one attempt by subject against q and decides whether it may proceed.
// A denied attempt returns the decision together with a TooManyRequests error.
func (e *Enforcer) Allow(ctx context.Context, subject string, q models.Quota) (Decision, error) {
	now := e.now()
	start := WindowStart(now, q.Window)
	decision := Decision{
		Limit:   q.Limit,
		ResetAt: start.Add(q.Window),
	}

	// the window length is part of the key so a quota change starts a fresh counter
	key := subject + ":" + strconv.FormatInt(q.WindowMs(), 10)
	count, err := e.store.IncrementAndGet(ctx, key, start, q.Window)
	if err != nil {
		if e.failOpen {
			e.logger.Warn("quota store unavailable, admitting request",
				zap.String("subject", subject),
				zap.Error(err),
			)
			decision.Allowed = true
			decision.Remaining = q.Limit
			return decision, nil
		}
		return decision, apierror.Internal(err)
	}

	decision.Count = count
	if remaining := int64(q.Limit) - count; remaining > 0 {
		decision.Remaining = int(remaining)
	}

	if count > int64(q.Limit) {
		return decision, apierror.TooManyRequests("Rate limit exceeded. Please try again later.")
	}

	decision.Allowed = true
	return decision, nil
}
