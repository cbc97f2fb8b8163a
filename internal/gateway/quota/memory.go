package quota

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type bucket struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore is a single-process CounterStore. Buckets of elapsed windows
// are swept on access, at most once per sweep interval.
type MemoryStore struct {
	mu            sync.Mutex
	buckets       map[string]*bucket
	sweepInterval time.Duration
	lastSweep     time.Time
	now           func() time.Time
}

var _ CounterStore = (*MemoryStore)(nil)

func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	return &MemoryStore{
		buckets:       make(map[string]*bucket),
		sweepInterval: sweepInterval,
		now:           time.Now,
	}
}

func (s *MemoryStore) IncrementAndGet(_ context.Context, key string, windowStart time.Time, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)

	k := key + ":fw:" + strconv.FormatInt(windowStart.UnixMilli(), 10)
	b, ok := s.buckets[k]
	if !ok {
		b = &bucket{expiresAt: windowStart.Add(window)}
		s.buckets[k] = b
	}
	b.count++
	return b.count, nil
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < s.sweepInterval {
		return
	}
	s.lastSweep = now

	for k, b := range s.buckets {
		if !now.Before(b.expiresAt) {
			delete(s.buckets, k)
		}
	}
}

// Len returns the number of live buckets
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}
