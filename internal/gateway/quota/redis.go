package quota

import (
	"context"
	"fmt"
	"time"
)

// Incrementer is the atomic primitive a shared counter backend must provide
type Incrementer interface {
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RedisStore shares counters between gateway instances. Keys expire one
// second after their window closes.
type RedisStore struct {
	client Incrementer
	prefix string
}

var _ CounterStore = (*RedisStore)(nil)

func NewRedisStore(client Incrementer) *RedisStore {
	return &RedisStore{client: client, prefix: "quota:"}
}

func (s *RedisStore) IncrementAndGet(ctx context.Context, key string, windowStart time.Time, window time.Duration) (int64, error) {
	k := fmt.Sprintf("%s%s:fw:%d", s.prefix, key, windowStart.UnixMilli())
	return s.client.IncrementWithExpiry(ctx, k, window+time.Second)
}
