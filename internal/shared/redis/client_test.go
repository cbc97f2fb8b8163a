package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New(context.Background(), "://nope")
	assert.Error(t, err)
}

func TestClient_GetSet(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	_, err := client.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, client.Set(ctx, "k", "v", time.Minute))
	val, err := client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}

func TestClient_IncrementWithExpiry(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	count, err := client.IncrementWithExpiry(ctx, "counter", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = client.IncrementWithExpiry(ctx, "counter", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// TTL comes from the first increment only
	assert.Equal(t, 2*time.Second, mr.TTL("counter"))

	mr.FastForward(3 * time.Second)
	count, err = client.IncrementWithExpiry(ctx, "counter", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestClient_IncrementWithExpiry_Concurrent(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	seen := make(chan int64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			count, err := client.IncrementWithExpiry(ctx, "shared", time.Minute)
			assert.NoError(t, err)
			seen <- count
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[int64]bool)
	for c := range seen {
		unique[c] = true
	}
	assert.Len(t, unique, workers)
}
