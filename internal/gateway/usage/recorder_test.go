package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/metrics"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/models"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/store"
)

type failingSink struct{}

func (failingSink) Append(context.Context, *models.UsageRecord) error {
	return errors.New("pq: relation \"usage_logs\" does not exist")
}

type blockingSink struct {
	release chan struct{}
	started chan struct{}
}

func (s *blockingSink) Append(ctx context.Context, _ *models.UsageRecord) error {
	s.started <- struct{}{}
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func closeRecorder(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
}

func TestRecorder_RecordAndTouch(t *testing.T) {
	mem := store.NewMemory()
	weather := mem.PutCatalogEntry(models.CatalogEntry{Slug: "weather", Active: true})
	key := mem.PutKey("secret", models.APIKey{APIID: weather.ID})

	r := NewRecorder(mem, mem, Config{}, nil, nil)
	r.Record(models.UsageRecord{
		APIKeyID:       &key.ID,
		APIID:          weather.ID,
		Endpoint:       "/gateway/weather/data",
		Method:         "GET",
		ResponseStatus: 200,
		ResponseTimeMs: 12,
	})
	r.TouchLastUsed(key.ID)
	closeRecorder(t, r)

	records := mem.UsageRecords()
	require.Len(t, records, 1)
	assert.Equal(t, 200, records[0].ResponseStatus)
	assert.False(t, records[0].Timestamp.IsZero())
	assert.NotEmpty(t, records[0].ID)

	stored, err := mem.FindByValue(context.Background(), "secret")
	require.NoError(t, err)
	assert.NotNil(t, stored.LastUsedAt)
}

func TestRecorder_FailureIsSwallowed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	r := NewRecorder(failingSink{}, nil, Config{}, nil, m)

	assert.NotPanics(t, func() {
		r.Record(models.UsageRecord{ResponseStatus: 502})
		r.TouchLastUsed("ignored without a key store")
	})
	closeRecorder(t, r)

	count, err := testutil.GatherAndCount(reg, "gateway_usage_dropped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecorder_DropsWhenSaturated(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{}), started: make(chan struct{}, 1)}
	r := NewRecorder(sink, nil, Config{MaxInflight: 1, WriteTimeout: time.Second}, nil, nil)

	r.Record(models.UsageRecord{})
	<-sink.started

	done := make(chan struct{})
	go func() {
		r.Record(models.UsageRecord{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked while the recorder was saturated")
	}

	close(sink.release)
	closeRecorder(t, r)
}

func TestRecorder_WriteTimeout(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{}), started: make(chan struct{}, 1)}
	r := NewRecorder(sink, nil, Config{WriteTimeout: 20 * time.Millisecond}, nil, nil)

	r.Record(models.UsageRecord{})
	<-sink.started

	// the write gives up on its own deadline, so Close returns without release
	closeRecorder(t, r)
}

func TestRecorder_ClosedDropsTasks(t *testing.T) {
	mem := store.NewMemory()
	r := NewRecorder(mem, nil, Config{}, nil, nil)
	closeRecorder(t, r)

	r.Record(models.UsageRecord{ResponseStatus: 200})
	assert.Empty(t, mem.UsageRecords())
}

func TestRecorder_CloseHonorsContext(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{}), started: make(chan struct{}, 1)}
	r := NewRecorder(sink, nil, Config{WriteTimeout: time.Minute}, nil, nil)

	r.Record(models.UsageRecord{})
	<-sink.started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Close(ctx), context.DeadlineExceeded)

	close(sink.release)
}
