package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveRequest("weather", 200)
	m.ObserveRequest("weather", 200)
	m.ObserveRejection("quota")
	m.ObserveUpstream("weather", 120*time.Millisecond)
	m.ObserveUpstreamError("weather", "timeout")
	m.SetBreakerState("api.example.com", 2)
	m.ObserveUsageDropped("usage", "saturated")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("weather", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejectionsTotal.WithLabelValues("quota")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamErrors.WithLabelValues("weather", "timeout")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerState.WithLabelValues("api.example.com")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.usageDropped.WithLabelValues("usage", "saturated")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.upstreamDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("a", 200)
		m.ObserveRejection("quota")
		m.ObserveUpstream("a", time.Second)
		m.ObserveUpstreamError("a", "x")
		m.SetBreakerState("h", 0)
		m.ObserveUsageDropped("usage", "x")
	})
}
