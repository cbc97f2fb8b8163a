// Package metrics holds the Prometheus collectors of the dispatch pipeline.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer; every recorder becomes a no-op.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	rejectionsTotal  *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	upstreamErrors   *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	usageDropped     *prometheus.CounterVec
}

// New registers the gateway collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "dispatch",
				Name:      "requests_total",
				Help:      "Dispatched requests by API and response status",
			},
			[]string{"api", "status"},
		),
		rejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "dispatch",
				Name:      "rejections_total",
				Help:      "Requests rejected before reaching an upstream, by reason",
			},
			[]string{"reason"},
		),
		upstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Subsystem: "proxy",
				Name:      "upstream_duration_seconds",
				Help:      "Duration of upstream calls",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"api"},
		),
		upstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "proxy",
				Name:      "upstream_errors_total",
				Help:      "Upstream calls that failed or were canceled",
			},
			[]string{"api", "reason"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "proxy",
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per upstream host (0=closed, 1=half-open, 2=open)",
			},
			[]string{"upstream"},
		),
		usageDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "usage",
				Name:      "dropped_total",
				Help:      "Background writes that were dropped or failed",
			},
			[]string{"task", "reason"},
		),
	}
}

func (m *Metrics) ObserveRequest(api string, status int) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(api, strconv.Itoa(status)).Inc()
}

func (m *Metrics) ObserveRejection(reason string) {
	if m == nil {
		return
	}
	m.rejectionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveUpstream(api string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(api).Observe(d.Seconds())
}

func (m *Metrics) ObserveUpstreamError(api, reason string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(api, reason).Inc()
}

func (m *Metrics) SetBreakerState(upstream string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(upstream).Set(float64(state))
}

func (m *Metrics) ObserveUsageDropped(task, reason string) {
	if m == nil {
		return
	}
	m.usageDropped.WithLabelValues(task, reason).Inc()
}
