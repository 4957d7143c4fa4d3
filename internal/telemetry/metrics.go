// Package telemetry provides observability primitives for the keymux relay.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the relay.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	AttemptsTotal    *prometheus.CounterVec
	AttemptDuration  *prometheus.HistogramVec
	RateLimitRejects *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	LogQueueLength   prometheus.Gauge
	LogQueueDropped  prometheus.Gauge
	ProbesTotal      *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keymux",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "keymux",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keymux",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keymux",
			Name:      "upstream_attempts_total",
			Help:      "Total upstream attempts by group and outcome.",
		}, []string{"group", "outcome"}),

		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "keymux",
			Name:                            "upstream_attempt_duration_seconds",
			Help:                            "Upstream attempt duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"group"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keymux",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"scope"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keymux",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"group", "type"}),

		LogQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keymux",
			Name:      "log_queue_length",
			Help:      "Current number of queued request-log events.",
		}),

		LogQueueDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keymux",
			Name:      "log_queue_dropped",
			Help:      "Cumulative count of request-log events dropped on a full queue.",
		}),

		ProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keymux",
			Name:      "health_probes_total",
			Help:      "Total health probes by check type and result.",
		}, []string{"check_type", "result"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.AttemptsTotal,
		m.AttemptDuration,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.LogQueueLength,
		m.LogQueueDropped,
		m.ProbesTotal,
	)

	return m
}
