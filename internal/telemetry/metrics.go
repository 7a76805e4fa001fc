// Package telemetry provides observability primitives for the velocity service.
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "velocity"

// Metrics holds all Prometheus collectors for the service. It implements
// the cache, guard and preview observer interfaces.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamCalls    *prometheus.CounterVec
	CacheEvents      *prometheus.CounterVec
	RemoteCacheUp    prometheus.Gauge
	PreviewsTotal    *prometheus.CounterVec
	PreviewDuration  *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       namespace,
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       namespace,
			Name:                            "upstream_duration_seconds",
			Help:                            "Issue tracker call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"label"}),

		UpstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_total",
			Help:      "Issue tracker call attempts by outcome.",
		}, []string{"label", "outcome"}),

		CacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_total",
			Help:      "Shared cache events by namespace.",
		}, []string{"namespace", "event"}),

		RemoteCacheUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remote_cache_up",
			Help:      "Whether the last remote cache probe succeeded.",
		}),

		PreviewsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "previews_total",
			Help:      "Previews served by source.",
		}, []string{"source", "partial"}),

		PreviewDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       namespace,
			Name:                            "preview_duration_seconds",
			Help:                            "Preview generation duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"source"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamCalls,
		m.CacheEvents,
		m.RemoteCacheUp,
		m.PreviewsTotal,
		m.PreviewDuration,
	)

	return m
}

// RegisterGauges exports the in-flight preview count and the background
// queue length, sampled at scrape time.
func RegisterGauges(reg prometheus.Registerer, inFlight, queued func() int) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "previews_in_flight",
			Help:      "Previews currently being computed.",
		}, func() float64 { return float64(inFlight()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "warm_queue_length",
			Help:      "Background tasks waiting to run.",
		}, func() float64 { return float64(queued()) }),
	)
}

// CacheEvent counts one shared cache event.
func (m *Metrics) CacheEvent(ns, event string) {
	m.CacheEvents.WithLabelValues(ns, event).Inc()
}

// UpstreamCall counts one guarded tracker call attempt. Calls rejected
// before reaching the tracker have no duration.
func (m *Metrics) UpstreamCall(label, outcome string, elapsed time.Duration) {
	m.UpstreamCalls.WithLabelValues(label, outcome).Inc()
	if elapsed > 0 {
		m.UpstreamDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	}
}

// PreviewServed counts one served preview.
func (m *Metrics) PreviewServed(source string, partial bool, elapsed time.Duration) {
	m.PreviewsTotal.WithLabelValues(source, strconv.FormatBool(partial)).Inc()
	m.PreviewDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

// SetRemoteCacheUp records a remote cache probe result.
func (m *Metrics) SetRemoteCacheUp(up bool) {
	if up {
		m.RemoteCacheUp.Set(1)
		return
	}
	m.RemoteCacheUp.Set(0)
}
