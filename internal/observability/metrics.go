package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/globaltempo/tempo-backend/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Upstream API call rate by source (pollution, weather, forecast, history,
	// openaq, gems_list, gems_image). Watch for: error vs success ratio per source.
	UpstreamCallsTotal *prometheus.CounterVec

	// Upstream latency per source. Watch for: p95 > 2s (degradation), p99 near timeout.
	UpstreamDuration *prometheus.HistogramVec

	// Response cache hits/misses by endpoint key prefix.
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Concurrent misses collapsed into one upstream fan-out.
	CoalescedRequestsTotal *prometheus.CounterVec

	// Time callers spent waiting on a coalesced in-flight fetch.
	CoalesceWaitSeconds prometheus.Histogram

	// Concurrent cache misses for the same key. >1 means a stampede was collapsed.
	StampedeConcurrency *prometheus.HistogramVec

	// GEMS image fetch outcomes by layer.
	GemsFetchesTotal *prometheus.CounterVec

	// Size of the most recently cached GEMS image per layer.
	GemsImageBytes *prometheus.GaugeVec

	// Warm cycle runs and failures.
	WarmCyclesTotal prometheus.Counter
	WarmErrorsTotal prometheus.Counter

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	trafficGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamCallsTotal",
			Help: "Total number of upstream API calls by source",
		},
		[]string{"source", "status"},
	)
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstreamDurationSeconds",
			Help:    "Upstream API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 25},
		},
		[]string{"source", "status"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of response cache hits by endpoint",
		},
		[]string{"endpoint"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Total number of response cache misses by endpoint",
		},
		[]string{"endpoint"},
	)
	CoalescedRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coalescedRequestsTotal",
			Help: "Requests that waited on an identical in-flight upstream fan-out",
		},
		[]string{"endpoint"},
	)
	CoalesceWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coalesceWaitSeconds",
			Help:    "Time spent waiting for a coalesced in-flight fetch",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
	StampedeConcurrency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheStampedeConcurrency",
			Help:    "Concurrent cache misses observed for one key",
			Buckets: []float64{2, 3, 5, 10, 25, 50},
		},
		[]string{"endpoint"},
	)
	GemsFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemsFetchesTotal",
			Help: "GEMS satellite image fetch outcomes by layer",
		},
		[]string{"layer", "status"},
	)
	GemsImageBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gemsImageBytes",
			Help: "Size in bytes of the most recently cached GEMS image",
		},
		[]string{"layer"},
	)
	WarmCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warmCyclesTotal",
			Help: "Total number of cache warm cycles started",
		},
	)
	WarmErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warmErrorsTotal",
			Help: "Total number of warm cycles that had at least one failure",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		UpstreamCallsTotal, UpstreamDuration,
		CacheHitsTotal, CacheMissesTotal,
		CoalescedRequestsTotal, CoalesceWaitSeconds, StampedeConcurrency,
		GemsFetchesTotal, GemsImageBytes,
		WarmCyclesTotal, WarmErrorsTotal,
		RateLimitDeniedTotal,
	)
}

// RegisterTrafficGauges registers sliding-window request and denial gauges.
// Call from main after config load with the configured window.
func RegisterTrafficGauges(window time.Duration) {
	trafficGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "requestsInWindow",
					Help: "Requests observed in the sliding window; load/capacity planning",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in the sliding window",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
