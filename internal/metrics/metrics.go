// Package metrics exposes Prometheus collectors for the task service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	resolutionsTotal           *prometheus.CounterVec
	retriesTotal               *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	sseSubscribers             prometheus.Gauge
	sessionLockWaitSeconds     prometheus.Histogram
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	snapshotBytesTotal         *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		resolutionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskhub_url_resolutions_total",
				Help: "Total number of URL resolutions, labeled by host and method.",
			},
			[]string{"site", "method"},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskhub_request_retries_total",
				Help: "Retried outbound requests, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		sseSubscribers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskhub_event_stream_subscribers",
				Help: "Number of open task event streams.",
			},
		)

		sessionLockWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taskhub_session_lock_wait_seconds",
				Help:    "Time operations spend waiting for the session lock.",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskhub_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		snapshotBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskhub_snapshot_bytes_total",
				Help: "Bytes stored by page snapshots, labeled by site.",
			},
			[]string{"site"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveResolution counts a finished URL resolution.
func ObserveResolution(rawURL, method string) {
	Init()
	resolutionsTotal.WithLabelValues(SanitizeSite(rawURL), method).Inc()
}

// ObserveRetry counts a retry loop that needed more than one attempt.
func ObserveRetry(outcome string) {
	Init()
	retriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncSubscribers increments the open event stream gauge.
func IncSubscribers() {
	Init()
	sseSubscribers.Inc()
}

// DecSubscribers decrements the open event stream gauge.
func DecSubscribers() {
	Init()
	sseSubscribers.Dec()
}

// ObserveSessionLockWait records how long an operation queued for the session lock.
func ObserveSessionLockWait(duration time.Duration) {
	Init()
	sessionLockWaitSeconds.Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveSnapshot counts bytes persisted for one captured page.
func ObserveSnapshot(rawURL string, size int) {
	Init()
	if size > 0 {
		snapshotBytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(size))
	}
}
