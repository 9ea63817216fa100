// Package metrics exposes Prometheus collectors for the HTTP surface and
// the job queue.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	queueDepth                 prometheus.Gauge
	deadLettersTotal           prometheus.Counter
	sessionsLive               prometheus.Gauge

	once sync.Once
)

// Init registers the collectors against the default registry. Safe to call
// multiple times.
func Init() {
	once.Do(func() {
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

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "linksentry_queue_depth",
				Help: "Jobs currently buffered in the verification queue.",
			},
		)

		deadLettersTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "linksentry_dead_letters_total",
				Help: "Jobs that exhausted their delivery budget.",
			},
		)

		sessionsLive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "linksentry_browser_sessions_live",
				Help: "Browser tabs currently held by the session pool.",
			},
		)
	})
}

// Handler returns an http.Handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// SetQueueDepth records the buffered job count.
func SetQueueDepth(n int) {
	if queueDepth != nil {
		queueDepth.Set(float64(n))
	}
}

// ObserveDeadLetter counts one dead-lettered job.
func ObserveDeadLetter() {
	if deadLettersTotal != nil {
		deadLettersTotal.Inc()
	}
}

// SetSessionsLive records the live browser tab count.
func SetSessionsLive(n int) {
	if sessionsLive != nil {
		sessionsLive.Set(float64(n))
	}
}
