// Package metrics exposes Prometheus collectors for the page store service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels shared by the ingest and list counters.
const (
	ResultCreated = "created"
	ResultUpdated = "updated"
	ResultInvalid = "invalid"
	ResultError   = "error"
	ResultOK      = "ok"
)

var (
	pagesIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_pages_ingested_total",
			Help: "Page observations processed, labeled by result.",
		},
		[]string{"result"},
	)

	listRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_list_requests_total",
			Help: "Recent-feed reads, labeled by result.",
		},
		[]string{"result"},
	)

	storeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagestore_store_duration_seconds",
			Help:    "Latency of storage backend calls, labeled by operation.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"op"},
	)

	eventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_events_dropped_total",
			Help: "Page change events dropped because the event buffer was full.",
		},
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
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveIngest counts one processed observation.
func ObserveIngest(result string) {
	pagesIngestedTotal.WithLabelValues(result).Inc()
}

// ObserveList counts one feed read.
func ObserveList(result string) {
	listRequestsTotal.WithLabelValues(result).Inc()
}

// ObserveStoreDuration records how long a backend call took.
func ObserveStoreDuration(op string, d time.Duration) {
	storeDurationSeconds.WithLabelValues(op).Observe(d.Seconds())
}

// AddEventsDropped increments the dropped event counter by n.
func AddEventsDropped(n int64) {
	if n <= 0 {
		return
	}
	eventsDroppedTotal.Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
