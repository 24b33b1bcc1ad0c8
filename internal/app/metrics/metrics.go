// Package metrics exposes the Prometheus collectors for the bottle service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bottle_service",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bottle_service",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bottle_service",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	bottlesMinted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bottle_service",
			Subsystem: "cellar",
			Name:      "bottles_minted_total",
			Help:      "Total number of bottles minted.",
		},
		[]string{"category"},
	)

	fulfillments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bottle_service",
			Subsystem: "cellar",
			Name:      "randomness_fulfillments_total",
			Help:      "Total number of randomness fulfillments processed.",
		},
		[]string{"status"},
	)

	bottlesOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bottle_service",
			Subsystem: "cellar",
			Name:      "bottles_opened_total",
			Help:      "Total number of bottles opened.",
		},
	)
)

func init() {
	Registry.MustRegister(httpInFlight, httpRequests, httpDuration, bottlesMinted, fulfillments, bottlesOpened)
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// IncrementInFlight tracks an HTTP request entering the stack.
func IncrementInFlight() { httpInFlight.Inc() }

// DecrementInFlight tracks an HTTP request leaving the stack.
func DecrementInFlight() { httpInFlight.Dec() }

// RecordHTTPRequest records one handled request.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequests.WithLabelValues(method, path, status).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordMint counts minted bottles per category.
func RecordMint(categoryID string, quantity int) {
	bottlesMinted.WithLabelValues(categoryID).Add(float64(quantity))
}

// RecordFulfillment counts a fulfillment attempt by outcome.
func RecordFulfillment(status string) {
	fulfillments.WithLabelValues(status).Inc()
}

// RecordOpen counts an opened bottle.
func RecordOpen() { bottlesOpened.Inc() }
