// Package metrics exposes Prometheus collectors for the harvester service.
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
	collectionRunsTotal        *prometheus.CounterVec
	recordsSavedTotal          *prometheus.CounterVec
	runDurationSeconds         *prometheus.HistogramVec
	activeCollections          prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		collectionRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_collection_runs_total",
				Help: "Total number of collection runs, labeled by source and status.",
			},
			[]string{"source", "status"},
		)

		recordsSavedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_records_saved_total",
				Help: "Total number of property records saved, labeled by source.",
			},
			[]string{"source"},
		)

		runDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_run_duration_seconds",
				Help:    "Histogram of collection run durations, labeled by source.",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"source"},
		)

		activeCollections = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_collections",
				Help: "Number of collections currently executing.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRun records the outcome of one collection run.
func ObserveRun(source, status string, saved int, duration time.Duration) {
	collectionRunsTotal.WithLabelValues(source, status).Inc()
	if saved > 0 {
		recordsSavedTotal.WithLabelValues(source).Add(float64(saved))
	}
	runDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveCollections increments the in-flight collections gauge.
func IncActiveCollections() {
	activeCollections.Inc()
}

// DecActiveCollections decrements the in-flight collections gauge.
func DecActiveCollections() {
	activeCollections.Dec()
}
