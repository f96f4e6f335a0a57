// Package metrics exposes Prometheus collectors for the slot scraper.
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

// Worker outcome labels.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeBlocked   = "blocked"
	OutcomeFailed    = "failed"
)

// Refresh result labels.
const (
	RefreshComplete = "complete"
	RefreshPartial  = "partial"
	RefreshEmpty    = "empty"
)

// Location status labels.
const (
	LocationScraped = "scraped"
	LocationMissing = "missing"
)

var (
	locationsTotal             *prometheus.CounterVec
	workersTotal               *prometheus.CounterVec
	blockedEgressTotal         prometheus.Counter
	activeWorkers              prometheus.Gauge
	runDurationSeconds         prometheus.Histogram
	refreshesTotal             *prometheus.CounterVec
	snapshotUpdated            prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		locationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotscraper_locations_total",
				Help: "Locations requested per run, labeled by whether they were scraped.",
			},
			[]string{"status"},
		)

		workersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotscraper_workers_total",
				Help: "Session workers finished, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		blockedEgressTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "slotscraper_blocked_egress_total",
				Help: "Egress points rejected by the site on initial load.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "slotscraper_active_workers",
				Help: "Number of session workers currently running.",
			},
		)

		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "slotscraper_run_duration_seconds",
				Help:    "Wall time of a full scrape run.",
				Buckets: []float64{10, 30, 60, 120, 300, 600, 1200},
			},
		)

		refreshesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotscraper_refreshes_total",
				Help: "Background refreshes, labeled by how much data they collected.",
			},
			[]string{"result"},
		)

		snapshotUpdated = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "slotscraper_snapshot_updated_timestamp_seconds",
				Help: "Unix time of the last snapshot update.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "slotscraper_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the outbound rate limiter, labeled by host.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"host"},
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

// ObserveWorker records a finished worker.
func ObserveWorker(outcome string) {
	Init()
	workersTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeBlocked {
		blockedEgressTotal.Inc()
	}
}

// ObserveRun records the duration and coverage of a run.
func ObserveRun(duration time.Duration, scraped, missing int) {
	Init()
	runDurationSeconds.Observe(duration.Seconds())
	locationsTotal.WithLabelValues(LocationScraped).Add(float64(scraped))
	locationsTotal.WithLabelValues(LocationMissing).Add(float64(missing))
}

// ObserveRefresh records a finished refresh.
func ObserveRefresh(result string) {
	Init()
	refreshesTotal.WithLabelValues(result).Inc()
}

// SetSnapshotUpdated records when the snapshot last changed.
func SetSnapshotUpdated(t time.Time) {
	Init()
	snapshotUpdated.Set(float64(t.Unix()))
}

// ObserveRateLimitDelay records time spent waiting for a rate limit token.
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
