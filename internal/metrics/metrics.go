// Package metrics exposes Prometheus collectors for the ingestion service.
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
	pagesFetchedTotal          *prometheus.CounterVec
	publicationsUpsertedTotal  *prometheus.CounterVec
	runsTotal                  *prometheus.CounterVec
	profileOutcomesTotal       *prometheus.CounterVec
	resolveOutcomesTotal       *prometheus.CounterVec
	queueTransitionsTotal      *prometheus.CounterVec
	cooldownRejectionsTotal    *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeRuns                 prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scholarwatch_pages_fetched_total",
				Help: "Total profile pages fetched, labeled by classified state.",
			},
			[]string{"state"},
		)

		publicationsUpsertedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scholarwatch_publications_upserted_total",
				Help: "Total publication upserts, labeled by created/existing.",
			},
			[]string{"result"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scholarwatch_runs_total",
				Help: "Total crawl runs finished, labeled by terminal status.",
			},
			[]string{"status"},
		)

		profileOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scholarwatch_profile_outcomes_total",
				Help: "Per-profile crawl outcomes, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		resolveOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scholarwatch_resolve_outcomes_total",
				Help: "PDF resolution outcomes, labeled by source or failure reason.",
			},
			[]string{"result"},
		)

		queueTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scholarwatch_queue_transitions_total",
				Help: "Continuation queue transitions, labeled by target status.",
			},
			[]string{"status"},
		)

		cooldownRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scholarwatch_cooldown_rejections_total",
				Help: "Run starts rejected by the safety cooldown, labeled by trigger class.",
			},
			[]string{"class"},
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

		activeRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scholarwatch_active_runs",
				Help: "Number of crawl runs currently executing.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Observers are no-ops until Init has registered the collectors, so library
// code can record unconditionally.

// ObservePageFetched counts one classified page fetch.
func ObservePageFetched(state string) {
	if pagesFetchedTotal == nil {
		return
	}
	pagesFetchedTotal.WithLabelValues(state).Inc()
}

// ObserveUpsert counts one publication upsert.
func ObserveUpsert(created bool) {
	if publicationsUpsertedTotal == nil {
		return
	}
	result := "existing"
	if created {
		result = "created"
	}
	publicationsUpsertedTotal.WithLabelValues(result).Inc()
}

// ObserveRun counts one finished run.
func ObserveRun(status string) {
	if runsTotal == nil {
		return
	}
	runsTotal.WithLabelValues(status).Inc()
}

// ObserveProfileOutcome counts one per-profile crawl outcome.
func ObserveProfileOutcome(outcome string) {
	if profileOutcomesTotal == nil {
		return
	}
	profileOutcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveResolve counts one PDF resolution outcome.
func ObserveResolve(result string) {
	if resolveOutcomesTotal == nil {
		return
	}
	resolveOutcomesTotal.WithLabelValues(result).Inc()
}

// ObserveQueueTransition counts one continuation queue transition.
func ObserveQueueTransition(status string) {
	if queueTransitionsTotal == nil {
		return
	}
	queueTransitionsTotal.WithLabelValues(status).Inc()
}

// ObserveCooldownRejection counts one run start rejected by the breaker.
func ObserveCooldownRejection(class string) {
	if cooldownRejectionsTotal == nil {
		return
	}
	cooldownRejectionsTotal.WithLabelValues(class).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveRuns increments the active runs gauge.
func IncActiveRuns() {
	if activeRuns == nil {
		return
	}
	activeRuns.Inc()
}

// DecActiveRuns decrements the active runs gauge.
func DecActiveRuns() {
	if activeRuns == nil {
		return
	}
	activeRuns.Dec()
}
