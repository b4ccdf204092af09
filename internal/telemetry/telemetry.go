// Package telemetry exposes Prometheus metrics for the crawl pipeline.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_jobs_total",
			Help: "Total number of jobs reaching a disposition, labeled by site and outcome.",
		},
		[]string{"site", "outcome"},
	)

	crawlerActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_active_workers",
			Help: "Number of workers currently processing a job.",
		},
	)

	crawlerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_queue_depth",
			Help: "Approximate number of outstanding queue messages.",
		},
	)

	crawlerDeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_dead_letters_total",
			Help: "Total number of jobs moved to the dead-letter log, labeled by site.",
		},
		[]string{"site"},
	)

	crawlerPolitenessDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_politeness_delays_seconds",
			Help:    "Histogram of same-site spacing waits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"site"},
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
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveJob records a job disposition (completed, transient, dead_letter,
// paused, duplicate, discarded).
func ObserveJob(site, outcome string) {
	crawlerJobsTotal.WithLabelValues(site, outcome).Inc()
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	crawlerActiveWorkers.Dec()
}

// SetQueueDepth records the latest best-effort queue depth.
func SetQueueDepth(depth int) {
	crawlerQueueDepth.Set(float64(depth))
}

// ObserveDeadLetter records a job moving to the dead-letter log.
func ObserveDeadLetter(site string) {
	crawlerDeadLettersTotal.WithLabelValues(site).Inc()
}

// ObservePolitenessDelay records the duration a site's next dispatch was held.
func ObservePolitenessDelay(site string, duration time.Duration) {
	crawlerPolitenessDelaysSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
