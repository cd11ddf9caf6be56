// Package observability provides logging, metrics, and tracing.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration observes HTTP request latency.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// JobsSubmittedTotal counts admitted submissions by tier.
	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of jobs admitted to the queue",
		},
		[]string{"tier"},
	)
	// AdmissionRejectedTotal counts admission rejections by reason.
	AdmissionRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_rejected_total",
			Help: "Total number of submissions rejected at admission",
		},
		[]string{"reason"},
	)
	// QueueDepth reports the current depth of the main and retry queues.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current number of jobs held in a queue",
		},
		[]string{"queue"},
	)
	// JobsCompletedTotal counts terminal outcomes by state.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_terminal_total",
			Help: "Total number of jobs reaching a terminal state",
		},
		[]string{"state"},
	)
	// JobRetriesTotal counts scheduled retries.
	JobRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "job_retries_total",
			Help: "Total number of retry attempts scheduled",
		},
	)
	// GenerationDuration observes LLM call latency.
	GenerationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "generation_duration_seconds",
			Help:    "LLM generation call duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
	// RenderDuration observes renderer invocation latency.
	RenderDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "render_duration_seconds",
			Help:    "Renderer child process duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
	// TokensConsumedTotal counts LLM tokens by direction.
	TokensConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens consumed",
		},
		[]string{"direction"},
	)
	// EventsPublishedTotal counts status bus events by kind.
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "status_events_published_total",
			Help: "Total status bus events published",
		},
		[]string{"kind"},
	)
)

// InitMetrics registers all collectors with the default registry. Safe to
// call once per process.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		JobsSubmittedTotal,
		AdmissionRejectedTotal,
		QueueDepth,
		JobsCompletedTotal,
		JobRetriesTotal,
		GenerationDuration,
		RenderDuration,
		TokensConsumedTotal,
		EventsPublishedTotal,
	)
}

// HTTPMetricsMiddleware records request counts and durations per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
