// Package app assembles the HTTP surface: routing, middleware, and
// readiness checks.
package app

import (
	"net/http"
	"strings"

	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/cloudsketch/diagen/internal/adapter/httpserver"
	"github.com/cloudsketch/diagen/internal/adapter/observability"
	"github.com/cloudsketch/diagen/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, ready http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Job API. The event stream is long-lived so it skips the request
	// timeout; everything else gets one.
	r.Group(func(jr chi.Router) {
		jr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		jr.Use(httpserver.Authenticate(cfg.APIKeys))
		jr.Group(func(tr chi.Router) {
			tr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
			tr.Post("/v1/diagrams", srv.SubmitHandler())
			tr.Get("/v1/diagrams/{id}", srv.QueryHandler())
			tr.Delete("/v1/diagrams/{id}", srv.CancelHandler())
		})
		jr.Get("/v1/diagrams/{id}/events", srv.EventsHandler())
	})

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", ready)

	return httpserver.SecurityHeaders(r)
}
