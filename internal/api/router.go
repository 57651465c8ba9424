package api

import (
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterConfig carries the dependencies of the HTTP surface.
type RouterConfig struct {
	// Service is reported by /health.
	Service string
	// Prefix is mounted in front of the email routes, e.g. /api/v1.
	Prefix   string
	Delivery Deliverer
	// Broker backs /readyz. A nil Broker always reports not ready.
	Broker ReadinessChecker
	Logger zerolog.Logger
}

// NewRouter creates a chi.Mux with all routes, middleware, and handlers configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	log := cfg.Logger.With().Str("component", "api").Logger()

	// Global middleware
	r.Use(CorrelationIDMiddleware(log))
	r.Use(LoggingMiddleware(log))
	r.Use(MetricsMiddleware)
	r.Use(RecoverMiddleware(log))

	r.Get("/health", HealthHandler(cfg.Service))
	r.Get("/readyz", ReadyzHandler(cfg.Broker))
	r.Handle("/metrics", promhttp.Handler())

	send := SendEmailHandler(cfg.Delivery)
	prefix := strings.TrimSuffix(cfg.Prefix, "/")
	r.Post(prefix+"/email/", send)
	r.Post(prefix+"/email", send)

	return r
}
