package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/robert-malhotra/biomass-estimator/internal/auth"
	"github.com/robert-malhotra/biomass-estimator/internal/metrics"
)

// NewRouter creates and configures the HTTP router with all routes and middleware.
// The verifier guards the runtime endpoint; it is required when runtime
// estimation is enabled.
func NewRouter(h *Handlers, verifier *auth.Verifier, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()

	// Add middleware stack
	r.Use(middleware.RequestID)
	r.Use(RequestIDResponse) // Add X-Request-ID to response headers
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	if h.cfg.Features.EnableMetrics {
		r.Use(metrics.Middleware)
	}
	r.Use(Recovery(logger))
	r.Use(middleware.Compress(5)) // Gzip compression
	r.Use(ContentTypeJSON)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		ExposedHeaders:   []string{StatisticsHeader, EstimationIDHeader, RequestIDHeader, "Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300, // 5 minutes
	}))

	r.Get("/health", h.Health)
	if h.cfg.Features.EnableMetrics {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Route("/api/biomass", func(r chi.Router) {
		r.Post("/preliminary", h.Preliminary)

		if h.RuntimeEnabled() {
			r.With(RequireAuth(verifier, logger)).Post("/runtime", h.Runtime)
		} else {
			r.Post("/runtime", h.Runtime)
		}

		if h.cfg.Features.EnableCatalog {
			r.Get("/catalog", h.Catalog)
		}
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, "endpoint not found")
	})

	// 405 handler
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed")
	})

	return r
}
