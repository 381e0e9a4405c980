package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatdash/internal/api/middleware"
	"github.com/eldtechnologies/chatdash/internal/config"
	"github.com/eldtechnologies/chatdash/internal/handlers"
	"github.com/eldtechnologies/chatdash/web"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, h *handlers.Handler, counter middleware.Counter, cfg *config.Config) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(64 * 1024)) // 64KB max body, fits the largest allowed message as JSON
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	limiter := middleware.NewRateLimiter(counter, logger, middleware.RateLimiterConfig{
		MessagesPerHour: cfg.RateLimitPerHour,
		Whitelist:       cfg.RateLimitWhitelist,
	})
	r.Use(limiter.Middleware)

	// CORS - the dashboard itself is same-origin; permissive CORS keeps the
	// read-only endpoints usable from scripts
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Dashboard page and embedded assets
	r.Get("/", web.Index)
	r.Handle("/static/*", http.StripPrefix("/static/", web.Static()))

	// Health endpoints. /_stcore/health is the legacy probe path some
	// platform configs still point at.
	r.Get("/health", h.Health)
	r.Get("/_stcore/health", h.Health)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/appinfo", h.AppInfo)
		r.Get("/stats", h.Stats)
		r.Get("/upstream/health", h.UpstreamHealth)

		r.Post("/sessions", h.CreateSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)
			r.Post("/clear", h.ClearSession)
			r.Post("/messages", h.PostMessage)
		})
	})

	return r
}
