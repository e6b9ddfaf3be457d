package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/reelscript-ai/reelscript/internal/database"
	mw "github.com/reelscript-ai/reelscript/internal/middleware"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Script generation
	GenerateScript          http.HandlerFunc
	GenerateScriptAsync     http.HandlerFunc
	GenerateVariations      http.HandlerFunc
	GenerateVariationsAsync http.HandlerFunc
	GetScript               http.HandlerFunc

	// Queued jobs
	GetJob   http.HandlerFunc
	AwaitJob http.HandlerFunc

	// Subscriber usage and provider fleet
	GetUsage       http.HandlerFunc
	ProviderHealth http.HandlerFunc

	// Audit trail
	ListEvents http.HandlerFunc

	// Auth middleware
	AuthMiddleware func(http.Handler) http.Handler

	// NATSHealthy reports the audit stream connection; nil means the
	// audit trail is not configured.
	NATSHealthy func() bool

	// ProvidersAvailable reports whether any provider can take work
	// right now. Degrades readiness without failing it, since async
	// generation still accepts jobs while providers recover.
	ProvidersAvailable func(context.Context) bool
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins  []string
	GenerateRateLimiter func(http.Handler) http.Handler
}

func NewRouter(pool *pgxpool.Pool, rdb redis.Cmdable, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe. Always 200, no dependency checks.
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	// Readiness probe checks Postgres, Redis, NATS and providers.
	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{
			"status":    "healthy",
			"database":  "healthy",
			"redis":     "healthy",
			"nats":      "healthy",
			"providers": "available",
		}

		status := http.StatusOK

		if err := database.HealthCheck(r.Context(), pool); err != nil {
			health["database"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		if err := rdb.Ping(r.Context()).Err(); err != nil {
			health["redis"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		if h.NATSHealthy != nil {
			if !h.NATSHealthy() {
				health["nats"] = "unhealthy"
				health["status"] = "degraded"
				status = http.StatusServiceUnavailable
			}
		} else {
			health["nats"] = "not configured"
		}

		if h.ProvidersAvailable != nil && !h.ProvidersAvailable(r.Context()) {
			health["providers"] = "none available"
			health["status"] = "degraded"
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// API v1. Everything below requires a subscriber token.
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)

			r.Route("/scripts", func(r chi.Router) {
				r.Get("/{scriptID}", h.GetScript)

				// Generation endpoints share a per-subscriber rate limit.
				r.Group(func(r chi.Router) {
					if cfg.GenerateRateLimiter != nil {
						r.Use(cfg.GenerateRateLimiter)
					}
					r.Post("/generate", h.GenerateScript)
					r.Post("/generate/async", h.GenerateScriptAsync)
					r.Post("/variations", h.GenerateVariations)
					r.Post("/variations/async", h.GenerateVariationsAsync)
				})
			})

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/{jobID}", h.GetJob)
				r.Get("/{jobID}/wait", h.AwaitJob)
			})

			r.Get("/usage", h.GetUsage)
			r.Get("/providers/health", h.ProviderHealth)
			r.Get("/events", h.ListEvents)
		})
	})

	return r
}
