package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/pratik-mahalle/fleetpulse/internal/api/handlers"
	"github.com/pratik-mahalle/fleetpulse/internal/api/middleware"
	"github.com/pratik-mahalle/fleetpulse/internal/config"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/metrics"
)

type Handlers struct {
	Health *handlers.HealthHandler
	Device *handlers.DeviceHandler
	Alert  *handlers.AlertHandler
	Engine *handlers.EngineHandler
}

func New(cfg *config.Config, log *logger.Logger, limiter *middleware.RateLimiter, h *Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID())
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	r.Use(metrics.Middleware)
	r.Use(middleware.CORS(cfg.Server.CORSOrigins))

	// Probes and scraping are never rate limited
	r.Get("/healthz", h.Health.Healthz)
	r.Get("/readyz", h.Health.Readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(limiter))

		r.Route("/devices", func(r chi.Router) {
			r.Get("/status", h.Device.ListStatus)
			r.Get("/{id}/state", h.Device.GetState)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", h.Alert.List)
			r.Get("/{id}", h.Alert.Get)
		})

		r.Get("/plan", h.Engine.Plan)
		r.Get("/tuning", h.Engine.Tuning)
		r.Get("/lanes", h.Engine.Lanes)
		r.Get("/rules", h.Engine.Rules)
		r.Post("/cycles", h.Engine.TriggerCycle)
	})

	return r
}
