// Package api builds the top-level HTTP router: global middleware, CORS,
// token auth on the proxy and admin surfaces, and route wiring for the
// handlers package.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/clawroute/clawroute/internal/api/handlers"
	"github.com/clawroute/clawroute/internal/api/middleware"
	"github.com/clawroute/clawroute/internal/config"
)

// NewRouter creates the HTTP router with every proxy and admin route.
func NewRouter(cfg *config.Configuration, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)

	corsOrigins := cfg.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-ClawRoute-Model", "X-ClawRoute-Tier", "X-ClawRoute-Escalated"},
		AllowCredentials: !isWildcard,
		MaxAge:           300,
	}))

	// Unauthenticated ambient endpoints.
	r.Get("/health", h.Health)
	r.Get("/version", h.VersionInfo)

	auth := middleware.NewTokenAuth(cfg.AuthToken)

	r.Group(func(r chi.Router) {
		r.Use(auth.Handler)

		r.Get("/stats", h.Stats)

		r.Post("/v1/chat/completions", h.ChatCompletions)
		r.Post("/v1/messages", h.MessagesPlaceholder)

		r.Route("/api", func(r chi.Router) {
			r.Get("/config", h.GetConfig)
			r.Post("/enable", h.Enable)
			r.Post("/disable", h.Disable)
			r.Route("/dry-run", func(r chi.Router) {
				r.Post("/enable", h.DryRunEnable)
				r.Post("/disable", h.DryRunDisable)
			})
			r.Route("/override", func(r chi.Router) {
				r.Post("/global", h.OverrideGlobal)
				r.Post("/session", h.OverrideSessionUpsert)
				r.Delete("/session", h.OverrideSessionDelete)
			})
		})
	})

	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		handlers.NotFound(w, r)
	})

	return r
}
