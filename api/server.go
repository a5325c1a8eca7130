/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request counters
  5. CORS:       Cross-origin requests

ROUTE GROUPS:
  /api/users/*          Economy operations per user
  /api/admin/*          Catalog, settings and user creation
  /api/compensations/*  Pending compensation queue
  /api/scenarios/*      Demo data loaders
  /health               Liveness and store check
  /metrics              Prometheus exposition

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/economy-engine/metrics"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
	}))

	r.Get("/health", h.Healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/ledger", h.GetLedger)
			r.Post("/purchases", h.Purchase)
			r.Post("/gifts", h.Gift)
			r.Post("/conversions", h.Convert)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/users", h.CreateUser)
			r.Put("/products/{id}", h.SetPrice)
			r.Put("/settings", h.SetConversionRate)
		})

		r.Route("/compensations", func(r chi.Router) {
			r.Get("/", h.ListCompensations)
			r.Post("/reconcile", h.Reconcile)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
