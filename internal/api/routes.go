package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the control API routes. Everything except
// /health sits behind token authentication; per-tenant authorization
// happens in the handlers, where the target tenant id is known.
func SetupRoutes(h *Handlers, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// Tokens travel in a header, never in cookies, so credentials stay
	// off and origins may default to open.
	origins := corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Token"},
		MaxAge:         300,
	}))

	// Liveness (no auth required)
	r.Get("/health", h.HealthCheck)

	r.Group(func(r chi.Router) {
		r.Use(h.Authenticated)

		r.Get("/status", h.GetStatus)
		r.Get("/metrics", h.GetMetrics)

		// Queue commands
		r.Route("/commands", func(r chi.Router) {
			r.Post("/run-now", h.RunNow)
			r.Post("/suspend", h.Suspend)
			r.Post("/activate", h.Activate)
			r.Post("/add-messages", h.AddMessages)
			r.Post("/delete-messages", h.DeleteMessages)
			r.Post("/cleanup-messages", h.CleanupMessages)
			r.Post("/record-events", h.RecordEvents)
			r.Get("/log", h.GetCommandLog)
		})

		// Queue inspection
		r.Get("/messages", h.ListMessages)

		// Relay accounts
		r.Post("/account", h.UpsertAccount)
		r.Get("/accounts", h.ListAccounts)
		r.Delete("/account/{id}", h.DeleteAccount)

		// Tenants
		r.Post("/tenant", h.CreateTenant)
		r.Get("/tenants", h.ListTenants)
		r.Get("/tenants/sync-status", h.GetSyncStatus)
		r.Route("/tenant/{id}", func(r chi.Router) {
			r.Get("/", h.GetTenant)
			r.Put("/", h.UpdateTenant)
			r.Delete("/", h.DeleteTenant)
			r.Post("/api-key", h.CreateAPIKey)
			r.Delete("/api-key", h.RevokeAPIKey)
		})

		// Service identity
		r.Get("/instance", h.GetInstance)
		r.Put("/instance", h.UpdateInstance)
	})

	return r
}
