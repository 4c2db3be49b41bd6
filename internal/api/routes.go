package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Tracker-facing ingress, authenticated by HMAC signature
		r.Post("/hooks/tracker", h.TrackerHook)

		// Operator surface
		r.Get("/projects", h.ListProjects)
		r.Get("/projects/{externalID}", h.GetProject)
		r.Get("/projects/{externalID}/approvals", h.ListApprovals)
		r.Get("/projects/{externalID}/stages/{stage}/deliverables", h.StageDeliverables)
		r.Post("/projects/{externalID}/sync", h.TriggerSync)
		r.Post("/approvals/{id}/decision", h.SubmitDecision)
	})

	return r
}
