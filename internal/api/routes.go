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
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Post("/mirrors", h.IngestMirror)
			r.Get("/mirrors", h.ListMirrors)
			r.Get("/mirrors/{id}", h.GetMirror)

			r.Put("/mirrors/{id}/draft", h.SaveDraft)
			r.Post("/mirrors/{id}/draft/commit", h.CommitDraft)
			r.Delete("/mirrors/{id}/draft", h.DiscardDraft)
			r.Post("/mirrors/{id}/draft/resolve", h.ResolveConflict)
			r.Get("/mirrors/{id}/view", h.GetView)

			r.Get("/views", h.ListViews)

			r.Get("/sync/stats", h.SyncStats)
			r.Get("/sync/dead-letter", h.ListDeadLetters)
			r.Post("/sync/dead-letter/{id}/requeue", h.RequeueDeadLetter)
			r.Delete("/sync/dead-letter/{id}", h.DiscardDeadLetter)

			r.Get("/events", h.Events)
		})
	})

	return r
}
