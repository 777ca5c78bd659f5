package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the ops API.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Get("/runs/latest", h.LatestRun)
			r.Post("/runs", h.StartRun)
			r.Get("/errors", h.ListErrors)
		})
	})

	return r
}
