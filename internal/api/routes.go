package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	// Deletes: burst of 100, then 10 per second.
	deleteThrottle := ThrottleMiddleware(rate.Every(100*time.Millisecond), 100)

	r.Route("/rpc/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Post("/{table}", h.Upsert)
			r.Get("/{table}", h.Query)
			r.With(deleteThrottle).Delete("/{table}/{key}", h.Delete)
		})
	})

	return r
}
