package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all handoff routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/handoff", func(r chi.Router) {
		r.Get("/state", h.HandleGetState)
		r.Post("/transitions", h.HandleRequestTransition)
		r.Get("/history", h.HandleGetHistory)
	})
}
