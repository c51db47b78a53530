package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all attribution routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/attribution", func(r chi.Router) {
		r.Post("/exits", h.HandleAttributeExit)
	})
}
