package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all transfer routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/transfers", func(r chi.Router) {
		r.Post("/manual", h.HandleManualTransfer)
		r.Post("/attribution", h.HandleAttributionTransfer)
		r.Get("/{transferID}", func(w http.ResponseWriter, r *http.Request) {
			h.HandleGetBatch(w, r, chi.URLParam(r, "transferID"))
		})
	})
}
