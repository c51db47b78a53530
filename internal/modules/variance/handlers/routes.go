package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all variance routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/variances", func(r chi.Router) {
		r.Post("/reconcile", h.HandleReconcile)
		r.Get("/{varianceID}", func(w http.ResponseWriter, r *http.Request) {
			h.HandleGetVariance(w, r, chi.URLParam(r, "varianceID"))
		})
	})
}
