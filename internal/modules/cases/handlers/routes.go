package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all case routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/cases", func(r chi.Router) {
		r.Get("/", h.HandleListCases)
		r.Post("/", h.HandleCreateCase)

		r.Route("/{caseID}", func(r chi.Router) {
			r.Get("/", withCaseID(h.HandleGetCase))
			r.Get("/audit", withCaseID(h.HandleGetCaseAudit))
			r.Post("/assign", withCaseID(h.HandleAssignCase))
			r.Post("/resolve", withCaseID(h.HandleResolveCase))
			r.Post("/apply", withCaseID(h.HandleApplyResolution))
		})
	})
}

func withCaseID(fn func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(w, r, chi.URLParam(r, "caseID"))
	}
}
