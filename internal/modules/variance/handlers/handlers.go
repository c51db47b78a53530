// Package handlers provides HTTP handlers for holdings reconciliation.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aristath/reconciler/internal/httperr"
	"github.com/aristath/reconciler/internal/modules/variance"
	"github.com/rs/zerolog"
)

// Handler handles variance HTTP requests
type Handler struct {
	reconciler *variance.Reconciler
	log        zerolog.Logger
}

// NewHandler creates a new variance handler
func NewHandler(reconciler *variance.Reconciler, log zerolog.Logger) *Handler {
	return &Handler{
		reconciler: reconciler,
		log:        log.With().Str("handler", "variance").Logger(),
	}
}

// HandleReconcile handles POST /api/variances/reconcile
func (h *Handler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	var req variance.ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.reconciler.ReconcileVariance(r.Context(), req)
	if err != nil {
		h.writeError(w, httperr.Status(err), httperr.Message(err))
		return
	}

	h.writeJSON(w, http.StatusOK, envelope(result))
}

// HandleGetVariance handles GET /api/variances/{varianceID}
func (h *Handler) HandleGetVariance(w http.ResponseWriter, r *http.Request, varianceID string) {
	v, audit, err := h.reconciler.GetVariance(r.Context(), varianceID)
	if err != nil {
		h.log.Error().Err(err).Str("variance_id", varianceID).Msg("Failed to get variance")
		h.writeError(w, httperr.Status(err), httperr.Message(err))
		return
	}
	if v == nil {
		h.writeError(w, http.StatusNotFound, "variance not found")
		return
	}

	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"variance": v,
		"audit":    audit,
	}))
}

func envelope(data interface{}) map[string]interface{} {
	return map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
