// Package handlers provides HTTP handlers for exit attribution.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aristath/reconciler/internal/httperr"
	"github.com/aristath/reconciler/internal/modules/attribution"
	"github.com/rs/zerolog"
)

// Handler handles attribution HTTP requests
type Handler struct {
	engine *attribution.Engine
	log    zerolog.Logger
}

// NewHandler creates a new attribution handler
func NewHandler(engine *attribution.Engine, log zerolog.Logger) *Handler {
	return &Handler{
		engine: engine,
		log:    log.With().Str("handler", "attribution").Logger(),
	}
}

// HandleAttributeExit handles POST /api/attribution/exits
// Computes an allocation without changing any position
func (h *Handler) HandleAttributeExit(w http.ResponseWriter, r *http.Request) {
	var req attribution.AttributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.engine.AttributePartialExit(r.Context(), req)
	if err != nil {
		status := httperr.Status(err)
		if status == http.StatusInternalServerError {
			h.log.Error().Err(err).Str("symbol", req.Symbol).Msg("Failed to attribute exit")
		}
		h.writeError(w, status, httperr.Message(err))
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": result,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
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
