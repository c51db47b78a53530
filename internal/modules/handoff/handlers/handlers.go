// Package handlers provides HTTP handlers for the handoff state machine.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/reconciler/internal/domain"
	"github.com/aristath/reconciler/internal/httperr"
	"github.com/aristath/reconciler/internal/modules/handoff"
	"github.com/rs/zerolog"
)

// Handler handles handoff HTTP requests
type Handler struct {
	machine *handoff.Machine
	log     zerolog.Logger
}

// NewHandler creates a new handoff handler
func NewHandler(machine *handoff.Machine, log zerolog.Logger) *Handler {
	return &Handler{
		machine: machine,
		log:     log.With().Str("handler", "handoff").Logger(),
	}
}

// HandleGetState handles GET /api/handoff/state
// Query: trading_account_id (required), strategy_id, execution_id
func (h *Handler) HandleGetState(w http.ResponseWriter, r *http.Request) {
	state, err := h.machine.GetHandoffState(r.Context(), scopeFromQuery(r))
	if err != nil {
		h.fail(w, err, "Failed to get handoff state")
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"state":          state,
		"effective_mode": state.EffectiveMode(),
	}))
}

// HandleRequestTransition handles POST /api/handoff/transitions
func (h *Handler) HandleRequestTransition(w http.ResponseWriter, r *http.Request) {
	var req handoff.TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.machine.RequestTransition(r.Context(), req)
	if err != nil {
		h.fail(w, err, "Handoff transition failed")
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(result))
}

// HandleGetHistory handles GET /api/handoff/history
func (h *Handler) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil {
			limit = parsed
		}
	}

	history, err := h.machine.GetTransitionHistory(r.Context(), scopeFromQuery(r), limit)
	if err != nil {
		h.fail(w, err, "Failed to get handoff history")
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(history))
}

func scopeFromQuery(r *http.Request) domain.HandoffScope {
	q := r.URL.Query()
	return domain.HandoffScope{
		TradingAccountID: q.Get("trading_account_id"),
		StrategyID:       q.Get("strategy_id"),
		ExecutionID:      q.Get("execution_id"),
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error, msg string) {
	status := httperr.Status(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg(msg)
	}
	h.writeError(w, status, httperr.Message(err))
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
