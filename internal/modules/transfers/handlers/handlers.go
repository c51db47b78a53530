// Package handlers provides HTTP handlers for reconciliation transfers.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aristath/reconciler/internal/domain"
	"github.com/aristath/reconciler/internal/httperr"
	"github.com/aristath/reconciler/internal/modules/transfers"
	"github.com/rs/zerolog"
)

// Handler handles transfer HTTP requests
type Handler struct {
	executor *transfers.Executor
	log      zerolog.Logger
}

// NewHandler creates a new transfer handler
func NewHandler(executor *transfers.Executor, log zerolog.Logger) *Handler {
	return &Handler{
		executor: executor,
		log:      log.With().Str("handler", "transfers").Logger(),
	}
}

type manualTransferRequest struct {
	CaseID       string                       `json:"case_id"`
	Instructions []domain.TransferInstruction `json:"instructions"`
	ExecutedBy   string                       `json:"executed_by"`
}

type attributionTransferRequest struct {
	Allocation *domain.AllocationResult `json:"allocation"`
	ExecutedBy string                   `json:"executed_by"`
}

// HandleManualTransfer handles POST /api/transfers/manual
// Individual instruction failures are reported in the batch result, not as an HTTP error
func (h *Handler) HandleManualTransfer(w http.ResponseWriter, r *http.Request) {
	var req manualTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.executor.ExecuteManualTransferInstructions(r.Context(), req.CaseID, req.Instructions, req.ExecutedBy)
	if err != nil {
		h.fail(w, err, "Failed to execute manual transfers")
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(result))
}

// HandleAttributionTransfer handles POST /api/transfers/attribution
func (h *Handler) HandleAttributionTransfer(w http.ResponseWriter, r *http.Request) {
	var req attributionTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.executor.ExecuteAttributionTransfers(r.Context(), req.Allocation, req.ExecutedBy)
	if err != nil {
		h.fail(w, err, "Failed to execute attribution transfers")
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(result))
}

// HandleGetBatch handles GET /api/transfers/{transferID}
func (h *Handler) HandleGetBatch(w http.ResponseWriter, r *http.Request, transferID string) {
	batch, err := h.executor.GetBatch(r.Context(), transferID)
	if err != nil {
		h.fail(w, err, "Failed to get transfer batch")
		return
	}
	if batch == nil {
		h.writeError(w, http.StatusNotFound, "transfer batch not found")
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(batch))
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
