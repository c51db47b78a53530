// Package handlers provides HTTP handlers for manual attribution cases.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/reconciler/internal/domain"
	"github.com/aristath/reconciler/internal/httperr"
	"github.com/aristath/reconciler/internal/modules/cases"
	"github.com/rs/zerolog"
)

// Handler handles case HTTP requests
type Handler struct {
	manager *cases.Manager
	log     zerolog.Logger
}

// NewHandler creates a new case handler
func NewHandler(manager *cases.Manager, log zerolog.Logger) *Handler {
	return &Handler{
		manager: manager,
		log:     log.With().Str("handler", "cases").Logger(),
	}
}

// HandleListCases handles GET /api/cases
// Query: trading_account_id, symbol, status (comma separated), priority, assigned_to, limit
func (h *Handler) HandleListCases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := cases.CaseFilter{
		TradingAccountID: q.Get("trading_account_id"),
		Symbol:           q.Get("symbol"),
		AssignedTo:       q.Get("assigned_to"),
	}
	if priority := q.Get("priority"); priority != "" {
		parsed, err := domain.ParseCasePriority(priority)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, httperr.Message(err))
			return
		}
		filter.Priority = parsed
	}
	if statuses := q.Get("status"); statuses != "" {
		for _, s := range strings.Split(statuses, ",") {
			parsed, err := domain.ParseCaseStatus(strings.TrimSpace(s))
			if err != nil {
				h.writeError(w, http.StatusBadRequest, httperr.Message(err))
				return
			}
			filter.Statuses = append(filter.Statuses, parsed)
		}
	}
	if limitParam := q.Get("limit"); limitParam != "" {
		parsed, err := strconv.Atoi(limitParam)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = parsed
	}

	list, err := h.manager.ListPendingCases(r.Context(), filter)
	if err != nil {
		h.fail(w, err, "Failed to list cases")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": list,
		"metadata": map[string]interface{}{
			"count":     len(list),
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleCreateCase handles POST /api/cases
func (h *Handler) HandleCreateCase(w http.ResponseWriter, r *http.Request) {
	var req cases.CreateCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	caseID, err := h.manager.CreateCase(r.Context(), req)
	if err != nil {
		h.fail(w, err, "Failed to create case")
		return
	}

	h.writeJSON(w, http.StatusCreated, envelope(map[string]string{"case_id": caseID}))
}

// HandleGetCase handles GET /api/cases/{caseID}
func (h *Handler) HandleGetCase(w http.ResponseWriter, r *http.Request, caseID string) {
	c, err := h.manager.GetCase(r.Context(), caseID)
	if err != nil {
		h.fail(w, err, "Failed to get case")
		return
	}
	if c == nil {
		h.writeError(w, http.StatusNotFound, "case not found")
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(c))
}

// HandleGetCaseAudit handles GET /api/cases/{caseID}/audit
func (h *Handler) HandleGetCaseAudit(w http.ResponseWriter, r *http.Request, caseID string) {
	audit, err := h.manager.GetCaseAudit(r.Context(), caseID)
	if err != nil {
		h.fail(w, err, "Failed to get case audit")
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(audit))
}

type assignRequest struct {
	Assignee   string `json:"assignee"`
	AssignedBy string `json:"assigned_by"`
}

// HandleAssignCase handles POST /api/cases/{caseID}/assign
func (h *Handler) HandleAssignCase(w http.ResponseWriter, r *http.Request, caseID string) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ok, err := h.manager.AssignCase(r.Context(), caseID, req.Assignee, req.AssignedBy)
	if err != nil {
		h.fail(w, err, "Failed to assign case")
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{"case_id": caseID, "assigned": ok}))
}

// HandleResolveCase handles POST /api/cases/{caseID}/resolve
// The body is an attribution decision; its case id is taken from the path.
func (h *Handler) HandleResolveCase(w http.ResponseWriter, r *http.Request, caseID string) {
	var decision domain.AttributionDecision
	if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	decision.CaseID = caseID

	ok, err := h.manager.ResolveCase(r.Context(), decision)
	if err != nil {
		h.fail(w, err, "Failed to resolve case")
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{"case_id": caseID, "resolved": ok}))
}

type applyRequest struct {
	AppliedBy string `json:"applied_by"`
}

// HandleApplyResolution handles POST /api/cases/{caseID}/apply
func (h *Handler) HandleApplyResolution(w http.ResponseWriter, r *http.Request, caseID string) {
	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	applied, err := h.manager.ApplyResolution(r.Context(), caseID, req.AppliedBy)
	if err != nil {
		h.fail(w, err, "Failed to apply case resolution")
		return
	}

	c, err := h.manager.GetCase(r.Context(), caseID)
	if err != nil {
		h.fail(w, err, "Failed to get case")
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{"applied": applied, "case": c}))
}

// fail maps a core error to its status; unexpected errors are logged
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
