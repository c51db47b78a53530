package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// HealthResponse reports ledger reachability and downstream breaker states
type HealthResponse struct {
	Status     string            `json:"status"`
	Service    string            `json:"service"`
	Database   string            `json:"database"`
	Downstream map[string]string `json:"downstream"`
}

// handleHealth handles health check requests. An unreachable ledger is
// unhealthy; an open downstream breaker only degrades the service.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:   "healthy",
		Service:  "reconciler",
		Database: "ok",
		Downstream: map[string]string{
			"directory":      s.container.DirectoryClient.BreakerState(),
			"script-service": s.container.ScriptClient.BreakerState(),
		},
	}

	for _, state := range resp.Downstream {
		if state == gobreaker.StateOpen.String() {
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if err := s.container.LedgerDB.HealthCheck(ctx); err != nil {
		s.log.Error().Err(err).Msg("Ledger health check failed")
		resp.Status = "unhealthy"
		resp.Database = "unavailable"
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, resp)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
