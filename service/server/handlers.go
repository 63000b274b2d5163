package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/vaultwatch/service/monitor"
)

// unhealthyIntervals is how many poll intervals may pass without a successful
// cycle before /health reports failure.
const unhealthyIntervals = 30

type healthResponse struct {
	Status string `json:"status"`
	State  string `json:"state,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// handleHealth reports liveness. With a status provider it also fails when no
// cycle has completed for unhealthyIntervals poll intervals.
// GET /health
func handleHealth(status StatusProvider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status == nil {
			writeJSON(w, healthResponse{Status: "ok"}, http.StatusOK)
			return
		}

		s := status.Status()
		if reason := unhealthyReason(s, time.Now()); reason != "" {
			writeJSON(w, healthResponse{Status: "unhealthy", State: string(s.State), Reason: reason}, http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, healthResponse{Status: "ok", State: string(s.State)}, http.StatusOK)
	})
}

func unhealthyReason(s monitor.Status, now time.Time) string {
	limit := time.Duration(unhealthyIntervals) * s.PollInterval
	if limit <= 0 {
		return ""
	}
	last := s.LastSuccessAt
	if last.IsZero() {
		last = s.StartedAt
	}
	if now.Sub(last) > limit {
		return "no successful cycle since " + last.Format(time.RFC3339)
	}
	return ""
}

type statusResponse struct {
	monitor.Status
	PollInterval string `json:"poll_interval"`
}

// handleStatus returns the driver status.
// GET /api/v1/status
func handleStatus(status StatusProvider, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := status.Status()
		logger.DebugContext(r.Context(), "status requested", "state", s.State, "cursor", s.Cursor)
		writeJSON(w, statusResponse{Status: s, PollInterval: s.PollInterval.String()}, http.StatusOK)
	})
}

// handleWorkflowStatus queries the monitor workflow.
// GET /api/v1/workflow-status
func handleWorkflowStatus(querier WorkflowQuerier, address string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, err := querier.QueryStatus(r.Context(), address)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to query workflow status", "address", address, "error", err)
			writeError(w, "workflow status unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, status, http.StatusOK)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
