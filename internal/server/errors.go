package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/terrpan/runnerguard/internal/policy"
	"github.com/terrpan/runnerguard/internal/provision"
	"github.com/terrpan/runnerguard/internal/reconcile"
	"github.com/terrpan/runnerguard/internal/registry"
	"github.com/terrpan/runnerguard/internal/runner"
)

// errorResponse is the body of every non-2xx API response.
type errorResponse struct {
	Error         string   `json:"error"`
	InvalidLabels []string `json:"invalid_labels,omitempty"`
	CurrentCount  *int     `json:"current_count,omitempty"`
	MaxRunners    *int     `json:"max_runners,omitempty"`
}

// errorStatus maps domain errors onto HTTP statuses and response bodies.
func errorStatus(err error) (int, errorResponse) {
	resp := errorResponse{Error: err.Error()}

	var violation *policy.ViolationError
	var quota *policy.QuotaExceededError
	var pattern *policy.InvalidPatternError
	switch {
	case errors.As(err, &violation):
		resp.InvalidLabels = violation.InvalidLabels
		return http.StatusForbidden, resp
	case errors.As(err, &quota):
		resp.CurrentCount = &quota.Current
		resp.MaxRunners = &quota.Limit
		return http.StatusTooManyRequests, resp
	case errors.As(err, &pattern), errors.Is(err, provision.ErrInvalidRequest):
		return http.StatusBadRequest, resp
	case errors.Is(err, provision.ErrNameCollision),
		errors.Is(err, provision.ErrAlreadyDeleted),
		errors.Is(err, reconcile.ErrCycleInProgress):
		return http.StatusConflict, resp
	case errors.Is(err, runner.ErrNotFound):
		return http.StatusNotFound, resp
	case registry.IsTransient(err):
		return http.StatusServiceUnavailable, resp
	}
	return http.StatusInternalServerError, errorResponse{Error: "internal server error"}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, resp)
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
