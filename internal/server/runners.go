package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/terrpan/runnerguard/internal/provision"
	"github.com/terrpan/runnerguard/internal/runner"
)

// runnerView is the API representation of a runner. Credentials are never
// returned after provisioning.
type runnerView struct {
	ID             string                    `json:"id"`
	ExternalID     *int64                    `json:"external_id,omitempty"`
	Name           string                    `json:"name"`
	Status         runner.Status             `json:"status"`
	Labels         []string                  `json:"labels"`
	GroupID        int64                     `json:"group_id"`
	Ephemeral      bool                      `json:"ephemeral"`
	Method         runner.ProvisioningMethod `json:"method"`
	Owner          string                    `json:"owner"`
	OwnerKind      runner.SubjectKind        `json:"owner_kind"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
	RegisteredAt   *time.Time                `json:"registered_at,omitempty"`
	DeletedAt      *time.Time                `json:"deleted_at,omitempty"`
	DeletionReason string                    `json:"deletion_reason,omitempty"`
}

func newRunnerView(r *runner.Runner) runnerView {
	return runnerView{
		ID:             r.ID,
		ExternalID:     r.ExternalID,
		Name:           r.Name,
		Status:         r.Status,
		Labels:         r.Labels,
		GroupID:        r.GroupID,
		Ephemeral:      r.Ephemeral,
		Method:         r.Method,
		Owner:          r.Owner,
		OwnerKind:      r.OwnerKind,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		RegisteredAt:   r.RegisteredAt,
		DeletedAt:      r.DeletedAt,
		DeletionReason: r.DeletionReason,
	}
}

type runnerList struct {
	Runners []runnerView `json:"runners"`
	Total   int          `json:"total"`
}

func (s *Server) provisionRunner(w http.ResponseWriter, r *http.Request) {
	var req provision.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	result, err := s.runners.Provision(r.Context(), req, requestSubject(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) listRunners(w http.ResponseWriter, r *http.Request) {
	activeOnly := true
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "active must be a boolean")
			return
		}
		activeOnly = b
	}

	runners, err := s.runners.List(r.Context(), requestSubject(r), activeOnly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list := runnerList{Runners: make([]runnerView, 0, len(runners)), Total: len(runners)}
	for _, rr := range runners {
		list.Runners = append(list.Runners, newRunnerView(rr))
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getRunner(w http.ResponseWriter, r *http.Request) {
	rr, err := s.runners.Get(r.Context(), mux.Vars(r)["name"], requestSubject(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRunnerView(rr))
}

func (s *Server) refreshRunner(w http.ResponseWriter, r *http.Request) {
	rr, err := s.runners.Refresh(r.Context(), mux.Vars(r)["name"], requestSubject(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRunnerView(rr))
}

func (s *Server) deprovisionRunner(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.runners.Deprovision(r.Context(), name, requestSubject(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"runner_name": name,
		"status":      string(runner.StatusDeleted),
	})
}
