package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/terrpan/runnerguard/internal/audit"
	"github.com/terrpan/runnerguard/internal/policy"
	"github.com/terrpan/runnerguard/internal/reconcile"
	"github.com/terrpan/runnerguard/internal/runner"
)

const defaultHistoryLimit = 10

// ---------------------------------------------------------------------------
// Sync
// ---------------------------------------------------------------------------

type syncStatusResponse struct {
	LastCycle *reconcile.CycleSummary   `json:"last_cycle"`
	Recent    []*reconcile.CycleSummary `json:"recent"`
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	recent, err := s.cycles.History(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recent == nil {
		recent = []*reconcile.CycleSummary{}
	}
	writeJSON(w, http.StatusOK, syncStatusResponse{LastCycle: s.cycles.LastCycleSummary(), Recent: recent})
}

func (s *Server) syncTrigger(w http.ResponseWriter, r *http.Request) {
	summary, err := s.cycles.Trigger(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ---------------------------------------------------------------------------
// Security events
// ---------------------------------------------------------------------------

type securityEventView struct {
	ID          string             `json:"id"`
	EventType   string             `json:"event_type"`
	Severity    audit.Severity     `json:"severity"`
	SubjectKind runner.SubjectKind `json:"subject_kind"`
	SubjectID   string             `json:"subject_id"`
	RunnerID    string             `json:"runner_id,omitempty"`
	RunnerName  string             `json:"runner_name,omitempty"`
	ExternalID  *int64             `json:"external_id,omitempty"`
	Details     map[string]any     `json:"details,omitempty"`
	ActionTaken string             `json:"action_taken"`
	Timestamp   time.Time          `json:"timestamp"`
}

type securityEventList struct {
	Events []securityEventView `json:"events"`
	Total  int                 `json:"total"`
}

func (s *Server) listSecurityEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		Severity:  audit.Severity(q.Get("severity")),
		EventType: q.Get("event_type"),
		SubjectID: q.Get("subject"),
	}
	switch filter.Severity {
	case "", audit.SeverityLow, audit.SeverityMedium, audit.SeverityHigh, audit.SeverityCritical:
	default:
		writeErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("unknown severity %q", filter.Severity))
		return
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}
	limit, err := queryInt(r, "limit", audit.DefaultLimit)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = limit

	events, err := s.events.ListSecurityEvents(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list := securityEventList{Events: make([]securityEventView, 0, len(events)), Total: len(events)}
	for _, e := range events {
		list.Events = append(list.Events, securityEventView{
			ID:          e.ID,
			EventType:   e.EventType,
			Severity:    e.Severity,
			SubjectKind: e.Subject.Kind,
			SubjectID:   e.Subject.ID,
			RunnerID:    e.RunnerID,
			RunnerName:  e.RunnerName,
			ExternalID:  e.ExternalID,
			Details:     e.Details,
			ActionTaken: e.ActionTaken,
			Timestamp:   e.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, list)
}

// ---------------------------------------------------------------------------
// Policies
// ---------------------------------------------------------------------------

type policyView struct {
	Kind   runner.SubjectKind `json:"kind"`
	ID     string             `json:"id"`
	Policy policy.Policy      `json:"policy"`
}

// policySubject reads the subject from the route. User policies may carry
// a secondary id in the query string.
func policySubject(r *http.Request) (runner.Subject, bool) {
	vars := mux.Vars(r)
	subject := runner.Subject{Kind: runner.SubjectKind(vars["kind"]), ID: vars["id"]}
	switch subject.Kind {
	case runner.SubjectUser:
		subject.SecondaryID = r.URL.Query().Get("secondary_id")
	case runner.SubjectTeam:
	default:
		return subject, false
	}
	return subject, true
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	subject, ok := policySubject(r)
	if !ok {
		writeErrorMessage(w, http.StatusNotFound, "unknown subject kind")
		return
	}
	p, err := s.policies.Get(r.Context(), subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if p == nil {
		writeErrorMessage(w, http.StatusNotFound, "no policy for "+subject.String())
		return
	}
	writeJSON(w, http.StatusOK, policyView{Kind: subject.Kind, ID: subject.ID, Policy: p})
}

func (s *Server) putPolicy(w http.ResponseWriter, r *http.Request) {
	subject, ok := policySubject(r)
	if !ok {
		writeErrorMessage(w, http.StatusNotFound, "unknown subject kind")
		return
	}

	var p policy.Policy
	if subject.Kind == runner.SubjectUser {
		p = &policy.UserPolicy{}
	} else {
		p = &policy.TeamPolicy{}
	}
	if err := decodeJSON(w, r, p); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid policy: %v", err))
		return
	}
	if err := policy.Validate(p); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.policies.Put(r.Context(), subject, p); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("policy updated",
		slog.String("subject", subject.String()),
		slog.String("by", requestIdentity(r).user),
	)
	writeJSON(w, http.StatusOK, policyView{Kind: subject.Kind, ID: subject.ID, Policy: p})
}

func (s *Server) deletePolicy(w http.ResponseWriter, r *http.Request) {
	subject, ok := policySubject(r)
	if !ok {
		writeErrorMessage(w, http.StatusNotFound, "unknown subject kind")
		return
	}
	if err := s.policies.Delete(r.Context(), subject); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("policy deleted",
		slog.String("subject", subject.String()),
		slog.String("by", requestIdentity(r).user),
	)
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}
