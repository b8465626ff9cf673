// Package webhook enforces label policy at job start. GitHub sends a
// workflow_job event when a job is picked up by a runner; if that runner's
// current labels violate its owner's policy the run is cancelled (enforce
// mode) or only recorded (audit mode).
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	gogithub "github.com/google/go-github/v65/github"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runnerguard/internal/audit"
	"github.com/terrpan/runnerguard/internal/policy"
	"github.com/terrpan/runnerguard/internal/registry"
	"github.com/terrpan/runnerguard/internal/runner"
)

// Mode selects what happens when a running job violates policy.
type Mode string

const (
	// ModeAudit records the violation and lets the job run.
	ModeAudit Mode = "audit"
	// ModeEnforce additionally cancels the workflow run.
	ModeEnforce Mode = "enforce"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeAudit || m == ModeEnforce }

// Response statuses.
const (
	StatusIgnored            = "ignored"
	StatusOK                 = "ok"
	StatusViolationDetected  = "violation_detected"
	actionInProgress         = "in_progress"
	eventWorkflowJob         = "workflow_job"
	maxPayloadBytes    int64 = 25 << 20
)

// Config holds the dependencies of a Handler.
type Config struct {
	Store     runner.Store
	Policies  policy.Store
	Registry  registry.Client
	Evaluator *policy.Evaluator
	Recorder  *audit.Recorder
	// Secret validates X-Hub-Signature-256. An empty secret disables
	// signature validation.
	Secret []byte
	Mode   Mode
	Logger *slog.Logger
}

// Handler serves GitHub webhook deliveries.
type Handler struct {
	store     runner.Store
	policies  policy.Store
	registry  registry.Client
	evaluator *policy.Evaluator
	recorder  *audit.Recorder
	secret    []byte
	mode      Mode
	logger    *slog.Logger
	tracer    trace.Tracer
}

var _ http.Handler = (*Handler)(nil)

// New creates a Handler. An unknown mode falls back to audit.
func New(cfg Config) *Handler {
	if !cfg.Mode.Valid() {
		cfg.Mode = ModeAudit
	}
	return &Handler{
		store:     cfg.Store,
		policies:  cfg.Policies,
		registry:  cfg.Registry,
		evaluator: cfg.Evaluator,
		recorder:  cfg.Recorder,
		secret:    cfg.Secret,
		mode:      cfg.Mode,
		logger:    cfg.Logger,
		tracer:    otel.Tracer("runnerguard/webhook"),
	}
}

// Response is the JSON body returned for every accepted delivery.
type Response struct {
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
	Event           string `json:"event,omitempty"`
	LabelsValid     *bool  `json:"labels_valid,omitempty"`
	EnforcementMode Mode   `json:"enforcement_mode,omitempty"`
	ActionTaken     string `json:"action_taken,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadBytes)

	eventType := gogithub.WebHookType(r)
	delivery := gogithub.DeliveryID(r)
	logger := h.logger.With(slog.String("event", eventType), slog.String("delivery", delivery))

	payload, err := gogithub.ValidatePayload(r, h.secret)
	if err != nil {
		logger.Warn("invalid webhook delivery", slog.String("error", err.Error()))
		http.Error(w, "invalid webhook signature", http.StatusUnauthorized)
		return
	}

	if eventType != eventWorkflowJob {
		writeJSON(w, http.StatusOK, Response{Status: StatusIgnored, Event: eventType})
		return
	}

	event, err := gogithub.ParseWebHook(eventType, payload)
	if err != nil {
		logger.Warn("invalid webhook payload", slog.String("error", err.Error()))
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	job, ok := event.(*gogithub.WorkflowJobEvent)
	if !ok {
		http.Error(w, "unexpected payload", http.StatusBadRequest)
		return
	}

	resp, err := h.HandleWorkflowJob(r.Context(), job)
	if err != nil {
		logger.Error("failed to handle workflow job", slog.String("error", err.Error()))
		status := http.StatusInternalServerError
		if registry.IsTransient(err) {
			status = http.StatusBadGateway
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleWorkflowJob checks the runner that picked up a job. Only
// in_progress events for runners tracked by runnerguard are evaluated.
func (h *Handler) HandleWorkflowJob(ctx context.Context, event *gogithub.WorkflowJobEvent) (Response, error) {
	ctx, span := h.tracer.Start(ctx, "webhook.WorkflowJob")
	defer span.End()

	if action := event.GetAction(); action != actionInProgress {
		return Response{Status: StatusIgnored, Reason: "action=" + action}, nil
	}

	job := event.GetWorkflowJob()
	runnerName := job.GetRunnerName()
	runnerID := job.GetRunnerID()
	runID := job.GetRunID()
	repo := event.GetRepo().GetFullName()
	if runnerName == "" || runnerID == 0 {
		return Response{Status: StatusIgnored, Reason: "missing runner info"}, nil
	}

	span.SetAttributes(
		attribute.String("runner.name", runnerName),
		attribute.Int64("runner.external_id", runnerID),
		attribute.Int64("workflow.run_id", runID),
		attribute.String("repository", repo),
	)
	logger := h.logger.With(
		slog.String("runner", runnerName),
		slog.Int64("run_id", runID),
		slog.String("repo", repo),
	)
	logger.Info("workflow job in progress")

	local, err := h.store.GetByName(ctx, runnerName, false)
	if errors.Is(err, runner.ErrNotFound) {
		logger.Warn("webhook runner not managed by runnerguard")
		return Response{Status: StatusIgnored, Reason: "runner not managed by this service"}, nil
	}
	if err != nil {
		return Response{}, fmt.Errorf("look up runner: %w", err)
	}

	labels := job.Labels
	remote, err := h.registry.GetRunnerByID(ctx, runnerID)
	switch {
	case err != nil:
		return Response{}, fmt.Errorf("fetch registry runner %d: %w", runnerID, err)
	case remote != nil:
		labels = remote.Labels
	default:
		logger.Warn("webhook runner not found in registry, using job labels")
	}

	p, err := h.policies.Get(ctx, local.OwnerSubject())
	if err != nil {
		return Response{}, fmt.Errorf("load policy: %w", err)
	}
	result := h.evaluator.Evaluate(p, labels)
	if result.Compliant {
		valid := true
		return Response{Status: StatusOK, LabelsValid: &valid}, nil
	}

	logger.Error("running job violates label policy",
		slog.String("subject", local.OwnerSubject().String()),
		slog.Any("invalid_labels", result.InvalidLabels),
	)

	action := audit.ActionAuditOnly
	details := map[string]any{
		"invalid_labels":   result.InvalidLabels,
		"message":          (&policy.ViolationError{InvalidLabels: result.InvalidLabels}).Error(),
		"run_id":           runID,
		"repository":       repo,
		"workflow_job_id":  job.GetID(),
		"enforcement_mode": string(h.mode),
	}
	if h.mode == ModeEnforce {
		cancelled, err := h.registry.CancelJob(ctx, repo, runID)
		switch {
		case err != nil:
			action = audit.ActionWorkflowCancelError
			details["cancel_error"] = err.Error()
			logger.Error("failed to cancel workflow run", slog.String("error", err.Error()))
		case cancelled:
			action = audit.ActionWorkflowCancelled
			logger.Info("workflow run cancelled for policy violation")
		default:
			action = audit.ActionWorkflowCancelFailed
			logger.Warn("workflow run could not be cancelled")
		}
	}

	h.recorder.SecurityEvent(ctx, &audit.SecurityEvent{
		EventType:   audit.EventPolicyViolationWorkflow,
		Severity:    audit.SeverityHigh,
		Subject:     local.OwnerSubject(),
		RunnerID:    local.ID,
		RunnerName:  runnerName,
		ExternalID:  &runnerID,
		Details:     details,
		ActionTaken: action,
	})

	return Response{
		Status:          StatusViolationDetected,
		EnforcementMode: h.mode,
		ActionTaken:     action,
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
