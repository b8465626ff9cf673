package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/terrpan/runnerguard/internal/audit"
	"github.com/terrpan/runnerguard/internal/policy"
	"github.com/terrpan/runnerguard/internal/registry"
	"github.com/terrpan/runnerguard/internal/registry/registrytest"
	"github.com/terrpan/runnerguard/internal/runner"
	"github.com/terrpan/runnerguard/internal/store/memory"
)

const testSecret = "s3cret"

type HandlerSuite struct {
	suite.Suite
	ctx      context.Context
	store    *memory.Store
	registry *registrytest.Fake
	alice    runner.Subject
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memory.New()
	s.registry = registrytest.NewFake()
	s.alice = runner.Subject{Kind: runner.SubjectUser, ID: "alice"}
	require.NoError(s.T(), s.store.Put(s.ctx, s.alice, &policy.UserPolicy{AllowedLabels: []string{"linux"}}))
}

func (s *HandlerSuite) handler(mode Mode, secret string) *Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := testingclock.NewFakePassiveClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(Config{
		Store:     s.store,
		Policies:  s.store,
		Registry:  s.registry,
		Evaluator: policy.NewEvaluator(policy.DefaultSystemLabels()),
		Recorder:  audit.NewRecorder(s.store, clk, logger),
		Secret:    []byte(secret),
		Mode:      mode,
		Logger:    logger,
	})
}

// addRunner tracks a runner named name and registers it with labels.
func (s *HandlerSuite) addRunner(name string, labels ...string) int64 {
	remote := s.registry.Add(registry.Runner{Name: name, Labels: labels})
	id := remote.ID
	require.NoError(s.T(), s.store.Create(s.ctx, &runner.Runner{
		ID:         "r-" + name,
		Name:       name,
		ExternalID: &id,
		Labels:     []string{"linux"},
		Owner:      s.alice.ID,
		OwnerKind:  s.alice.Kind,
		Status:     runner.StatusOnline,
		Method:     runner.MethodRegistrationToken,
	}))
	return id
}

func jobPayload(action, runnerName string, runnerID int64) []byte {
	body, _ := json.Marshal(map[string]any{
		"action": action,
		"workflow_job": map[string]any{
			"id":          555,
			"run_id":      777,
			"runner_name": runnerName,
			"runner_id":   runnerID,
			"labels":      []string{"self-hosted", "linux"},
		},
		"repository": map[string]any{"full_name": "acme/app"},
	})
	return body
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (s *HandlerSuite) deliver(h *Handler, event string, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "d-1")
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

// ---------------------------------------------------------------------------
// Signature and routing
// ---------------------------------------------------------------------------

func (s *HandlerSuite) TestInvalidSignatureRejected() {
	h := s.handler(ModeEnforce, testSecret)
	body := jobPayload("in_progress", "r1", 1)

	rec := s.deliver(h, "workflow_job", body, sign("wrong", body))
	assert.Equal(s.T(), http.StatusUnauthorized, rec.Code)

	rec = s.deliver(h, "workflow_job", body, "")
	assert.Equal(s.T(), http.StatusUnauthorized, rec.Code)
}

func (s *HandlerSuite) TestNoSecretSkipsValidation() {
	h := s.handler(ModeAudit, "")
	rec := s.deliver(h, "ping", []byte(`{}`), "")
	require.Equal(s.T(), http.StatusOK, rec.Code)
	assert.Equal(s.T(), Response{Status: StatusIgnored, Event: "ping"}, decode(s.T(), rec))
}

func (s *HandlerSuite) TestInvalidJSON() {
	h := s.handler(ModeAudit, testSecret)
	body := []byte(`{not json`)
	rec := s.deliver(h, "workflow_job", body, sign(testSecret, body))
	assert.Equal(s.T(), http.StatusBadRequest, rec.Code)
}

func (s *HandlerSuite) TestIgnoredDeliveries() {
	h := s.handler(ModeEnforce, testSecret)
	id := s.addRunner("r1", "self-hosted", "linux")

	tests := []struct {
		name   string
		event  string
		body   []byte
		reason string
	}{
		{name: "other event", event: "push", body: []byte(`{}`)},
		{name: "queued action", event: "workflow_job", body: jobPayload("queued", "r1", id), reason: "action=queued"},
		{name: "completed action", event: "workflow_job", body: jobPayload("completed", "r1", id), reason: "action=completed"},
		{name: "no runner yet", event: "workflow_job", body: jobPayload("in_progress", "", 0), reason: "missing runner info"},
		{name: "unmanaged runner", event: "workflow_job", body: jobPayload("in_progress", "someone-elses", 42), reason: "runner not managed by this service"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			rec := s.deliver(h, tt.event, tt.body, sign(testSecret, tt.body))
			require.Equal(s.T(), http.StatusOK, rec.Code)
			resp := decode(s.T(), rec)
			assert.Equal(s.T(), StatusIgnored, resp.Status)
			assert.Equal(s.T(), tt.reason, resp.Reason)
		})
	}
	assert.Empty(s.T(), s.registry.CancelCalls)
}

// ---------------------------------------------------------------------------
// Enforcement
// ---------------------------------------------------------------------------

func (s *HandlerSuite) TestCompliantRunner() {
	h := s.handler(ModeEnforce, testSecret)
	id := s.addRunner("r1", "self-hosted", "linux")
	body := jobPayload("in_progress", "r1", id)

	rec := s.deliver(h, "workflow_job", body, sign(testSecret, body))
	require.Equal(s.T(), http.StatusOK, rec.Code)
	resp := decode(s.T(), rec)
	assert.Equal(s.T(), StatusOK, resp.Status)
	require.NotNil(s.T(), resp.LabelsValid)
	assert.True(s.T(), *resp.LabelsValid)
	assert.Empty(s.T(), s.registry.CancelCalls)
}

func (s *HandlerSuite) TestViolationEnforceCancels() {
	h := s.handler(ModeEnforce, testSecret)
	id := s.addRunner("r1", "self-hosted", "linux", "gpu")
	body := jobPayload("in_progress", "r1", id)

	rec := s.deliver(h, "workflow_job", body, sign(testSecret, body))
	require.Equal(s.T(), http.StatusOK, rec.Code)
	assert.Equal(s.T(), Response{
		Status:          StatusViolationDetected,
		EnforcementMode: ModeEnforce,
		ActionTaken:     audit.ActionWorkflowCancelled,
	}, decode(s.T(), rec))
	assert.Equal(s.T(), []registrytest.Cancel{{Repo: "acme/app", RunID: 777}}, s.registry.CancelCalls)

	events, err := s.store.ListSecurityEvents(s.ctx, audit.Filter{})
	require.NoError(s.T(), err)
	require.Len(s.T(), events, 1)
	e := events[0]
	assert.Equal(s.T(), audit.EventPolicyViolationWorkflow, e.EventType)
	assert.Equal(s.T(), audit.SeverityHigh, e.Severity)
	assert.Equal(s.T(), "r-r1", e.RunnerID)
	assert.Equal(s.T(), []string{"gpu"}, e.Details["invalid_labels"])
	assert.Equal(s.T(), int64(777), e.Details["run_id"])
	assert.Equal(s.T(), "acme/app", e.Details["repository"])
	assert.Equal(s.T(), int64(555), e.Details["workflow_job_id"])
	assert.Equal(s.T(), "enforce", e.Details["enforcement_mode"])
}

func (s *HandlerSuite) TestViolationCancelOutcomes() {
	tests := []struct {
		name     string
		cancelOK bool
		err      error
		want     string
	}{
		{name: "cancel refused", cancelOK: false, want: audit.ActionWorkflowCancelFailed},
		{name: "cancel error", err: fmt.Errorf("%w: boom", registry.ErrNetwork), want: audit.ActionWorkflowCancelError},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			s.registry.CancelOK = tt.cancelOK
			s.registry.CancelErr = tt.err
			h := s.handler(ModeEnforce, testSecret)
			id := s.addRunner("r1", "self-hosted", "gpu")
			body := jobPayload("in_progress", "r1", id)

			rec := s.deliver(h, "workflow_job", body, sign(testSecret, body))
			require.Equal(s.T(), http.StatusOK, rec.Code)
			assert.Equal(s.T(), tt.want, decode(s.T(), rec).ActionTaken)

			events, err := s.store.ListSecurityEvents(s.ctx, audit.Filter{})
			require.NoError(s.T(), err)
			require.Len(s.T(), events, 1)
			assert.Equal(s.T(), tt.want, events[0].ActionTaken)
		})
	}
}

func (s *HandlerSuite) TestViolationAuditOnly() {
	h := s.handler(ModeAudit, testSecret)
	id := s.addRunner("r1", "self-hosted", "gpu")
	body := jobPayload("in_progress", "r1", id)

	rec := s.deliver(h, "workflow_job", body, sign(testSecret, body))
	require.Equal(s.T(), http.StatusOK, rec.Code)
	resp := decode(s.T(), rec)
	assert.Equal(s.T(), StatusViolationDetected, resp.Status)
	assert.Equal(s.T(), ModeAudit, resp.EnforcementMode)
	assert.Equal(s.T(), audit.ActionAuditOnly, resp.ActionTaken)
	assert.Empty(s.T(), s.registry.CancelCalls)
}

func (s *HandlerSuite) TestRegistryMissingFallsBackToJobLabels() {
	h := s.handler(ModeEnforce, testSecret)
	id := s.addRunner("r1", "self-hosted", "gpu")
	s.registry.Remove(id)
	body := jobPayload("in_progress", "r1", id)

	rec := s.deliver(h, "workflow_job", body, sign(testSecret, body))
	require.Equal(s.T(), http.StatusOK, rec.Code)
	assert.Equal(s.T(), StatusOK, decode(s.T(), rec).Status)
}

func (s *HandlerSuite) TestRegistryFailure() {
	h := s.handler(ModeEnforce, testSecret)
	id := s.addRunner("r1", "self-hosted", "gpu")
	s.registry.GetErr = fmt.Errorf("%w: timeout", registry.ErrNetwork)
	body := jobPayload("in_progress", "r1", id)

	rec := s.deliver(h, "workflow_job", body, sign(testSecret, body))
	assert.Equal(s.T(), http.StatusBadGateway, rec.Code)
	assert.Empty(s.T(), s.registry.CancelCalls)
}

func TestModeValid(t *testing.T) {
	assert.True(t, ModeAudit.Valid())
	assert.True(t, ModeEnforce.Valid())
	assert.False(t, Mode("block").Valid())

	h := New(Config{Mode: "block", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	assert.Equal(t, ModeAudit, h.mode)
}
