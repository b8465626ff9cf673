// Package audit records security events and provisioning audit entries.
// Records are append-only: nothing in runnerguard mutates or deletes them.
package audit

import (
	"context"
	"time"

	"github.com/terrpan/runnerguard/internal/runner"
)

// Severity ranks security events.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event types.
const (
	EventPolicyViolationProvision = "label_policy_violation_provision"
	EventQuotaExceeded            = "quota_exceeded"
	EventVerificationFailed       = "label_verification_failed"
	EventPolicyViolationSync      = "label_policy_violation_sync"
	EventLabelDrift               = "label_drift_detected"
	EventPolicyViolationWorkflow  = "label_policy_violation_workflow"
)

// Actions taken in response to an event.
const (
	ActionRejected             = "provision_rejected"
	ActionRunnerDeleted        = "runner_deleted"
	ActionLoggedOnly           = "logged_only"
	ActionAuditOnly            = "audit_only"
	ActionWorkflowCancelled    = "workflow_cancelled"
	ActionWorkflowCancelFailed = "workflow_cancel_failed"
	ActionWorkflowCancelError  = "workflow_cancel_error"
)

// SecurityEvent is an immutable record of a policy violation and the
// remedial action taken.
type SecurityEvent struct {
	ID          string
	EventType   string
	Severity    Severity
	Subject     runner.Subject
	RunnerID    string
	RunnerName  string
	ExternalID  *int64
	Details     map[string]any
	ActionTaken string
	Timestamp   time.Time
}

// Audit entry actions.
const (
	EntryProvision         = "provision"
	EntryProvisionFailed   = "provision_failed"
	EntryDeprovision       = "deprovision"
	EntryDeprovisionFailed = "deprovision_failed"
)

// Entry records a user-initiated lifecycle operation.
type Entry struct {
	ID         string
	Action     string
	Subject    runner.Subject
	RunnerID   string
	RunnerName string
	Success    bool
	Error      string
	Details    map[string]any
	Timestamp  time.Time
}

// Filter narrows ListSecurityEvents. Zero values match everything.
type Filter struct {
	Severity  Severity
	EventType string
	SubjectID string
	Since     time.Time
	// Limit caps the number of events returned, newest first. Zero means
	// DefaultLimit.
	Limit int
}

const DefaultLimit = 100

// Sink stores security events and audit entries.
type Sink interface {
	AppendSecurityEvent(ctx context.Context, event *SecurityEvent) error
	AppendEntry(ctx context.Context, entry *Entry) error
	// ListSecurityEvents returns matching events, newest first.
	ListSecurityEvents(ctx context.Context, filter Filter) ([]*SecurityEvent, error)
}

// Matches reports whether event passes the filter, ignoring Limit.
func (f Filter) Matches(event *SecurityEvent) bool {
	if f.Severity != "" && event.Severity != f.Severity {
		return false
	}
	if f.EventType != "" && event.EventType != f.EventType {
		return false
	}
	if f.SubjectID != "" && event.Subject.ID != f.SubjectID {
		return false
	}
	if !f.Since.IsZero() && event.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// EffectiveLimit returns the number of events to return.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultLimit
	}
	return f.Limit
}
