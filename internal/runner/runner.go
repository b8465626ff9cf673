// Package runner defines the runner record tracked by runnerguard, its
// lifecycle states and the repository contract used to persist it.
package runner

import (
	"slices"
	"time"
)

// Status is the lifecycle state of a runner.
type Status string

const (
	StatusPending Status = "pending"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusDeleted Status = "deleted"
)

// Terminal reports whether s is the absorbing deleted state.
func (s Status) Terminal() bool { return s == StatusDeleted }

// NonTerminalStatuses lists every status that counts as active, both for
// name uniqueness and for quota purposes.
var NonTerminalStatuses = []Status{StatusPending, StatusOnline, StatusOffline}

// ProvisioningMethod selects how a runner obtains its registry credential.
type ProvisioningMethod string

const (
	MethodRegistrationToken ProvisioningMethod = "registration_token"
	MethodJIT               ProvisioningMethod = "jit"
)

// Valid reports whether m is a known provisioning method.
func (m ProvisioningMethod) Valid() bool {
	return m == MethodRegistrationToken || m == MethodJIT
}

// Deletion reasons recorded on runners when they move to StatusDeleted.
const (
	ReasonCredentialExpired  = "credential expired"
	ReasonNotFoundExternally = "not found externally"
	ReasonPolicyViolation    = "label policy violation"
	ReasonLabelDrift         = "label drift"
	ReasonVerificationFailed = "label verification failed"
	ReasonDeprovisioned      = "deprovisioned"
	ReasonLaunchFailed       = "launch failed"
)

// Runner is a unit of compute capacity tracked end to end.
type Runner struct {
	ID         string
	ExternalID *int64
	Name       string

	Labels            []string
	ProvisionedLabels []string
	GroupID           int64
	Ephemeral         bool
	Method            ProvisioningMethod

	Owner            string
	OwnerKind        SubjectKind
	OwnerSecondaryID string

	Status              Status
	Credential          *string
	CredentialExpiresAt *time.Time

	CreatedAt      time.Time
	UpdatedAt      time.Time
	RegisteredAt   *time.Time
	DeletedAt      *time.Time
	DeletionReason string

	// LaunchID identifies the compute instance started for this runner by
	// the configured launcher. Empty when runnerguard did not launch it.
	LaunchID string
}

// OwnerSubject returns the subject that owns the runner.
func (r *Runner) OwnerSubject() Subject {
	return Subject{Kind: r.OwnerKind, ID: r.Owner, SecondaryID: r.OwnerSecondaryID}
}

// OwnedBy reports whether subject owns the runner. See Subject.Matches.
func (r *Runner) OwnedBy(subject Subject) bool {
	return r.OwnerSubject().Matches(subject)
}

// MarkDeleted moves the runner to the deleted state, clearing its
// credential. It is a no-op returning false when the runner is already
// deleted, since deleted is never reversed.
func (r *Runner) MarkDeleted(now time.Time, reason string) bool {
	if r.Status.Terminal() {
		return false
	}
	r.Status = StatusDeleted
	r.DeletedAt = &now
	r.DeletionReason = reason
	r.Credential = nil
	r.CredentialExpiresAt = nil
	r.UpdatedAt = now
	return true
}

// CredentialExpired reports whether a pending runner's credential can no
// longer be used to register. The explicit expiry wins; otherwise the
// runner is considered stale once it is older than staleAfter.
func (r *Runner) CredentialExpired(now time.Time, staleAfter time.Duration) bool {
	if r.CredentialExpiresAt != nil {
		return !now.Before(*r.CredentialExpiresAt)
	}
	return now.Sub(r.CreatedAt) >= staleAfter
}

// SyncFromRegistry copies the state observed in the registry onto the
// runner: connection status, external id and registration time, and clears
// the credential now that it has been used. It reports whether anything
// changed so callers can tell updates from no-ops.
func (r *Runner) SyncFromRegistry(online bool, externalID int64, now time.Time) bool {
	var changed bool
	status := StatusOffline
	if online {
		status = StatusOnline
	}
	if r.Status != status {
		r.Status = status
		changed = true
	}
	if r.ExternalID == nil {
		r.ExternalID = &externalID
		changed = true
	}
	if r.RegisteredAt == nil {
		r.RegisteredAt = &now
		changed = true
	}
	if r.Credential != nil || r.CredentialExpiresAt != nil {
		r.Credential = nil
		r.CredentialExpiresAt = nil
		changed = true
	}
	if changed {
		r.UpdatedAt = now
	}
	return changed
}

// Clone returns a deep copy of the runner.
func (r *Runner) Clone() *Runner {
	c := *r
	c.Labels = slices.Clone(r.Labels)
	c.ProvisionedLabels = slices.Clone(r.ProvisionedLabels)
	c.ExternalID = clonePtr(r.ExternalID)
	c.Credential = clonePtr(r.Credential)
	c.CredentialExpiresAt = clonePtr(r.CredentialExpiresAt)
	c.RegisteredAt = clonePtr(r.RegisteredAt)
	c.DeletedAt = clonePtr(r.DeletedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
