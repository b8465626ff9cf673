// Package provision issues runner credentials on behalf of users and
// teams, enforcing label policy and quota up front and verifying the
// registered labels shortly afterwards.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/terrpan/runnerguard/internal/audit"
	"github.com/terrpan/runnerguard/internal/launcher"
	"github.com/terrpan/runnerguard/internal/policy"
	"github.com/terrpan/runnerguard/internal/registry"
	"github.com/terrpan/runnerguard/internal/remediate"
	"github.com/terrpan/runnerguard/internal/runner"
)

var (
	// ErrNameCollision is returned when the requested name is in use, or
	// when no free name could be generated from a prefix.
	ErrNameCollision = errors.New("runner name collision")

	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errors.New("invalid provisioning request")

	// ErrAlreadyDeleted is returned when deprovisioning a deleted runner.
	ErrAlreadyDeleted = errors.New("runner already deleted")
)

const (
	defaultVerificationDelay = 60 * time.Second
	defaultNameAttempts      = 5
	maxNameLength            = 64
	suffixLength             = 6
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Config holds the dependencies and settings of a Service.
type Config struct {
	Store     runner.Store
	Policies  policy.Store
	Registry  registry.Client
	Info      registry.Info
	Evaluator *policy.Evaluator
	Recorder  *audit.Recorder
	Remover   *remediate.Remover
	// Launcher is optional. When set, JIT runners are started on it as
	// soon as they are persisted.
	Launcher launcher.Launcher
	Clock    clock.WithDelayedExecution
	Logger   *slog.Logger

	VerificationDelay time.Duration
	DefaultGroupID    int64
	NameAttempts      int

	// NameSuffix returns the random part of generated names. Defaults to
	// six hex characters.
	NameSuffix func() string
}

// Request describes the runner a subject asks for. Exactly one of Name
// and NamePrefix may be set; when both are empty a random prefix is used.
type Request struct {
	Name          string                    `json:"name,omitempty"`
	NamePrefix    string                    `json:"name_prefix,omitempty"`
	Labels        []string                  `json:"labels"`
	GroupID       int64                     `json:"group_id,omitempty"`
	Ephemeral     bool                      `json:"ephemeral"`
	DisableUpdate bool                      `json:"disable_update"`
	Method        runner.ProvisioningMethod `json:"method,omitempty"`
}

// Result is returned to the caller of a successful Provision.
type Result struct {
	RunnerID        string                    `json:"runner_id"`
	Name            string                    `json:"runner_name"`
	Method          runner.ProvisioningMethod `json:"method"`
	Credential      string                    `json:"credential"`
	ExpiresAt       *time.Time                `json:"expires_at,omitempty"`
	RegistrationURL string                    `json:"registration_url"`
	GroupID         int64                     `json:"group_id"`
	Labels          []string                  `json:"labels"`
	Ephemeral       bool                      `json:"ephemeral"`
	ConfigCommand   string                    `json:"configuration_command"`
}

// Service provisions, lists and deprovisions runners.
type Service struct {
	store     runner.Store
	policies  policy.Store
	registry  registry.Client
	info      registry.Info
	evaluator *policy.Evaluator
	recorder  *audit.Recorder
	remover   *remediate.Remover
	launcher  launcher.Launcher
	clock     clock.WithDelayedExecution
	logger    *slog.Logger

	verificationDelay time.Duration
	defaultGroupID    int64
	nameAttempts      int
	nameSuffix        func() string

	// Pending verification timers, keyed by runner id.
	mu      sync.Mutex
	timers  map[string]clock.Timer
	running sync.WaitGroup
	closed  bool

	subjects *subjectLocks

	tracer   trace.Tracer
	requests metric.Int64Counter
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.VerificationDelay <= 0 {
		cfg.VerificationDelay = defaultVerificationDelay
	}
	if cfg.NameAttempts <= 0 {
		cfg.NameAttempts = defaultNameAttempts
	}
	if cfg.NameSuffix == nil {
		cfg.NameSuffix = func() string { return uuid.NewString()[:suffixLength] }
	}

	s := &Service{
		store:             cfg.Store,
		policies:          cfg.Policies,
		registry:          cfg.Registry,
		info:              cfg.Info,
		evaluator:         cfg.Evaluator,
		recorder:          cfg.Recorder,
		remover:           cfg.Remover,
		launcher:          cfg.Launcher,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		verificationDelay: cfg.VerificationDelay,
		defaultGroupID:    cfg.DefaultGroupID,
		nameAttempts:      cfg.NameAttempts,
		nameSuffix:        cfg.NameSuffix,
		timers:            make(map[string]clock.Timer),
		subjects:          newSubjectLocks(),
		tracer:            otel.Tracer("runnerguard/provision"),
	}

	var err error
	s.requests, err = otel.Meter("runnerguard/provision").Int64Counter(
		"runnerguard.provision.requests",
		metric.WithDescription("Total number of provisioning requests by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create provision requests counter", slog.String("error", err.Error()))
	}
	return s
}

// ---------------------------------------------------------------------------
// Provision
// ---------------------------------------------------------------------------

// Provision validates req for subject, mints a registry credential,
// persists a pending runner and schedules its label verification.
//
// Policy and quota failures are returned as *policy.ViolationError and
// *policy.QuotaExceededError. Registry failures wrap registry.ErrNetwork
// or registry.ErrRateLimited and leave nothing persisted.
func (s *Service) Provision(ctx context.Context, req Request, subject runner.Subject) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "provision.Provision")
	defer span.End()

	if err := s.normalize(&req); err != nil {
		s.count(ctx, "invalid")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("subject", subject.String()),
		attribute.String("provision.method", string(req.Method)),
		attribute.StringSlice("provision.labels", req.Labels),
	)

	// 1. Name.
	name, err := s.resolveName(ctx, req)
	if err != nil {
		s.count(ctx, "name_collision")
		return nil, s.failed(ctx, span, subject, req.Name, err, nil)
	}
	span.SetAttributes(attribute.String("runner.name", name))
	logger := s.logger.With(slog.String("runner", name), slog.String("subject", subject.String()))

	// 2. Labels.
	p, err := s.policies.Get(ctx, subject)
	if err != nil {
		s.count(ctx, "error")
		return nil, s.failed(ctx, span, subject, name, fmt.Errorf("load policy: %w", err), nil)
	}
	if result := s.evaluator.Evaluate(p, req.Labels); !result.Compliant {
		s.recorder.SecurityEvent(ctx, &audit.SecurityEvent{
			EventType:  audit.EventPolicyViolationProvision,
			Severity:   audit.SeverityMedium,
			Subject:    subject,
			RunnerName: name,
			Details: map[string]any{
				"requested_labels": req.Labels,
				"invalid_labels":   result.InvalidLabels,
			},
			ActionTaken: audit.ActionRejected,
		})
		s.count(ctx, "policy_violation")
		return nil, s.failed(ctx, span, subject, name, &policy.ViolationError{InvalidLabels: result.InvalidLabels}, nil)
	}

	// 3. Quota. The subject stays locked until its runner is persisted so
	// that concurrent requests count each other.
	unlock := s.subjects.lock(subject)
	defer unlock()

	current, err := s.store.CountNonTerminalByOwner(ctx, subject)
	if err != nil {
		s.count(ctx, "error")
		return nil, s.failed(ctx, span, subject, name, fmt.Errorf("count runners: %w", err), nil)
	}
	if err := policy.CheckQuota(p, current); err != nil {
		details := map[string]any{"current_count": current}
		var quotaErr *policy.QuotaExceededError
		if errors.As(err, &quotaErr) {
			details["max_runners"] = quotaErr.Limit
		}
		s.recorder.SecurityEvent(ctx, &audit.SecurityEvent{
			EventType:   audit.EventQuotaExceeded,
			Severity:    audit.SeverityLow,
			Subject:     subject,
			RunnerName:  name,
			Details:     details,
			ActionTaken: audit.ActionRejected,
		})
		s.count(ctx, "quota_exceeded")
		return nil, s.failed(ctx, span, subject, name, err, nil)
	}

	// 4. Credential.
	groupID := req.GroupID
	if groupID == 0 {
		groupID = s.defaultGroupID
	}
	now := s.clock.Now()
	r := &runner.Runner{
		ID:               uuid.NewString(),
		Name:             name,
		Labels:           slices.Clone(req.Labels),
		GroupID:          groupID,
		Ephemeral:        req.Ephemeral,
		Method:           req.Method,
		Owner:            subject.ID,
		OwnerKind:        subject.Kind,
		OwnerSecondaryID: subject.SecondaryID,
		Status:           runner.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var jitRunnerID int64
	switch req.Method {
	case runner.MethodJIT:
		jit, err := s.registry.GenerateJITConfig(ctx, name, groupID, req.Labels)
		if err != nil {
			s.count(ctx, "registry_error")
			return nil, s.failed(ctx, span, subject, name, fmt.Errorf("generate JIT config: %w", err), nil)
		}
		jitRunnerID = jit.RunnerID
		r.Credential = &jit.EncodedConfig
		r.ProvisionedLabels = slices.Clone(req.Labels)
	default:
		cred, err := s.registry.CreateRegistrationToken(ctx)
		if err != nil {
			s.count(ctx, "registry_error")
			return nil, s.failed(ctx, span, subject, name, fmt.Errorf("create registration token: %w", err), nil)
		}
		r.Credential = &cred.Token
		r.CredentialExpiresAt = &cred.ExpiresAt
	}

	// 5. Persist.
	if err := s.store.Create(ctx, r); err != nil {
		if jitRunnerID != 0 {
			s.discardJIT(ctx, jitRunnerID, name)
		}
		if errors.Is(err, runner.ErrNameTaken) {
			err = fmt.Errorf("%w: %s", ErrNameCollision, name)
			s.count(ctx, "name_collision")
		} else {
			err = fmt.Errorf("persist runner: %w", err)
			s.count(ctx, "error")
		}
		return nil, s.failed(ctx, span, subject, name, err, nil)
	}
	unlock()

	if jitRunnerID != 0 && s.launcher != nil {
		if err := s.launch(ctx, r, jitRunnerID); err != nil {
			s.count(ctx, "launch_error")
			return nil, s.failed(ctx, span, subject, name, err, map[string]any{"runner_id": r.ID})
		}
	}

	// 6. Verification.
	s.scheduleVerification(r.ID)

	// 7. Result.
	details := map[string]any{
		"group_id":  groupID,
		"labels":    req.Labels,
		"ephemeral": req.Ephemeral,
		"method":    string(req.Method),
	}
	if jitRunnerID != 0 {
		details["jit_runner_id"] = jitRunnerID
	}
	s.recorder.Entry(ctx, &audit.Entry{
		Action:     audit.EntryProvision,
		Subject:    subject,
		RunnerID:   r.ID,
		RunnerName: name,
		Success:    true,
		Details:    details,
	})
	s.count(ctx, "success")

	logger.Info("runner provisioned",
		slog.String("runner_id", r.ID),
		slog.String("method", string(req.Method)),
		slog.String("labels", strings.Join(req.Labels, ",")),
	)

	url := s.info.RegistrationURL()
	return &Result{
		RunnerID:        r.ID,
		Name:            name,
		Method:          req.Method,
		Credential:      *r.Credential,
		ExpiresAt:       r.CredentialExpiresAt,
		RegistrationURL: url,
		GroupID:         groupID,
		Labels:          slices.Clone(req.Labels),
		Ephemeral:       req.Ephemeral,
		ConfigCommand:   ConfigCommand(req.Method, url, *r.Credential, name, req.Labels, req.Ephemeral, req.DisableUpdate),
	}, nil
}

// normalize validates req and fills in defaults.
func (s *Service) normalize(req *Request) error {
	if req.Method == "" {
		req.Method = runner.MethodRegistrationToken
	}
	if !req.Method.Valid() {
		return fmt.Errorf("%w: unknown method %q", ErrInvalidRequest, req.Method)
	}
	if req.Name != "" && req.NamePrefix != "" {
		return fmt.Errorf("%w: name and name_prefix are mutually exclusive", ErrInvalidRequest)
	}
	if req.Name != "" {
		if err := checkName(req.Name, maxNameLength); err != nil {
			return err
		}
	}
	if req.NamePrefix != "" {
		if err := checkName(req.NamePrefix, maxNameLength-suffixLength-1); err != nil {
			return err
		}
	}
	if req.GroupID < 0 {
		return fmt.Errorf("%w: negative group id", ErrInvalidRequest)
	}

	labels := make([]string, 0, len(req.Labels))
	for _, l := range req.Labels {
		l = strings.TrimSpace(l)
		if l == "" || slices.Contains(labels, l) {
			continue
		}
		if strings.Contains(l, ",") {
			return fmt.Errorf("%w: label %q contains a comma", ErrInvalidRequest, l)
		}
		labels = append(labels, l)
	}
	req.Labels = labels
	return nil
}

func checkName(name string, maxLen int) error {
	if len(name) > maxLen {
		return fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidRequest, name, maxLen)
	}
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: %q contains invalid characters", ErrInvalidRequest, name)
	}
	return nil
}

// resolveName returns the exact name when one was requested, otherwise a
// free prefix-xxxxxx name.
func (s *Service) resolveName(ctx context.Context, req Request) (string, error) {
	if req.Name != "" {
		taken, err := s.nameTaken(ctx, req.Name)
		if err != nil {
			return "", err
		}
		if taken {
			return "", fmt.Errorf("%w: %s is active, use a different name or wait until it is deleted", ErrNameCollision, req.Name)
		}
		return req.Name, nil
	}

	prefix := req.NamePrefix
	if prefix == "" {
		prefix = petname.Generate(2, "-")
	}
	for range s.nameAttempts {
		name := prefix + "-" + s.nameSuffix()
		taken, err := s.nameTaken(ctx, name)
		if err != nil {
			return "", err
		}
		if !taken {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: no free name for prefix %q after %d attempts", ErrNameCollision, prefix, s.nameAttempts)
}

func (s *Service) nameTaken(ctx context.Context, name string) (bool, error) {
	_, err := s.store.GetByName(ctx, name, true)
	switch {
	case errors.Is(err, runner.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("look up runner %s: %w", name, err)
	}
	return true, nil
}

// launch starts a persisted JIT runner on the launcher. On failure the
// runner is removed again so that no orphan stays registered.
func (s *Service) launch(ctx context.Context, r *runner.Runner, jitRunnerID int64) error {
	id, err := s.launcher.Launch(ctx, r.Name, *r.Credential)
	if err != nil {
		if _, rmErr := s.remover.Remove(ctx, r, jitRunnerID, runner.ReasonLaunchFailed); rmErr != nil {
			s.logger.Error("failed to clean up runner after launch failure",
				slog.String("runner", r.Name),
				slog.String("error", rmErr.Error()),
			)
		}
		return fmt.Errorf("launch runner %s: %w", r.Name, err)
	}

	_, err = s.store.Update(ctx, r.ID, func(rr *runner.Runner) error {
		rr.LaunchID = id
		return nil
	})
	if err != nil {
		// The instance is running but untracked; destroy it rather than
		// leak it.
		if dErr := s.launcher.Destroy(ctx, id); dErr != nil {
			s.logger.Error("failed to destroy untracked instance",
				slog.String("launch_id", id),
				slog.String("error", dErr.Error()),
			)
		}
		return fmt.Errorf("record launch id: %w", err)
	}
	r.LaunchID = id
	return nil
}

// discardJIT removes a JIT runner from the registry when it could not be
// persisted locally.
func (s *Service) discardJIT(ctx context.Context, id int64, name string) {
	if err := s.remover.DeleteFromRegistry(ctx, id); err != nil {
		s.logger.Warn("failed to discard unpersisted JIT runner",
			slog.String("runner", name),
			slog.Int64("external_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// failed records a provision_failed audit entry and returns err.
func (s *Service) failed(ctx context.Context, span trace.Span, subject runner.Subject, name string, err error, details map[string]any) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.recorder.Entry(ctx, &audit.Entry{
		Action:     audit.EntryProvisionFailed,
		Subject:    subject,
		RunnerName: name,
		Success:    false,
		Error:      err.Error(),
		Details:    details,
	})
	s.logger.Info("provisioning rejected",
		slog.String("runner", name),
		slog.String("subject", subject.String()),
		slog.String("error", err.Error()),
	)
	return err
}

func (s *Service) count(ctx context.Context, result string) {
	if s.requests != nil {
		s.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// List returns the runners owned by subject, newest first.
func (s *Service) List(ctx context.Context, subject runner.Subject, activeOnly bool) ([]*runner.Runner, error) {
	runners, err := s.store.ListByOwner(ctx, subject, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	return runners, nil
}

// Get returns the most recent runner called name that subject owns. It
// returns runner.ErrNotFound when there is none, including when the name
// belongs to somebody else.
func (s *Service) Get(ctx context.Context, name string, subject runner.Subject) (*runner.Runner, error) {
	runners, err := s.store.ListByOwner(ctx, subject, false)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	for _, r := range runners {
		if r.Name == name {
			return r, nil
		}
	}
	return nil, runner.ErrNotFound
}

// Refresh syncs a single owned runner with the registry, the same way a
// reconciliation cycle would for its status. Registry failures are logged
// and the stored runner is returned unchanged.
func (s *Service) Refresh(ctx context.Context, name string, subject runner.Subject) (*runner.Runner, error) {
	ctx, span := s.tracer.Start(ctx, "provision.Refresh")
	defer span.End()

	r, err := s.Get(ctx, name, subject)
	if err != nil || r.Status.Terminal() {
		return r, err
	}

	remote, err := s.lookup(ctx, r)
	if err != nil {
		s.logger.Warn("failed to refresh runner status",
			slog.String("runner", name),
			slog.String("error", err.Error()),
		)
		return r, nil
	}

	switch {
	case remote != nil:
		now := s.clock.Now()
		return s.store.Update(ctx, r.ID, func(rr *runner.Runner) error {
			if !rr.Status.Terminal() {
				rr.SyncFromRegistry(remote.Status == registry.RunnerOnline, remote.ID, now)
			}
			return nil
		})
	case r.Status != runner.StatusPending:
		if _, err := s.remover.MarkDeleted(ctx, r.ID, runner.ReasonNotFoundExternally); err != nil {
			return nil, err
		}
		return s.store.GetByID(ctx, r.ID)
	}
	return r, nil
}

// lookup finds the registry record of r by external id when known,
// otherwise by name.
func (s *Service) lookup(ctx context.Context, r *runner.Runner) (*registry.Runner, error) {
	if r.ExternalID != nil {
		return s.registry.GetRunnerByID(ctx, *r.ExternalID)
	}
	return s.registry.GetRunnerByName(ctx, r.Name)
}

// ---------------------------------------------------------------------------
// Deprovision
// ---------------------------------------------------------------------------

// Deprovision deletes a runner subject owns from the registry and marks it
// deleted. A runner the registry no longer knows is still marked deleted;
// any other registry failure leaves the runner untouched.
func (s *Service) Deprovision(ctx context.Context, name string, subject runner.Subject) error {
	ctx, span := s.tracer.Start(ctx, "provision.Deprovision")
	defer span.End()
	span.SetAttributes(attribute.String("runner.name", name), attribute.String("subject", subject.String()))

	r, err := s.Get(ctx, name, subject)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyDeleted, name)
	}

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.recorder.Entry(ctx, &audit.Entry{
			Action:     audit.EntryDeprovisionFailed,
			Subject:    subject,
			RunnerID:   r.ID,
			RunnerName: name,
			Error:      err.Error(),
		})
		return err
	}

	var externalID int64
	if r.ExternalID != nil {
		externalID = *r.ExternalID
	} else {
		remote, err := s.registry.GetRunnerByName(ctx, name)
		if err != nil {
			return fail(fmt.Errorf("look up registry runner: %w", err))
		}
		if remote != nil {
			externalID = remote.ID
		}
	}
	if externalID != 0 {
		if err := s.remover.DeleteFromRegistry(ctx, externalID); err != nil {
			return fail(err)
		}
	}
	s.remover.Destroy(ctx, r)

	if _, err := s.remover.MarkDeleted(ctx, r.ID, runner.ReasonDeprovisioned); err != nil {
		return fail(err)
	}

	details := map[string]any{}
	if externalID != 0 {
		details["external_id"] = externalID
	}
	s.recorder.Entry(ctx, &audit.Entry{
		Action:     audit.EntryDeprovision,
		Subject:    subject,
		RunnerID:   r.ID,
		RunnerName: name,
		Success:    true,
		Details:    details,
	})
	s.logger.Info("runner deprovisioned",
		slog.String("runner", name),
		slog.String("subject", subject.String()),
	)
	return nil
}
