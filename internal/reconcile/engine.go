// Package reconcile keeps locally tracked runners consistent with the
// registry. Each cycle lists the registry once, re-checks every active
// runner against its owner's policy and the labels it was provisioned
// with, syncs status, and retires runners that vanished or whose
// credential expired before they registered.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/terrpan/runnerguard/internal/audit"
	"github.com/terrpan/runnerguard/internal/policy"
	"github.com/terrpan/runnerguard/internal/registry"
	"github.com/terrpan/runnerguard/internal/remediate"
	"github.com/terrpan/runnerguard/internal/runner"
	"github.com/terrpan/runnerguard/internal/sentry"
)

// ErrCycleInProgress is returned by RunCycleOnce when another cycle is
// still executing.
var ErrCycleInProgress = errors.New("reconciliation cycle already in progress")

const (
	DefaultInterval          = 120 * time.Second
	DefaultConcurrency       = 8
	DefaultStalePendingAfter = 24 * time.Hour
	DefaultCycleTimeout      = 5 * time.Minute
)

// Config holds the dependencies and settings of an Engine.
type Config struct {
	Store     runner.Store
	Policies  policy.Store
	Registry  registry.Client
	Evaluator *policy.Evaluator
	Recorder  *audit.Recorder
	Remover   *remediate.Remover
	// History receives every cycle summary. Defaults to a MemoryHistory.
	History HistoryStore
	Clock   clock.WithTicker
	Logger  *slog.Logger

	Interval     time.Duration
	RunOnStartup bool
	// DeleteBusyDrifted deletes drifted runners even while they run a job.
	// When false, busy drifted runners are only logged and re-checked on
	// the next cycle.
	DeleteBusyDrifted bool
	// Concurrency bounds how many runners are reconciled in parallel.
	Concurrency int
	// StalePendingAfter is the age after which a pending runner without an
	// explicit credential expiry is considered expired.
	StalePendingAfter time.Duration
	// CycleTimeout bounds a single cycle started by Start.
	CycleTimeout time.Duration
}

// Engine runs reconciliation cycles, one at a time.
type Engine struct {
	store             runner.Store
	policies          policy.Store
	registry          registry.Client
	evaluator         *policy.Evaluator
	recorder          *audit.Recorder
	remover           *remediate.Remover
	history           HistoryStore
	clock             clock.WithTicker
	logger            *slog.Logger
	interval          time.Duration
	runOnStartup      bool
	deleteBusyDrifted bool
	concurrency       int
	stalePendingAfter time.Duration
	cycleTimeout      time.Duration

	// running is held for the duration of a cycle.
	running sync.Mutex
	last    atomic.Pointer[CycleSummary]

	tracer        trace.Tracer
	cycles        metric.Int64Counter
	cycleDuration metric.Float64Histogram
	outcomes      metric.Int64Counter
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.History == nil {
		cfg.History = NewMemoryHistory(DefaultHistorySize)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.StalePendingAfter <= 0 {
		cfg.StalePendingAfter = DefaultStalePendingAfter
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = DefaultCycleTimeout
	}

	e := &Engine{
		store:             cfg.Store,
		policies:          cfg.Policies,
		registry:          cfg.Registry,
		evaluator:         cfg.Evaluator,
		recorder:          cfg.Recorder,
		remover:           cfg.Remover,
		history:           cfg.History,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		interval:          cfg.Interval,
		runOnStartup:      cfg.RunOnStartup,
		deleteBusyDrifted: cfg.DeleteBusyDrifted,
		concurrency:       cfg.Concurrency,
		stalePendingAfter: cfg.StalePendingAfter,
		cycleTimeout:      cfg.CycleTimeout,
		tracer:            otel.Tracer("runnerguard/reconcile"),
	}

	meter := otel.Meter("runnerguard/reconcile")
	var err error
	e.cycles, err = meter.Int64Counter(
		"runnerguard.reconcile.cycles",
		metric.WithDescription("Total number of reconciliation cycles by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create cycles counter", slog.String("error", err.Error()))
	}

	e.cycleDuration, err = meter.Float64Histogram(
		"runnerguard.reconcile.duration",
		metric.WithDescription("Duration of reconciliation cycles (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 300),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create cycle duration histogram", slog.String("error", err.Error()))
	}

	e.outcomes, err = meter.Int64Counter(
		"runnerguard.reconcile.runners",
		metric.WithDescription("Total number of runners reconciled by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runner outcomes counter", slog.String("error", err.Error()))
	}

	return e
}

// ---------------------------------------------------------------------------
// Scheduling
// ---------------------------------------------------------------------------

// Start runs a cycle every interval until ctx is cancelled, plus one
// immediately when RunOnStartup is set. Cancellation stops the ticker at
// once; a cycle that is already running is allowed to finish its registry
// calls because it runs detached from ctx, bounded by CycleTimeout.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("reconciliation engine started", slog.Duration("interval", e.interval))

	if e.runOnStartup {
		e.tick(ctx)
	}

	ticker := e.clock.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("reconciliation engine stopped")
			return nil
		case <-ticker.C():
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := e.Trigger(ctx); errors.Is(err, ErrCycleInProgress) {
		e.logger.Debug("skipping tick, previous cycle still running")
	}
}

// Trigger runs one cycle detached from ctx's cancellation and bounded by
// the cycle timeout, so a caller that goes away does not abort it midway.
func (e *Engine) Trigger(ctx context.Context) (*CycleSummary, error) {
	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cycleTimeout)
	defer cancel()
	return e.RunCycleOnce(cycleCtx)
}

// LastCycleSummary returns the summary of the most recent cycle, or nil
// before the first one has finished.
func (e *Engine) LastCycleSummary() *CycleSummary {
	last := e.last.Load()
	if last == nil {
		return nil
	}
	c := *last
	return &c
}

// History returns up to limit recorded cycles, most recent first.
func (e *Engine) History(ctx context.Context, limit int) ([]*CycleSummary, error) {
	return e.history.ListCycles(ctx, limit)
}

// ---------------------------------------------------------------------------
// Cycle
// ---------------------------------------------------------------------------

// RunCycleOnce runs one reconciliation cycle. It returns
// ErrCycleInProgress without doing anything when a cycle is already
// running. When the registry listing fails the cycle is aborted, nothing
// is changed and the returned summary has Error set.
func (e *Engine) RunCycleOnce(ctx context.Context) (*CycleSummary, error) {
	if !e.running.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer e.running.Unlock()

	ctx, span := e.tracer.Start(ctx, "reconcile.Cycle")
	defer span.End()

	summary := &CycleSummary{ID: uuid.NewString(), StartedAt: e.clock.Now()}
	logger := e.logger.With(slog.String("cycle", summary.ID))

	err := e.runCycle(ctx, summary, logger)
	summary.FinishedAt = e.clock.Now()

	result := "ok"
	if err != nil {
		result = "error"
		summary.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("reconciliation cycle aborted", slog.String("error", err.Error()))
		sentry.CaptureError(err, map[string]string{"component": "reconcile", "cycle": summary.ID})
	} else {
		span.SetAttributes(
			attribute.Int("reconcile.checked", summary.Checked),
			attribute.Int("reconcile.updated", summary.Updated),
			attribute.Int("reconcile.deleted", summary.Deleted),
			attribute.Int("reconcile.errors", summary.Errors),
		)
		logger.Info("reconciliation cycle complete",
			slog.Int("checked", summary.Checked),
			slog.Int("updated", summary.Updated),
			slog.Int("deleted", summary.Deleted),
			slog.Int("unchanged", summary.Unchanged),
			slog.Int("errors", summary.Errors),
			slog.Int("policy_violations", summary.PolicyViolations),
			slog.Int("label_drifts", summary.LabelDrifts),
			slog.Duration("duration", summary.Duration()),
		)
	}

	if e.cycles != nil {
		e.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
	if e.cycleDuration != nil {
		e.cycleDuration.Record(ctx, summary.Duration().Seconds())
	}

	e.last.Store(summary)
	if hErr := e.history.RecordCycle(ctx, summary); hErr != nil {
		logger.Warn("failed to record cycle summary", slog.String("error", hErr.Error()))
	}

	out := *summary
	return &out, err
}

func (e *Engine) runCycle(ctx context.Context, summary *CycleSummary, logger *slog.Logger) error {
	// 1. Local runners.
	local, err := e.store.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("list local runners: %w", err)
	}
	if len(local) == 0 {
		logger.Debug("no active runners to reconcile")
		return nil
	}

	// 2. One registry listing for the whole batch.
	remote, err := e.registry.ListRunners(ctx)
	if err != nil {
		return fmt.Errorf("list registry runners: %w", err)
	}

	// 3. Name lookup.
	byName := make(map[string]registry.Runner, len(remote))
	for _, r := range remote {
		byName[r.Name] = r
	}

	// 4. Per-runner work.
	var t tally
	policies := newPolicyCache(e.policies)
	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)
	for _, r := range local {
		g.Go(func() error {
			var found *registry.Runner
			if rr, ok := byName[r.Name]; ok {
				found = &rr
			}
			res, err := e.reconcileRunner(ctx, r, found, policies)
			if err != nil {
				res.outcome = outcomeError
				logger.Warn("failed to reconcile runner",
					slog.String("runner", r.Name),
					slog.String("runner_id", r.ID),
					slog.String("error", err.Error()),
				)
			}
			t.add(res)
			if e.outcomes != nil {
				e.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", res.outcome.String())))
			}
			return nil
		})
	}
	_ = g.Wait()

	// 5. Summary.
	t.fill(summary)
	summary.Checked = len(local)
	return nil
}

// reconcileRunner applies the state machine to one runner. remote is nil
// when the registry listing did not contain it.
func (e *Engine) reconcileRunner(ctx context.Context, r *runner.Runner, remote *registry.Runner, policies *policyCache) (result, error) {
	if remote == nil {
		return e.reconcileMissing(ctx, r)
	}

	logger := e.logger.With(slog.String("runner", r.Name), slog.String("subject", r.OwnerSubject().String()))
	externalID := remote.ID

	// a. Current compliance of the actual labels.
	p, err := policies.get(ctx, r.OwnerSubject())
	if err != nil {
		return result{}, fmt.Errorf("load policy: %w", err)
	}
	if compliance := e.evaluator.Evaluate(p, remote.Labels); !compliance.Compliant {
		logger.Warn("runner violates label policy", slog.Any("invalid_labels", compliance.InvalidLabels))
		e.recorder.SecurityEvent(ctx, &audit.SecurityEvent{
			EventType:  audit.EventPolicyViolationSync,
			Severity:   audit.SeverityHigh,
			Subject:    r.OwnerSubject(),
			RunnerID:   r.ID,
			RunnerName: r.Name,
			ExternalID: &externalID,
			Details: map[string]any{
				"actual_labels":  remote.Labels,
				"invalid_labels": compliance.InvalidLabels,
			},
			ActionTaken: audit.ActionRunnerDeleted,
		})
		res := result{policyViolation: true}
		deleted, err := e.remover.Remove(ctx, r, remote.ID, runner.ReasonPolicyViolation)
		if err != nil {
			return res, err
		}
		res.outcome = deletedOr(deleted)
		return res, nil
	}

	// b. Drift from what was provisioned. An empty provisioned set still
	// counts: the runner was expected to carry no user labels.
	if r.Method == runner.MethodJIT {
		if drift := e.evaluator.DiffLabelSets(r.ProvisionedLabels, remote.Labels); len(drift) > 0 {
			return e.handleDrift(ctx, r, remote, drift, logger)
		}
	}

	// c. Status sync.
	return e.sync(ctx, r, remote)
}

func (e *Engine) handleDrift(ctx context.Context, r *runner.Runner, remote *registry.Runner, drift []string, logger *slog.Logger) (result, error) {
	res := result{drift: true, outcome: outcomeUnchanged}
	externalID := remote.ID
	event := &audit.SecurityEvent{
		EventType:  audit.EventLabelDrift,
		Severity:   audit.SeverityHigh,
		Subject:    r.OwnerSubject(),
		RunnerID:   r.ID,
		RunnerName: r.Name,
		ExternalID: &externalID,
		Details: map[string]any{
			"provisioned_labels": r.ProvisionedLabels,
			"actual_labels":      remote.Labels,
			"drift":              drift,
			"busy":               remote.Busy,
		},
	}

	if remote.Busy && !e.deleteBusyDrifted {
		logger.Warn("busy runner drifted from provisioned labels, deferring", slog.Any("drift", drift))
		event.ActionTaken = audit.ActionLoggedOnly
		e.recorder.SecurityEvent(ctx, event)
		return res, nil
	}

	logger.Warn("runner drifted from provisioned labels", slog.Any("drift", drift))
	event.ActionTaken = audit.ActionRunnerDeleted
	e.recorder.SecurityEvent(ctx, event)

	deleted, err := e.remover.Remove(ctx, r, remote.ID, runner.ReasonLabelDrift)
	if err != nil {
		return res, err
	}
	res.outcome = deletedOr(deleted)
	return res, nil
}

// errNoChange aborts a store update that would not change anything.
var errNoChange = errors.New("no change")

func (e *Engine) sync(ctx context.Context, r *runner.Runner, remote *registry.Runner) (result, error) {
	now := e.clock.Now()
	_, err := e.store.Update(ctx, r.ID, func(cur *runner.Runner) error {
		if cur.Status.Terminal() {
			return errNoChange
		}
		if !cur.SyncFromRegistry(remote.Status == registry.RunnerOnline, remote.ID, now) {
			return errNoChange
		}
		return nil
	})
	switch {
	case errors.Is(err, errNoChange):
		return result{outcome: outcomeUnchanged}, nil
	case err != nil:
		return result{}, fmt.Errorf("sync runner status: %w", err)
	}
	return result{outcome: outcomeUpdated}, nil
}

func (e *Engine) reconcileMissing(ctx context.Context, r *runner.Runner) (result, error) {
	reason := runner.ReasonNotFoundExternally
	if r.Status == runner.StatusPending {
		if !r.CredentialExpired(e.clock.Now(), e.stalePendingAfter) {
			return result{outcome: outcomeUnchanged}, nil
		}
		reason = runner.ReasonCredentialExpired
	}

	deleted, err := e.remover.MarkDeleted(ctx, r.ID, reason)
	if err != nil {
		return result{}, err
	}
	if deleted {
		e.logger.Info("runner marked deleted",
			slog.String("runner", r.Name),
			slog.String("reason", reason),
		)
	}
	return result{outcome: deletedOr(deleted)}, nil
}

// ---------------------------------------------------------------------------
// Bookkeeping
// ---------------------------------------------------------------------------

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeUpdated
	outcomeDeleted
	outcomeError
)

func (o outcome) String() string {
	switch o {
	case outcomeUpdated:
		return "updated"
	case outcomeDeleted:
		return "deleted"
	case outcomeError:
		return "error"
	default:
		return "unchanged"
	}
}

// deletedOr maps the result of a delete to an outcome. A runner that was
// already deleted by someone else counts as unchanged.
func deletedOr(deleted bool) outcome {
	if deleted {
		return outcomeDeleted
	}
	return outcomeUnchanged
}

type result struct {
	outcome         outcome
	policyViolation bool
	drift           bool
}

type tally struct {
	updated, deleted, unchanged, errors atomic.Int64
	policyViolations, labelDrifts       atomic.Int64
}

func (t *tally) add(r result) {
	switch r.outcome {
	case outcomeUpdated:
		t.updated.Add(1)
	case outcomeDeleted:
		t.deleted.Add(1)
	case outcomeError:
		t.errors.Add(1)
	default:
		t.unchanged.Add(1)
	}
	if r.policyViolation {
		t.policyViolations.Add(1)
	}
	if r.drift {
		t.labelDrifts.Add(1)
	}
}

func (t *tally) fill(s *CycleSummary) {
	s.Updated = int(t.updated.Load())
	s.Deleted = int(t.deleted.Load())
	s.Unchanged = int(t.unchanged.Load())
	s.Errors = int(t.errors.Load())
	s.PolicyViolations = int(t.policyViolations.Load())
	s.LabelDrifts = int(t.labelDrifts.Load())
}
