package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/terrpan/runnerguard/internal/audit"
	"github.com/terrpan/runnerguard/internal/launcher/launchertest"
	"github.com/terrpan/runnerguard/internal/policy"
	"github.com/terrpan/runnerguard/internal/registry"
	"github.com/terrpan/runnerguard/internal/registry/registrytest"
	"github.com/terrpan/runnerguard/internal/remediate"
	"github.com/terrpan/runnerguard/internal/runner"
	"github.com/terrpan/runnerguard/internal/store/memory"
)

// ---------------------------------------------------------------------------
// Store wrappers
// ---------------------------------------------------------------------------

// flakyStore fails updates for selected runner ids.
type flakyStore struct {
	*memory.Store
	mu     sync.Mutex
	failID map[string]bool
}

func (f *flakyStore) Update(ctx context.Context, id string, fn func(*runner.Runner) error) (*runner.Runner, error) {
	f.mu.Lock()
	fail := f.failID[id]
	f.mu.Unlock()
	if fail {
		return nil, errors.New("database unavailable")
	}
	return f.Store.Update(ctx, id, fn)
}

// countingPolicies counts policy store reads.
type countingPolicies struct {
	policy.Store
	mu    sync.Mutex
	reads int
}

func (c *countingPolicies) Get(ctx context.Context, subject runner.Subject) (policy.Policy, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.Store.Get(ctx, subject)
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type EngineSuite struct {
	suite.Suite
	ctx      context.Context
	clock    *testingclock.FakeClock
	mem      *memory.Store
	store    *flakyStore
	policies *countingPolicies
	registry *registrytest.Fake
	launcher *launchertest.Fake
	history  *MemoryHistory
	engine   *Engine
	alice    runner.Subject
	nextID   int
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = testingclock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s.mem = memory.New()
	s.store = &flakyStore{Store: s.mem, failID: map[string]bool{}}
	s.policies = &countingPolicies{Store: s.mem}
	s.registry = registrytest.NewFake()
	s.launcher = launchertest.NewFake()
	s.history = NewMemoryHistory(10)
	s.alice = runner.Subject{Kind: runner.SubjectUser, ID: "alice"}
	s.nextID = 0
	s.engine = s.newEngine(false)
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) newEngine(deleteBusy bool) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{
		Store:     s.store,
		Policies:  s.policies,
		Registry:  s.registry,
		Evaluator: policy.NewEvaluator(policy.DefaultSystemLabels()),
		Recorder:  audit.NewRecorder(s.mem, s.clock, logger),
		Remover: remediate.New(remediate.Config{
			Store:    s.store,
			Registry: s.registry,
			Launcher: s.launcher,
			Clock:    s.clock,
			Logger:   logger,
		}),
		History:           s.history,
		Clock:             s.clock,
		Logger:            logger,
		Interval:          time.Minute,
		DeleteBusyDrifted: deleteBusy,
		Concurrency:       4,
		StalePendingAfter: 24 * time.Hour,
	})
}

func (s *EngineSuite) addRunner(mod func(*runner.Runner)) *runner.Runner {
	s.nextID++
	r := &runner.Runner{
		ID:        fmt.Sprintf("r%d", s.nextID),
		Name:      fmt.Sprintf("runner-%d", s.nextID),
		Labels:    []string{"team-a"},
		Method:    runner.MethodRegistrationToken,
		Owner:     s.alice.ID,
		OwnerKind: s.alice.Kind,
		Status:    runner.StatusOnline,
		CreatedAt: s.clock.Now().Add(-time.Hour),
		UpdatedAt: s.clock.Now().Add(-time.Hour),
	}
	if mod != nil {
		mod(r)
	}
	require.NoError(s.T(), s.mem.Create(s.ctx, r))
	return r
}

// registered adds r to the registry with labels and links the local
// record to it.
func (s *EngineSuite) registered(r *runner.Runner, status registry.RunnerStatus, busy bool, labels ...string) registry.Runner {
	remote := s.registry.Add(registry.Runner{Name: r.Name, Status: status, Busy: busy, Labels: labels})
	_, err := s.mem.Update(s.ctx, r.ID, func(cur *runner.Runner) error {
		if cur.Status != runner.StatusPending {
			cur.ExternalID = &remote.ID
			now := s.clock.Now().Add(-time.Hour)
			cur.RegisteredAt = &now
		}
		return nil
	})
	require.NoError(s.T(), err)
	return remote
}

func (s *EngineSuite) get(id string) *runner.Runner {
	r, err := s.mem.GetByID(s.ctx, id)
	require.NoError(s.T(), err)
	return r
}

func (s *EngineSuite) run() *CycleSummary {
	summary, err := s.engine.RunCycleOnce(s.ctx)
	require.NoError(s.T(), err)
	return summary
}

func (s *EngineSuite) events() []*audit.SecurityEvent {
	events, err := s.mem.ListSecurityEvents(s.ctx, audit.Filter{})
	require.NoError(s.T(), err)
	return events
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func (s *EngineSuite) TestVanishedRunnerIsDeleted() {
	r := s.addRunner(nil)

	summary := s.run()

	got := s.get(r.ID)
	assert.Equal(s.T(), runner.StatusDeleted, got.Status)
	require.NotNil(s.T(), got.DeletedAt)
	assert.Equal(s.T(), s.clock.Now(), *got.DeletedAt)
	assert.Equal(s.T(), runner.ReasonNotFoundExternally, got.DeletionReason)
	assert.Equal(s.T(), 1, summary.Deleted)
	assert.Equal(s.T(), 1, summary.Checked)
}

func (s *EngineSuite) TestDriftedIdleRunnerIsDeleted() {
	r := s.addRunner(func(r *runner.Runner) {
		r.Method = runner.MethodJIT
		r.Labels = []string{"gpu"}
		r.ProvisionedLabels = []string{"gpu"}
		r.LaunchID = "launch-9"
	})
	remote := s.registered(r, registry.RunnerOnline, false, "self-hosted", "gpu", "extra")

	summary := s.run()

	got := s.get(r.ID)
	assert.Equal(s.T(), runner.StatusDeleted, got.Status)
	assert.Equal(s.T(), runner.ReasonLabelDrift, got.DeletionReason)
	assert.False(s.T(), s.registry.Has(remote.ID))
	assert.Equal(s.T(), []string{"launch-9"}, s.launcher.Destroyed())
	assert.Equal(s.T(), 1, summary.Deleted)
	assert.Equal(s.T(), 1, summary.LabelDrifts)

	events := s.events()
	require.Len(s.T(), events, 1)
	assert.Equal(s.T(), audit.EventLabelDrift, events[0].EventType)
	assert.Equal(s.T(), audit.SeverityHigh, events[0].Severity)
	assert.Equal(s.T(), audit.ActionRunnerDeleted, events[0].ActionTaken)
	assert.Equal(s.T(), []string{"extra"}, events[0].Details["drift"])
}

func (s *EngineSuite) TestDrift_EmptyProvisionedLabels() {
	r := s.addRunner(func(r *runner.Runner) {
		r.Method = runner.MethodJIT
		r.Labels = []string{}
		r.ProvisionedLabels = []string{}
	})
	s.registered(r, registry.RunnerOnline, false, "self-hosted", "gpu")

	summary := s.run()

	got := s.get(r.ID)
	assert.Equal(s.T(), runner.StatusDeleted, got.Status)
	assert.Equal(s.T(), runner.ReasonLabelDrift, got.DeletionReason)
	assert.Equal(s.T(), 1, summary.LabelDrifts)
	assert.Equal(s.T(), 1, summary.Deleted)

	events := s.events()
	require.Len(s.T(), events, 1)
	assert.Equal(s.T(), audit.EventLabelDrift, events[0].EventType)
	assert.Equal(s.T(), []string{"gpu"}, events[0].Details["drift"])
}

func (s *EngineSuite) TestDriftedBusyRunnerIsOnlyLogged() {
	r := s.addRunner(func(r *runner.Runner) {
		r.Method = runner.MethodJIT
		r.ProvisionedLabels = []string{"gpu"}
	})
	remote := s.registered(r, registry.RunnerOnline, true, "gpu", "extra")
	before := s.get(r.ID)

	summary := s.run()

	after := s.get(r.ID)
	assert.Equal(s.T(), before, after, "local record is untouched")
	assert.True(s.T(), s.registry.Has(remote.ID))
	assert.Equal(s.T(), 0, summary.Deleted)
	assert.Equal(s.T(), 1, summary.LabelDrifts)
	assert.Equal(s.T(), 1, summary.Unchanged)

	events := s.events()
	require.Len(s.T(), events, 1)
	assert.Equal(s.T(), audit.ActionLoggedOnly, events[0].ActionTaken)
	assert.Equal(s.T(), audit.SeverityHigh, events[0].Severity)
}

func (s *EngineSuite) TestDriftedBusyRunnerDeletedWhenConfigured() {
	s.engine = s.newEngine(true)
	r := s.addRunner(func(r *runner.Runner) {
		r.Method = runner.MethodJIT
		r.ProvisionedLabels = []string{"gpu"}
	})
	s.registered(r, registry.RunnerOnline, true, "gpu", "extra")

	summary := s.run()

	assert.Equal(s.T(), runner.StatusDeleted, s.get(r.ID).Status)
	assert.Equal(s.T(), 1, summary.Deleted)
}

func (s *EngineSuite) TestExpiredPendingRunnerIsDeleted() {
	r := s.addRunner(func(r *runner.Runner) {
		r.Status = runner.StatusPending
		cred := "token"
		exp := s.clock.Now().Add(-time.Hour)
		r.Credential = &cred
		r.CredentialExpiresAt = &exp
	})

	summary := s.run()

	got := s.get(r.ID)
	assert.Equal(s.T(), runner.StatusDeleted, got.Status)
	assert.Equal(s.T(), runner.ReasonCredentialExpired, got.DeletionReason)
	assert.Nil(s.T(), got.Credential)
	assert.Equal(s.T(), 1, summary.Deleted)
}

func (s *EngineSuite) TestPendingRunnerStillRegistering() {
	fresh := s.addRunner(func(r *runner.Runner) {
		r.Status = runner.StatusPending
		exp := s.clock.Now().Add(time.Hour)
		r.CredentialExpiresAt = &exp
	})
	// No explicit expiry: age fallback applies.
	young := s.addRunner(func(r *runner.Runner) { r.Status = runner.StatusPending })
	stale := s.addRunner(func(r *runner.Runner) {
		r.Status = runner.StatusPending
		r.CreatedAt = s.clock.Now().Add(-25 * time.Hour)
	})

	summary := s.run()

	assert.Equal(s.T(), runner.StatusPending, s.get(fresh.ID).Status)
	assert.Equal(s.T(), runner.StatusPending, s.get(young.ID).Status)
	assert.Equal(s.T(), runner.StatusDeleted, s.get(stale.ID).Status)
	assert.Equal(s.T(), 2, summary.Unchanged)
	assert.Equal(s.T(), 1, summary.Deleted)
}

func (s *EngineSuite) TestPolicyViolationIsDeleted() {
	require.NoError(s.T(), s.mem.Put(s.ctx, s.alice, &policy.UserPolicy{AllowedLabels: []string{"team-a"}}))
	r := s.addRunner(nil)
	remote := s.registered(r, registry.RunnerOnline, false, "self-hosted", "linux", "team-a", "prod-deploy")

	summary := s.run()

	got := s.get(r.ID)
	assert.Equal(s.T(), runner.StatusDeleted, got.Status)
	assert.Equal(s.T(), runner.ReasonPolicyViolation, got.DeletionReason)
	assert.False(s.T(), s.registry.Has(remote.ID))
	assert.Equal(s.T(), 1, summary.PolicyViolations)
	assert.Equal(s.T(), 1, summary.Deleted)

	events := s.events()
	require.Len(s.T(), events, 1)
	assert.Equal(s.T(), audit.EventPolicyViolationSync, events[0].EventType)
	assert.Equal(s.T(), []string{"prod-deploy"}, events[0].Details["invalid_labels"])
}

func (s *EngineSuite) TestPolicyViolationRemoteDeleteFailure() {
	require.NoError(s.T(), s.mem.Put(s.ctx, s.alice, &policy.UserPolicy{AllowedLabels: []string{"team-a"}}))
	r := s.addRunner(nil)
	s.registered(r, registry.RunnerOnline, false, "evil")
	s.registry.DeleteErr = registry.ErrNetwork

	summary := s.run()

	assert.Equal(s.T(), runner.StatusDeleted, s.get(r.ID).Status, "local state is authoritative")
	assert.Equal(s.T(), 1, summary.Deleted)
}

func (s *EngineSuite) TestStatusSync() {
	r := s.addRunner(func(r *runner.Runner) {
		r.Status = runner.StatusPending
		cred := "token"
		r.Credential = &cred
	})
	remote := s.registered(r, registry.RunnerOffline, false, "team-a")

	summary := s.run()

	got := s.get(r.ID)
	assert.Equal(s.T(), runner.StatusOffline, got.Status)
	require.NotNil(s.T(), got.ExternalID)
	assert.Equal(s.T(), remote.ID, *got.ExternalID)
	assert.Equal(s.T(), s.clock.Now(), *got.RegisteredAt)
	assert.Nil(s.T(), got.Credential)
	assert.Equal(s.T(), 1, summary.Updated)
}

// ---------------------------------------------------------------------------
// Properties
// ---------------------------------------------------------------------------

func (s *EngineSuite) TestIdempotence() {
	online := s.addRunner(nil)
	s.registered(online, registry.RunnerOnline, false, "team-a")
	pending := s.addRunner(func(r *runner.Runner) { r.Status = runner.StatusPending })
	s.registered(pending, registry.RunnerOffline, false, "team-a")
	s.addRunner(nil) // vanishes
	s.addRunner(func(r *runner.Runner) { r.Status = runner.StatusPending }) // still registering

	first := s.run()
	assert.Equal(s.T(), 1, first.Updated)
	assert.Equal(s.T(), 1, first.Deleted)

	s.clock.Step(time.Minute)
	second := s.run()
	assert.Zero(s.T(), second.Updated)
	assert.Zero(s.T(), second.Deleted)
	assert.Zero(s.T(), second.Errors)
	assert.Equal(s.T(), second.Checked, second.Unchanged)
}

func (s *EngineSuite) TestTerminalAbsorption() {
	deleted := s.addRunner(func(r *runner.Runner) {
		r.Status = runner.StatusDeleted
		at := s.clock.Now().Add(-time.Hour)
		r.DeletedAt = &at
		r.DeletionReason = runner.ReasonDeprovisioned
	})
	s.registered(deleted, registry.RunnerOnline, false, "anything")
	before := s.get(deleted.ID)

	for range 3 {
		summary := s.run()
		assert.Zero(s.T(), summary.Checked)
	}
	assert.Equal(s.T(), before, s.get(deleted.ID))
	assert.Zero(s.T(), s.registry.ListCalls, "no active runners means no registry call")
}

// ---------------------------------------------------------------------------
// Failures and concurrency
// ---------------------------------------------------------------------------

func (s *EngineSuite) TestListingFailureAbortsCycle() {
	r := s.addRunner(nil)
	s.registry.ListErr = fmt.Errorf("list: %w", registry.ErrRateLimited)

	summary, err := s.engine.RunCycleOnce(s.ctx)
	require.ErrorIs(s.T(), err, registry.ErrRateLimited)
	require.NotNil(s.T(), summary)
	assert.NotEmpty(s.T(), summary.Error)
	assert.False(s.T(), summary.Succeeded())
	assert.Zero(s.T(), summary.Deleted)

	assert.Equal(s.T(), runner.StatusOnline, s.get(r.ID).Status, "nothing is committed")
	assert.Equal(s.T(), summary.ID, s.engine.LastCycleSummary().ID)
}

func (s *EngineSuite) TestPerRunnerErrorsAreCounted() {
	bad := s.addRunner(nil)
	good := s.addRunner(nil)
	s.store.failID[bad.ID] = true

	summary := s.run()

	assert.Equal(s.T(), 1, summary.Errors)
	assert.Equal(s.T(), 1, summary.Deleted)
	assert.Equal(s.T(), runner.StatusDeleted, s.get(good.ID).Status)
	assert.Equal(s.T(), runner.StatusOnline, s.get(bad.ID).Status)
}

func (s *EngineSuite) TestSingleListingAndPolicyReadPerOwner() {
	require.NoError(s.T(), s.mem.Put(s.ctx, s.alice, &policy.UserPolicy{AllowedLabels: []string{"team-a"}}))
	for range 20 {
		r := s.addRunner(nil)
		s.registered(r, registry.RunnerOnline, false, "team-a")
	}

	summary := s.run()

	assert.Equal(s.T(), 20, summary.Checked)
	assert.Equal(s.T(), 1, s.registry.ListCalls)
	assert.Equal(s.T(), 1, s.policies.reads)
}

func (s *EngineSuite) TestCycleInProgress() {
	s.engine.running.Lock()
	_, err := s.engine.RunCycleOnce(s.ctx)
	s.engine.running.Unlock()
	assert.ErrorIs(s.T(), err, ErrCycleInProgress)

	_, err = s.engine.RunCycleOnce(s.ctx)
	assert.NoError(s.T(), err)
}

func (s *EngineSuite) TestSummaryAndHistory() {
	assert.Nil(s.T(), s.engine.LastCycleSummary())

	s.addRunner(nil)
	first := s.run()
	s.clock.Step(time.Minute)
	second := s.run()

	last := s.engine.LastCycleSummary()
	require.NotNil(s.T(), last)
	assert.Equal(s.T(), second.ID, last.ID)

	cycles, err := s.engine.History(s.ctx, 10)
	require.NoError(s.T(), err)
	require.Len(s.T(), cycles, 2)
	assert.Equal(s.T(), second.ID, cycles[0].ID)
	assert.Equal(s.T(), first.ID, cycles[1].ID)
}

func (s *EngineSuite) TestStart_RunsOnStartupAndOnTick() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := New(Config{
		Store:        s.store,
		Policies:     s.policies,
		Registry:     s.registry,
		Evaluator:    policy.NewEvaluator(policy.DefaultSystemLabels()),
		Recorder:     audit.NewRecorder(s.mem, s.clock, logger),
		Remover:      remediate.New(remediate.Config{Store: s.store, Registry: s.registry, Clock: s.clock, Logger: logger}),
		History:      s.history,
		Clock:        s.clock,
		Logger:       logger,
		Interval:     time.Minute,
		RunOnStartup: true,
	})

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- engine.Start(ctx) }()

	cycles := func() int {
		c, _ := s.history.ListCycles(s.ctx, 0)
		return len(c)
	}

	assert.Eventually(s.T(), func() bool { return cycles() == 1 && s.clock.HasWaiters() }, time.Second, time.Millisecond)

	s.clock.Step(time.Minute)
	assert.Eventually(s.T(), func() bool { return cycles() == 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(s.T(), err)
	case <-time.After(time.Second):
		s.T().Fatal("engine did not stop after cancellation")
	}
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

func TestMemoryHistory_KeepsMostRecent(t *testing.T) {
	h := NewMemoryHistory(2)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, h.RecordCycle(ctx, &CycleSummary{ID: id}))
	}

	cycles, err := h.ListCycles(ctx, 0)
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.Equal(t, "c", cycles[0].ID)
	assert.Equal(t, "b", cycles[1].ID)

	one, _ := h.ListCycles(ctx, 1)
	assert.Len(t, one, 1)
}
