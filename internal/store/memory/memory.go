// Package memory provides in-memory implementations of the runnerguard
// stores. It is used by tests and by single-process development setups
// where no database URL is configured. Nothing survives a restart.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/terrpan/runnerguard/internal/audit"
	"github.com/terrpan/runnerguard/internal/policy"
	"github.com/terrpan/runnerguard/internal/runner"
)

// Store holds runners, policies, security events and audit entries.
type Store struct {
	mu       sync.RWMutex
	runners  map[string]*runner.Runner
	policies map[policyKey]policyRecord
	events   []*audit.SecurityEvent
	entries  []*audit.Entry
}

type policyKey struct {
	kind runner.SubjectKind
	id   string
}

type policyRecord struct {
	subject runner.Subject
	policy  policy.Policy
}

var (
	_ runner.Store  = (*Store)(nil)
	_ policy.Store  = (*Store)(nil)
	_ policy.Writer = (*Store)(nil)
	_ audit.Sink    = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		runners:  make(map[string]*runner.Runner),
		policies: make(map[policyKey]policyRecord),
	}
}

// ---------------------------------------------------------------------------
// Runners
// ---------------------------------------------------------------------------

func (s *Store) Create(_ context.Context, r *runner.Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runners[r.ID]; ok {
		return fmt.Errorf("runner %s already exists", r.ID)
	}
	if !r.Status.Terminal() && s.activeByNameLocked(r.Name) != nil {
		return runner.ErrNameTaken
	}
	s.runners[r.ID] = r.Clone()
	return nil
}

func (s *Store) GetByID(_ context.Context, id string) (*runner.Runner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runners[id]
	if !ok {
		return nil, runner.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *Store) GetByName(_ context.Context, name string, activeOnly bool) (*runner.Runner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r := s.activeByNameLocked(name); r != nil {
		return r.Clone(), nil
	}
	if activeOnly {
		return nil, runner.ErrNotFound
	}
	var latest *runner.Runner
	for _, r := range s.runners {
		if r.Name == name && (latest == nil || r.CreatedAt.After(latest.CreatedAt)) {
			latest = r
		}
	}
	if latest == nil {
		return nil, runner.ErrNotFound
	}
	return latest.Clone(), nil
}

func (s *Store) ListByOwner(_ context.Context, subject runner.Subject, activeOnly bool) ([]*runner.Runner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collectLocked(func(r *runner.Runner) bool {
		return r.OwnedBy(subject) && (!activeOnly || !r.Status.Terminal())
	}), nil
}

func (s *Store) ListNonTerminal(_ context.Context) ([]*runner.Runner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collectLocked(func(r *runner.Runner) bool {
		return !r.Status.Terminal()
	}), nil
}

func (s *Store) Update(_ context.Context, id string, fn func(*runner.Runner) error) (*runner.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.runners[id]
	if !ok {
		return nil, runner.ErrNotFound
	}
	updated := current.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}
	s.runners[id] = updated
	return updated.Clone(), nil
}

func (s *Store) CountNonTerminalByOwner(_ context.Context, subject runner.Subject) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	for _, r := range s.runners {
		if !r.Status.Terminal() && r.OwnedBy(subject) {
			n++
		}
	}
	return n, nil
}

func (s *Store) activeByNameLocked(name string) *runner.Runner {
	for _, r := range s.runners {
		if r.Name == name && !r.Status.Terminal() {
			return r
		}
	}
	return nil
}

// collectLocked returns clones of matching runners, newest first.
func (s *Store) collectLocked(match func(*runner.Runner) bool) []*runner.Runner {
	var out []*runner.Runner
	for _, r := range s.runners {
		if match(r) {
			out = append(out, r.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *runner.Runner) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// ---------------------------------------------------------------------------
// Policies
// ---------------------------------------------------------------------------

// Get returns the policy for subject, matching on the secondary id when
// the primary id differs.
func (s *Store) Get(_ context.Context, subject runner.Subject) (policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.policies[policyKey{subject.Kind, subject.ID}]; ok {
		return rec.policy, nil
	}
	for _, rec := range s.policies {
		if rec.subject.Matches(subject) {
			return rec.policy, nil
		}
	}
	return nil, nil
}

func (s *Store) Put(_ context.Context, subject runner.Subject, p policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.policies[policyKey{subject.Kind, subject.ID}] = policyRecord{subject: subject, policy: p}
	return nil
}

func (s *Store) Delete(_ context.Context, subject runner.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.policies, policyKey{subject.Kind, subject.ID})
	return nil
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

func (s *Store) AppendSecurityEvent(_ context.Context, event *audit.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := *event
	ev.Details = maps.Clone(event.Details)
	s.events = append(s.events, &ev)
	return nil
}

func (s *Store) AppendEntry(_ context.Context, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := *entry
	e.Details = maps.Clone(entry.Details)
	s.entries = append(s.entries, &e)
	return nil
}

func (s *Store) ListSecurityEvents(_ context.Context, filter audit.Filter) ([]*audit.SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.EffectiveLimit()
	var out []*audit.SecurityEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if filter.Matches(s.events[i]) {
			ev := *s.events[i]
			out = append(out, &ev)
		}
	}
	return out, nil
}

// Entries returns a copy of every audit entry in insertion order.
func (s *Store) Entries() []*audit.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*audit.Entry, len(s.entries))
	for i, e := range s.entries {
		c := *e
		out[i] = &c
	}
	return out
}
