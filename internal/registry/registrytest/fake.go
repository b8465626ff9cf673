// Package registrytest provides an in-memory registry.Client for tests.
package registrytest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/terrpan/runnerguard/internal/registry"
)

// Fake is a concurrency-safe in-memory registry. Error fields, when set,
// are returned by the corresponding operation.
type Fake struct {
	mu      sync.Mutex
	runners map[int64]registry.Runner
	nextID  int64

	ListErr     error
	GetErr      error
	DeleteErr   error
	CancelErr   error
	TokenErr    error
	JITErr      error
	CancelOK    bool
	TokenTTL    time.Duration
	Now         func() time.Time
	URL         string
	JITLabelsFn func(requested []string) []string
	// MintDelay is slept before minting a token or JIT config.
	MintDelay time.Duration

	ListCalls   int
	DeleteCalls []int64
	CancelCalls []Cancel
	TokenCalls  int
	JITCalls    []string
}

// Cancel records a CancelJob call.
type Cancel struct {
	Repo  string
	RunID int64
}

var (
	_ registry.Client = (*Fake)(nil)
	_ registry.Info   = (*Fake)(nil)
)

// NewFake returns an empty registry whose cancellations succeed.
func NewFake() *Fake {
	return &Fake{
		runners:  make(map[int64]registry.Runner),
		nextID:   1000,
		CancelOK: true,
		TokenTTL: time.Hour,
		Now:      time.Now,
		URL:      "https://github.com/acme",
	}
}

// Add registers a runner, assigning an id when r.ID is zero.
func (f *Fake) Add(r registry.Runner) registry.Runner {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.ID == 0 {
		f.nextID++
		r.ID = f.nextID
	}
	if r.Status == "" {
		r.Status = registry.RunnerOnline
	}
	f.runners[r.ID] = r
	return r
}

// Remove drops a runner without recording a delete call.
func (f *Fake) Remove(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.runners, id)
}

// Has reports whether a runner with id is registered.
func (f *Fake) Has(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.runners[id]
	return ok
}

func (f *Fake) RegistrationURL() string { return f.URL }

func (f *Fake) ListRunners(ctx context.Context) ([]registry.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListCalls++
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]registry.Runner, 0, len(f.runners))
	for _, r := range f.runners {
		out = append(out, clone(r))
	}
	slices.SortFunc(out, func(a, b registry.Runner) int { return int(a.ID - b.ID) })
	return out, nil
}

func (f *Fake) GetRunnerByID(ctx context.Context, id int64) (*registry.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	r, ok := f.runners[id]
	if !ok {
		return nil, nil
	}
	c := clone(r)
	return &c, nil
}

func (f *Fake) GetRunnerByName(ctx context.Context, name string) (*registry.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	for _, r := range f.runners {
		if r.Name == name {
			c := clone(r)
			return &c, nil
		}
	}
	return nil, nil
}

func (f *Fake) DeleteRunner(ctx context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeleteCalls = append(f.DeleteCalls, id)
	if f.DeleteErr != nil {
		return false, f.DeleteErr
	}
	if _, ok := f.runners[id]; !ok {
		return false, nil
	}
	delete(f.runners, id)
	return true, nil
}

func (f *Fake) CancelJob(ctx context.Context, repo string, runID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CancelCalls = append(f.CancelCalls, Cancel{Repo: repo, RunID: runID})
	if f.CancelErr != nil {
		return false, f.CancelErr
	}
	return f.CancelOK, nil
}

func (f *Fake) CreateRegistrationToken(ctx context.Context) (*registry.Credential, error) {
	f.sleepMint()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TokenCalls++
	if f.TokenErr != nil {
		return nil, f.TokenErr
	}
	return &registry.Credential{Token: "reg-token", ExpiresAt: f.Now().Add(f.TokenTTL)}, nil
}

// GenerateJITConfig registers the runner immediately, as the real
// registry does, with the system labels it would add.
func (f *Fake) GenerateJITConfig(ctx context.Context, name string, groupID int64, labels []string) (*registry.JITCredential, error) {
	f.sleepMint()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.JITCalls = append(f.JITCalls, name)
	if f.JITErr != nil {
		return nil, f.JITErr
	}
	actual := append([]string{"self-hosted"}, labels...)
	if f.JITLabelsFn != nil {
		actual = f.JITLabelsFn(labels)
	}
	f.nextID++
	r := registry.Runner{ID: f.nextID, Name: name, Status: registry.RunnerOffline, Labels: actual}
	f.runners[r.ID] = r
	return &registry.JITCredential{
		RunnerID:      r.ID,
		Name:          name,
		EncodedConfig: "jit-" + name,
		Labels:        slices.Clone(actual),
	}, nil
}

func (f *Fake) sleepMint() {
	f.mu.Lock()
	d := f.MintDelay
	f.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
}

func clone(r registry.Runner) registry.Runner {
	r.Labels = slices.Clone(r.Labels)
	return r
}
