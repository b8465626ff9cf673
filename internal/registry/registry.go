// Package registry describes the external runner registry that runnerguard
// keeps its local records consistent with. The github subpackage talks to
// the GitHub Actions API; registrytest provides an in-memory fake.
package registry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRateLimited is returned when the registry refused the call because
	// the API budget is exhausted. Callers retry on the next cycle.
	ErrRateLimited = errors.New("registry rate limited")

	// ErrNetwork is returned for transport failures and unexpected server
	// errors. Callers retry on the next cycle.
	ErrNetwork = errors.New("registry network error")
)

// IsTransient reports whether err is a rate limit or network failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrNetwork)
}

// RunnerStatus is the connection state reported by the registry.
type RunnerStatus string

const (
	RunnerOnline  RunnerStatus = "online"
	RunnerOffline RunnerStatus = "offline"
)

// Runner is a runner as the registry sees it.
type Runner struct {
	ID     int64
	Name   string
	Status RunnerStatus
	Busy   bool
	Labels []string
}

// Credential is a short-lived registration token.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// JITCredential is a one-time runner configuration issued for a single,
// already registered runner.
type JITCredential struct {
	RunnerID      int64
	Name          string
	EncodedConfig string
	Labels        []string
}

// Client is the contract runnerguard needs from the registry. Lookups
// return nil, nil when the runner does not exist; deletes and
// cancellations report false, nil for not found.
type Client interface {
	ListRunners(ctx context.Context) ([]Runner, error)
	GetRunnerByID(ctx context.Context, id int64) (*Runner, error)
	GetRunnerByName(ctx context.Context, name string) (*Runner, error)
	DeleteRunner(ctx context.Context, id int64) (bool, error)
	// CancelJob cancels the workflow run runID in repo ("owner/name").
	CancelJob(ctx context.Context, repo string, runID int64) (bool, error)
	CreateRegistrationToken(ctx context.Context) (*Credential, error)
	GenerateJITConfig(ctx context.Context, name string, groupID int64, labels []string) (*JITCredential, error)
}

// Info describes where runners register, for building config commands.
type Info interface {
	// RegistrationURL is the URL passed to the runner's config script.
	RegistrationURL() string
}
