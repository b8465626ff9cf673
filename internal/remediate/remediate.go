// Package remediate removes runners that must no longer exist: ones that
// violate policy, drifted from what was provisioned, or were deprovisioned
// by their owner.
package remediate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/utils/clock"

	"github.com/terrpan/runnerguard/internal/launcher"
	"github.com/terrpan/runnerguard/internal/registry"
	"github.com/terrpan/runnerguard/internal/runner"
)

// Config holds the parameters of a Remover.
type Config struct {
	Store    runner.Store
	Registry registry.Client
	// Launcher is optional. When set, runners with a launch id are
	// destroyed on the compute backend as well.
	Launcher launcher.Launcher
	Clock    clock.PassiveClock
	Logger   *slog.Logger

	// Retries is the number of extra registry delete attempts made on
	// transient failures. Zero attempts once.
	Retries uint64
	// RetryInterval is the initial backoff between attempts.
	RetryInterval time.Duration
}

// Remover deletes runners remotely on a best-effort basis and then marks
// them deleted locally. Local state is authoritative: a failed remote
// delete never blocks the local transition.
type Remover struct {
	store         runner.Store
	registry      registry.Client
	launcher      launcher.Launcher
	clock         clock.PassiveClock
	logger        *slog.Logger
	retries       uint64
	retryInterval time.Duration
}

var errAlreadyDeleted = errors.New("runner already deleted")

// New creates a Remover.
func New(cfg Config) *Remover {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	return &Remover{
		store:         cfg.Store,
		registry:      cfg.Registry,
		launcher:      cfg.Launcher,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		retries:       cfg.Retries,
		retryInterval: cfg.RetryInterval,
	}
}

// Remove deletes the registry runner externalID (skipped when zero),
// destroys the launched instance if any, and marks r deleted with reason.
// It reports whether this call moved the runner to deleted; false means
// another actor got there first. Only a store failure is returned.
func (m *Remover) Remove(ctx context.Context, r *runner.Runner, externalID int64, reason string) (bool, error) {
	logger := m.logger.With(slog.String("runner", r.Name), slog.String("reason", reason))

	if externalID != 0 {
		if err := m.DeleteFromRegistry(ctx, externalID); err != nil {
			logger.Warn("registry delete failed, marking deleted locally",
				slog.Int64("external_id", externalID),
				slog.String("error", err.Error()),
			)
		}
	}
	m.Destroy(ctx, r)

	return m.MarkDeleted(ctx, r.ID, reason)
}

// DeleteFromRegistry deletes a registry runner, retrying transient
// failures with exponential backoff. A runner that is already gone is not
// an error.
func (m *Remover) DeleteFromRegistry(ctx context.Context, externalID int64) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.retryInterval
	b.MaxElapsedTime = 0

	op := func() error {
		_, err := m.registry.DeleteRunner(ctx, externalID)
		if err != nil && !registry.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		m.logger.Debug("retrying registry delete",
			slog.Int64("external_id", externalID),
			slog.Duration("backoff", next),
			slog.String("error", err.Error()),
		)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, m.retries), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("delete registry runner %d: %w", externalID, err)
	}
	return nil
}

// Destroy removes the compute instance behind r, if runnerguard launched
// one. Failures are logged.
func (m *Remover) Destroy(ctx context.Context, r *runner.Runner) {
	if m.launcher == nil || r.LaunchID == "" {
		return
	}
	if err := m.launcher.Destroy(ctx, r.LaunchID); err != nil {
		m.logger.Warn("failed to destroy launched runner",
			slog.String("runner", r.Name),
			slog.String("launch_id", r.LaunchID),
			slog.String("error", err.Error()),
		)
	}
}

// MarkDeleted applies the deleted transition to runner id. Runners that
// are already deleted are left untouched.
func (m *Remover) MarkDeleted(ctx context.Context, id, reason string) (bool, error) {
	now := m.clock.Now()
	_, err := m.store.Update(ctx, id, func(r *runner.Runner) error {
		if !r.MarkDeleted(now, reason) {
			return errAlreadyDeleted
		}
		return nil
	})
	switch {
	case errors.Is(err, errAlreadyDeleted):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("mark runner %s deleted: %w", id, err)
	}
	return true, nil
}
