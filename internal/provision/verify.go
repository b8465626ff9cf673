package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/terrpan/runnerguard/internal/audit"
	"github.com/terrpan/runnerguard/internal/runner"
	"github.com/terrpan/runnerguard/internal/sentry"
)

const verificationTimeout = 30 * time.Second

// scheduleVerification arms a one-shot timer that verifies runner id once
// the verification delay has passed. The timer callback only starts a
// goroutine so it never blocks the clock.
func (s *Service) scheduleVerification(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.timers[id] = s.clock.AfterFunc(s.verificationDelay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.running.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.running.Done()
			defer sentry.Recover(context.Background(), "verification")

			ctx, cancel := context.WithTimeout(context.Background(), verificationTimeout)
			defer cancel()
			if err := s.Verify(ctx, id); err != nil {
				s.logger.Error("label verification failed to run",
					slog.String("runner_id", id),
					slog.String("error", err.Error()),
				)
				sentry.CaptureError(err, map[string]string{"component": "verification", "runner_id": id})
			}
		}()
	})
}

// PendingVerifications returns the number of armed verification timers.
func (s *Service) PendingVerifications() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Verify compares the labels the registry reports for runner id with the
// labels requested at provisioning time. On any difference the runner is
// removed and a high severity event is recorded. A runner that is deleted,
// unknown locally or not yet visible in the registry is left alone.
func (s *Service) Verify(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "provision.Verify")
	defer span.End()
	span.SetAttributes(attribute.String("runner.id", id))

	r, err := s.store.GetByID(ctx, id)
	if errors.Is(err, runner.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load runner: %w", err)
	}
	if r.Status.Terminal() {
		return nil
	}

	logger := s.logger.With(slog.String("runner", r.Name), slog.String("runner_id", id))

	remote, err := s.lookup(ctx, r)
	if err != nil {
		return fmt.Errorf("fetch registry runner %s: %w", r.Name, err)
	}
	if remote == nil {
		logger.Info("label verification skipped, runner not found in registry")
		return nil
	}

	mismatched := s.evaluator.DiffLabelSets(r.Labels, remote.Labels)
	if len(mismatched) == 0 {
		logger.Info("label verification passed")
		return nil
	}

	span.SetAttributes(attribute.StringSlice("runner.mismatched_labels", mismatched))
	logger.Warn("label verification failed",
		slog.Any("expected", r.Labels),
		slog.Any("actual", remote.Labels),
		slog.Any("mismatched", mismatched),
	)

	externalID := remote.ID
	s.recorder.SecurityEvent(ctx, &audit.SecurityEvent{
		EventType:  audit.EventVerificationFailed,
		Severity:   audit.SeverityHigh,
		Subject:    r.OwnerSubject(),
		RunnerID:   r.ID,
		RunnerName: r.Name,
		ExternalID: &externalID,
		Details: map[string]any{
			"expected_labels":     r.Labels,
			"actual_labels":       remote.Labels,
			"mismatched_labels":   mismatched,
			"verification_method": "post_registration",
		},
		ActionTaken: audit.ActionRunnerDeleted,
	})

	if _, err := s.remover.Remove(ctx, r, remote.ID, runner.ReasonVerificationFailed); err != nil {
		return err
	}
	return nil
}

// Shutdown stops pending verification timers and waits for running
// verifications to finish or ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for verifications: %w", ctx.Err())
	}
}

// Wait blocks until every verification that has started has finished.
func (s *Service) Wait() {
	s.running.Wait()
}
