package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"k8s.io/utils/clock"

	"github.com/terrpan/runnerguard/internal/sentry"
)

// Recorder stamps, logs, counts and persists events. Critical events are
// also reported to Sentry. Persistence failures are logged and swallowed
// so that enforcement never depends on the sink being writable.
type Recorder struct {
	sink   Sink
	clock  clock.PassiveClock
	logger *slog.Logger

	events metric.Int64Counter
}

// NewRecorder returns a Recorder writing to sink.
func NewRecorder(sink Sink, clk clock.PassiveClock, logger *slog.Logger) *Recorder {
	if clk == nil {
		clk = clock.RealClock{}
	}
	r := &Recorder{sink: sink, clock: clk, logger: logger}

	var err error
	r.events, err = otel.Meter("runnerguard/audit").Int64Counter(
		"runnerguard.security.events",
		metric.WithDescription("Total number of security events recorded"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create security events counter", slog.String("error", err.Error()))
	}
	return r
}

// SecurityEvent records event, filling in ID and Timestamp when unset.
func (r *Recorder) SecurityEvent(ctx context.Context, event *SecurityEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.clock.Now()
	}

	attrs := []any{
		slog.String("event_type", event.EventType),
		slog.String("severity", string(event.Severity)),
		slog.String("subject", event.Subject.String()),
		slog.String("runner", event.RunnerName),
		slog.String("action", event.ActionTaken),
	}
	switch event.Severity {
	case SeverityCritical:
		r.logger.Error("security event", attrs...)
		sentry.CaptureError(fmt.Errorf("critical security event %s for %s", event.EventType, event.RunnerName), map[string]string{
			"event_type": event.EventType,
			"subject":    event.Subject.String(),
		})
	case SeverityHigh:
		r.logger.Warn("security event", attrs...)
	default:
		r.logger.Info("security event", attrs...)
	}

	if r.events != nil {
		r.events.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", event.EventType),
			attribute.String("severity", string(event.Severity)),
		))
	}

	if err := r.sink.AppendSecurityEvent(ctx, event); err != nil {
		r.logger.Error("failed to persist security event",
			slog.String("event_type", event.EventType),
			slog.String("error", err.Error()),
		)
	}
}

// Entry records an audit entry, filling in ID and Timestamp when unset.
func (r *Recorder) Entry(ctx context.Context, entry *Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.clock.Now()
	}
	if err := r.sink.AppendEntry(ctx, entry); err != nil {
		r.logger.Error("failed to persist audit entry",
			slog.String("action", entry.Action),
			slog.String("runner", entry.RunnerName),
			slog.String("error", err.Error()),
		)
	}
}
