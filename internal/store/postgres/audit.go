package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/terrpan/runnerguard/internal/audit"
	"github.com/terrpan/runnerguard/internal/runner"
)

func (s *Store) AppendSecurityEvent(ctx context.Context, event *audit.SecurityEvent) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO security_events (
	id, event_type, severity, subject_kind, subject_id, subject_secondary_id,
	runner_id, runner_name, external_id, details, action_taken, created_at
) VALUES (
	@id, @event_type, @severity, @kind, @subject_id, @secondary_id,
	@runner_id, @runner_name, @external_id, @details, @action_taken, @created_at
)`, pgx.NamedArgs{
		"id":           event.ID,
		"event_type":   event.EventType,
		"severity":     string(event.Severity),
		"kind":         string(event.Subject.Kind),
		"subject_id":   event.Subject.ID,
		"secondary_id": event.Subject.SecondaryID,
		"runner_id":    event.RunnerID,
		"runner_name":  event.RunnerName,
		"external_id":  event.ExternalID,
		"details":      detailsOrEmpty(event.Details),
		"action_taken": event.ActionTaken,
		"created_at":   event.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}

func (s *Store) AppendEntry(ctx context.Context, entry *audit.Entry) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO audit_entries (
	id, action, subject_kind, subject_id, subject_secondary_id,
	runner_id, runner_name, success, error, details, created_at
) VALUES (
	@id, @action, @kind, @subject_id, @secondary_id,
	@runner_id, @runner_name, @success, @error, @details, @created_at
)`, pgx.NamedArgs{
		"id":           entry.ID,
		"action":       entry.Action,
		"kind":         string(entry.Subject.Kind),
		"subject_id":   entry.Subject.ID,
		"secondary_id": entry.Subject.SecondaryID,
		"runner_id":    entry.RunnerID,
		"runner_name":  entry.RunnerName,
		"success":      entry.Success,
		"error":        entry.Error,
		"details":      detailsOrEmpty(entry.Details),
		"created_at":   entry.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

type securityEventRow struct {
	ID                 string         `db:"id"`
	EventType          string         `db:"event_type"`
	Severity           string         `db:"severity"`
	SubjectKind        string         `db:"subject_kind"`
	SubjectID          string         `db:"subject_id"`
	SubjectSecondaryID string         `db:"subject_secondary_id"`
	RunnerID           string         `db:"runner_id"`
	RunnerName         string         `db:"runner_name"`
	ExternalID         *int64         `db:"external_id"`
	Details            map[string]any `db:"details"`
	ActionTaken        string         `db:"action_taken"`
	CreatedAt          time.Time      `db:"created_at"`
}

// ListSecurityEvents returns matching events, newest first.
func (s *Store) ListSecurityEvents(ctx context.Context, filter audit.Filter) ([]*audit.SecurityEvent, error) {
	var where []string
	args := pgx.NamedArgs{"limit": filter.EffectiveLimit()}
	if filter.Severity != "" {
		where = append(where, "severity = @severity")
		args["severity"] = string(filter.Severity)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = @event_type")
		args["event_type"] = filter.EventType
	}
	if filter.SubjectID != "" {
		where = append(where, "subject_id = @subject_id")
		args["subject_id"] = filter.SubjectID
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= @since")
		args["since"] = filter.Since
	}

	query := `SELECT id, event_type, severity, subject_kind, subject_id, subject_secondary_id,
runner_id, runner_name, external_id, details, action_taken, created_at FROM security_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT @limit"

	rows, _ := s.pool.Query(ctx, query, args)
	result, err := pgx.CollectRows(rows, pgx.RowToStructByName[securityEventRow])
	if err != nil {
		return nil, fmt.Errorf("listing security events: %w", err)
	}

	events := make([]*audit.SecurityEvent, len(result))
	for i, row := range result {
		events[i] = &audit.SecurityEvent{
			ID:        row.ID,
			EventType: row.EventType,
			Severity:  audit.Severity(row.Severity),
			Subject: runner.Subject{
				Kind:        runner.SubjectKind(row.SubjectKind),
				ID:          row.SubjectID,
				SecondaryID: row.SubjectSecondaryID,
			},
			RunnerID:    row.RunnerID,
			RunnerName:  row.RunnerName,
			ExternalID:  row.ExternalID,
			Details:     row.Details,
			ActionTaken: row.ActionTaken,
			Timestamp:   row.CreatedAt,
		}
	}
	return events, nil
}

func detailsOrEmpty(details map[string]any) map[string]any {
	if details == nil {
		return map[string]any{}
	}
	return details
}
