package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/terrpan/runnerguard/internal/reconcile"
)

func (s *Store) RecordCycle(ctx context.Context, summary *reconcile.CycleSummary) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO reconcile_cycles (
	id, started_at, finished_at, checked, updated, deleted, unchanged,
	errors, policy_violations, label_drifts, error
) VALUES (
	@id, @started_at, @finished_at, @checked, @updated, @deleted, @unchanged,
	@errors, @policy_violations, @label_drifts, @error
)`, pgx.NamedArgs{
		"id":                summary.ID,
		"started_at":        summary.StartedAt,
		"finished_at":       summary.FinishedAt,
		"checked":           summary.Checked,
		"updated":           summary.Updated,
		"deleted":           summary.Deleted,
		"unchanged":         summary.Unchanged,
		"errors":            summary.Errors,
		"policy_violations": summary.PolicyViolations,
		"label_drifts":      summary.LabelDrifts,
		"error":             summary.Error,
	})
	if err != nil {
		return fmt.Errorf("recording reconciliation cycle: %w", err)
	}
	return nil
}

// ListCycles returns up to limit cycles, most recent first. A limit of
// zero or less returns every cycle.
func (s *Store) ListCycles(ctx context.Context, limit int) ([]*reconcile.CycleSummary, error) {
	query := `SELECT id, started_at, finished_at, checked, updated, deleted, unchanged,
errors, policy_violations, label_drifts, error
FROM reconcile_cycles ORDER BY started_at DESC, id DESC`
	args := pgx.NamedArgs{}
	if limit > 0 {
		query += ` LIMIT @limit`
		args["limit"] = limit
	}

	rows, _ := s.pool.Query(ctx, query, args)
	cycles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*reconcile.CycleSummary, error) {
		var c reconcile.CycleSummary
		err := row.Scan(
			&c.ID, &c.StartedAt, &c.FinishedAt, &c.Checked, &c.Updated, &c.Deleted, &c.Unchanged,
			&c.Errors, &c.PolicyViolations, &c.LabelDrifts, &c.Error,
		)
		return &c, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing reconciliation cycles: %w", err)
	}
	return cycles, nil
}
