package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/terrpan/runnerguard/internal/runner"
)

const runnerColumns = `id, external_id, name, labels, provisioned_labels, group_id, ephemeral,
method, owner, owner_kind, owner_secondary_id, status, credential, credential_expires_at,
created_at, updated_at, registered_at, deleted_at, deletion_reason, launch_id`

const selectRunners = `SELECT ` + runnerColumns + ` FROM runners`

// ownedBy matches runners owned by @kind/@id/@secondary_id. See
// runner.Subject.Matches.
const ownedBy = `owner_kind = @kind
AND ((@id <> '' AND owner = @id) OR (@secondary_id <> '' AND owner_secondary_id = @secondary_id))`

type runnerRow struct {
	ID                  string     `db:"id"`
	ExternalID          *int64     `db:"external_id"`
	Name                string     `db:"name"`
	Labels              []string   `db:"labels"`
	ProvisionedLabels   []string   `db:"provisioned_labels"`
	GroupID             int64      `db:"group_id"`
	Ephemeral           bool       `db:"ephemeral"`
	Method              string     `db:"method"`
	Owner               string     `db:"owner"`
	OwnerKind           string     `db:"owner_kind"`
	OwnerSecondaryID    string     `db:"owner_secondary_id"`
	Status              string     `db:"status"`
	Credential          *string    `db:"credential"`
	CredentialExpiresAt *time.Time `db:"credential_expires_at"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
	RegisteredAt        *time.Time `db:"registered_at"`
	DeletedAt           *time.Time `db:"deleted_at"`
	DeletionReason      string     `db:"deletion_reason"`
	LaunchID            string     `db:"launch_id"`
}

func (row *runnerRow) toRunner() *runner.Runner {
	return &runner.Runner{
		ID:                  row.ID,
		ExternalID:          row.ExternalID,
		Name:                row.Name,
		Labels:              row.Labels,
		ProvisionedLabels:   row.ProvisionedLabels,
		GroupID:             row.GroupID,
		Ephemeral:           row.Ephemeral,
		Method:              runner.ProvisioningMethod(row.Method),
		Owner:               row.Owner,
		OwnerKind:           runner.SubjectKind(row.OwnerKind),
		OwnerSecondaryID:    row.OwnerSecondaryID,
		Status:              runner.Status(row.Status),
		Credential:          row.Credential,
		CredentialExpiresAt: row.CredentialExpiresAt,
		CreatedAt:           row.CreatedAt,
		UpdatedAt:           row.UpdatedAt,
		RegisteredAt:        row.RegisteredAt,
		DeletedAt:           row.DeletedAt,
		DeletionReason:      row.DeletionReason,
		LaunchID:            row.LaunchID,
	}
}

func runnerArgs(r *runner.Runner) pgx.NamedArgs {
	labels := r.Labels
	if labels == nil {
		labels = []string{}
	}
	provisioned := r.ProvisionedLabels
	if provisioned == nil {
		provisioned = []string{}
	}
	return pgx.NamedArgs{
		"id":                    r.ID,
		"external_id":           r.ExternalID,
		"name":                  r.Name,
		"labels":                labels,
		"provisioned_labels":    provisioned,
		"group_id":              r.GroupID,
		"ephemeral":             r.Ephemeral,
		"method":                string(r.Method),
		"owner":                 r.Owner,
		"owner_kind":            string(r.OwnerKind),
		"owner_secondary_id":    r.OwnerSecondaryID,
		"status":                string(r.Status),
		"credential":            r.Credential,
		"credential_expires_at": r.CredentialExpiresAt,
		"created_at":            r.CreatedAt,
		"updated_at":            r.UpdatedAt,
		"registered_at":         r.RegisteredAt,
		"deleted_at":            r.DeletedAt,
		"deletion_reason":       r.DeletionReason,
		"launch_id":             r.LaunchID,
	}
}

func subjectArgs(subject runner.Subject) pgx.NamedArgs {
	return pgx.NamedArgs{
		"kind":         string(subject.Kind),
		"id":           subject.ID,
		"secondary_id": subject.SecondaryID,
	}
}

func collectRunners(rows pgx.Rows) ([]*runner.Runner, error) {
	result, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[runnerRow])
	if err != nil {
		return nil, fmt.Errorf("scanning runners: %w", err)
	}
	out := make([]*runner.Runner, len(result))
	for i, row := range result {
		out[i] = row.toRunner()
	}
	return out, nil
}

func collectRunner(rows pgx.Rows) (*runner.Runner, error) {
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[runnerRow])
	if err != nil {
		return nil, toError(err)
	}
	return row.toRunner(), nil
}

// ---------------------------------------------------------------------------
// runner.Store
// ---------------------------------------------------------------------------

func (s *Store) Create(ctx context.Context, r *runner.Runner) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO runners (`+runnerColumns+`) VALUES (
	@id, @external_id, @name, @labels, @provisioned_labels, @group_id, @ephemeral,
	@method, @owner, @owner_kind, @owner_secondary_id, @status, @credential, @credential_expires_at,
	@created_at, @updated_at, @registered_at, @deleted_at, @deletion_reason, @launch_id
)`, runnerArgs(r))
	if err != nil {
		return toError(err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*runner.Runner, error) {
	rows, _ := s.pool.Query(ctx, selectRunners+` WHERE id = @id`, pgx.NamedArgs{"id": id})
	return collectRunner(rows)
}

// GetByName prefers the non-terminal runner with name, falling back to the
// most recently created one unless activeOnly is set.
func (s *Store) GetByName(ctx context.Context, name string, activeOnly bool) (*runner.Runner, error) {
	query := selectRunners + ` WHERE name = @name`
	if activeOnly {
		query += ` AND status <> 'deleted'`
	}
	query += ` ORDER BY (status <> 'deleted') DESC, created_at DESC LIMIT 1`

	rows, _ := s.pool.Query(ctx, query, pgx.NamedArgs{"name": name})
	return collectRunner(rows)
}

func (s *Store) ListByOwner(ctx context.Context, subject runner.Subject, activeOnly bool) ([]*runner.Runner, error) {
	query := selectRunners + ` WHERE ` + ownedBy
	if activeOnly {
		query += ` AND status <> 'deleted'`
	}
	query += ` ORDER BY created_at DESC, id`

	rows, _ := s.pool.Query(ctx, query, subjectArgs(subject))
	return collectRunners(rows)
}

func (s *Store) ListNonTerminal(ctx context.Context) ([]*runner.Runner, error) {
	rows, _ := s.pool.Query(ctx, selectRunners+` WHERE status <> 'deleted' ORDER BY created_at DESC, id`)
	return collectRunners(rows)
}

// Update locks the row for the duration of fn so that concurrent updates
// of the same runner serialize.
func (s *Store) Update(ctx context.Context, id string, fn func(*runner.Runner) error) (*runner.Runner, error) {
	var updated *runner.Runner
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, _ := tx.Query(ctx, selectRunners+` WHERE id = @id FOR UPDATE`, pgx.NamedArgs{"id": id})
		r, err := collectRunner(rows)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
UPDATE runners SET
	external_id = @external_id,
	labels = @labels,
	provisioned_labels = @provisioned_labels,
	status = @status,
	credential = @credential,
	credential_expires_at = @credential_expires_at,
	updated_at = @updated_at,
	registered_at = @registered_at,
	deleted_at = @deleted_at,
	deletion_reason = @deletion_reason,
	launch_id = @launch_id
WHERE id = @id`, runnerArgs(r))
		if err != nil {
			return toError(err)
		}
		updated = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) CountNonTerminalByOwner(ctx context.Context, subject runner.Subject) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM runners WHERE status <> 'deleted' AND `+ownedBy,
		subjectArgs(subject),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting runners: %w", err)
	}
	return n, nil
}
