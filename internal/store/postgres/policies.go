package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/terrpan/runnerguard/internal/policy"
	"github.com/terrpan/runnerguard/internal/runner"
)

// Get returns the policy for subject. An exact primary id match wins over
// a secondary id match.
func (s *Store) Get(ctx context.Context, subject runner.Subject) (policy.Policy, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
SELECT policy FROM policies
WHERE subject_kind = @kind
AND ((@id <> '' AND subject_id = @id) OR (@secondary_id <> '' AND subject_secondary_id = @secondary_id))
ORDER BY (subject_id = @id) DESC
LIMIT 1`, subjectArgs(subject)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading policy for %s: %w", subject, err)
	}
	return decodePolicy(subject.Kind, data)
}

func (s *Store) Put(ctx context.Context, subject runner.Subject, p policy.Policy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding policy: %w", err)
	}
	args := subjectArgs(subject)
	args["policy"] = data
	_, err = s.pool.Exec(ctx, `
INSERT INTO policies (subject_kind, subject_id, subject_secondary_id, policy, updated_at)
VALUES (@kind, @id, @secondary_id, @policy, now())
ON CONFLICT (subject_kind, subject_id) DO UPDATE SET
	subject_secondary_id = EXCLUDED.subject_secondary_id,
	policy = EXCLUDED.policy,
	updated_at = EXCLUDED.updated_at`, args)
	if err != nil {
		return fmt.Errorf("saving policy for %s: %w", subject, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, subject runner.Subject) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM policies WHERE subject_kind = @kind AND subject_id = @id`,
		subjectArgs(subject),
	)
	if err != nil {
		return fmt.Errorf("deleting policy for %s: %w", subject, err)
	}
	return nil
}

// decodePolicy unmarshals a stored policy. The subject kind decides the
// policy type.
func decodePolicy(kind runner.SubjectKind, data []byte) (policy.Policy, error) {
	switch kind {
	case runner.SubjectUser:
		var p policy.UserPolicy
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decoding user policy: %w", err)
		}
		return &p, nil
	case runner.SubjectTeam:
		var p policy.TeamPolicy
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decoding team policy: %w", err)
		}
		return &p, nil
	}
	return nil, fmt.Errorf("unknown subject kind %q", kind)
}
