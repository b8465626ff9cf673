package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/runnerguard/internal/runner"
)

func intPtr(i int) *int { return &i }

func newEvaluator() *Evaluator { return NewEvaluator(DefaultSystemLabels()) }

// ---------------------------------------------------------------------------
// User policies
// ---------------------------------------------------------------------------

func TestValidateUserLabels_UnknownLabelRejected(t *testing.T) {
	p := &UserPolicy{AllowedLabels: []string{"team-a", "linux"}}

	res := newEvaluator().ValidateUserLabels(p, []string{"team-a", "unknown"})

	assert.False(t, res.Compliant)
	assert.Equal(t, []string{"unknown"}, res.InvalidLabels)
}

func TestValidateUserLabels(t *testing.T) {
	tests := []struct {
		name    string
		policy  *UserPolicy
		labels  []string
		invalid []string
	}{
		{
			name:   "no policy is permissive",
			policy: nil,
			labels: []string{"anything"},
		},
		{
			name:   "wildcard allows all",
			policy: &UserPolicy{AllowedLabels: []string{"*"}},
			labels: []string{"gpu", "prod"},
		},
		{
			name:   "exact match",
			policy: &UserPolicy{AllowedLabels: []string{"gpu"}},
			labels: []string{"gpu"},
		},
		{
			name:   "system labels exempt",
			policy: &UserPolicy{AllowedLabels: []string{"gpu"}},
			labels: []string{"self-hosted", "Linux", "X64", "gpu"},
		},
		{
			name:   "pattern anchored at start",
			policy: &UserPolicy{LabelPatterns: []string{"team-[a-z]+"}},
			labels: []string{"team-blue"},
		},
		{
			name:    "pattern does not match mid-label",
			policy:  &UserPolicy{LabelPatterns: []string{"team"}},
			labels:  []string{"my-team"},
			invalid: []string{"my-team"},
		},
		{
			name:   "pattern prefix match is enough",
			policy: &UserPolicy{LabelPatterns: []string{"gpu"}},
			labels: []string{"gpu-a100"},
		},
		{
			name:   "invalid pattern skipped",
			policy: &UserPolicy{LabelPatterns: []string{"(unclosed", "ok-.*"}},
			labels: []string{"ok-1"},
		},
		{
			name:    "invalid pattern alone rejects",
			policy:  &UserPolicy{LabelPatterns: []string{"(unclosed"}},
			labels:  []string{"(unclosed"},
			invalid: []string{"(unclosed"},
		},
		{
			name:    "multiple invalid sorted",
			policy:  &UserPolicy{AllowedLabels: []string{"a"}},
			labels:  []string{"z", "a", "b"},
			invalid: []string{"b", "z"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newEvaluator().ValidateUserLabels(tt.policy, tt.labels)
			assert.Equal(t, len(tt.invalid) == 0, res.Compliant)
			assert.Equal(t, tt.invalid, res.InvalidLabels)
		})
	}
}

func TestValidateUserLabels_PatternProperties(t *testing.T) {
	e := newEvaluator()
	p := &UserPolicy{AllowedLabels: []string{"base"}, LabelPatterns: []string{"gpu-.*"}}

	require.True(t, e.ValidateUserLabels(p, []string{"base"}).Compliant)

	// Adding a label matching a configured pattern keeps the set compliant.
	assert.True(t, e.ValidateUserLabels(p, []string{"base", "gpu-a100"}).Compliant)

	// Removing the only matching pattern makes the same set non-compliant.
	p.LabelPatterns = nil
	assert.False(t, e.ValidateUserLabels(p, []string{"base", "gpu-a100"}).Compliant)
}

// ---------------------------------------------------------------------------
// Team policies
// ---------------------------------------------------------------------------

func TestValidateTeamLabels(t *testing.T) {
	p := &TeamPolicy{
		RequiredLabels:        []string{"platform", "prod"},
		OptionalLabelPatterns: []string{"size-(small|large)"},
	}

	tests := []struct {
		name    string
		labels  []string
		invalid []string
	}{
		{"all required present", []string{"platform", "prod", "self-hosted"}, nil},
		{"optional pattern ok", []string{"platform", "prod", "size-large"}, nil},
		{"missing required", []string{"platform"}, []string{"prod"}},
		{"missing required reported before extras", []string{"platform", "gpu"}, []string{"prod"}},
		{"extra label without pattern", []string{"platform", "prod", "gpu"}, []string{"gpu"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newEvaluator().ValidateTeamLabels(p, tt.labels)
			assert.Equal(t, len(tt.invalid) == 0, res.Compliant)
			assert.Equal(t, tt.invalid, res.InvalidLabels)
		})
	}
}

func TestEvaluate_Polymorphic(t *testing.T) {
	e := newEvaluator()

	var user Policy = &UserPolicy{AllowedLabels: []string{"a"}}
	var team Policy = &TeamPolicy{RequiredLabels: []string{"a"}}

	assert.True(t, e.Evaluate(user, []string{"a", "self-hosted"}).Compliant)
	assert.True(t, e.Evaluate(team, []string{"a", "self-hosted"}).Compliant)
	assert.False(t, e.Evaluate(team, []string{"self-hosted"}).Compliant)
	assert.True(t, e.Evaluate(nil, []string{"anything"}).Compliant)

	var typedNil *UserPolicy
	assert.True(t, e.Evaluate(typedNil, []string{"anything"}).Compliant)
}

// ---------------------------------------------------------------------------
// Quota
// ---------------------------------------------------------------------------

func TestCheckQuota(t *testing.T) {
	p := &UserPolicy{MaxRunners: intPtr(2)}

	assert.NoError(t, CheckQuota(p, 1))

	err := CheckQuota(p, 2)
	var qe *QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 2, qe.Current)
	assert.Equal(t, 2, qe.Limit)

	assert.NoError(t, CheckQuota(&UserPolicy{}, 100), "nil limit means unlimited")
	assert.NoError(t, CheckQuota(nil, 100))
	assert.Error(t, CheckQuota(&TeamPolicy{MaxRunners: intPtr(0)}, 0))
}

// ---------------------------------------------------------------------------
// Diff
// ---------------------------------------------------------------------------

func TestDiffLabelSets(t *testing.T) {
	e := newEvaluator()

	assert.Empty(t, e.DiffLabelSets([]string{"gpu"}, []string{"gpu", "self-hosted", "linux"}))
	assert.Equal(t, []string{"extra"}, e.DiffLabelSets([]string{"gpu"}, []string{"gpu", "extra"}))
	assert.Equal(t, []string{"gpu"}, e.DiffLabelSets([]string{"gpu"}, nil))
	assert.Equal(t, []string{"a", "b"}, e.DiffLabelSets([]string{"a"}, []string{"b"}))
}

func TestDiffLabelSets_Symmetric(t *testing.T) {
	e := newEvaluator()
	sets := [][]string{
		nil,
		{"a"},
		{"a", "b", "self-hosted"},
		{"b", "c", "X64"},
		{"c", "c", "d"},
	}
	for _, a := range sets {
		assert.Empty(t, e.DiffLabelSets(a, a))
		for _, b := range sets {
			assert.Equal(t, e.DiffLabelSets(a, b), e.DiffLabelSets(b, a))
		}
	}
}

// ---------------------------------------------------------------------------
// Policy file
// ---------------------------------------------------------------------------

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
users:
  - id: alice
    secondary_id: sub-1
    allowed_labels: [team-a, linux]
    label_patterns: ["gpu-.*"]
    max_runners: 2
teams:
  - id: platform
    required_labels: [platform]
    optional_label_patterns: ["size-.*"]
`), 0o600))

	f, err := LoadFile(path)
	require.NoError(t, err)

	entries := f.Entries()
	require.Len(t, entries, 2)

	assert.Equal(t, runner.Subject{Kind: runner.SubjectUser, ID: "alice", SecondaryID: "sub-1"}, entries[0].Subject)
	up, ok := entries[0].Policy.(*UserPolicy)
	require.True(t, ok)
	assert.Equal(t, []string{"team-a", "linux"}, up.AllowedLabels)
	require.NotNil(t, up.Quota())
	assert.Equal(t, 2, *up.Quota())

	assert.Equal(t, runner.SubjectTeam, entries[1].Subject.Kind)
	tp, ok := entries[1].Policy.(*TeamPolicy)
	require.True(t, ok)
	assert.Equal(t, []string{"platform"}, tp.RequiredLabels)
	assert.Nil(t, tp.Quota())
}

func TestLoadFile_InvalidPattern(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
users:
  - id: alice
    label_patterns: ["(bad"]
`), 0o600))

	_, err := LoadFile(path)
	var pe *InvalidPatternError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "(bad", pe.Pattern)
}

func TestFileValidate_DuplicateID(t *testing.T) {
	f := &File{Users: []UserEntry{{ID: "a"}, {ID: "a"}}}
	assert.ErrorContains(t, f.Validate(), "duplicate")
}

func TestValidate(t *testing.T) {
	negative := -1
	tests := []struct {
		name    string
		policy  Policy
		wantErr string
	}{
		{name: "nil", policy: nil},
		{name: "valid user", policy: &UserPolicy{LabelPatterns: []string{"gpu-.*"}}},
		{name: "bad user pattern", policy: &UserPolicy{LabelPatterns: []string{"(bad"}}, wantErr: "invalid label pattern"},
		{name: "negative user quota", policy: &UserPolicy{MaxRunners: &negative}, wantErr: "must not be negative"},
		{name: "bad team pattern", policy: &TeamPolicy{OptionalLabelPatterns: []string{"[x"}}, wantErr: "invalid label pattern"},
		{name: "negative team quota", policy: &TeamPolicy{MaxRunners: &negative}, wantErr: "must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.policy)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
