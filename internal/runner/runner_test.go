package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkDeleted(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cred := "secret"
	exp := now.Add(time.Hour)
	r := &Runner{Status: StatusPending, Credential: &cred, CredentialExpiresAt: &exp}

	require.True(t, r.MarkDeleted(now, ReasonCredentialExpired))
	assert.Equal(t, StatusDeleted, r.Status)
	assert.Nil(t, r.Credential)
	assert.Nil(t, r.CredentialExpiresAt)
	require.NotNil(t, r.DeletedAt)
	assert.Equal(t, now, *r.DeletedAt)
	assert.Equal(t, ReasonCredentialExpired, r.DeletionReason)

	// Deleted is absorbing: a second call changes nothing.
	later := now.Add(time.Minute)
	assert.False(t, r.MarkDeleted(later, ReasonNotFoundExternally))
	assert.Equal(t, now, *r.DeletedAt)
	assert.Equal(t, ReasonCredentialExpired, r.DeletionReason)
}

func TestCredentialExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name    string
		runner  Runner
		expired bool
	}{
		{"explicit expiry in the past", Runner{CreatedAt: now, CredentialExpiresAt: &past}, true},
		{"explicit expiry in the future", Runner{CreatedAt: now.Add(-48 * time.Hour), CredentialExpiresAt: &future}, false},
		{"fallback young runner", Runner{CreatedAt: now.Add(-time.Hour)}, false},
		{"fallback stale runner", Runner{CreatedAt: now.Add(-25 * time.Hour)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expired, tt.runner.CredentialExpired(now, 24*time.Hour))
		})
	}
}

func TestOwnedBy(t *testing.T) {
	r := &Runner{Owner: "alice", OwnerKind: SubjectUser, OwnerSecondaryID: "sub-1"}

	tests := []struct {
		name    string
		subject Subject
		want    bool
	}{
		{"primary match", Subject{Kind: SubjectUser, ID: "alice"}, true},
		{"secondary match", Subject{Kind: SubjectUser, ID: "alice-renamed", SecondaryID: "sub-1"}, true},
		{"secondary mismatch", Subject{Kind: SubjectUser, ID: "bob", SecondaryID: "sub-2"}, false},
		{"empty secondary never matches", Subject{Kind: SubjectUser, ID: "bob"}, false},
		{"kind mismatch", Subject{Kind: SubjectTeam, ID: "alice"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.OwnedBy(tt.subject))
		})
	}

	anon := &Runner{Owner: "carol", OwnerKind: SubjectUser}
	assert.False(t, anon.OwnedBy(Subject{Kind: SubjectUser, ID: "dave"}))
}

func TestClone(t *testing.T) {
	id := int64(42)
	r := &Runner{Name: "a", Labels: []string{"x"}, ExternalID: &id}
	c := r.Clone()
	c.Labels[0] = "y"
	*c.ExternalID = 7

	assert.Equal(t, "x", r.Labels[0])
	assert.Equal(t, int64(42), *r.ExternalID)
}

func TestSyncFromRegistry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cred := "token"
	r := &Runner{Status: StatusPending, Credential: &cred}

	require.True(t, r.SyncFromRegistry(true, 77, now))
	assert.Equal(t, StatusOnline, r.Status)
	require.NotNil(t, r.ExternalID)
	assert.Equal(t, int64(77), *r.ExternalID)
	assert.Equal(t, now, *r.RegisteredAt)
	assert.Nil(t, r.Credential)

	// Same observation again is a no-op.
	assert.False(t, r.SyncFromRegistry(true, 77, now.Add(time.Minute)))
	assert.Equal(t, now, r.UpdatedAt)

	assert.True(t, r.SyncFromRegistry(false, 77, now.Add(time.Minute)))
	assert.Equal(t, StatusOffline, r.Status)
	assert.Equal(t, now, *r.RegisteredAt, "registration time is set once")
}
