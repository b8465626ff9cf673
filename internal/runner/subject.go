package runner

// SubjectKind distinguishes individual users from teams.
type SubjectKind string

const (
	SubjectUser SubjectKind = "user"
	SubjectTeam SubjectKind = "team"
)

// Subject is the identity on whose behalf runners are provisioned and
// against whose policy they are evaluated.
type Subject struct {
	Kind SubjectKind
	ID   string
	// SecondaryID is an alternate stable identifier for the same identity,
	// such as the auth subject claim of a user whose login changed.
	SecondaryID string
}

func (s Subject) String() string {
	return string(s.Kind) + ":" + s.ID
}

// Matches applies the single ownership rule used everywhere in
// runnerguard: the primary ids are equal, or both sides carry a
// secondary id and those are equal. Kinds must agree.
func (s Subject) Matches(other Subject) bool {
	if s.Kind != other.Kind {
		return false
	}
	if s.ID != "" && s.ID == other.ID {
		return true
	}
	return s.SecondaryID != "" && s.SecondaryID == other.SecondaryID
}
