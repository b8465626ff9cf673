package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/runnerguard/internal/runner"
)

// File is the on-disk format accepted by `runnerguard policy apply`.
//
//	users:
//	  - id: alice
//	    secondary_id: 0b4c...   # optional
//	    allowed_labels: [team-a, linux]
//	    label_patterns: ["gpu-.*"]
//	    max_runners: 3
//	teams:
//	  - id: platform
//	    required_labels: [platform]
//	    optional_label_patterns: ["size-(small|large)"]
type File struct {
	Users []UserEntry `yaml:"users"`
	Teams []TeamEntry `yaml:"teams"`
}

type UserEntry struct {
	ID          string `yaml:"id"`
	SecondaryID string `yaml:"secondary_id"`
	UserPolicy  `yaml:",inline"`
}

type TeamEntry struct {
	ID         string `yaml:"id"`
	TeamPolicy `yaml:",inline"`
}

// Entry pairs a subject with its policy.
type Entry struct {
	Subject runner.Subject
	Policy  Policy
}

// LoadFile reads and validates a policy file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return &f, nil
}

// Validate rejects entries without an id, duplicate ids and patterns that
// do not compile.
func (f *File) Validate() error {
	seen := make(map[string]bool)
	for i, u := range f.Users {
		if u.ID == "" {
			return fmt.Errorf("users[%d]: id is required", i)
		}
		if seen["user:"+u.ID] {
			return fmt.Errorf("users[%d]: duplicate id %q", i, u.ID)
		}
		seen["user:"+u.ID] = true
		if err := Validate(&u.UserPolicy); err != nil {
			return fmt.Errorf("users[%d]: %w", i, err)
		}
	}
	for i, t := range f.Teams {
		if t.ID == "" {
			return fmt.Errorf("teams[%d]: id is required", i)
		}
		if seen["team:"+t.ID] {
			return fmt.Errorf("teams[%d]: duplicate id %q", i, t.ID)
		}
		seen["team:"+t.ID] = true
		if err := Validate(&t.TeamPolicy); err != nil {
			return fmt.Errorf("teams[%d]: %w", i, err)
		}
	}
	return nil
}

// Entries flattens the file into subject/policy pairs.
func (f *File) Entries() []Entry {
	entries := make([]Entry, 0, len(f.Users)+len(f.Teams))
	for _, u := range f.Users {
		p := u.UserPolicy
		entries = append(entries, Entry{
			Subject: runner.Subject{Kind: runner.SubjectUser, ID: u.ID, SecondaryID: u.SecondaryID},
			Policy:  &p,
		})
	}
	for _, t := range f.Teams {
		p := t.TeamPolicy
		entries = append(entries, Entry{
			Subject: runner.Subject{Kind: runner.SubjectTeam, ID: t.ID},
			Policy:  &p,
		})
	}
	return entries
}
