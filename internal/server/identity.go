package server

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/terrpan/runnerguard/internal/runner"
)

const (
	DefaultUserHeader    = "X-Forwarded-User"
	DefaultSubjectHeader = "X-Forwarded-Subject"
	DefaultTeamHeader    = "X-Forwarded-Team"
)

// IdentityConfig names the headers a trusted authenticating proxy sets on
// every request. runnerguard does not authenticate callers itself.
type IdentityConfig struct {
	UserHeader    string `yaml:"user_header"`
	SubjectHeader string `yaml:"subject_header"`
	TeamHeader    string `yaml:"team_header"`
	// Admins lists user ids allowed to call the administrative endpoints.
	Admins []string `yaml:"admins"`
}

func (c IdentityConfig) withDefaults() IdentityConfig {
	if c.UserHeader == "" {
		c.UserHeader = DefaultUserHeader
	}
	if c.SubjectHeader == "" {
		c.SubjectHeader = DefaultSubjectHeader
	}
	if c.TeamHeader == "" {
		c.TeamHeader = DefaultTeamHeader
	}
	return c
}

type identityKey struct{}

type identity struct {
	subject runner.Subject
	// user is the calling user, also set when acting as a team.
	user string
}

// identityFromRequest returns the subject a request acts as. A team header
// makes the team the subject; otherwise the user is.
func (c IdentityConfig) identityFromRequest(r *http.Request) (identity, bool) {
	user := strings.TrimSpace(r.Header.Get(c.UserHeader))
	if user == "" {
		return identity{}, false
	}
	if team := strings.TrimSpace(r.Header.Get(c.TeamHeader)); team != "" {
		return identity{
			subject: runner.Subject{Kind: runner.SubjectTeam, ID: team},
			user:    user,
		}, true
	}
	return identity{
		subject: runner.Subject{
			Kind:        runner.SubjectUser,
			ID:          user,
			SecondaryID: strings.TrimSpace(r.Header.Get(c.SubjectHeader)),
		},
		user: user,
	}, true
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.identity.identityFromRequest(r)
		if !ok {
			writeErrorMessage(w, http.StatusUnauthorized, "missing identity headers")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !slices.Contains(s.identity.Admins, requestIdentity(r).user) {
			writeErrorMessage(w, http.StatusForbidden, "administrator access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestIdentity(r *http.Request) identity {
	id, _ := r.Context().Value(identityKey{}).(identity)
	return id
}

func requestSubject(r *http.Request) runner.Subject {
	return requestIdentity(r).subject
}
