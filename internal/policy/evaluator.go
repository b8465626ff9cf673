package policy

import (
	"errors"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// SystemLabels identifies labels assigned by the registry itself. They are
// exempt from every policy comparison. Matching is case-insensitive.
type SystemLabels struct {
	Prefixes []string
	Names    []string
}

// DefaultSystemLabels covers the self-hosted marker and the OS and
// architecture labels the registry adds to every runner.
func DefaultSystemLabels() SystemLabels {
	return SystemLabels{
		Prefixes: []string{"self-hosted"},
		Names:    []string{"linux", "windows", "macos", "x64", "x86", "arm", "arm64"},
	}
}

// IsSystem reports whether label is a system label.
func (s SystemLabels) IsSystem(label string) bool {
	lower := strings.ToLower(label)
	for _, p := range s.Prefixes {
		if strings.HasPrefix(lower, strings.ToLower(p)) {
			return true
		}
	}
	for _, n := range s.Names {
		if lower == strings.ToLower(n) {
			return true
		}
	}
	return false
}

// Evaluator applies policies with a fixed set of system labels.
type Evaluator struct {
	system SystemLabels
}

// NewEvaluator returns an Evaluator. A zero SystemLabels exempts nothing.
func NewEvaluator(system SystemLabels) *Evaluator {
	return &Evaluator{system: system}
}

// StripSystemLabels returns labels without system labels or duplicates,
// preserving first-seen order.
func (e *Evaluator) StripSystemLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if e.system.IsSystem(l) || slices.Contains(out, l) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// Evaluate strips system labels and evaluates p. A nil policy is
// compliant: subjects without a policy are unrestricted.
func (e *Evaluator) Evaluate(p Policy, labels []string) ComplianceResult {
	if p == nil {
		return compliant()
	}
	return p.Evaluate(e.StripSystemLabels(labels))
}

// ValidateUserLabels evaluates a user policy against requested labels.
func (e *Evaluator) ValidateUserLabels(p *UserPolicy, labels []string) ComplianceResult {
	return p.Evaluate(e.StripSystemLabels(labels))
}

// ValidateTeamLabels evaluates a team policy against requested labels.
func (e *Evaluator) ValidateTeamLabels(p *TeamPolicy, labels []string) ComplianceResult {
	return p.Evaluate(e.StripSystemLabels(labels))
}

// DiffLabelSets returns the symmetric difference of expected and actual
// after removing system labels, sorted. An empty result means the sets
// match.
func (e *Evaluator) DiffLabelSets(expected, actual []string) []string {
	exp := e.StripSystemLabels(expected)
	act := e.StripSystemLabels(actual)

	var diff []string
	for _, l := range exp {
		if !slices.Contains(act, l) {
			diff = append(diff, l)
		}
	}
	for _, l := range act {
		if !slices.Contains(exp, l) {
			diff = append(diff, l)
		}
	}
	slices.Sort(diff)
	return diff
}

// CheckQuota returns a *QuotaExceededError when the subject already has
// current non-terminal runners and the policy limit is reached.
func CheckQuota(p Policy, current int) error {
	if p == nil {
		return nil
	}
	limit := p.Quota()
	if limit != nil && current >= *limit {
		return &QuotaExceededError{Current: current, Limit: *limit}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Pattern matching
// ---------------------------------------------------------------------------

// compiled caches expressions by source. Invalid sources are
// cached as nil so they are skipped without recompiling.
var compiled sync.Map

func compile(pattern string) *regexp.Regexp {
	if re, ok := compiled.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	// Patterns match at the start of the label only.
	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		re = nil
	}
	compiled.Store(pattern, re)
	return re
}

func matchAny(patterns []string, label string) bool {
	for _, p := range patterns {
		if re := compile(p); re != nil && re.MatchString(label) {
			return true
		}
	}
	return false
}

// ValidatePatterns reports the first pattern that does not compile. It is
// used when policies are written; evaluation itself skips bad patterns.
func ValidatePatterns(patterns []string) error {
	for _, p := range patterns {
		if _, err := regexp.Compile(p); err != nil {
			return &InvalidPatternError{Pattern: p, Err: err}
		}
	}
	return nil
}

// Validate checks a policy before it is stored: patterns must compile and
// quotas must not be negative.
func Validate(p Policy) error {
	var patterns []string
	var quota *int
	switch p := p.(type) {
	case *UserPolicy:
		patterns, quota = p.LabelPatterns, p.MaxRunners
	case *TeamPolicy:
		patterns, quota = p.OptionalLabelPatterns, p.MaxRunners
	}
	if err := ValidatePatterns(patterns); err != nil {
		return err
	}
	if quota != nil && *quota < 0 {
		return errors.New("max_runners must not be negative")
	}
	return nil
}
