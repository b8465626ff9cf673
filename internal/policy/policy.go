// Package policy decides whether a runner label set is acceptable for a
// user or team, and whether a subject may provision another runner.
//
// Everything in this package except the Store implementations is free of
// I/O so it can be called from request handlers, the verification task and
// the reconciliation loop alike.
package policy

import (
	"context"
	"slices"

	"github.com/terrpan/runnerguard/internal/runner"
)

// Wildcard in UserPolicy.AllowedLabels permits every label.
const Wildcard = "*"

// ComplianceResult is the outcome of evaluating a label set.
type ComplianceResult struct {
	Compliant     bool
	InvalidLabels []string
}

func compliant() ComplianceResult { return ComplianceResult{Compliant: true} }

func nonCompliant(invalid []string) ComplianceResult {
	slices.Sort(invalid)
	return ComplianceResult{InvalidLabels: slices.Compact(invalid)}
}

// Policy is implemented by both policy shapes. Evaluate receives labels
// that have already had system labels removed; use Evaluator.Evaluate to
// get that for free.
type Policy interface {
	Evaluate(labels []string) ComplianceResult
	// Quota returns the maximum number of non-terminal runners, or nil
	// for no limit.
	Quota() *int
}

// UserPolicy is attached to an individual user.
type UserPolicy struct {
	AllowedLabels []string `yaml:"allowed_labels" json:"allowed_labels"`
	LabelPatterns []string `yaml:"label_patterns" json:"label_patterns"`
	MaxRunners    *int     `yaml:"max_runners" json:"max_runners"`
	// RequireApproval is stored for a future approval gate and is not
	// enforced.
	RequireApproval bool `yaml:"require_approval" json:"require_approval"`
}

var _ Policy = (*UserPolicy)(nil)

// Evaluate accepts a label when it is listed in AllowedLabels or matches
// one of LabelPatterns. A nil policy accepts everything.
func (p *UserPolicy) Evaluate(labels []string) ComplianceResult {
	if p == nil || slices.Contains(p.AllowedLabels, Wildcard) {
		return compliant()
	}
	var invalid []string
	for _, l := range labels {
		if slices.Contains(p.AllowedLabels, l) || matchAny(p.LabelPatterns, l) {
			continue
		}
		invalid = append(invalid, l)
	}
	if len(invalid) > 0 {
		return nonCompliant(invalid)
	}
	return compliant()
}

func (p *UserPolicy) Quota() *int {
	if p == nil {
		return nil
	}
	return p.MaxRunners
}

// TeamPolicy is attached to a team. Every runner must carry all of
// RequiredLabels; anything beyond them must match OptionalLabelPatterns.
type TeamPolicy struct {
	RequiredLabels        []string `yaml:"required_labels" json:"required_labels"`
	OptionalLabelPatterns []string `yaml:"optional_label_patterns" json:"optional_label_patterns"`
	MaxRunners            *int     `yaml:"max_runners" json:"max_runners"`
}

var _ Policy = (*TeamPolicy)(nil)

func (p *TeamPolicy) Evaluate(labels []string) ComplianceResult {
	if p == nil {
		return compliant()
	}
	var missing []string
	for _, req := range p.RequiredLabels {
		if !slices.Contains(labels, req) {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return nonCompliant(missing)
	}

	var invalid []string
	for _, l := range labels {
		if slices.Contains(p.RequiredLabels, l) || matchAny(p.OptionalLabelPatterns, l) {
			continue
		}
		invalid = append(invalid, l)
	}
	if len(invalid) > 0 {
		return nonCompliant(invalid)
	}
	return compliant()
}

func (p *TeamPolicy) Quota() *int {
	if p == nil {
		return nil
	}
	return p.MaxRunners
}

// Store returns the policy attached to a subject.
type Store interface {
	// Get returns nil, nil when the subject has no policy.
	Get(ctx context.Context, subject runner.Subject) (Policy, error)
}

// Writer is implemented by stores that accept administrative changes.
type Writer interface {
	Put(ctx context.Context, subject runner.Subject, p Policy) error
	Delete(ctx context.Context, subject runner.Subject) error
}
