package policy

import (
	"fmt"
	"strings"
)

// ViolationError is returned when requested labels are not permitted.
type ViolationError struct {
	InvalidLabels []string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("labels not permitted by policy: %s", strings.Join(e.InvalidLabels, ", "))
}

// QuotaExceededError is returned when a subject has reached its runner
// limit.
type QuotaExceededError struct {
	Current int
	Limit   int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("runner quota exceeded: %d of %d runners in use", e.Current, e.Limit)
}

// InvalidPatternError is returned when a policy is written with a label
// pattern that does not compile.
type InvalidPatternError struct {
	Pattern string
	Err     error
}

func (e *InvalidPatternError) Error() string {
	return fmt.Sprintf("invalid label pattern %q: %v", e.Pattern, e.Err)
}

func (e *InvalidPatternError) Unwrap() error { return e.Err }
