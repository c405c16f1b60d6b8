package progress

import (
	"fmt"
	"strings"

	"github.com/terra-clan/assessment-engine/internal/models"
)

// CompletionPolicy decides when a step record counts as completed for
// progress display. It is not a grading decision.
type CompletionPolicy string

const (
	// LenientCompletion credits a step once the grader marked it complete
	// or the candidate left non-blank code in it.
	LenientCompletion CompletionPolicy = "lenient"

	// StrictCompletion only trusts the grader's completion flag.
	StrictCompletion CompletionPolicy = "strict"
)

// ParsePolicy parses a policy name; empty means lenient.
func ParsePolicy(name string) (CompletionPolicy, error) {
	switch CompletionPolicy(strings.ToLower(strings.TrimSpace(name))) {
	case "", LenientCompletion:
		return LenientCompletion, nil
	case StrictCompletion:
		return StrictCompletion, nil
	}
	return "", fmt.Errorf("unknown completion policy %q", name)
}

// StepCompleted applies the policy to a record.
func (p CompletionPolicy) StepCompleted(rec models.StepProgressRecord) bool {
	if rec.IsCompleted {
		return true
	}
	if p == StrictCompletion {
		return false
	}
	return strings.TrimSpace(rec.Code) != ""
}
