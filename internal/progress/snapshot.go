package progress

import (
	"sort"
	"strings"

	"github.com/terra-clan/assessment-engine/internal/models"
)

// StepState is the lookup result for one step. A step without a record is
// reported with Attempted false and a zero Record.
type StepState struct {
	Record    models.StepProgressRecord
	Attempted bool
}

// Snapshot is one consistent set of progress records for a session, keyed
// by step id.
type Snapshot struct {
	byStep      map[string]models.StepProgressRecord
	byChallenge map[string]int
}

// NewSnapshot indexes records by step. When several records exist for the
// same step the winner does not depend on input order: the latest
// submission wins, then a completed record, then more passed tests.
func NewSnapshot(records []models.StepProgressRecord) Snapshot {
	s := Snapshot{
		byStep:      make(map[string]models.StepProgressRecord, len(records)),
		byChallenge: make(map[string]int),
	}
	for _, rec := range records {
		if rec.StepID == "" {
			continue
		}
		if cur, ok := s.byStep[rec.StepID]; ok && !supersedes(rec, cur) {
			continue
		}
		s.byStep[rec.StepID] = rec
	}
	for _, rec := range s.byStep {
		if rec.ChallengeID != "" {
			s.byChallenge[rec.ChallengeID]++
		}
	}
	return s
}

// Lookup returns the state of stepID.
func (s Snapshot) Lookup(stepID string) StepState {
	rec, ok := s.byStep[stepID]
	return StepState{Record: rec, Attempted: ok}
}

// HasChallengeRecords reports whether any record references challengeID.
func (s Snapshot) HasChallengeRecords(challengeID string) bool {
	return s.byChallenge[challengeID] > 0
}

// Len returns the number of distinct steps with a record.
func (s Snapshot) Len() int {
	return len(s.byStep)
}

// Records returns the resolved records ordered by step id.
func (s Snapshot) Records() []models.StepProgressRecord {
	out := make([]models.StepProgressRecord, 0, len(s.byStep))
	for _, rec := range s.byStep {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out
}

func supersedes(a, b models.StepProgressRecord) bool {
	switch {
	case a.LastSubmission == nil && b.LastSubmission != nil:
		return false
	case a.LastSubmission != nil && b.LastSubmission == nil:
		return true
	case a.LastSubmission != nil && !a.LastSubmission.Equal(*b.LastSubmission):
		return a.LastSubmission.After(*b.LastSubmission)
	}
	if a.IsCompleted != b.IsCompleted {
		return a.IsCompleted
	}
	if a.TestsPassed != b.TestsPassed {
		return a.TestsPassed > b.TestsPassed
	}
	if a.TestsTotal != b.TestsTotal {
		return a.TestsTotal > b.TestsTotal
	}
	return strings.Compare(a.Code, b.Code) > 0
}
