// Package progress folds sparse step progress records into challenge,
// exercise and session level completion summaries.
package progress

import (
	"errors"
	"math"
	"sort"

	"github.com/terra-clan/assessment-engine/internal/models"
)

// ErrContentUnreachable marks a challenge or exercise whose content could not
// be fetched during aggregation.
var ErrContentUnreachable = errors.New("content unreachable")

// ChallengeContent is the static shape of a challenge as far as aggregation
// is concerned. When Err is set the steps are unknown and StepCount is used
// instead.
type ChallengeContent struct {
	ChallengeID string
	OrderIndex  int
	StepCount   int
	Steps       []*models.ChallengeStep
	Err         error
}

// Loaded builds the content of a challenge whose steps were fetched.
func Loaded(ch *models.Challenge) ChallengeContent {
	return ChallengeContent{
		ChallengeID: ch.ID,
		OrderIndex:  ch.OrderIndex,
		StepCount:   len(ch.Steps),
		Steps:       ch.Steps,
	}
}

// Unreachable builds the content of a challenge whose steps could not be
// fetched. Only the step_count metadata is known.
func Unreachable(ch *models.Challenge, err error) ChallengeContent {
	return ChallengeContent{
		ChallengeID: ch.ID,
		OrderIndex:  ch.OrderIndex,
		StepCount:   ch.StepCount,
		Err:         err,
	}
}

// ExerciseContent lists the challenges of an exercise.
type ExerciseContent struct {
	ExerciseID string
	Challenges []ChallengeContent
}

type options struct {
	policy CompletionPolicy
}

// Option configures an aggregation call.
type Option func(*options)

// WithPolicy selects the completion policy. The default is lenient.
func WithPolicy(p CompletionPolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

func buildOptions(opts []Option) options {
	o := options{policy: LenientCompletion}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ComputeChallengeProgress summarizes one challenge against snap.
func ComputeChallengeProgress(c ChallengeContent, snap Snapshot, policy CompletionPolicy) models.ChallengeProgressSummary {
	return challengeProgress(c, snap, policy, nil)
}

func challengeProgress(c ChallengeContent, snap Snapshot, policy CompletionPolicy, steps map[string]models.StepProgress) models.ChallengeProgressSummary {
	summary := models.ChallengeProgressSummary{ChallengeID: c.ChallengeID}

	// Steps that were never loaded count like an unreachable challenge.
	if c.Err != nil || (c.Steps == nil && c.StepCount > 0) {
		summary.Unreachable = true
		summary.TotalSteps = max(c.StepCount, 0)
		summary.Attempted = snap.HasChallengeRecords(c.ChallengeID)
		return summary
	}

	for _, step := range c.Steps {
		summary.TotalSteps++

		state := snap.Lookup(step.ID)
		sp := models.StepProgress{Attempted: state.Attempted}
		if state.Attempted {
			summary.Attempted = true
			sp.Completed = policy.StepCompleted(state.Record)
			sp.TestsPassed = state.Record.TestsPassed
			sp.TestsTotal = state.Record.TestsTotal
			if sp.Completed {
				summary.CompletedSteps++
			}
		}

		if steps != nil {
			steps[step.ID] = sp
		}
	}

	summary.Completed = summary.TotalSteps > 0 && summary.CompletedSteps == summary.TotalSteps
	return summary
}

// ComputeExerciseProgress summarizes an exercise. It is a pure function of
// its inputs: the same content and snapshot always give the same summary.
func ComputeExerciseProgress(ex ExerciseContent, snap Snapshot, opts ...Option) models.ExerciseProgressSummary {
	o := buildOptions(opts)

	challenges := make([]ChallengeContent, len(ex.Challenges))
	copy(challenges, ex.Challenges)
	sort.SliceStable(challenges, func(i, j int) bool {
		return challenges[i].OrderIndex < challenges[j].OrderIndex
	})

	summary := models.ExerciseProgressSummary{
		ExerciseID:      ex.ExerciseID,
		TotalChallenges: len(challenges),
		Steps:           make(map[string]models.StepProgress),
		Challenges:      make([]models.ChallengeProgressSummary, 0, len(challenges)),
	}

	for _, c := range challenges {
		cs := challengeProgress(c, snap, o.policy, summary.Steps)

		summary.TotalSteps += cs.TotalSteps
		summary.CompletedSteps += cs.CompletedSteps
		if cs.Completed {
			summary.CompletedChallenges++
		}
		if cs.Attempted {
			summary.Attempted = true
		}
		summary.Challenges = append(summary.Challenges, cs)
	}

	summary.CompletionRate = percent(summary.CompletedSteps, summary.TotalSteps)
	summary.Completed = summary.TotalChallenges > 0 && summary.CompletedChallenges == summary.TotalChallenges
	return summary
}

// ComputeGlobalStats rolls exercise summaries up to the session. A session
// may be completed by the candidate only when every exercise is completed.
func ComputeGlobalStats(summaries []models.ExerciseProgressSummary) models.GlobalStats {
	stats := models.GlobalStats{TotalExercises: len(summaries)}

	for _, s := range summaries {
		stats.TotalSteps += s.TotalSteps
		stats.CompletedSteps += s.CompletedSteps
		if s.Completed {
			stats.CompletedExercises++
		}
	}

	stats.GlobalCompletion = percent(stats.CompletedSteps, stats.TotalSteps)
	stats.CanComplete = stats.TotalExercises > 0 && stats.CompletedExercises == stats.TotalExercises
	return stats
}

// Score is the share of passed tests over all records in snap, in percent
// with two decimals. It is frozen into the session on completion.
func Score(snap Snapshot) float64 {
	var passed, total int
	for _, rec := range snap.byStep {
		passed += min(max(rec.TestsPassed, 0), max(rec.TestsTotal, 0))
		total += max(rec.TestsTotal, 0)
	}
	if total == 0 {
		return 0
	}
	return math.Round(10000*float64(passed)/float64(total)) / 100
}

func percent(part, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(part) / float64(total)))
}
