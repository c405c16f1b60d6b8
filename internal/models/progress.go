package models

import "time"

// StepProgressRecord is the grading backend's view of a candidate's work on
// one step. The engine only ingests it.
type StepProgressRecord struct {
	SessionID      string     `json:"session_id"`
	StepID         string     `json:"step_id"`
	ChallengeID    string     `json:"challenge_id"`
	IsCompleted    bool       `json:"is_completed"`
	TestsPassed    int        `json:"tests_passed"`
	TestsTotal     int        `json:"tests_total"`
	LastSubmission *time.Time `json:"last_submission,omitempty"`
	Code           string     `json:"code,omitempty"`
}

// StepProgress is the derived per-step state
type StepProgress struct {
	Attempted   bool `json:"attempted"`
	Completed   bool `json:"completed"`
	TestsPassed int  `json:"tests_passed"`
	TestsTotal  int  `json:"tests_total"`
}

// ChallengeProgressSummary is the aggregate over one challenge's steps
type ChallengeProgressSummary struct {
	ChallengeID    string `json:"challenge_id"`
	Attempted      bool   `json:"attempted"`
	Completed      bool   `json:"completed"`
	TotalSteps     int    `json:"total_steps"`
	CompletedSteps int    `json:"completed_steps"`
	Unreachable    bool   `json:"unreachable,omitempty"`
}

// ExerciseProgressSummary is the aggregate over one exercise. It is derived
// on every call and never persisted.
type ExerciseProgressSummary struct {
	ExerciseID          string                     `json:"exercise_id"`
	Attempted           bool                       `json:"attempted"`
	Completed           bool                       `json:"completed"`
	CompletionRate      int                        `json:"completion_rate"`
	TotalSteps          int                        `json:"total_steps"`
	CompletedSteps      int                        `json:"completed_steps"`
	TotalChallenges     int                        `json:"total_challenges"`
	CompletedChallenges int                        `json:"completed_challenges"`
	Steps               map[string]StepProgress    `json:"steps"`
	Challenges          []ChallengeProgressSummary `json:"challenges"`
}

// GlobalStats is the session-wide rollup
type GlobalStats struct {
	CompletedExercises int  `json:"completed_exercises"`
	TotalExercises     int  `json:"total_exercises"`
	GlobalCompletion   int  `json:"global_completion"`
	TotalSteps         int  `json:"total_steps"`
	CompletedSteps     int  `json:"completed_steps"`
	CanComplete        bool `json:"can_complete"`
}

// SessionProgress is returned by the candidate progress endpoint
type SessionProgress struct {
	Exercises []ExerciseProgressSummary `json:"exercises"`
	Stats     GlobalStats               `json:"stats"`
}
