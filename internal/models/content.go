package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/terra-clan/assessment-engine/internal/environments"
)

// ChallengeStatus is the publication state of a challenge
type ChallengeStatus string

const (
	ChallengeDraft     ChallengeStatus = "draft"
	ChallengePublished ChallengeStatus = "published"
	ChallengeArchived  ChallengeStatus = "archived"
)

// IsValid reports whether s is one of the known statuses
func (s ChallengeStatus) IsValid() bool {
	switch s {
	case ChallengeDraft, ChallengePublished, ChallengeArchived:
		return true
	}
	return false
}

// Exercise is the top-level assessment unit
type Exercise struct {
	ID          string                `json:"id"`
	Title       string                `json:"title"`
	Description string                `json:"description,omitempty"`
	Language    string                `json:"language,omitempty"`
	Category    environments.Category `json:"category"`
	Difficulty  string                `json:"difficulty,omitempty"`
	Challenges  []*Challenge          `json:"challenges,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Challenge is a scored unit of work bound to one execution environment
type Challenge struct {
	ID                   string                            `json:"id"`
	ExerciseID           string                            `json:"exercise_id"`
	Title                string                            `json:"title"`
	Description          string                            `json:"description"`
	Constraints          string                            `json:"constraints,omitempty"`
	Tags                 []string                          `json:"tags"`
	Status               ChallengeStatus                   `json:"status"`
	OrderIndex           int                               `json:"order_index"`
	EstimatedTimeMinutes int                               `json:"estimated_time_minutes"`
	ExecutionEnvironment environments.ExecutionEnvironment `json:"execution_environment"`
	EnvironmentConfig    environments.EnvironmentConfig    `json:"environment_config"`
	StepCount            int                               `json:"step_count"`
	Steps                []*ChallengeStep                  `json:"steps,omitempty"`
	CreatedAt            time.Time                         `json:"created_at"`
	UpdatedAt            time.Time                         `json:"updated_at"`
}

// UnmarshalJSON decodes environment_config into the variant selected by
// execution_environment.
func (c *Challenge) UnmarshalJSON(data []byte) error {
	type alias Challenge
	aux := struct {
		*alias
		EnvironmentConfig json.RawMessage `json:"environment_config"`
	}{alias: (*alias)(c)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	c.EnvironmentConfig = nil
	if c.ExecutionEnvironment == "" {
		return nil
	}

	cfg, err := environments.DecodeConfig(c.ExecutionEnvironment, aux.EnvironmentConfig)
	if err != nil {
		return fmt.Errorf("environment_config: %w", err)
	}
	c.EnvironmentConfig = cfg
	return nil
}

// VisibleToCandidate reports whether c is shown to candidates and counted in
// their progress. Only published challenges are.
func (c *Challenge) VisibleToCandidate() bool {
	return c.Status == ChallengePublished
}

// ForCandidate returns a copy safe to show to a candidate: solution code and
// hidden test cases are removed.
func (c *Challenge) ForCandidate() *Challenge {
	out := *c
	if c.EnvironmentConfig != nil {
		out.EnvironmentConfig = c.EnvironmentConfig.Clone()
	}
	out.Steps = make([]*ChallengeStep, 0, len(c.Steps))
	for _, step := range c.Steps {
		out.Steps = append(out.Steps, step.ForCandidate())
	}
	return &out
}

// ChallengeStep is an ordered sub-task within a challenge
type ChallengeStep struct {
	ID           string      `json:"id"`
	ChallengeID  string      `json:"challenge_id"`
	Title        string      `json:"title"`
	Instructions string      `json:"instructions"`
	Hint         string      `json:"hint,omitempty"`
	StarterCode  string      `json:"starter_code,omitempty"`
	SolutionCode string      `json:"solution_code,omitempty"`
	OrderIndex   int         `json:"order_index"`
	IsFinalStep  bool        `json:"is_final_step"`
	TestCases    []*TestCase `json:"testcases,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// ForCandidate strips the solution and hidden test cases.
func (s *ChallengeStep) ForCandidate() *ChallengeStep {
	out := *s
	out.SolutionCode = ""
	out.TestCases = make([]*TestCase, 0, len(s.TestCases))
	for _, tc := range s.TestCases {
		if tc.IsHidden {
			continue
		}
		visible := *tc
		out.TestCases = append(out.TestCases, &visible)
	}
	return &out
}

// TestCase is an input/expected output pair used to grade a step
type TestCase struct {
	ID             string `json:"id"`
	StepID         string `json:"step_id"`
	InputData      string `json:"input_data"`
	ExpectedOutput string `json:"expected_output"`
	IsHidden       bool   `json:"is_hidden"`
	IsExample      bool   `json:"is_example"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MemoryLimitMB  int    `json:"memory_limit_mb"`
	OrderIndex     int    `json:"order_index"`
}

// ExerciseFilters narrows exercise listings
type ExerciseFilters struct {
	Category   environments.Category
	Difficulty string
	Language   string
	Limit      int
	Offset     int
}

// Pagination describes a page of a listing
type Pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ExerciseList is the paged exercise listing
type ExerciseList struct {
	Data       []*Exercise `json:"data"`
	Pagination Pagination  `json:"pagination"`
}
