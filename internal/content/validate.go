// Package content validates and normalizes authored assessment content
// (exercises, challenges, steps and test cases) and loads content packs from
// disk.
package content

import (
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/terra-clan/assessment-engine/internal/environments"
	"github.com/terra-clan/assessment-engine/internal/models"
)

const (
	MinChallengeTitle       = 3
	MinChallengeDescription = 10
	MinStepTitle            = 3
	MinStepInstructions     = 10

	MinTestTimeoutSeconds = 1
	MaxTestTimeoutSeconds = 60
	MinTestMemoryMB       = 64
	MaxTestMemoryMB       = 1024

	DefaultTestTimeoutSeconds = 5
	DefaultTestMemoryMB       = 256
)

// ValidateExercise validates ex and its challenges and returns a normalized
// copy. The input is never modified. The normalized copy is returned even
// when validation fails.
func ValidateExercise(ex *models.Exercise) (*models.Exercise, error) {
	errs := ValidationErrors{}
	out := *ex
	out.Title = strings.TrimSpace(ex.Title)
	out.Description = strings.TrimSpace(ex.Description)
	out.Language = strings.TrimSpace(ex.Language)
	out.Difficulty = strings.TrimSpace(ex.Difficulty)

	if out.Title == "" {
		errs.add("title", KindRequired, "title is required")
	}
	switch {
	case out.Category == "":
		errs.add("category", KindRequired, "category is required")
	case !out.Category.IsKnown():
		errs.add("category", KindInvalid, "unknown category %q", out.Category)
	}

	out.Challenges = make([]*models.Challenge, 0, len(ex.Challenges))
	for i, ch := range ex.Challenges {
		// Challenges nested in the exercise belong to it, whatever they say.
		normalized, err := validateChallenge(ch, &out, false)
		if err != nil {
			errs.merge(indexed("challenges", i), err)
		}
		normalized.ExerciseID = ex.ID
		out.Challenges = append(out.Challenges, normalized)
	}
	SortChallenges(out.Challenges)

	return &out, errs.err()
}

// ValidateChallenge validates ch and its steps. When owner is non-nil the
// execution environment must be compatible with the owner's category.
func ValidateChallenge(ch *models.Challenge, owner *models.Exercise) (*models.Challenge, error) {
	return validateChallenge(ch, owner, true)
}

func validateChallenge(ch *models.Challenge, owner *models.Exercise, requireExerciseID bool) (*models.Challenge, error) {
	errs := ValidationErrors{}
	out := *ch
	out.Title = strings.TrimSpace(ch.Title)
	out.Description = strings.TrimSpace(ch.Description)
	out.Constraints = strings.TrimSpace(ch.Constraints)
	out.ExerciseID = strings.TrimSpace(ch.ExerciseID)
	out.Tags = normalizeTags(ch.Tags)

	if runeLen(out.Title) < MinChallengeTitle {
		errs.add("title", KindTooShort, "title must be at least %d characters", MinChallengeTitle)
	}
	if runeLen(out.Description) < MinChallengeDescription {
		errs.add("description", KindTooShort, "description must be at least %d characters", MinChallengeDescription)
	}
	if requireExerciseID && out.ExerciseID == "" {
		errs.add("exercise_id", KindRequired, "exercise_id is required")
	}
	if out.EstimatedTimeMinutes <= 0 {
		errs.add("estimated_time_minutes", KindOutOfRange, "estimated_time_minutes must be greater than 0")
	}
	if out.OrderIndex < 1 {
		errs.add("order_index", KindOutOfRange, "order_index must be at least 1")
	}

	if out.Status == "" {
		out.Status = models.ChallengeDraft
	} else if !out.Status.IsValid() {
		errs.add("status", KindInvalid, "status must be one of draft, published, archived")
	}

	env := out.ExecutionEnvironment
	switch {
	case env == "":
		errs.add("execution_environment", KindRequired, "execution_environment is required")
	case owner != nil && !environments.IsCompatible(owner.Category, env):
		errs.add("execution_environment", KindIncompatibleEnvironment,
			"%s is not available for %s exercises", environments.Label(env), owner.Category)
	case owner == nil && !env.IsKnown():
		errs.add("execution_environment", KindInvalid, "unknown execution environment %q", env)
	}

	if env != "" {
		out.EnvironmentConfig = normalizeConfig(env, ch.EnvironmentConfig)
	}

	publishing := out.Status == models.ChallengePublished
	out.Steps = make([]*models.ChallengeStep, 0, len(ch.Steps))
	for i, step := range ch.Steps {
		normalized, err := ValidateStep(step, env, publishing)
		if err != nil {
			errs.merge(indexed("steps", i), err)
		}
		out.Steps = append(out.Steps, normalized)
	}
	SortSteps(out.Steps)
	if len(out.Steps) > 0 {
		out.StepCount = len(out.Steps)
	}

	return &out, errs.err()
}

// ValidateStep validates a step of a challenge running in env. When
// publishing, the step must carry at least one complete test case.
func ValidateStep(step *models.ChallengeStep, env environments.ExecutionEnvironment, publishing bool) (*models.ChallengeStep, error) {
	errs := ValidationErrors{}
	out := *step
	out.Title = strings.TrimSpace(step.Title)
	out.Instructions = strings.TrimSpace(step.Instructions)
	out.Hint = strings.TrimSpace(step.Hint)

	if runeLen(out.Title) < MinStepTitle {
		errs.add("title", KindTooShort, "title must be at least %d characters", MinStepTitle)
	}
	if runeLen(out.Instructions) < MinStepInstructions {
		errs.add("instructions", KindTooShort, "instructions must be at least %d characters", MinStepInstructions)
	}
	if out.OrderIndex < 1 {
		errs.add("order_index", KindOutOfRange, "order_index must be at least 1")
	}
	if environments.RequiresStarterCode(env) && strings.TrimSpace(out.StarterCode) == "" {
		errs.add("starter_code", KindRequired, "starter_code is required for %s", environments.Label(env))
	}

	out.TestCases = make([]*models.TestCase, 0, len(step.TestCases))
	for i, tc := range step.TestCases {
		normalized, err := ValidateTestCase(tc)
		if err != nil {
			errs.merge(indexed("testcases", i), err)
		}
		out.TestCases = append(out.TestCases, normalized)
	}
	SortTestCases(out.TestCases)

	if publishing && !hasGradableTestCase(out.TestCases) {
		errs.add("testcases", KindRequired, "at least one test case with input and expected output is required")
	}

	return &out, errs.err()
}

// ValidateTestCase checks resource limits. Zero limits are filled with
// defaults.
func ValidateTestCase(tc *models.TestCase) (*models.TestCase, error) {
	errs := ValidationErrors{}
	out := *tc

	if out.TimeoutSeconds == 0 {
		out.TimeoutSeconds = DefaultTestTimeoutSeconds
	}
	if out.MemoryLimitMB == 0 {
		out.MemoryLimitMB = DefaultTestMemoryMB
	}

	if out.TimeoutSeconds < MinTestTimeoutSeconds || out.TimeoutSeconds > MaxTestTimeoutSeconds {
		errs.add("timeout_seconds", KindOutOfRange, "timeout_seconds must be between %d and %d",
			MinTestTimeoutSeconds, MaxTestTimeoutSeconds)
	}
	if out.MemoryLimitMB < MinTestMemoryMB || out.MemoryLimitMB > MaxTestMemoryMB {
		errs.add("memory_limit_mb", KindOutOfRange, "memory_limit_mb must be between %d and %d",
			MinTestMemoryMB, MaxTestMemoryMB)
	}

	return &out, errs.err()
}

// SetEnvironment switches ch to env and resets its configuration to the
// environment defaults.
func SetEnvironment(ch *models.Challenge, env environments.ExecutionEnvironment) {
	ch.ExecutionEnvironment = env
	ch.EnvironmentConfig = environments.DefaultConfig(env)
}

// SortChallenges orders challenges by order_index, keeping insertion order
// for ties.
func SortChallenges(challenges []*models.Challenge) {
	sort.SliceStable(challenges, func(i, j int) bool {
		return challenges[i].OrderIndex < challenges[j].OrderIndex
	})
}

// SortSteps orders steps by order_index, keeping insertion order for ties.
func SortSteps(steps []*models.ChallengeStep) {
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].OrderIndex < steps[j].OrderIndex
	})
}

// SortTestCases orders test cases by order_index, keeping insertion order
// for ties.
func SortTestCases(cases []*models.TestCase) {
	sort.SliceStable(cases, func(i, j int) bool {
		return cases[i].OrderIndex < cases[j].OrderIndex
	})
}

func normalizeConfig(env environments.ExecutionEnvironment, cfg environments.EnvironmentConfig) environments.EnvironmentConfig {
	if cfg == nil || cfg.Environment() != env {
		return environments.DefaultConfig(env)
	}
	return cfg.Clone()
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func hasGradableTestCase(cases []*models.TestCase) bool {
	for _, tc := range cases {
		if strings.TrimSpace(tc.InputData) != "" && strings.TrimSpace(tc.ExpectedOutput) != "" {
			return true
		}
	}
	return false
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

func indexed(field string, i int) string {
	return field + "[" + strconv.Itoa(i) + "]."
}
