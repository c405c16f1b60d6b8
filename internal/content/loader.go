package content

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/terra-clan/assessment-engine/internal/environments"
	"github.com/terra-clan/assessment-engine/internal/models"
)

// Loader reads content packs from disk and keeps the validated exercises in
// memory.
//
// Layout:
//
//	<dir>/<exercise>/exercise.yaml
//	<dir>/<exercise>/challenges/*.yaml   (steps and test cases inline)
type Loader struct {
	mu         sync.RWMutex
	exercises  map[string]*models.Exercise
	challenges map[string]*models.Challenge
	failures   map[string]error
}

// NewLoader creates an empty loader
func NewLoader() *Loader {
	return &Loader{
		exercises:  make(map[string]*models.Exercise),
		challenges: make(map[string]*models.Challenge),
		failures:   make(map[string]error),
	}
}

// LoadFromDir loads every exercise directory under dir. Exercises that fail
// to parse or validate are skipped and reported by Failures.
func (l *Loader) LoadFromDir(dir string) error {
	slog.Info("loading content from directory", "dir", dir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read content directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		exerciseDir := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(exerciseDir, "exercise.yaml")); os.IsNotExist(err) {
			continue
		}

		if err := l.LoadExercise(exerciseDir); err != nil {
			slog.Warn("failed to load exercise", "dir", entry.Name(), "error", err)
			l.mu.Lock()
			l.failures[entry.Name()] = err
			l.mu.Unlock()
			continue
		}
		loaded++
	}

	slog.Info("content loaded", "exercises", loaded, "failed", len(l.Failures()))
	return nil
}

// LoadExercise loads and validates a single exercise directory
func (l *Loader) LoadExercise(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, "exercise.yaml"))
	if err != nil {
		return fmt.Errorf("failed to read exercise.yaml: %w", err)
	}

	var ef exerciseFile
	if err := yaml.Unmarshal(data, &ef); err != nil {
		return fmt.Errorf("failed to parse exercise.yaml: %w", err)
	}

	id := ef.ID
	if id == "" {
		id = filepath.Base(dir)
	}

	exercise := &models.Exercise{
		ID:          id,
		Title:       ef.Title,
		Description: ef.Description,
		Language:    ef.Language,
		Category:    environments.Category(ef.Category),
		Difficulty:  ef.Difficulty,
	}

	challengesDir := filepath.Join(dir, "challenges")
	if _, err := os.Stat(challengesDir); err == nil {
		challenges, err := loadChallenges(id, challengesDir)
		if err != nil {
			return err
		}
		exercise.Challenges = challenges
	}

	normalized, err := ValidateExercise(exercise)
	if err != nil {
		return fmt.Errorf("exercise %s: %w", id, err)
	}

	l.Add(normalized)
	slog.Info("exercise loaded", "id", id, "title", normalized.Title,
		"challenges", len(normalized.Challenges))
	return nil
}

// Add registers an already validated exercise and its challenges
func (l *Loader) Add(exercise *models.Exercise) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.exercises[exercise.ID] = exercise
	for _, ch := range exercise.Challenges {
		l.challenges[ch.ID] = ch
	}
	delete(l.failures, exercise.ID)
}

// Get retrieves an exercise by ID
func (l *Loader) Get(id string) *models.Exercise {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.exercises[id]
}

// GetChallenge retrieves a challenge by ID
func (l *Loader) GetChallenge(id string) *models.Challenge {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.challenges[id]
}

// List returns all loaded exercises ordered by ID
func (l *Loader) List() []*models.Exercise {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*models.Exercise, 0, len(l.exercises))
	for _, ex := range l.exercises {
		result = append(result, ex)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Failures returns the load errors keyed by exercise directory
func (l *Loader) Failures() map[string]error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]error, len(l.failures))
	for k, v := range l.failures {
		out[k] = v
	}
	return out
}

func loadChallenges(exerciseID, dir string) ([]*models.Challenge, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read challenges dir: %w", err)
	}

	var challenges []*models.Challenge
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		ch, err := loadChallenge(exerciseID, filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("challenge %s: %w", entry.Name(), err)
		}
		challenges = append(challenges, ch)
	}

	return challenges, nil
}

func loadChallenge(exerciseID, path string) (*models.Challenge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read challenge file: %w", err)
	}

	var cf challengeFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse challenge YAML: %w", err)
	}

	// Fall back to the file name for the challenge code
	code := cf.ID
	if code == "" {
		base := filepath.Base(path)
		code = exerciseID + "/" + strings.TrimSuffix(base, filepath.Ext(base))
	}

	env := environments.ExecutionEnvironment(cf.ExecutionEnvironment)
	var cfg environments.EnvironmentConfig
	if env != "" {
		cfg, err = environments.DecodeConfigMap(env, cf.EnvironmentConfig)
		if err != nil {
			return nil, err
		}
	}

	ch := &models.Challenge{
		ID:                   code,
		ExerciseID:           exerciseID,
		Title:                cf.Title,
		Description:          cf.Description,
		Constraints:          cf.Constraints,
		Tags:                 cf.Tags,
		Status:               models.ChallengeStatus(cf.Status),
		OrderIndex:           cf.OrderIndex,
		EstimatedTimeMinutes: cf.EstimatedTimeMinutes,
		ExecutionEnvironment: env,
		EnvironmentConfig:    cfg,
	}

	for i, sf := range cf.Steps {
		stepID := sf.ID
		if stepID == "" {
			stepID = fmt.Sprintf("%s/step-%d", code, i+1)
		}

		step := &models.ChallengeStep{
			ID:           stepID,
			ChallengeID:  code,
			Title:        sf.Title,
			Instructions: sf.Instructions,
			Hint:         sf.Hint,
			StarterCode:  sf.StarterCode,
			SolutionCode: sf.SolutionCode,
			OrderIndex:   sf.OrderIndex,
			IsFinalStep:  sf.IsFinalStep,
		}

		for j, tf := range sf.TestCases {
			caseID := tf.ID
			if caseID == "" {
				caseID = fmt.Sprintf("%s/case-%d", stepID, j+1)
			}
			step.TestCases = append(step.TestCases, &models.TestCase{
				ID:             caseID,
				StepID:         stepID,
				InputData:      tf.InputData,
				ExpectedOutput: tf.ExpectedOutput,
				IsHidden:       tf.IsHidden,
				IsExample:      tf.IsExample,
				TimeoutSeconds: tf.TimeoutSeconds,
				MemoryLimitMB:  tf.MemoryLimitMB,
				OrderIndex:     tf.OrderIndex,
			})
		}

		ch.Steps = append(ch.Steps, step)
	}

	return ch, nil
}

// --- YAML file structs ---

type exerciseFile struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Language    string `yaml:"language"`
	Category    string `yaml:"category"`
	Difficulty  string `yaml:"difficulty"`
}

type challengeFile struct {
	ID                   string         `yaml:"id"`
	Title                string         `yaml:"title"`
	Description          string         `yaml:"description"`
	Constraints          string         `yaml:"constraints"`
	Tags                 []string       `yaml:"tags"`
	Status               string         `yaml:"status"`
	OrderIndex           int            `yaml:"order_index"`
	EstimatedTimeMinutes int            `yaml:"estimated_time_minutes"`
	ExecutionEnvironment string         `yaml:"execution_environment"`
	EnvironmentConfig    map[string]any `yaml:"environment_config"`
	Steps                []stepFile     `yaml:"steps"`
}

type stepFile struct {
	ID           string         `yaml:"id"`
	Title        string         `yaml:"title"`
	Instructions string         `yaml:"instructions"`
	Hint         string         `yaml:"hint"`
	StarterCode  string         `yaml:"starter_code"`
	SolutionCode string         `yaml:"solution_code"`
	OrderIndex   int            `yaml:"order_index"`
	IsFinalStep  bool           `yaml:"is_final_step"`
	TestCases    []testCaseFile `yaml:"testcases"`
}

type testCaseFile struct {
	ID             string `yaml:"id"`
	InputData      string `yaml:"input_data"`
	ExpectedOutput string `yaml:"expected_output"`
	IsHidden       bool   `yaml:"is_hidden"`
	IsExample      bool   `yaml:"is_example"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MemoryLimitMB  int    `yaml:"memory_limit_mb"`
	OrderIndex     int    `yaml:"order_index"`
}
