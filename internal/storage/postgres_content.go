package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/terra-clan/assessment-engine/internal/environments"
	"github.com/terra-clan/assessment-engine/internal/models"
)

const exerciseColumns = `id, title, description, language, category, difficulty, created_at, updated_at`

const challengeColumns = `
	c.id, c.exercise_id, c.title, c.description, c.constraints, c.tags, c.status, c.order_index,
	c.estimated_time_minutes, c.execution_environment, c.environment_config, c.created_at, c.updated_at,
	(SELECT COUNT(*) FROM challenge_steps s WHERE s.challenge_id = c.id)
`

const stepColumns = `
	id, challenge_id, title, instructions, hint, starter_code, solution_code, order_index,
	is_final_step, created_at, updated_at
`

const testCaseColumns = `
	id, step_id, input_data, expected_output, is_hidden, is_example, timeout_seconds,
	memory_limit_mb, order_index
`

func stamp(created, updated *time.Time) {
	now := time.Now()
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = *created
	}
}

// --- Exercises ---

// CreateExercise inserts a new exercise row (challenges are not written)
func (r *PostgresRepository) CreateExercise(ctx context.Context, ex *models.Exercise) error {
	return insertExercise(ctx, r.pool, ex)
}

func insertExercise(ctx context.Context, db execer, ex *models.Exercise) error {
	stamp(&ex.CreatedAt, &ex.UpdatedAt)

	query := `
		INSERT INTO exercises (` + exerciseColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := db.Exec(ctx, query,
		ex.ID,
		ex.Title,
		nullString(ex.Description),
		nullString(ex.Language),
		string(ex.Category),
		nullString(ex.Difficulty),
		ex.CreatedAt,
		ex.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create exercise: %w", err)
	}
	return nil
}

// GetExercise retrieves an exercise with its challenges (without steps)
func (r *PostgresRepository) GetExercise(ctx context.Context, id string) (*models.Exercise, error) {
	query := `SELECT ` + exerciseColumns + ` FROM exercises WHERE id = $1`

	ex, err := scanExercise(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get exercise: %w", err)
	}

	challenges, err := r.listChallenges(ctx, id)
	if err != nil {
		return nil, err
	}
	ex.Challenges = challenges

	return ex, nil
}

// UpdateExercise updates exercise metadata
func (r *PostgresRepository) UpdateExercise(ctx context.Context, ex *models.Exercise) error {
	ex.UpdatedAt = time.Now()

	query := `
		UPDATE exercises
		SET title = $2, description = $3, language = $4, category = $5, difficulty = $6, updated_at = $7
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query,
		ex.ID,
		ex.Title,
		nullString(ex.Description),
		nullString(ex.Language),
		string(ex.Category),
		nullString(ex.Difficulty),
		ex.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update exercise: %w", err)
	}

	return affected(tag, "exercise", ex.ID)
}

// DeleteExercise deletes an exercise; challenges, steps and test cases cascade
func (r *PostgresRepository) DeleteExercise(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM exercises WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete exercise: %w", err)
	}
	return affected(tag, "exercise", id)
}

// ListExercises returns a filtered page of exercises and the total match count
func (r *PostgresRepository) ListExercises(ctx context.Context, filters models.ExerciseFilters) ([]*models.Exercise, int, error) {
	where := " WHERE 1=1"
	args := make([]interface{}, 0)
	argNum := 1

	if filters.Category != "" {
		where += fmt.Sprintf(" AND category = $%d", argNum)
		args = append(args, string(filters.Category))
		argNum++
	}

	if filters.Difficulty != "" {
		where += fmt.Sprintf(" AND difficulty = $%d", argNum)
		args = append(args, filters.Difficulty)
		argNum++
	}

	if filters.Language != "" {
		where += fmt.Sprintf(" AND language = $%d", argNum)
		args = append(args, filters.Language)
		argNum++
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM exercises`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count exercises: %w", err)
	}

	query := `SELECT ` + exerciseColumns + ` FROM exercises` + where + ` ORDER BY created_at DESC, id`

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filters.Limit)
		argNum++
	}

	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filters.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list exercises: %w", err)
	}
	defer rows.Close()

	exercises := make([]*models.Exercise, 0)
	for rows.Next() {
		ex, err := scanExercise(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan exercise: %w", err)
		}
		exercises = append(exercises, ex)
	}

	return exercises, total, rows.Err()
}

func scanExercise(row pgx.Row) (*models.Exercise, error) {
	var ex models.Exercise
	var category string
	var description, language, difficulty sql.NullString

	err := row.Scan(
		&ex.ID,
		&ex.Title,
		&description,
		&language,
		&category,
		&difficulty,
		&ex.CreatedAt,
		&ex.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ex.Description = description.String
	ex.Language = language.String
	ex.Category = environments.Category(category)
	ex.Difficulty = difficulty.String
	return &ex, nil
}

// --- Challenges ---

// CreateChallenge inserts a challenge row (steps are not written)
func (r *PostgresRepository) CreateChallenge(ctx context.Context, ch *models.Challenge) error {
	return insertChallenge(ctx, r.pool, ch)
}

func insertChallenge(ctx context.Context, db execer, ch *models.Challenge) error {
	stamp(&ch.CreatedAt, &ch.UpdatedAt)

	tagsJSON, configJSON, err := marshalChallengeJSON(ch)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO challenges (id, exercise_id, title, description, constraints, tags, status, order_index,
			estimated_time_minutes, execution_environment, environment_config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err = db.Exec(ctx, query,
		ch.ID,
		ch.ExerciseID,
		ch.Title,
		ch.Description,
		nullString(ch.Constraints),
		tagsJSON,
		string(ch.Status),
		ch.OrderIndex,
		ch.EstimatedTimeMinutes,
		string(ch.ExecutionEnvironment),
		configJSON,
		ch.CreatedAt,
		ch.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create challenge: %w", err)
	}
	return nil
}

func marshalChallengeJSON(ch *models.Challenge) (tags, config []byte, err error) {
	t := ch.Tags
	if t == nil {
		t = []string{}
	}
	tags, err = json.Marshal(t)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal tags: %w", err)
	}

	config = []byte("{}")
	if ch.EnvironmentConfig != nil {
		config, err = json.Marshal(ch.EnvironmentConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal environment config: %w", err)
		}
	}
	return tags, config, nil
}

// GetChallenge retrieves a challenge with its steps and their test cases
func (r *PostgresRepository) GetChallenge(ctx context.Context, id string) (*models.Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM challenges c WHERE c.id = $1`

	ch, err := scanChallenge(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}

	steps, err := r.listSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	ch.Steps = steps
	ch.StepCount = len(steps)

	return ch, nil
}

// UpdateChallenge updates challenge fields (steps are not written)
func (r *PostgresRepository) UpdateChallenge(ctx context.Context, ch *models.Challenge) error {
	ch.UpdatedAt = time.Now()

	tagsJSON, configJSON, err := marshalChallengeJSON(ch)
	if err != nil {
		return err
	}

	query := `
		UPDATE challenges
		SET exercise_id = $2, title = $3, description = $4, constraints = $5, tags = $6, status = $7,
			order_index = $8, estimated_time_minutes = $9, execution_environment = $10,
			environment_config = $11, updated_at = $12
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query,
		ch.ID,
		ch.ExerciseID,
		ch.Title,
		ch.Description,
		nullString(ch.Constraints),
		tagsJSON,
		string(ch.Status),
		ch.OrderIndex,
		ch.EstimatedTimeMinutes,
		string(ch.ExecutionEnvironment),
		configJSON,
		ch.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update challenge: %w", err)
	}

	return affected(tag, "challenge", ch.ID)
}

// DeleteChallenge deletes a challenge; steps and test cases cascade
func (r *PostgresRepository) DeleteChallenge(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM challenges WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return affected(tag, "challenge", id)
}

func (r *PostgresRepository) listChallenges(ctx context.Context, exerciseID string) ([]*models.Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM challenges c WHERE c.exercise_id = $1 ORDER BY c.order_index, c.created_at, c.id`

	rows, err := r.pool.Query(ctx, query, exerciseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list challenges: %w", err)
	}
	defer rows.Close()

	var challenges []*models.Challenge
	for rows.Next() {
		ch, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan challenge: %w", err)
		}
		challenges = append(challenges, ch)
	}

	return challenges, rows.Err()
}

func scanChallenge(row pgx.Row) (*models.Challenge, error) {
	var ch models.Challenge
	var status, env string
	var constraints sql.NullString
	var tagsJSON, configJSON []byte

	err := row.Scan(
		&ch.ID,
		&ch.ExerciseID,
		&ch.Title,
		&ch.Description,
		&constraints,
		&tagsJSON,
		&status,
		&ch.OrderIndex,
		&ch.EstimatedTimeMinutes,
		&env,
		&configJSON,
		&ch.CreatedAt,
		&ch.UpdatedAt,
		&ch.StepCount,
	)
	if err != nil {
		return nil, err
	}

	ch.Constraints = constraints.String
	ch.Status = models.ChallengeStatus(status)
	ch.ExecutionEnvironment = environments.ExecutionEnvironment(env)

	if tagsJSON != nil {
		if err := json.Unmarshal(tagsJSON, &ch.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}

	if ch.ExecutionEnvironment != "" {
		cfg, err := environments.DecodeConfig(ch.ExecutionEnvironment, configJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to decode environment config: %w", err)
		}
		ch.EnvironmentConfig = cfg
	}

	return &ch, nil
}

// --- Steps ---

// CreateStep inserts a step row (test cases are not written)
func (r *PostgresRepository) CreateStep(ctx context.Context, step *models.ChallengeStep) error {
	return insertStep(ctx, r.pool, step)
}

func insertStep(ctx context.Context, db execer, step *models.ChallengeStep) error {
	stamp(&step.CreatedAt, &step.UpdatedAt)

	query := `
		INSERT INTO challenge_steps (` + stepColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := db.Exec(ctx, query,
		step.ID,
		step.ChallengeID,
		step.Title,
		step.Instructions,
		nullString(step.Hint),
		nullString(step.StarterCode),
		nullString(step.SolutionCode),
		step.OrderIndex,
		step.IsFinalStep,
		step.CreatedAt,
		step.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create step: %w", err)
	}
	return nil
}

// GetStep retrieves a step with its test cases
func (r *PostgresRepository) GetStep(ctx context.Context, id string) (*models.ChallengeStep, error) {
	query := `SELECT ` + stepColumns + ` FROM challenge_steps WHERE id = $1`

	step, err := scanStep(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get step: %w", err)
	}

	cases, err := r.listTestCases(ctx, id)
	if err != nil {
		return nil, err
	}
	step.TestCases = cases

	return step, nil
}

// UpdateStep updates step fields (test cases are not written)
func (r *PostgresRepository) UpdateStep(ctx context.Context, step *models.ChallengeStep) error {
	step.UpdatedAt = time.Now()

	query := `
		UPDATE challenge_steps
		SET title = $2, instructions = $3, hint = $4, starter_code = $5, solution_code = $6,
			order_index = $7, is_final_step = $8, updated_at = $9
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query,
		step.ID,
		step.Title,
		step.Instructions,
		nullString(step.Hint),
		nullString(step.StarterCode),
		nullString(step.SolutionCode),
		step.OrderIndex,
		step.IsFinalStep,
		step.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}

	return affected(tag, "step", step.ID)
}

// DeleteStep deletes a step; test cases cascade
func (r *PostgresRepository) DeleteStep(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM challenge_steps WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete step: %w", err)
	}
	return affected(tag, "step", id)
}

func (r *PostgresRepository) listSteps(ctx context.Context, challengeID string) ([]*models.ChallengeStep, error) {
	query := `SELECT ` + stepColumns + ` FROM challenge_steps WHERE challenge_id = $1 ORDER BY order_index, created_at, id`

	rows, err := r.pool.Query(ctx, query, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}

	steps := make([]*models.ChallengeStep, 0)
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}

	for _, step := range steps {
		cases, err := r.listTestCases(ctx, step.ID)
		if err != nil {
			return nil, err
		}
		step.TestCases = cases
	}

	return steps, nil
}

func scanStep(row pgx.Row) (*models.ChallengeStep, error) {
	var step models.ChallengeStep
	var hint, starter, solution sql.NullString

	err := row.Scan(
		&step.ID,
		&step.ChallengeID,
		&step.Title,
		&step.Instructions,
		&hint,
		&starter,
		&solution,
		&step.OrderIndex,
		&step.IsFinalStep,
		&step.CreatedAt,
		&step.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	step.Hint = hint.String
	step.StarterCode = starter.String
	step.SolutionCode = solution.String
	return &step, nil
}

// --- Test cases ---

// CreateTestCase inserts a test case
func (r *PostgresRepository) CreateTestCase(ctx context.Context, tc *models.TestCase) error {
	return insertTestCase(ctx, r.pool, tc)
}

func insertTestCase(ctx context.Context, db execer, tc *models.TestCase) error {
	query := `
		INSERT INTO test_cases (` + testCaseColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := db.Exec(ctx, query,
		tc.ID,
		tc.StepID,
		tc.InputData,
		tc.ExpectedOutput,
		tc.IsHidden,
		tc.IsExample,
		tc.TimeoutSeconds,
		tc.MemoryLimitMB,
		tc.OrderIndex,
	)
	if err != nil {
		return fmt.Errorf("failed to create test case: %w", err)
	}
	return nil
}

// DeleteTestCase deletes a test case by ID
func (r *PostgresRepository) DeleteTestCase(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM test_cases WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete test case: %w", err)
	}
	return affected(tag, "test case", id)
}

func (r *PostgresRepository) listTestCases(ctx context.Context, stepID string) ([]*models.TestCase, error) {
	query := `SELECT ` + testCaseColumns + ` FROM test_cases WHERE step_id = $1 ORDER BY order_index, id`

	rows, err := r.pool.Query(ctx, query, stepID)
	if err != nil {
		return nil, fmt.Errorf("failed to list test cases: %w", err)
	}
	defer rows.Close()

	var cases []*models.TestCase
	for rows.Next() {
		var tc models.TestCase
		err := rows.Scan(
			&tc.ID,
			&tc.StepID,
			&tc.InputData,
			&tc.ExpectedOutput,
			&tc.IsHidden,
			&tc.IsExample,
			&tc.TimeoutSeconds,
			&tc.MemoryLimitMB,
			&tc.OrderIndex,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan test case: %w", err)
		}
		cases = append(cases, &tc)
	}

	return cases, rows.Err()
}

// SaveExerciseTree replaces an exercise and everything below it in one
// transaction
func (r *PostgresRepository) SaveExerciseTree(ctx context.Context, ex *models.Exercise) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM exercises WHERE id = $1`, ex.ID); err != nil {
		return fmt.Errorf("failed to replace exercise: %w", err)
	}

	if err := insertExercise(ctx, tx, ex); err != nil {
		return err
	}

	for _, ch := range ex.Challenges {
		if err := insertChallenge(ctx, tx, ch); err != nil {
			return fmt.Errorf("challenge %s: %w", ch.ID, err)
		}
		for _, step := range ch.Steps {
			if err := insertStep(ctx, tx, step); err != nil {
				return fmt.Errorf("step %s: %w", step.ID, err)
			}
			for _, tc := range step.TestCases {
				if err := insertTestCase(ctx, tx, tc); err != nil {
					return fmt.Errorf("test case %s: %w", tc.ID, err)
				}
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit exercise tree: %w", err)
	}
	return nil
}
