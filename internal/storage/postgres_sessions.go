package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/terra-clan/assessment-engine/internal/models"
)

const sessionColumns = `
	id, token, candidate_name, candidate_email, position, exercise_ids, time_limit_minutes, status,
	started_at, completed_at, total_score, max_attempts, attempts_used, access_starts_at,
	access_ends_at, created_at, created_by
`

// --- Sessions ---

// CreateSession creates a new candidate session record
func (r *PostgresRepository) CreateSession(ctx context.Context, s *models.CandidateSession) error {
	exerciseIDs := s.ExerciseIDs
	if exerciseIDs == nil {
		exerciseIDs = []string{}
	}
	exerciseIDsJSON, err := json.Marshal(exerciseIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal exercise ids: %w", err)
	}

	query := `
		INSERT INTO candidate_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err = r.pool.Exec(ctx, query,
		s.ID,
		s.Token,
		s.CandidateName,
		nullString(s.CandidateEmail),
		nullString(s.Position),
		exerciseIDsJSON,
		s.TimeLimitMinutes,
		string(s.Status),
		nullTime(s.StartedAt),
		nullTime(s.CompletedAt),
		nullFloat(s.TotalScore),
		s.MaxAttempts,
		s.AttemptsUsed,
		nullTime(s.AccessStartsAt),
		nullTime(s.AccessEndsAt),
		s.CreatedAt,
		nullString(s.CreatedBy),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// GetSessionByToken retrieves a session by its candidate token
func (r *PostgresRepository) GetSessionByToken(ctx context.Context, token string) (*models.CandidateSession, error) {
	return r.getSession(ctx, "token", token)
}

// GetSessionByID retrieves a session by ID
func (r *PostgresRepository) GetSessionByID(ctx context.Context, id string) (*models.CandidateSession, error) {
	return r.getSession(ctx, "id", id)
}

func (r *PostgresRepository) getSession(ctx context.Context, field, value string) (*models.CandidateSession, error) {
	query := fmt.Sprintf(`SELECT %s FROM candidate_sessions WHERE %s = $1`, sessionColumns, field)

	s, err := scanSession(r.pool.QueryRow(ctx, query, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return s, nil
}

// UpdateSessionStatus writes the lifecycle fields only if the stored status
// still equals expected. It reports whether the row was updated.
func (r *PostgresRepository) UpdateSessionStatus(ctx context.Context, s *models.CandidateSession, expected models.SessionStatus) (bool, error) {
	query := `
		UPDATE candidate_sessions
		SET status = $2, started_at = $3, completed_at = $4, total_score = $5, attempts_used = $6
		WHERE id = $1 AND status = $7
	`

	tag, err := r.pool.Exec(ctx, query,
		s.ID,
		string(s.Status),
		nullTime(s.StartedAt),
		nullTime(s.CompletedAt),
		nullFloat(s.TotalScore),
		s.AttemptsUsed,
		string(expected),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update session status: %w", err)
	}

	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM candidate_sessions WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("session %s: %w", s.ID, ErrNotFound)
	}

	return false, nil
}

// DeleteSession deletes a session by ID; its progress rows cascade
func (r *PostgresRepository) DeleteSession(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM candidate_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return affected(tag, "session", id)
}

// ListSessions returns sessions with optional status filter
func (r *PostgresRepository) ListSessions(ctx context.Context, status string, limit, offset int) ([]*models.CandidateSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM candidate_sessions WHERE 1=1`
	args := make([]interface{}, 0)
	argNum := 1

	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, status)
		argNum++
	}

	query += " ORDER BY created_at DESC, id"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, limit)
		argNum++
	}

	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.CandidateSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

func scanSession(row pgx.Row) (*models.CandidateSession, error) {
	var s models.CandidateSession
	var statusStr string
	var email, position, createdBy sql.NullString
	var startedAt, completedAt, accessStartsAt, accessEndsAt sql.NullTime
	var totalScore sql.NullFloat64
	var exerciseIDsJSON []byte

	err := row.Scan(
		&s.ID,
		&s.Token,
		&s.CandidateName,
		&email,
		&position,
		&exerciseIDsJSON,
		&s.TimeLimitMinutes,
		&statusStr,
		&startedAt,
		&completedAt,
		&totalScore,
		&s.MaxAttempts,
		&s.AttemptsUsed,
		&accessStartsAt,
		&accessEndsAt,
		&s.CreatedAt,
		&createdBy,
	)
	if err != nil {
		return nil, err
	}

	s.Status = models.SessionStatus(statusStr)
	s.CandidateEmail = email.String
	s.Position = position.String
	s.CreatedBy = createdBy.String
	s.StartedAt = timePtr(startedAt)
	s.CompletedAt = timePtr(completedAt)
	s.AccessStartsAt = timePtr(accessStartsAt)
	s.AccessEndsAt = timePtr(accessEndsAt)

	if totalScore.Valid {
		score := totalScore.Float64
		s.TotalScore = &score
	}

	if exerciseIDsJSON != nil {
		if err := json.Unmarshal(exerciseIDsJSON, &s.ExerciseIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal exercise ids: %w", err)
		}
	}

	return &s, nil
}

// --- Progress ---

const progressColumns = `
	session_id, step_id, challenge_id, is_completed, tests_passed, tests_total, last_submission, code
`

// ListProgress returns every step progress record of a session
func (r *PostgresRepository) ListProgress(ctx context.Context, sessionID string) ([]models.StepProgressRecord, error) {
	query := `SELECT ` + progressColumns + ` FROM step_progress WHERE session_id = $1 ORDER BY step_id`

	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	defer rows.Close()

	records := make([]models.StepProgressRecord, 0)
	for rows.Next() {
		rec, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress: %w", err)
		}
		records = append(records, *rec)
	}

	return records, rows.Err()
}

// GetStepProgress returns the record for one step, or nil if not attempted
func (r *PostgresRepository) GetStepProgress(ctx context.Context, sessionID, stepID string) (*models.StepProgressRecord, error) {
	query := `SELECT ` + progressColumns + ` FROM step_progress WHERE session_id = $1 AND step_id = $2`

	rec, err := scanProgress(r.pool.QueryRow(ctx, query, sessionID, stepID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Not attempted
		}
		return nil, fmt.Errorf("failed to get step progress: %w", err)
	}

	return rec, nil
}

// UpsertStepProgress inserts or replaces the record for (session, step)
func (r *PostgresRepository) UpsertStepProgress(ctx context.Context, rec *models.StepProgressRecord) error {
	query := `
		INSERT INTO step_progress (` + progressColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()), $8)
		ON CONFLICT (session_id, step_id) DO UPDATE
		SET challenge_id = EXCLUDED.challenge_id,
			is_completed = EXCLUDED.is_completed,
			tests_passed = EXCLUDED.tests_passed,
			tests_total = EXCLUDED.tests_total,
			last_submission = EXCLUDED.last_submission,
			code = EXCLUDED.code
	`

	_, err := r.pool.Exec(ctx, query,
		rec.SessionID,
		rec.StepID,
		rec.ChallengeID,
		rec.IsCompleted,
		rec.TestsPassed,
		rec.TestsTotal,
		nullTime(rec.LastSubmission),
		nullString(rec.Code),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert step progress: %w", err)
	}

	return nil
}

func scanProgress(row pgx.Row) (*models.StepProgressRecord, error) {
	var rec models.StepProgressRecord
	var lastSubmission sql.NullTime
	var code sql.NullString

	err := row.Scan(
		&rec.SessionID,
		&rec.StepID,
		&rec.ChallengeID,
		&rec.IsCompleted,
		&rec.TestsPassed,
		&rec.TestsTotal,
		&lastSubmission,
		&code,
	)
	if err != nil {
		return nil, err
	}

	rec.LastSubmission = timePtr(lastSubmission)
	rec.Code = code.String
	return &rec, nil
}
