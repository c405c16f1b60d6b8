package storage

import (
	"context"
	"errors"

	"github.com/terra-clan/assessment-engine/internal/models"
)

// ErrNotFound is returned by updates and deletes of missing rows. Getters
// return nil, nil instead.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for assessment persistence
type Repository interface {
	// Exercises. GetExercise includes the challenges (without steps).
	CreateExercise(ctx context.Context, ex *models.Exercise) error
	GetExercise(ctx context.Context, id string) (*models.Exercise, error)
	UpdateExercise(ctx context.Context, ex *models.Exercise) error
	DeleteExercise(ctx context.Context, id string) error
	ListExercises(ctx context.Context, filters models.ExerciseFilters) ([]*models.Exercise, int, error)

	// Challenges. GetChallenge includes steps and their test cases.
	CreateChallenge(ctx context.Context, ch *models.Challenge) error
	GetChallenge(ctx context.Context, id string) (*models.Challenge, error)
	UpdateChallenge(ctx context.Context, ch *models.Challenge) error
	DeleteChallenge(ctx context.Context, id string) error

	// Steps. GetStep includes the test cases.
	CreateStep(ctx context.Context, step *models.ChallengeStep) error
	GetStep(ctx context.Context, id string) (*models.ChallengeStep, error)
	UpdateStep(ctx context.Context, step *models.ChallengeStep) error
	DeleteStep(ctx context.Context, id string) error

	// Test cases
	CreateTestCase(ctx context.Context, tc *models.TestCase) error
	DeleteTestCase(ctx context.Context, id string) error

	// SaveExerciseTree replaces an exercise and everything below it.
	SaveExerciseTree(ctx context.Context, ex *models.Exercise) error

	// Sessions
	CreateSession(ctx context.Context, s *models.CandidateSession) error
	GetSessionByToken(ctx context.Context, token string) (*models.CandidateSession, error)
	GetSessionByID(ctx context.Context, id string) (*models.CandidateSession, error)
	ListSessions(ctx context.Context, status string, limit, offset int) ([]*models.CandidateSession, error)
	UpdateSessionStatus(ctx context.Context, s *models.CandidateSession, expected models.SessionStatus) (bool, error)
	DeleteSession(ctx context.Context, id string) error

	// Progress
	ListProgress(ctx context.Context, sessionID string) ([]models.StepProgressRecord, error)
	GetStepProgress(ctx context.Context, sessionID, stepID string) (*models.StepProgressRecord, error)
	UpsertStepProgress(ctx context.Context, rec *models.StepProgressRecord) error

	// API Clients
	CreateApiClient(ctx context.Context, client *models.ApiClient) error
	GetClientByApiKey(ctx context.Context, apiKey string) (*models.ApiClient, error)
	UpdateClientLastUsed(ctx context.Context, apiKey string) error

	// Health
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Repository = (*PostgresRepository)(nil)
	_ Repository = (*MemoryRepository)(nil)
)
