package progress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/assessment-engine/internal/models"
)

type mockContent struct {
	mock.Mock
}

func (m *mockContent) GetExercise(ctx context.Context, id string) (*models.Exercise, error) {
	args := m.Called(ctx, id)
	ex, _ := args.Get(0).(*models.Exercise)
	return ex, args.Error(1)
}

func (m *mockContent) GetChallenge(ctx context.Context, id string) (*models.Challenge, error) {
	args := m.Called(ctx, id)
	ch, _ := args.Get(0).(*models.Challenge)
	return ch, args.Error(1)
}

type mockProgress struct {
	mock.Mock
}

func (m *mockProgress) ListProgress(ctx context.Context, sessionID string) ([]models.StepProgressRecord, error) {
	args := m.Called(ctx, sessionID)
	recs, _ := args.Get(0).([]models.StepProgressRecord)
	return recs, args.Error(1)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCollector_Collect(t *testing.T) {
	ctx := context.Background()
	content := new(mockContent)
	progress := new(mockProgress)

	content.On("GetExercise", mock.Anything, "ex-1").Return(&models.Exercise{
		ID: "ex-1",
		Challenges: []*models.Challenge{
			{ID: "c1", OrderIndex: 1, StepCount: 2, Status: models.ChallengePublished},
			{ID: "c2", OrderIndex: 2, StepCount: 3, Status: models.ChallengePublished},
		},
	}, nil)
	content.On("GetExercise", mock.Anything, "ex-2").Return(nil, errors.New("connection refused"))
	content.On("GetChallenge", mock.Anything, "c1").Return(&models.Challenge{
		ID:    "c1",
		Steps: []*models.ChallengeStep{{ID: "s1", OrderIndex: 1}, {ID: "s2", OrderIndex: 2}},
	}, nil)
	content.On("GetChallenge", mock.Anything, "c2").Return(nil, errors.New("timeout"))

	progress.On("ListProgress", mock.Anything, "sess-1").Return([]models.StepProgressRecord{
		{StepID: "s1", ChallengeID: "c1", IsCompleted: true, TestsPassed: 2, TestsTotal: 2},
		{StepID: "s2", ChallengeID: "c1", Code: "SELECT 1"},
	}, nil)

	collector := NewCollector(content, progress, WithConcurrency(2), WithLogger(quietLogger()))
	result, snap, err := collector.Collect(ctx, "sess-1", []string{"ex-1", "ex-2"})
	require.NoError(t, err)

	require.Len(t, result.Exercises, 2)
	ex1 := result.Exercises[0]
	assert.Equal(t, "ex-1", ex1.ExerciseID)
	assert.Equal(t, 5, ex1.TotalSteps, "unreachable challenge counts its step_count")
	assert.Equal(t, 2, ex1.CompletedSteps)
	assert.Equal(t, 1, ex1.CompletedChallenges)
	assert.True(t, ex1.Challenges[1].Unreachable)

	ex2 := result.Exercises[1]
	assert.Equal(t, "ex-2", ex2.ExerciseID)
	assert.False(t, ex2.Completed)
	assert.Equal(t, 0, ex2.TotalChallenges)

	assert.Equal(t, 2, result.Stats.TotalExercises)
	assert.False(t, result.Stats.CanComplete)
	assert.Equal(t, 2, snap.Len())

	content.AssertExpectations(t)
	progress.AssertExpectations(t)
}

func TestCollector_StrictPolicy(t *testing.T) {
	content := new(mockContent)
	progress := new(mockProgress)

	content.On("GetExercise", mock.Anything, "ex-1").Return(&models.Exercise{
		ID:         "ex-1",
		Challenges: []*models.Challenge{{ID: "c1", OrderIndex: 1, StepCount: 1, Status: models.ChallengePublished}},
	}, nil)
	content.On("GetChallenge", mock.Anything, "c1").Return(&models.Challenge{
		ID:    "c1",
		Steps: []*models.ChallengeStep{{ID: "s1", OrderIndex: 1}},
	}, nil)
	progress.On("ListProgress", mock.Anything, "sess-1").Return([]models.StepProgressRecord{
		{StepID: "s1", ChallengeID: "c1", Code: "print(1)"},
	}, nil)

	collector := NewCollector(content, progress, WithCollectorPolicy(StrictCompletion), WithLogger(quietLogger()))
	result, _, err := collector.Collect(context.Background(), "sess-1", []string{"ex-1"})
	require.NoError(t, err)

	assert.Equal(t, StrictCompletion, collector.Policy())
	assert.Equal(t, 0, result.Stats.CompletedSteps)
	assert.Equal(t, 1, result.Stats.TotalSteps)
}

func TestCollector_SkipsChallengesHiddenFromCandidates(t *testing.T) {
	content := new(mockContent)
	progress := new(mockProgress)

	content.On("GetExercise", mock.Anything, "ex-1").Return(&models.Exercise{
		ID: "ex-1",
		Challenges: []*models.Challenge{
			{ID: "c-draft", OrderIndex: 1, StepCount: 4, Status: models.ChallengeDraft},
			{ID: "c1", OrderIndex: 2, StepCount: 1, Status: models.ChallengePublished},
			{ID: "c-old", OrderIndex: 3, StepCount: 2, Status: models.ChallengeArchived},
		},
	}, nil)
	content.On("GetChallenge", mock.Anything, "c1").Return(&models.Challenge{
		ID:    "c1",
		Steps: []*models.ChallengeStep{{ID: "s1", OrderIndex: 1}},
	}, nil)
	progress.On("ListProgress", mock.Anything, "sess-1").Return([]models.StepProgressRecord{
		{StepID: "s1", ChallengeID: "c1", IsCompleted: true, TestsPassed: 1, TestsTotal: 1},
	}, nil)

	collector := NewCollector(content, progress, WithLogger(quietLogger()))
	result, _, err := collector.Collect(context.Background(), "sess-1", []string{"ex-1"})
	require.NoError(t, err)

	require.Len(t, result.Exercises, 1)
	ex := result.Exercises[0]
	assert.Equal(t, 1, ex.TotalChallenges)
	assert.Equal(t, 1, ex.TotalSteps)
	assert.Equal(t, 100, ex.CompletionRate)
	assert.True(t, ex.Completed)
	assert.True(t, result.Stats.CanComplete)

	content.AssertNotCalled(t, "GetChallenge", mock.Anything, "c-draft")
	content.AssertNotCalled(t, "GetChallenge", mock.Anything, "c-old")
}

func TestCollector_ProgressReadFailure(t *testing.T) {
	content := new(mockContent)
	progress := new(mockProgress)
	progress.On("ListProgress", mock.Anything, "sess-1").Return(nil, errors.New("db down"))

	collector := NewCollector(content, progress, WithLogger(quietLogger()))
	_, _, err := collector.Collect(context.Background(), "sess-1", []string{"ex-1"})

	require.Error(t, err)
	content.AssertNotCalled(t, "GetExercise", mock.Anything, mock.Anything)
}
