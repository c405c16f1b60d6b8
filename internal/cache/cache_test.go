package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/assessment-engine/internal/environments"
	"github.com/terra-clan/assessment-engine/internal/models"
	"github.com/terra-clan/assessment-engine/internal/storage"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

type countingSource struct {
	*storage.MemoryRepository
	exerciseCalls  atomic.Int32
	challengeCalls atomic.Int32
}

func (s *countingSource) GetExercise(ctx context.Context, id string) (*models.Exercise, error) {
	s.exerciseCalls.Add(1)
	return s.MemoryRepository.GetExercise(ctx, id)
}

func (s *countingSource) GetChallenge(ctx context.Context, id string) (*models.Challenge, error) {
	s.challengeCalls.Add(1)
	return s.MemoryRepository.GetChallenge(ctx, id)
}

func newSource(t *testing.T) *countingSource {
	t.Helper()

	repo := storage.NewMemoryRepository()
	err := repo.SaveExerciseTree(context.Background(), &models.Exercise{
		ID:       "sql",
		Title:    "SQL",
		Category: environments.CategoryDataAnalyst,
		Challenges: []*models.Challenge{{
			ID:                   "sql/top",
			ExerciseID:           "sql",
			Title:                "Top customers",
			Description:          "rank customers by revenue",
			Status:               models.ChallengePublished,
			OrderIndex:           1,
			ExecutionEnvironment: environments.SQLDatabase,
			EnvironmentConfig:    &environments.SQLDatabaseConfig{DatabaseType: "postgresql", QueryTimeout: 5, MaxRows: 50},
			Steps: []*models.ChallengeStep{{
				ID:           "sql/top/step-1",
				ChallengeID:  "sql/top",
				Title:        "Join",
				OrderIndex:   1,
				SolutionCode: "SELECT 1",
				TestCases: []*models.TestCase{
					{ID: "tc", StepID: "sql/top/step-1", IsHidden: true, ExpectedOutput: "1"},
				},
			}},
		}},
	})
	require.NoError(t, err)
	return &countingSource{MemoryRepository: repo}
}

func TestContentCache_ReadThrough(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	src := newSource(t)
	c := NewContentCache(client, src, time.Minute)

	ch, err := c.GetChallenge(ctx, "sql/top")
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.EqualValues(t, 1, src.challengeCalls.Load())
	assert.True(t, mr.Exists("content:challenge:sql/top"))

	cached, err := c.GetChallenge(ctx, "sql/top")
	require.NoError(t, err)
	assert.EqualValues(t, 1, src.challengeCalls.Load(), "second read is served from redis")

	cfg, ok := cached.EnvironmentConfig.(*environments.SQLDatabaseConfig)
	require.True(t, ok, "typed config survives the round trip")
	assert.Equal(t, 50, cfg.MaxRows)
	require.Len(t, cached.Steps, 1)
	assert.Equal(t, "SELECT 1", cached.Steps[0].SolutionCode)
	require.Len(t, cached.Steps[0].TestCases, 1)
	assert.True(t, cached.Steps[0].TestCases[0].IsHidden)

	ex, err := c.GetExercise(ctx, "sql")
	require.NoError(t, err)
	require.Len(t, ex.Challenges, 1)
	assert.Equal(t, 1, ex.Challenges[0].StepCount)
}

func TestContentCache_TTLHasJitter(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	c := NewContentCache(client, newSource(t), time.Minute)

	_, err := c.GetExercise(ctx, "sql")
	require.NoError(t, err)

	ttl := mr.TTL("content:exercise:sql")
	assert.GreaterOrEqual(t, ttl, time.Minute)
	assert.LessOrEqual(t, ttl, time.Minute+6*time.Second)
}

func TestContentCache_MissingIsNotCached(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	src := newSource(t)
	c := NewContentCache(client, src, time.Minute)

	ex, err := c.GetExercise(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, ex)
	assert.False(t, mr.Exists("content:exercise:nope"))

	_, _ = c.GetExercise(ctx, "nope")
	assert.EqualValues(t, 2, src.exerciseCalls.Load())
}

func TestContentCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	src := newSource(t)
	c := NewContentCache(client, src, time.Minute)

	_, err := c.GetChallenge(ctx, "sql/top")
	require.NoError(t, err)
	require.NoError(t, c.InvalidateChallenge(ctx, "sql/top"))

	_, err = c.GetChallenge(ctx, "sql/top")
	require.NoError(t, err)
	assert.EqualValues(t, 2, src.challengeCalls.Load())
}

func TestContentCache_FallsBackWhenRedisIsDown(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	src := newSource(t)
	c := NewContentCache(client, src, time.Minute)

	mr.Close()

	ex, err := c.GetExercise(ctx, "sql")
	require.NoError(t, err)
	require.NotNil(t, ex)
	assert.Equal(t, "SQL", ex.Title)
}

func TestContentCache_ConcurrentMissesShareLoad(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	src := newSource(t)
	c := NewContentCache(client, src, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := c.GetChallenge(ctx, "sql/top")
			assert.NoError(t, err)
			assert.NotNil(t, ch)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, src.challengeCalls.Load(), int32(20))
	assert.GreaterOrEqual(t, src.challengeCalls.Load(), int32(1))
}

func TestProgressCache(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	c := NewProgressCache(client, 30*time.Second)

	got, err := c.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)

	p := &models.SessionProgress{
		Exercises: []models.ExerciseProgressSummary{{ExerciseID: "sql", CompletionRate: 50}},
		Stats:     models.GlobalStats{TotalExercises: 1, GlobalCompletion: 50},
	}
	version, err := c.Version(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, version)

	require.NoError(t, c.Set(ctx, "s1", p, version))
	assert.Equal(t, 30*time.Second, mr.TTL("progress:s1"))

	got, err = c.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 50, got.Stats.GlobalCompletion)
	assert.Equal(t, "sql", got.Exercises[0].ExerciseID)

	require.NoError(t, c.Invalidate(ctx, "s1"))
	got, err = c.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)

	version, err = c.Version(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)

	require.NoError(t, c.Set(ctx, "s1", p, version))
	mr.FastForward(time.Minute)
	got, err = c.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got, "entries expire")
}

func TestProgressCache_StaleWriteIsDropped(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	c := NewProgressCache(client, time.Minute)

	version, err := c.Version(ctx, "s1")
	require.NoError(t, err)

	// New progress arrives while the old aggregate is being computed.
	require.NoError(t, c.Invalidate(ctx, "s1"))

	stale := &models.SessionProgress{Stats: models.GlobalStats{CompletedSteps: 0}}
	require.NoError(t, c.Set(ctx, "s1", stale, version))

	got, err := c.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)

	version, err = c.Version(ctx, "s1")
	require.NoError(t, err)
	fresh := &models.SessionProgress{Stats: models.GlobalStats{CompletedSteps: 1}}
	require.NoError(t, c.Set(ctx, "s1", fresh, version))

	got, err = c.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Stats.CompletedSteps)
}
