package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/assessment-engine/internal/content"
	"github.com/terra-clan/assessment-engine/internal/models"
	"github.com/terra-clan/assessment-engine/internal/progress"
	"github.com/terra-clan/assessment-engine/internal/storage"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.SessionEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event models.SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) count(eventType models.SessionEventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type mapCache struct {
	mu       sync.Mutex
	items    map[string]*models.SessionProgress
	versions map[string]int64
}

func newMapCache() *mapCache {
	return &mapCache{
		items:    make(map[string]*models.SessionProgress),
		versions: make(map[string]int64),
	}
}

func (c *mapCache) Get(ctx context.Context, id string) (*models.SessionProgress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[id], nil
}

func (c *mapCache) Version(ctx context.Context, id string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versions[id], nil
}

func (c *mapCache) Set(ctx context.Context, id string, p *models.SessionProgress, version int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.versions[id] == version {
		c.items[id] = p
	}
	return nil
}

func (c *mapCache) Invalidate(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions[id]++
	delete(c.items, id)
	return nil
}

func (c *mapCache) has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[id]
	return ok
}

// progressHook runs callbacks around the record read of an aggregation, to
// interleave writes with an in-flight computation.
type progressHook struct {
	progress.ProgressSource
	before func()
	after  func()
}

func (h *progressHook) ListProgress(ctx context.Context, sessionID string) ([]models.StepProgressRecord, error) {
	if h.before != nil {
		h.before()
	}
	recs, err := h.ProgressSource.ListProgress(ctx, sessionID)
	if h.after != nil {
		h.after()
	}
	return recs, err
}

type managerEnv struct {
	repo    *storage.MemoryRepository
	manager *Manager
	events  *recordingPublisher
	cache   *mapCache
	hook    *progressHook
	now     time.Time
}

func newManagerEnv(t *testing.T) *managerEnv {
	t.Helper()

	repo := storage.NewMemoryRepository()
	require.NoError(t, repo.SaveExerciseTree(context.Background(), &models.Exercise{
		ID:       "ex-1",
		Title:    "Basics",
		Category: "developer",
		Challenges: []*models.Challenge{{
			ID:                   "ch-1",
			ExerciseID:           "ex-1",
			Title:                "Sum",
			Description:          "Print the sum.",
			Status:               models.ChallengePublished,
			ExecutionEnvironment: "code_executor",
			StepCount:            1,
			Steps: []*models.ChallengeStep{{
				ID:           "st-1",
				ChallengeID:  "ch-1",
				Title:        "Add",
				Instructions: "Return a + b.",
				SolutionCode: "return a + b",
				IsFinalStep:  true,
				TestCases: []*models.TestCase{
					{ID: "tc-1", StepID: "st-1", InputData: "1 2", ExpectedOutput: "3"},
					{ID: "tc-2", StepID: "st-1", InputData: "2 2", ExpectedOutput: "4", IsHidden: true},
				},
			}},
		}},
	}))

	env := &managerEnv{
		repo:   repo,
		events: &recordingPublisher{},
		cache:  newMapCache(),
		hook:   &progressHook{ProgressSource: repo},
		now:    t0,
	}
	collector := progress.NewCollector(repo, env.hook)
	env.manager = NewManager(repo, repo, collector,
		WithPublisher(env.events),
		WithProgressCache(env.cache),
		WithClock(func() time.Time { return env.now }),
		WithBaseURL("https://assess.test/"),
	)
	return env
}

func (e *managerEnv) create(t *testing.T, limit int) *models.CreateSessionResponse {
	t.Helper()
	resp, err := e.manager.CreateSession(context.Background(), models.CreateSessionRequest{
		CandidateName:    "  Ada  ",
		ExerciseIDs:      []string{"ex-1"},
		TimeLimitMinutes: limit,
	}, "admin")
	require.NoError(t, err)
	return resp
}

func (e *managerEnv) record(t *testing.T, sessionID string, completed bool, passed int) error {
	t.Helper()
	return e.manager.RecordProgress(context.Background(), &models.StepProgressRecord{
		SessionID:   sessionID,
		ChallengeID: "ch-1",
		StepID:      "st-1",
		IsCompleted: completed,
		TestsPassed: passed,
		TestsTotal:  2,
	})
}

func TestCreateSession(t *testing.T) {
	e := newManagerEnv(t)

	resp := e.create(t, 30)
	assert.Equal(t, models.SessionNotStarted, resp.Status)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "https://assess.test/candidate/"+resp.Token, resp.JoinURL)

	s, err := e.manager.GetByID(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", s.CandidateName)
	assert.Equal(t, 1, s.MaxAttempts)
	assert.Equal(t, "admin", s.CreatedBy)
}

func TestCreateSession_Validation(t *testing.T) {
	e := newManagerEnv(t)
	starts := t0.Add(time.Hour)
	ends := t0

	_, err := e.manager.CreateSession(context.Background(), models.CreateSessionRequest{
		CandidateName:  " ",
		ExerciseIDs:    []string{"ex-1", "missing"},
		MaxAttempts:    -1,
		AccessStartsAt: &starts,
		AccessEndsAt:   &ends,
	}, "admin")
	require.ErrorIs(t, err, content.ErrValidation)

	var verrs content.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.ElementsMatch(t, []string{
		"candidate_name", "time_limit_minutes", "max_attempts", "access_ends_at", "exercise_ids[1]",
	}, verrs.Fields())
	assert.Equal(t, content.KindInvalid, verrs["exercise_ids[1]"].Kind)
}

func TestStartSession(t *testing.T) {
	e := newManagerEnv(t)
	ctx := context.Background()
	resp := e.create(t, 30)

	s, err := e.manager.StartSession(ctx, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, models.SessionInProgress, s.Status)
	assert.Equal(t, 1, e.events.count(models.EventSessionStarted))

	_, err = e.manager.StartSession(ctx, resp.Token)
	var cse *CannotStartError
	require.ErrorAs(t, err, &cse)
	assert.Equal(t, ReasonAlreadyStarted, cse.Reason)

	_, err = e.manager.StartSession(ctx, "unknown")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTick_ConcurrentExpiryHappensOnce(t *testing.T) {
	e := newManagerEnv(t)
	ctx := context.Background()
	resp := e.create(t, 1)
	_, err := e.manager.StartSession(ctx, resp.Token)
	require.NoError(t, err)

	e.now = t0.Add(61 * time.Second)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		expired int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := e.manager.Tick(ctx, resp.ID)
			assert.NoError(t, err)
			if result.Expired {
				mu.Lock()
				expired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, expired)
	assert.Equal(t, 1, e.events.count(models.EventSessionExpired))

	s, err := e.manager.GetByID(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionExpired, s.Status)
}

func TestTick_PublishesCountdown(t *testing.T) {
	e := newManagerEnv(t)
	ctx := context.Background()
	resp := e.create(t, 30)
	_, err := e.manager.StartSession(ctx, resp.Token)
	require.NoError(t, err)

	e.now = t0.Add(5 * time.Minute)
	result, err := e.manager.Tick(ctx, resp.ID)
	require.NoError(t, err)
	assert.False(t, result.Expired)
	assert.Equal(t, 25, result.RemainingMinutes)
	assert.Equal(t, 1, e.events.count(models.EventSessionTick))

	_, err = e.manager.Tick(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetByToken_ExpiresLazily(t *testing.T) {
	e := newManagerEnv(t)
	ctx := context.Background()
	resp := e.create(t, 10)
	_, err := e.manager.StartSession(ctx, resp.Token)
	require.NoError(t, err)

	e.now = t0.Add(time.Hour)
	s, err := e.manager.GetByToken(ctx, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, models.SessionExpired, s.Status)
	assert.Equal(t, 1, e.events.count(models.EventSessionExpired))

	stored, err := e.repo.GetSessionByID(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionExpired, stored.Status)
}

func TestCompleteSession(t *testing.T) {
	e := newManagerEnv(t)
	ctx := context.Background()
	resp := e.create(t, 30)

	_, err := e.manager.CompleteSession(ctx, resp.Token)
	assert.ErrorIs(t, err, ErrSessionNotStarted)

	_, err = e.manager.StartSession(ctx, resp.Token)
	require.NoError(t, err)

	_, err = e.manager.CompleteSession(ctx, resp.Token)
	assert.ErrorIs(t, err, ErrNotComplete)

	require.NoError(t, e.record(t, resp.ID, true, 1))

	e.now = t0.Add(10 * time.Minute)
	s, err := e.manager.CompleteSession(ctx, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, s.Status)
	require.NotNil(t, s.TotalScore)
	assert.Equal(t, 50.0, *s.TotalScore)
	assert.Equal(t, 1, e.events.count(models.EventSessionCompleted))

	_, err = e.manager.CompleteSession(ctx, resp.Token)
	assert.ErrorIs(t, err, ErrSessionTerminal)
}

func TestCompleteSession_AfterDeadline(t *testing.T) {
	e := newManagerEnv(t)
	ctx := context.Background()
	resp := e.create(t, 30)
	_, err := e.manager.StartSession(ctx, resp.Token)
	require.NoError(t, err)
	require.NoError(t, e.record(t, resp.ID, true, 2))

	e.now = t0.Add(45 * time.Minute)
	_, err = e.manager.CompleteSession(ctx, resp.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, 0, e.events.count(models.EventSessionCompleted))
}

func TestFinalizeSession_IgnoresProgress(t *testing.T) {
	e := newManagerEnv(t)
	ctx := context.Background()
	resp := e.create(t, 30)

	_, err := e.manager.FinalizeSession(ctx, resp.ID)
	assert.ErrorIs(t, err, ErrSessionNotStarted)

	_, err = e.manager.StartSession(ctx, resp.Token)
	require.NoError(t, err)

	s, err := e.manager.FinalizeSession(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, s.Status)
	require.NotNil(t, s.TotalScore)
	assert.Equal(t, 0.0, *s.TotalScore)
}

func TestRecordProgress(t *testing.T) {
	e := newManagerEnv(t)
	ctx := context.Background()
	resp := e.create(t, 30)

	err := e.manager.RecordProgress(ctx, &models.StepProgressRecord{TestsPassed: 3, TestsTotal: 2})
	var verrs content.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.ElementsMatch(t, []string{"session_id", "step_id", "challenge_id", "tests_passed"}, verrs.Fields())

	assert.ErrorIs(t, e.record(t, resp.ID, false, 0), ErrSessionNotStarted)

	_, err = e.manager.StartSession(ctx, resp.Token)
	require.NoError(t, err)
	require.NoError(t, e.record(t, resp.ID, false, 1))
	assert.Equal(t, 1, e.events.count(models.EventProgressUpdated))

	rec, err := e.manager.LoadProgress(ctx, resp.Token, "ch-1", "st-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.TestsPassed)

	rec, err = e.manager.LoadProgress(ctx, resp.Token, "other-challenge", "st-1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	e.now = t0.Add(time.Hour)
	assert.ErrorIs(t, e.record(t, resp.ID, true, 2), ErrSessionExpired)
}

func TestProgress_CachedUntilNewRecord(t *testing.T) {
	e := newManagerEnv(t)
	ctx := context.Background()
	resp := e.create(t, 30)
	_, err := e.manager.StartSession(ctx, resp.Token)
	require.NoError(t, err)

	p, err := e.manager.Progress(ctx, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Stats.CompletedSteps)
	assert.True(t, e.cache.has(resp.ID))

	require.NoError(t, e.record(t, resp.ID, true, 2))
	assert.False(t, e.cache.has(resp.ID), "recording progress drops the cached aggregate")

	p, err = e.manager.Progress(ctx, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stats.CompletedSteps)
	assert.True(t, p.Stats.CanComplete)
}

func TestRefreshProgress_DiscardsResultOfEndedSession(t *testing.T) {
	e := newManagerEnv(t)
	ctx := context.Background()
	resp := e.create(t, 30)
	_, err := e.manager.StartSession(ctx, resp.Token)
	require.NoError(t, err)

	require.NoError(t, e.manager.RefreshProgress(ctx, resp.ID))
	assert.True(t, e.cache.has(resp.ID))
	assert.Equal(t, 1, e.events.count(models.EventProgressUpdated))

	require.NoError(t, e.cache.Invalidate(ctx, resp.ID))
	e.hook.before = func() {
		s, err := e.repo.GetSessionByID(ctx, resp.ID)
		require.NoError(t, err)
		s.Status = models.SessionCompleted
		_, err = e.repo.UpdateSessionStatus(ctx, s, models.SessionInProgress)
		require.NoError(t, err)
	}

	require.NoError(t, e.manager.RefreshProgress(ctx, resp.ID))
	assert.False(t, e.cache.has(resp.ID))
	assert.Equal(t, 1, e.events.count(models.EventProgressUpdated))
}

func TestCandidateExercises(t *testing.T) {
	e := newManagerEnv(t)
	ctx := context.Background()
	resp := e.create(t, 30)

	view, err := e.manager.CandidateExercises(ctx, resp.Token)
	require.NoError(t, err)
	assert.True(t, view.AccessInfo.CanStart)
	assert.Equal(t, 1, view.AccessInfo.AttemptsRemaining)
	assert.Equal(t, 30, view.RemainingMinutes)

	require.Len(t, view.Exercises, 1)
	require.Len(t, view.Exercises[0].Challenges, 1)
	step := view.Exercises[0].Challenges[0].Steps[0]
	assert.Empty(t, step.SolutionCode)
	require.Len(t, step.TestCases, 1)
	assert.Equal(t, "tc-1", step.TestCases[0].ID)

	_, err = e.manager.StartSession(ctx, resp.Token)
	require.NoError(t, err)

	view, err = e.manager.CandidateExercises(ctx, resp.Token)
	require.NoError(t, err)
	assert.False(t, view.AccessInfo.CanStart)
	assert.Equal(t, ReasonAlreadyStarted, view.AccessInfo.Reason)
	assert.Equal(t, 0, view.AccessInfo.AttemptsRemaining)
}

func TestDelete(t *testing.T) {
	e := newManagerEnv(t)
	ctx := context.Background()
	resp := e.create(t, 30)

	require.NoError(t, e.manager.Delete(ctx, resp.ID))
	_, err := e.manager.GetByID(ctx, resp.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, e.manager.Delete(ctx, resp.ID), storage.ErrNotFound)
}

func (e *managerEnv) saveMixedExercise(t *testing.T) {
	t.Helper()
	step := func(id, challengeID string) []*models.ChallengeStep {
		return []*models.ChallengeStep{{
			ID:           id,
			ChallengeID:  challengeID,
			Title:        "Step",
			Instructions: "Solve the task.",
			TestCases:    []*models.TestCase{{ID: id + "-tc", StepID: id, InputData: "1", ExpectedOutput: "1"}},
		}}
	}
	require.NoError(t, e.repo.SaveExerciseTree(context.Background(), &models.Exercise{
		ID:       "ex-mixed",
		Title:    "Mixed",
		Category: "developer",
		Challenges: []*models.Challenge{
			{ID: "ch-live", ExerciseID: "ex-mixed", Title: "Live", OrderIndex: 1, Status: models.ChallengePublished,
				ExecutionEnvironment: "code_executor", Steps: step("st-live", "ch-live")},
			{ID: "ch-old", ExerciseID: "ex-mixed", Title: "Old", OrderIndex: 2, Status: models.ChallengeArchived,
				ExecutionEnvironment: "code_executor", Steps: step("st-old", "ch-old")},
			{ID: "ch-wip", ExerciseID: "ex-mixed", Title: "Work in progress", OrderIndex: 3, Status: models.ChallengeDraft,
				ExecutionEnvironment: "code_executor", Steps: step("st-wip", "ch-wip")},
		},
	}))
}

func TestCompleteSession_IgnoresUnpublishedChallenges(t *testing.T) {
	e := newManagerEnv(t)
	ctx := context.Background()
	e.saveMixedExercise(t)

	resp, err := e.manager.CreateSession(ctx, models.CreateSessionRequest{
		CandidateName:    "Grace",
		ExerciseIDs:      []string{"ex-mixed"},
		TimeLimitMinutes: 30,
	}, "admin")
	require.NoError(t, err)
	_, err = e.manager.StartSession(ctx, resp.Token)
	require.NoError(t, err)

	view, err := e.manager.CandidateExercises(ctx, resp.Token)
	require.NoError(t, err)
	require.Len(t, view.Exercises, 1)
	require.Len(t, view.Exercises[0].Challenges, 1)
	assert.Equal(t, "ch-live", view.Exercises[0].Challenges[0].ID)

	require.NoError(t, e.manager.RecordProgress(ctx, &models.StepProgressRecord{
		SessionID:   resp.ID,
		ChallengeID: "ch-live",
		StepID:      "st-live",
		IsCompleted: true,
		TestsPassed: 1,
		TestsTotal:  1,
	}))

	p, err := e.manager.Progress(ctx, resp.Token)
	require.NoError(t, err)
	require.Len(t, p.Exercises, 1)
	assert.Equal(t, 1, p.Exercises[0].TotalChallenges)
	assert.Equal(t, 1, p.Exercises[0].TotalSteps)
	assert.Equal(t, 100, p.Exercises[0].CompletionRate)
	assert.True(t, p.Stats.CanComplete)

	s, err := e.manager.CompleteSession(ctx, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, s.Status)
}

func TestCreateSession_RejectsExerciseWithoutPublishedChallenges(t *testing.T) {
	e := newManagerEnv(t)
	require.NoError(t, e.repo.SaveExerciseTree(context.Background(), &models.Exercise{
		ID:       "ex-draft",
		Title:    "Draft only",
		Category: "developer",
		Challenges: []*models.Challenge{{
			ID: "ch-draft", ExerciseID: "ex-draft", Title: "Draft", Status: models.ChallengeDraft,
			ExecutionEnvironment: "code_executor",
		}},
	}))

	_, err := e.manager.CreateSession(context.Background(), models.CreateSessionRequest{
		CandidateName:    "Grace",
		ExerciseIDs:      []string{"ex-1", "ex-draft"},
		TimeLimitMinutes: 30,
	}, "admin")

	var verrs content.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, []string{"exercise_ids[1]"}, verrs.Fields())
}

func TestProgress_StaleResultDoesNotOverwriteCache(t *testing.T) {
	e := newManagerEnv(t)
	ctx := context.Background()
	resp := e.create(t, 30)
	_, err := e.manager.StartSession(ctx, resp.Token)
	require.NoError(t, err)

	// A grading result lands after the records were read but before the
	// aggregate is cached.
	e.hook.after = func() {
		e.hook.after = nil
		assert.NoError(t, e.record(t, resp.ID, true, 2))
	}

	p, err := e.manager.Progress(ctx, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Stats.CompletedSteps)
	assert.False(t, e.cache.has(resp.ID))

	p, err = e.manager.Progress(ctx, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stats.CompletedSteps)
	assert.True(t, e.cache.has(resp.ID))
}
