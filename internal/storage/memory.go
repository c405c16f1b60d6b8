package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/terra-clan/assessment-engine/internal/models"
)

// MemoryRepository implements Repository in process memory. It backs tests
// and single-node demo deployments without a database.
type MemoryRepository struct {
	mu sync.RWMutex

	seq        int64
	order      map[string]int64
	exercises  map[string]*models.Exercise
	challenges map[string]*models.Challenge
	steps      map[string]*models.ChallengeStep
	testcases  map[string]*models.TestCase
	sessions   map[string]*models.CandidateSession
	progress   map[string]map[string]models.StepProgressRecord
	clients    map[string]*models.ApiClient
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		order:      make(map[string]int64),
		exercises:  make(map[string]*models.Exercise),
		challenges: make(map[string]*models.Challenge),
		steps:      make(map[string]*models.ChallengeStep),
		testcases:  make(map[string]*models.TestCase),
		sessions:   make(map[string]*models.CandidateSession),
		progress:   make(map[string]map[string]models.StepProgressRecord),
		clients:    make(map[string]*models.ApiClient),
	}
}

func (r *MemoryRepository) Ping(ctx context.Context) error { return nil }

func (r *MemoryRepository) Close() error { return nil }

// touch records insertion order for stable ordering of ties.
func (r *MemoryRepository) touch(kind, id string) {
	key := kind + ":" + id
	if _, ok := r.order[key]; ok {
		return
	}
	r.seq++
	r.order[key] = r.seq
}

func (r *MemoryRepository) seqOf(kind, id string) int64 {
	return r.order[kind+":"+id]
}

// --- Exercises ---

func (r *MemoryRepository) CreateExercise(ctx context.Context, ex *models.Exercise) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.exercises[ex.ID]; ok {
		return fmt.Errorf("exercise %s already exists", ex.ID)
	}
	stamp(&ex.CreatedAt, &ex.UpdatedAt)
	r.putExercise(ex)
	return nil
}

func (r *MemoryRepository) putExercise(ex *models.Exercise) {
	stored := *ex
	stored.Challenges = nil
	r.exercises[ex.ID] = &stored
	r.touch("exercise", ex.ID)
}

func (r *MemoryRepository) GetExercise(ctx context.Context, id string) (*models.Exercise, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ex, ok := r.exercises[id]
	if !ok {
		return nil, nil
	}
	out := *ex
	out.Challenges = r.challengesOf(id)
	return &out, nil
}

func (r *MemoryRepository) UpdateExercise(ctx context.Context, ex *models.Exercise) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.exercises[ex.ID]; !ok {
		return fmt.Errorf("exercise %s: %w", ex.ID, ErrNotFound)
	}
	ex.UpdatedAt = time.Now()
	r.putExercise(ex)
	return nil
}

func (r *MemoryRepository) DeleteExercise(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.exercises[id]; !ok {
		return fmt.Errorf("exercise %s: %w", id, ErrNotFound)
	}
	r.deleteExerciseTree(id)
	return nil
}

func (r *MemoryRepository) deleteExerciseTree(id string) {
	for chID, ch := range r.challenges {
		if ch.ExerciseID == id {
			r.deleteChallengeTree(chID)
		}
	}
	delete(r.exercises, id)
}

func (r *MemoryRepository) ListExercises(ctx context.Context, filters models.ExerciseFilters) ([]*models.Exercise, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*models.Exercise
	for _, ex := range r.exercises {
		if filters.Category != "" && ex.Category != filters.Category {
			continue
		}
		if filters.Difficulty != "" && ex.Difficulty != filters.Difficulty {
			continue
		}
		if filters.Language != "" && ex.Language != filters.Language {
			continue
		}
		out := *ex
		matched = append(matched, &out)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return r.seqOf("exercise", matched[i].ID) > r.seqOf("exercise", matched[j].ID)
	})

	total := len(matched)
	return paginate(matched, filters.Limit, filters.Offset), total, nil
}

// --- Challenges ---

func (r *MemoryRepository) CreateChallenge(ctx context.Context, ch *models.Challenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.exercises[ch.ExerciseID]; !ok {
		return fmt.Errorf("exercise %s: %w", ch.ExerciseID, ErrNotFound)
	}
	if _, ok := r.challenges[ch.ID]; ok {
		return fmt.Errorf("challenge %s already exists", ch.ID)
	}
	stamp(&ch.CreatedAt, &ch.UpdatedAt)
	r.putChallenge(ch)
	return nil
}

func (r *MemoryRepository) putChallenge(ch *models.Challenge) {
	r.challenges[ch.ID] = copyChallenge(ch)
	r.touch("challenge", ch.ID)
}

func (r *MemoryRepository) GetChallenge(ctx context.Context, id string) (*models.Challenge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.challenges[id]
	if !ok {
		return nil, nil
	}
	out := copyChallenge(ch)
	out.Steps = r.stepsOf(id)
	out.StepCount = len(out.Steps)
	return out, nil
}

func (r *MemoryRepository) UpdateChallenge(ctx context.Context, ch *models.Challenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.challenges[ch.ID]; !ok {
		return fmt.Errorf("challenge %s: %w", ch.ID, ErrNotFound)
	}
	ch.UpdatedAt = time.Now()
	r.putChallenge(ch)
	return nil
}

func (r *MemoryRepository) DeleteChallenge(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.challenges[id]; !ok {
		return fmt.Errorf("challenge %s: %w", id, ErrNotFound)
	}
	r.deleteChallengeTree(id)
	return nil
}

func (r *MemoryRepository) deleteChallengeTree(id string) {
	for stepID, step := range r.steps {
		if step.ChallengeID == id {
			r.deleteStepTree(stepID)
		}
	}
	delete(r.challenges, id)
}

func (r *MemoryRepository) challengesOf(exerciseID string) []*models.Challenge {
	var out []*models.Challenge
	for _, ch := range r.challenges {
		if ch.ExerciseID != exerciseID {
			continue
		}
		c := copyChallenge(ch)
		c.StepCount = r.countSteps(ch.ID)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderIndex != out[j].OrderIndex {
			return out[i].OrderIndex < out[j].OrderIndex
		}
		return r.seqOf("challenge", out[i].ID) < r.seqOf("challenge", out[j].ID)
	})
	return out
}

func (r *MemoryRepository) countSteps(challengeID string) int {
	n := 0
	for _, step := range r.steps {
		if step.ChallengeID == challengeID {
			n++
		}
	}
	return n
}

// --- Steps ---

func (r *MemoryRepository) CreateStep(ctx context.Context, step *models.ChallengeStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.challenges[step.ChallengeID]; !ok {
		return fmt.Errorf("challenge %s: %w", step.ChallengeID, ErrNotFound)
	}
	if _, ok := r.steps[step.ID]; ok {
		return fmt.Errorf("step %s already exists", step.ID)
	}
	stamp(&step.CreatedAt, &step.UpdatedAt)
	r.putStep(step)
	return nil
}

func (r *MemoryRepository) putStep(step *models.ChallengeStep) {
	stored := *step
	stored.TestCases = nil
	r.steps[step.ID] = &stored
	r.touch("step", step.ID)
}

func (r *MemoryRepository) GetStep(ctx context.Context, id string) (*models.ChallengeStep, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	step, ok := r.steps[id]
	if !ok {
		return nil, nil
	}
	out := *step
	out.TestCases = r.testCasesOf(id)
	return &out, nil
}

func (r *MemoryRepository) UpdateStep(ctx context.Context, step *models.ChallengeStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.steps[step.ID]; !ok {
		return fmt.Errorf("step %s: %w", step.ID, ErrNotFound)
	}
	step.UpdatedAt = time.Now()
	r.putStep(step)
	return nil
}

func (r *MemoryRepository) DeleteStep(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.steps[id]; !ok {
		return fmt.Errorf("step %s: %w", id, ErrNotFound)
	}
	r.deleteStepTree(id)
	return nil
}

func (r *MemoryRepository) deleteStepTree(id string) {
	for tcID, tc := range r.testcases {
		if tc.StepID == id {
			delete(r.testcases, tcID)
		}
	}
	delete(r.steps, id)
}

func (r *MemoryRepository) stepsOf(challengeID string) []*models.ChallengeStep {
	out := make([]*models.ChallengeStep, 0)
	for _, step := range r.steps {
		if step.ChallengeID != challengeID {
			continue
		}
		s := *step
		s.TestCases = r.testCasesOf(step.ID)
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderIndex != out[j].OrderIndex {
			return out[i].OrderIndex < out[j].OrderIndex
		}
		return r.seqOf("step", out[i].ID) < r.seqOf("step", out[j].ID)
	})
	return out
}

// --- Test cases ---

func (r *MemoryRepository) CreateTestCase(ctx context.Context, tc *models.TestCase) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.steps[tc.StepID]; !ok {
		return fmt.Errorf("step %s: %w", tc.StepID, ErrNotFound)
	}
	stored := *tc
	r.testcases[tc.ID] = &stored
	r.touch("testcase", tc.ID)
	return nil
}

func (r *MemoryRepository) DeleteTestCase(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.testcases[id]; !ok {
		return fmt.Errorf("test case %s: %w", id, ErrNotFound)
	}
	delete(r.testcases, id)
	return nil
}

func (r *MemoryRepository) testCasesOf(stepID string) []*models.TestCase {
	var out []*models.TestCase
	for _, tc := range r.testcases {
		if tc.StepID != stepID {
			continue
		}
		c := *tc
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderIndex != out[j].OrderIndex {
			return out[i].OrderIndex < out[j].OrderIndex
		}
		return r.seqOf("testcase", out[i].ID) < r.seqOf("testcase", out[j].ID)
	})
	return out
}

// SaveExerciseTree replaces an exercise and everything below it
func (r *MemoryRepository) SaveExerciseTree(ctx context.Context, ex *models.Exercise) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.exercises[ex.ID]; ok {
		r.deleteExerciseTree(ex.ID)
	}

	r.putExercise(ex)
	for _, ch := range ex.Challenges {
		r.putChallenge(ch)
		for _, step := range ch.Steps {
			r.putStep(step)
			for _, tc := range step.TestCases {
				stored := *tc
				r.testcases[tc.ID] = &stored
				r.touch("testcase", tc.ID)
			}
		}
	}
	return nil
}

// --- Sessions ---

func (r *MemoryRepository) CreateSession(ctx context.Context, s *models.CandidateSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	r.sessions[s.ID] = s.Clone()
	r.touch("session", s.ID)
	return nil
}

func (r *MemoryRepository) GetSessionByToken(ctx context.Context, token string) (*models.CandidateSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		if s.Token == token {
			return s.Clone(), nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) GetSessionByID(ctx context.Context, id string) (*models.CandidateSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

func (r *MemoryRepository) ListSessions(ctx context.Context, status string, limit, offset int) ([]*models.CandidateSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.CandidateSession
	for _, s := range r.sessions {
		if status != "" && string(s.Status) != status {
			continue
		}
		out = append(out, s.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return r.seqOf("session", out[i].ID) > r.seqOf("session", out[j].ID)
	})

	return paginate(out, limit, offset), nil
}

// UpdateSessionStatus writes the lifecycle fields if the stored status is
// still expected
func (r *MemoryRepository) UpdateSessionStatus(ctx context.Context, s *models.CandidateSession, expected models.SessionStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sessions[s.ID]
	if !ok {
		return false, fmt.Errorf("session %s: %w", s.ID, ErrNotFound)
	}
	if stored.Status != expected {
		return false, nil
	}

	next := s.Clone()
	stored.Status = next.Status
	stored.StartedAt = next.StartedAt
	stored.CompletedAt = next.CompletedAt
	stored.TotalScore = next.TotalScore
	stored.AttemptsUsed = next.AttemptsUsed
	return true, nil
}

func (r *MemoryRepository) DeleteSession(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	delete(r.sessions, id)
	delete(r.progress, id)
	return nil
}

// --- Progress ---

func (r *MemoryRepository) ListProgress(ctx context.Context, sessionID string) ([]models.StepProgressRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := r.progress[sessionID]
	out := make([]models.StepProgressRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

func (r *MemoryRepository) GetStepProgress(ctx context.Context, sessionID, stepID string) (*models.StepProgressRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.progress[sessionID][stepID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r *MemoryRepository) UpsertStepProgress(ctx context.Context, rec *models.StepProgressRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[rec.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", rec.SessionID, ErrNotFound)
	}
	if r.progress[rec.SessionID] == nil {
		r.progress[rec.SessionID] = make(map[string]models.StepProgressRecord)
	}
	stored := *rec
	if stored.LastSubmission == nil {
		now := time.Now()
		stored.LastSubmission = &now
	}
	r.progress[rec.SessionID][rec.StepID] = stored
	return nil
}

// --- API Clients ---

func (r *MemoryRepository) CreateApiClient(ctx context.Context, client *models.ApiClient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *client
	stored.Permissions = append([]string(nil), client.Permissions...)
	if stored.ID == 0 {
		stored.ID = len(r.clients) + 1
		client.ID = stored.ID
	}
	r.clients[client.ApiKey] = &stored
	return nil
}

func (r *MemoryRepository) GetClientByApiKey(ctx context.Context, apiKey string) (*models.ApiClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[apiKey]
	if !ok || !c.IsActive {
		return nil, nil
	}
	out := *c
	return &out, nil
}

func (r *MemoryRepository) UpdateClientLastUsed(ctx context.Context, apiKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[apiKey]; ok {
		now := time.Now()
		c.LastUsedAt = &now
	}
	return nil
}

func copyChallenge(ch *models.Challenge) *models.Challenge {
	out := *ch
	out.Tags = append([]string(nil), ch.Tags...)
	if ch.EnvironmentConfig != nil {
		out.EnvironmentConfig = ch.EnvironmentConfig.Clone()
	}
	out.Steps = nil
	return &out
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
