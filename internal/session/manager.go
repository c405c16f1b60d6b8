package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/terra-clan/assessment-engine/internal/content"
	"github.com/terra-clan/assessment-engine/internal/models"
	"github.com/terra-clan/assessment-engine/internal/progress"
)

// Store is the persistence the manager needs. Getters return nil, nil when
// the row does not exist.
type Store interface {
	CreateSession(ctx context.Context, s *models.CandidateSession) error
	GetSessionByToken(ctx context.Context, token string) (*models.CandidateSession, error)
	GetSessionByID(ctx context.Context, id string) (*models.CandidateSession, error)
	ListSessions(ctx context.Context, status string, limit, offset int) ([]*models.CandidateSession, error)
	DeleteSession(ctx context.Context, id string) error

	// UpdateSessionStatus writes the lifecycle fields of s only if the stored
	// status still equals expected. It reports whether the write happened.
	UpdateSessionStatus(ctx context.Context, s *models.CandidateSession, expected models.SessionStatus) (bool, error)

	GetStepProgress(ctx context.Context, sessionID, stepID string) (*models.StepProgressRecord, error)
	UpsertStepProgress(ctx context.Context, rec *models.StepProgressRecord) error
}

// Publisher delivers session events to connected candidates.
type Publisher interface {
	Publish(ctx context.Context, event models.SessionEvent) error
}

// ProgressCache keeps the last aggregated progress of a session. Get returns
// nil, nil on a miss. Set is a no-op when Invalidate ran after the version
// passed to it was read.
type ProgressCache interface {
	Get(ctx context.Context, sessionID string) (*models.SessionProgress, error)
	Version(ctx context.Context, sessionID string) (int64, error)
	Set(ctx context.Context, sessionID string, p *models.SessionProgress, version int64) error
	Invalidate(ctx context.Context, sessionID string) error
}

// Manager applies the lifecycle state machine against the store. Every
// operation re-reads the session, computes the next state and writes it with
// a compare-and-set on the previous status, so concurrent callers converge.
type Manager struct {
	store     Store
	content   progress.ContentSource
	collector *progress.Collector
	events    Publisher
	cache     ProgressCache
	baseURL   string
	now       func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithPublisher sets the event publisher.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) {
		m.events = p
	}
}

// WithProgressCache sets the progress cache.
func WithProgressCache(c ProgressCache) Option {
	return func(m *Manager) {
		m.cache = c
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithBaseURL sets the public URL used to build candidate links.
func WithBaseURL(url string) Option {
	return func(m *Manager) {
		m.baseURL = strings.TrimSuffix(url, "/")
	}
}

// NewManager creates a session manager
func NewManager(store Store, contentSource progress.ContentSource, collector *progress.Collector, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		content:   contentSource,
		collector: collector,
		events:    nopPublisher{},
		cache:     nopCache{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSession creates a not-started session for a candidate.
func (m *Manager) CreateSession(ctx context.Context, req models.CreateSessionRequest, createdBy string) (*models.CreateSessionResponse, error) {
	errs := content.ValidationErrors{}
	if strings.TrimSpace(req.CandidateName) == "" {
		errs.Set("candidate_name", content.KindRequired, "candidate_name is required")
	}
	if req.TimeLimitMinutes <= 0 {
		errs.Set("time_limit_minutes", content.KindOutOfRange, "time_limit_minutes must be greater than 0")
	}
	if req.MaxAttempts < 0 {
		errs.Set("max_attempts", content.KindOutOfRange, "max_attempts must not be negative")
	}
	if req.AccessStartsAt != nil && req.AccessEndsAt != nil && !req.AccessEndsAt.After(*req.AccessStartsAt) {
		errs.Set("access_ends_at", content.KindInvalid, "access window must end after it starts")
	}
	if len(req.ExerciseIDs) == 0 {
		errs.Set("exercise_ids", content.KindRequired, "at least one exercise is required")
	}
	for i, id := range req.ExerciseIDs {
		ex, err := m.content.GetExercise(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to check exercise %s: %w", id, err)
		}
		switch {
		case ex == nil:
			errs.Set(fmt.Sprintf("exercise_ids[%d]", i), content.KindInvalid, "exercise not found")
		case !slices.ContainsFunc(ex.Challenges, (*models.Challenge).VisibleToCandidate):
			errs.Set(fmt.Sprintf("exercise_ids[%d]", i), content.KindInvalid, "exercise has no published challenges")
		}
	}
	if err := errs.OrNil(); err != nil {
		return nil, err
	}

	token, err := models.GenerateSessionToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}

	s := &models.CandidateSession{
		ID:               uuid.New().String(),
		Token:            token,
		CandidateName:    strings.TrimSpace(req.CandidateName),
		CandidateEmail:   strings.TrimSpace(req.CandidateEmail),
		Position:         strings.TrimSpace(req.Position),
		ExerciseIDs:      req.ExerciseIDs,
		TimeLimitMinutes: req.TimeLimitMinutes,
		Status:           models.SessionNotStarted,
		MaxAttempts:      maxAttempts,
		AccessStartsAt:   req.AccessStartsAt,
		AccessEndsAt:     req.AccessEndsAt,
		CreatedAt:        m.now(),
		CreatedBy:        createdBy,
	}

	if err := m.store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	slog.Info("candidate session created",
		"session_id", s.ID,
		"exercises", len(s.ExerciseIDs),
		"time_limit_minutes", s.TimeLimitMinutes,
		"created_by", createdBy,
	)

	return &models.CreateSessionResponse{
		ID:        s.ID,
		Token:     s.Token,
		Status:    s.Status,
		JoinURL:   m.baseURL + "/candidate/" + s.Token,
		CreatedAt: s.CreatedAt,
	}, nil
}

// GetByToken returns the session behind a candidate token with its countdown
// applied.
func (m *Manager) GetByToken(ctx context.Context, token string) (*models.CandidateSession, error) {
	s, err := m.store.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	if _, err := m.advance(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// GetByID returns a session with its countdown applied.
func (m *Manager) GetByID(ctx context.Context, id string) (*models.CandidateSession, error) {
	s, err := m.store.GetSessionByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	if _, err := m.advance(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// List returns sessions, newest first
func (m *Manager) List(ctx context.Context, status string, limit, offset int) ([]*models.CandidateSession, error) {
	return m.store.ListSessions(ctx, status, limit, offset)
}

// Active returns every in-progress session
func (m *Manager) Active(ctx context.Context) ([]*models.CandidateSession, error) {
	return m.store.ListSessions(ctx, string(models.SessionInProgress), 0, 0)
}

// Delete removes a session
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteSession(ctx, id); err != nil {
		return err
	}
	if err := m.cache.Invalidate(ctx, id); err != nil {
		slog.Warn("failed to invalidate progress cache", "session_id", id, "error", err)
	}
	slog.Info("candidate session deleted", "session_id", id)
	return nil
}

// StartSession starts the session behind token.
func (m *Manager) StartSession(ctx context.Context, token string) (*models.CandidateSession, error) {
	s, err := m.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	previous := s.Status
	if err := Start(s, m.now()); err != nil {
		return nil, err
	}

	applied, err := m.store.UpdateSessionStatus(ctx, s, previous)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	if !applied {
		// Someone else moved the session first; report its current state.
		current, err := m.GetByToken(ctx, token)
		if err != nil {
			return nil, err
		}
		if err := CheckStart(current, m.now()); err != nil {
			return nil, err
		}
		return nil, &CannotStartError{Reason: ReasonAlreadyStarted}
	}

	slog.Info("candidate session started", "session_id", s.ID, "attempt", s.AttemptsUsed)
	m.publish(ctx, s, models.EventSessionStarted, true)
	return s, nil
}

// CompleteSession completes the session on the candidate's request. Every
// exercise must be completed.
func (m *Manager) CompleteSession(ctx context.Context, token string) (*models.CandidateSession, error) {
	s, err := m.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := completable(s); err != nil {
		return nil, err
	}

	result, snap, err := m.collector.Collect(ctx, s.ID, s.ExerciseIDs)
	if err != nil {
		return nil, err
	}
	if !result.Stats.CanComplete {
		return nil, ErrNotComplete
	}

	return m.finish(ctx, s, progress.Score(snap))
}

// FinalizeSession completes a session on an administrator's request,
// regardless of progress.
func (m *Manager) FinalizeSession(ctx context.Context, id string) (*models.CandidateSession, error) {
	s, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := completable(s); err != nil {
		return nil, err
	}

	_, snap, err := m.collector.Collect(ctx, s.ID, s.ExerciseIDs)
	if err != nil {
		return nil, err
	}

	return m.finish(ctx, s, progress.Score(snap))
}

func completable(s *models.CandidateSession) error {
	switch s.Status {
	case models.SessionInProgress:
		return nil
	case models.SessionNotStarted:
		return ErrSessionNotStarted
	case models.SessionExpired:
		return ErrSessionExpired
	}
	return ErrSessionTerminal
}

func (m *Manager) finish(ctx context.Context, s *models.CandidateSession, score float64) (*models.CandidateSession, error) {
	err := Complete(s, m.now(), score)
	if errors.Is(err, ErrSessionExpired) && s.Status == models.SessionExpired {
		if _, perr := m.persistExpiry(ctx, s); perr != nil {
			return nil, perr
		}
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, err
	}

	applied, err := m.store.UpdateSessionStatus(ctx, s, models.SessionInProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to complete session: %w", err)
	}
	if !applied {
		current, err := m.store.GetSessionByID(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to get session: %w", err)
		}
		if current != nil && current.Status == models.SessionExpired {
			return nil, ErrSessionExpired
		}
		return nil, ErrSessionTerminal
	}

	slog.Info("candidate session completed", "session_id", s.ID, "score", score)
	m.afterTerminal(ctx, s, models.EventSessionCompleted)
	return s, nil
}

// Tick runs one countdown evaluation for the session. The returned result
// reports Expired only to the caller whose write performed the expiry.
func (m *Manager) Tick(ctx context.Context, id string) (TickResult, error) {
	s, err := m.store.GetSessionByID(ctx, id)
	if err != nil {
		return TickResult{}, fmt.Errorf("failed to get session: %w", err)
	}
	if s == nil {
		return TickResult{}, ErrSessionNotFound
	}

	result, err := m.advance(ctx, s)
	if err != nil {
		return TickResult{}, err
	}
	if !result.Expired && s.Status == models.SessionInProgress {
		m.publish(ctx, s, models.EventSessionTick, false)
	}
	return result, nil
}

// advance applies the countdown to s and persists an expiry.
func (m *Manager) advance(ctx context.Context, s *models.CandidateSession) (TickResult, error) {
	result := Tick(s, m.now())
	if !result.Expired {
		return result, nil
	}

	applied, err := m.persistExpiry(ctx, s)
	if err != nil {
		return TickResult{}, err
	}
	if !applied {
		result.Expired = false
	}
	return result, nil
}

// persistExpiry writes the expired state of s. It reports false when another
// writer already ended the session; s is then reloaded.
func (m *Manager) persistExpiry(ctx context.Context, s *models.CandidateSession) (bool, error) {
	applied, err := m.store.UpdateSessionStatus(ctx, s, models.SessionInProgress)
	if err != nil {
		return false, fmt.Errorf("failed to expire session: %w", err)
	}

	if !applied {
		current, err := m.store.GetSessionByID(ctx, s.ID)
		if err != nil {
			return false, fmt.Errorf("failed to get session: %w", err)
		}
		if current != nil {
			*s = *current
		}
		return false, nil
	}

	slog.Info("candidate session expired", "session_id", s.ID, "time_limit_minutes", s.TimeLimitMinutes)
	m.afterTerminal(ctx, s, models.EventSessionExpired)
	return true, nil
}

// afterTerminal drops derived state and tells clients to reload.
func (m *Manager) afterTerminal(ctx context.Context, s *models.CandidateSession, event models.SessionEventType) {
	if err := m.cache.Invalidate(ctx, s.ID); err != nil {
		slog.Warn("failed to invalidate progress cache", "session_id", s.ID, "error", err)
	}
	m.publish(ctx, s, event, true)
}

func (m *Manager) publish(ctx context.Context, s *models.CandidateSession, eventType models.SessionEventType, refresh bool) {
	now := m.now()
	event := models.SessionEvent{
		Type:             eventType,
		SessionID:        s.ID,
		Status:           s.Status,
		RemainingMinutes: RemainingMinutes(s, now),
		RequiresRefresh:  refresh,
		At:               now,
	}
	if err := m.events.Publish(ctx, event); err != nil {
		slog.Warn("failed to publish session event", "session_id", s.ID, "type", eventType, "error", err)
	}
}

// CandidateExercises returns the candidate landing view: the session, the
// exercises without solutions or hidden tests, access info and the
// remaining minutes.
func (m *Manager) CandidateExercises(ctx context.Context, token string) (*models.CandidateExercises, error) {
	s, err := m.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	now := m.now()
	view := &models.CandidateExercises{
		Session:          s,
		Exercises:        make([]*models.Exercise, 0, len(s.ExerciseIDs)),
		RemainingMinutes: RemainingMinutes(s, now),
		AccessInfo: models.AccessInfo{
			StartsAt:    s.AccessStartsAt,
			EndsAt:      s.AccessEndsAt,
			MaxAttempts: s.MaxAttempts,
		},
	}
	if s.MaxAttempts > 0 {
		view.AccessInfo.AttemptsRemaining = max(0, s.MaxAttempts-s.AttemptsUsed)
	}
	if err := CheckStart(s, now); err != nil {
		var cse *CannotStartError
		if errors.As(err, &cse) {
			view.AccessInfo.Reason = cse.Reason
		}
	} else {
		view.AccessInfo.CanStart = true
	}

	for _, id := range s.ExerciseIDs {
		ex, err := m.content.GetExercise(ctx, id)
		if err != nil || ex == nil {
			slog.Warn("exercise unavailable for candidate", "session_id", s.ID, "exercise_id", id, "error", err)
			continue
		}
		view.Exercises = append(view.Exercises, m.candidateExercise(ctx, ex))
	}

	return view, nil
}

// candidateExercise loads the steps of every visible challenge and strips
// what the candidate must not see. A challenge whose steps fail to load is
// shown without them.
func (m *Manager) candidateExercise(ctx context.Context, ex *models.Exercise) *models.Exercise {
	out := *ex
	out.Challenges = make([]*models.Challenge, 0, len(ex.Challenges))
	for _, ch := range ex.Challenges {
		if !ch.VisibleToCandidate() {
			continue
		}
		full := ch
		if len(ch.Steps) == 0 {
			loaded, err := m.content.GetChallenge(ctx, ch.ID)
			switch {
			case err != nil:
				slog.Warn("challenge steps unavailable for candidate", "challenge_id", ch.ID, "error", err)
			case loaded != nil:
				full = loaded
			}
		}
		out.Challenges = append(out.Challenges, full.ForCandidate())
	}
	return &out
}

// Progress returns the aggregated progress of the session behind token.
func (m *Manager) Progress(ctx context.Context, token string) (*models.SessionProgress, error) {
	s, err := m.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if cached, err := m.cache.Get(ctx, s.ID); err != nil {
		slog.Warn("failed to read progress cache", "session_id", s.ID, "error", err)
	} else if cached != nil {
		return cached, nil
	}

	version, verr := m.cache.Version(ctx, s.ID)
	result, _, err := m.collector.Collect(ctx, s.ID, s.ExerciseIDs)
	if err != nil {
		return nil, err
	}
	m.storeProgress(ctx, s.ID, result, version, verr)
	return result, nil
}

// RefreshProgress recomputes the progress of an in-progress session. The
// result is dropped if the session ended while it was being computed.
func (m *Manager) RefreshProgress(ctx context.Context, id string) error {
	s, err := m.store.GetSessionByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}
	if s == nil {
		return ErrSessionNotFound
	}
	if s.Status != models.SessionInProgress {
		return nil
	}

	version, verr := m.cache.Version(ctx, s.ID)
	result, _, err := m.collector.Collect(ctx, s.ID, s.ExerciseIDs)
	if err != nil {
		return err
	}

	current, err := m.store.GetSessionByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}
	if current == nil || current.Status != models.SessionInProgress {
		slog.Debug("discarding progress of finished session", "session_id", id)
		return nil
	}

	m.storeProgress(ctx, id, result, version, verr)
	m.publish(ctx, current, models.EventProgressUpdated, false)
	return nil
}

// storeProgress caches result unless the version read before computing it
// failed or went stale.
func (m *Manager) storeProgress(ctx context.Context, sessionID string, result *models.SessionProgress, version int64, versionErr error) {
	if versionErr != nil {
		slog.Warn("failed to read progress cache version", "session_id", sessionID, "error", versionErr)
		return
	}
	if err := m.cache.Set(ctx, sessionID, result, version); err != nil {
		slog.Warn("failed to write progress cache", "session_id", sessionID, "error", err)
	}
}

// LoadProgress returns the candidate's record for one step, or nil when the
// step was not attempted.
func (m *Manager) LoadProgress(ctx context.Context, token, challengeID, stepID string) (*models.StepProgressRecord, error) {
	s, err := m.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	rec, err := m.store.GetStepProgress(ctx, s.ID, stepID)
	if err != nil {
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	if rec == nil || (challengeID != "" && rec.ChallengeID != challengeID) {
		return nil, nil
	}
	return rec, nil
}

// RecordProgress stores a grading result. Results for sessions that are no
// longer in progress are rejected.
func (m *Manager) RecordProgress(ctx context.Context, rec *models.StepProgressRecord) error {
	errs := content.ValidationErrors{}
	if rec.SessionID == "" {
		errs.Set("session_id", content.KindRequired, "session_id is required")
	}
	if rec.StepID == "" {
		errs.Set("step_id", content.KindRequired, "step_id is required")
	}
	if rec.ChallengeID == "" {
		errs.Set("challenge_id", content.KindRequired, "challenge_id is required")
	}
	if rec.TestsPassed < 0 || rec.TestsTotal < 0 || rec.TestsPassed > rec.TestsTotal {
		errs.Set("tests_passed", content.KindOutOfRange, "tests_passed must be between 0 and tests_total")
	}
	if err := errs.OrNil(); err != nil {
		return err
	}

	s, err := m.GetByID(ctx, rec.SessionID)
	if err != nil {
		return err
	}
	if err := completable(s); err != nil {
		return err
	}

	if err := m.store.UpsertStepProgress(ctx, rec); err != nil {
		return fmt.Errorf("failed to record progress: %w", err)
	}
	if err := m.cache.Invalidate(ctx, s.ID); err != nil {
		slog.Warn("failed to invalidate progress cache", "session_id", s.ID, "error", err)
	}
	m.publish(ctx, s, models.EventProgressUpdated, false)
	return nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, models.SessionEvent) error { return nil }

type nopCache struct{}

func (nopCache) Get(context.Context, string) (*models.SessionProgress, error) { return nil, nil }
func (nopCache) Version(context.Context, string) (int64, error) { return 0, nil }
func (nopCache) Set(context.Context, string, *models.SessionProgress, int64) error { return nil }
func (nopCache) Invalidate(context.Context, string) error { return nil }
