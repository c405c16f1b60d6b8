package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/terra-clan/assessment-engine/internal/content"
	"github.com/terra-clan/assessment-engine/internal/environments"
	"github.com/terra-clan/assessment-engine/internal/models"
)

// Exercise handlers

func (s *Server) handleListExercises(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 20)
	filters := models.ExerciseFilters{
		Category:   environments.Category(r.URL.Query().Get("category")),
		Difficulty: r.URL.Query().Get("difficulty"),
		Language:   r.URL.Query().Get("language"),
		Limit:      limit,
		Offset:     offset,
	}

	exercises, total, err := s.repo.ListExercises(r.Context(), filters)
	if err != nil {
		respondServiceError(w, err, "failed to list exercises")
		return
	}

	respondJSON(w, http.StatusOK, models.ExerciseList{
		Data: exercises,
		Pagination: models.Pagination{
			Total:  total,
			Limit:  limit,
			Offset: offset,
		},
	})
}

func (s *Server) handleCreateExercise(w http.ResponseWriter, r *http.Request) {
	var req models.Exercise
	if !decodeJSON(w, r, &req) {
		return
	}
	assignIDs(&req)

	ex, err := content.ValidateExercise(&req)
	if err != nil {
		respondServiceError(w, err, "failed to validate exercise")
		return
	}

	existing, err := s.repo.GetExercise(r.Context(), ex.ID)
	if err != nil {
		respondServiceError(w, err, "failed to create exercise", "id", ex.ID)
		return
	}
	if existing != nil {
		respondError(w, http.StatusConflict, "already_exists", "exercise already exists")
		return
	}

	if err := s.repo.SaveExerciseTree(r.Context(), ex); err != nil {
		respondServiceError(w, err, "failed to create exercise", "id", ex.ID)
		return
	}
	s.invalidate(r.Context(), ex.ID, challengeIDs(ex.Challenges)...)

	slog.Info("exercise created", "id", ex.ID, "challenges", len(ex.Challenges), "by", actor(r.Context()))
	respondJSON(w, http.StatusCreated, ex)
}

func (s *Server) handleGetExercise(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ex, err := s.repo.GetExercise(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, "failed to get exercise", "id", id)
		return
	}
	if ex == nil {
		respondError(w, http.StatusNotFound, "not_found", "exercise not found")
		return
	}

	respondJSON(w, http.StatusOK, ex)
}

func (s *Server) handleUpdateExercise(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req models.Exercise
	if !decodeJSON(w, r, &req) {
		return
	}

	existing, err := s.repo.GetExercise(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, "failed to update exercise", "id", id)
		return
	}
	if existing == nil {
		respondError(w, http.StatusNotFound, "not_found", "exercise not found")
		return
	}

	// Challenges are edited through their own endpoints.
	req.ID = id
	req.Challenges = nil
	req.CreatedAt = existing.CreatedAt

	ex, err := content.ValidateExercise(&req)
	errs := fieldErrors(err)
	for i, ch := range existing.Challenges {
		if ex.Category.IsKnown() && !environments.IsCompatible(ex.Category, ch.ExecutionEnvironment) {
			errs.Set(fmt.Sprintf("challenges[%d].execution_environment", i), content.KindIncompatibleEnvironment,
				fmt.Sprintf("%s is not available for %s exercises", environments.Label(ch.ExecutionEnvironment), ex.Category))
		}
	}
	if err := errs.OrNil(); err != nil {
		respondServiceError(w, err, "failed to validate exercise")
		return
	}

	if err := s.repo.UpdateExercise(r.Context(), ex); err != nil {
		respondServiceError(w, err, "failed to update exercise", "id", id)
		return
	}
	s.invalidate(r.Context(), id)

	ex.Challenges = existing.Challenges
	respondJSON(w, http.StatusOK, ex)
}

func (s *Server) handleDeleteExercise(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	existing, err := s.repo.GetExercise(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, "failed to delete exercise", "id", id)
		return
	}
	if existing == nil {
		respondError(w, http.StatusNotFound, "not_found", "exercise not found")
		return
	}

	if err := s.repo.DeleteExercise(r.Context(), id); err != nil {
		respondServiceError(w, err, "failed to delete exercise", "id", id)
		return
	}
	s.invalidate(r.Context(), id, challengeIDs(existing.Challenges)...)

	slog.Info("exercise deleted", "id", id, "by", actor(r.Context()))
	respondJSON(w, http.StatusOK, map[string]string{
		"message": "exercise deleted",
	})
}

// Challenge handlers

// validateChallengeResponse is returned by the dry-run validation endpoint.
type validateChallengeResponse struct {
	Valid      bool               `json:"valid"`
	Challenge  *models.Challenge  `json:"challenge"`
	Advisories []content.Advisory `json:"advisories"`
}

func (s *Server) handleValidateChallenge(w http.ResponseWriter, r *http.Request) {
	var req models.Challenge
	if !decodeJSON(w, r, &req) {
		return
	}

	ch, err := s.validateChallenge(r.Context(), &req)
	if err != nil {
		respondServiceError(w, err, "failed to validate challenge")
		return
	}

	advisories := content.Advisories(ch)
	if advisories == nil {
		advisories = []content.Advisory{}
	}
	respondJSON(w, http.StatusOK, validateChallengeResponse{
		Valid:      true,
		Challenge:  ch,
		Advisories: advisories,
	})
}

// validateChallenge validates ch against its owning exercise. An unknown
// exercise is reported as a field error.
func (s *Server) validateChallenge(ctx context.Context, ch *models.Challenge) (*models.Challenge, error) {
	var owner *models.Exercise
	if ch.ExerciseID != "" {
		ex, err := s.repo.GetExercise(ctx, ch.ExerciseID)
		if err != nil {
			return nil, err
		}
		owner = ex
	}

	normalized, err := content.ValidateChallenge(ch, owner)
	if ch.ExerciseID != "" && owner == nil {
		errs := fieldErrors(err)
		errs.Set("exercise_id", content.KindInvalid, "exercise not found")
		return nil, errs
	}
	if err != nil {
		return nil, err
	}
	return normalized, nil
}

func (s *Server) handleCreateChallenge(w http.ResponseWriter, r *http.Request) {
	var req models.Challenge
	if !decodeJSON(w, r, &req) {
		return
	}
	assignChallengeIDs(&req)

	ch, err := s.validateChallenge(r.Context(), &req)
	if err != nil {
		respondServiceError(w, err, "failed to validate challenge")
		return
	}

	existing, err := s.repo.GetChallenge(r.Context(), ch.ID)
	if err != nil {
		respondServiceError(w, err, "failed to create challenge", "id", ch.ID)
		return
	}
	if existing != nil {
		respondError(w, http.StatusConflict, "already_exists", "challenge already exists")
		return
	}

	if err := s.createChallengeTree(r.Context(), ch); err != nil {
		respondServiceError(w, err, "failed to create challenge", "id", ch.ID)
		return
	}
	s.invalidate(r.Context(), ch.ExerciseID, ch.ID)

	slog.Info("challenge created",
		"id", ch.ID,
		"exercise_id", ch.ExerciseID,
		"environment", ch.ExecutionEnvironment,
		"steps", len(ch.Steps),
	)
	respondJSON(w, http.StatusCreated, ch)
}

// createChallengeTree writes a challenge with its steps and test cases. A
// failed write removes what was already written.
func (s *Server) createChallengeTree(ctx context.Context, ch *models.Challenge) error {
	if err := s.repo.CreateChallenge(ctx, ch); err != nil {
		return err
	}

	for _, step := range ch.Steps {
		if err := s.createStepTree(ctx, step); err != nil {
			if derr := s.repo.DeleteChallenge(ctx, ch.ID); derr != nil {
				slog.Error("failed to roll back challenge", "id", ch.ID, "error", derr)
			}
			return err
		}
	}
	return nil
}

func (s *Server) createStepTree(ctx context.Context, step *models.ChallengeStep) error {
	if err := s.repo.CreateStep(ctx, step); err != nil {
		return fmt.Errorf("failed to create step %s: %w", step.ID, err)
	}
	for _, tc := range step.TestCases {
		if err := s.repo.CreateTestCase(ctx, tc); err != nil {
			return fmt.Errorf("failed to create test case %s: %w", tc.ID, err)
		}
	}
	return nil
}

func (s *Server) handleGetChallenge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ch, err := s.repo.GetChallenge(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, "failed to get challenge", "id", id)
		return
	}
	if ch == nil {
		respondError(w, http.StatusNotFound, "not_found", "challenge not found")
		return
	}

	respondJSON(w, http.StatusOK, ch)
}

func (s *Server) handleUpdateChallenge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req models.Challenge
	if !decodeJSON(w, r, &req) {
		return
	}

	existing, err := s.repo.GetChallenge(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, "failed to update challenge", "id", id)
		return
	}
	if existing == nil {
		respondError(w, http.StatusNotFound, "not_found", "challenge not found")
		return
	}

	// A challenge never moves between exercises; steps have their own
	// endpoints but take part in validation (publishing needs test cases).
	req.ID = id
	req.ExerciseID = existing.ExerciseID
	req.Steps = existing.Steps
	req.CreatedAt = existing.CreatedAt

	ch, err := s.validateChallenge(r.Context(), &req)
	if err != nil {
		respondServiceError(w, err, "failed to validate challenge")
		return
	}

	if err := s.repo.UpdateChallenge(r.Context(), ch); err != nil {
		respondServiceError(w, err, "failed to update challenge", "id", id)
		return
	}
	s.invalidate(r.Context(), ch.ExerciseID, id)

	respondJSON(w, http.StatusOK, ch)
}

func (s *Server) handleDeleteChallenge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	existing, err := s.repo.GetChallenge(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, "failed to delete challenge", "id", id)
		return
	}
	if existing == nil {
		respondError(w, http.StatusNotFound, "not_found", "challenge not found")
		return
	}

	if err := s.repo.DeleteChallenge(r.Context(), id); err != nil {
		respondServiceError(w, err, "failed to delete challenge", "id", id)
		return
	}
	s.invalidate(r.Context(), existing.ExerciseID, id)

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "challenge deleted",
	})
}

type setEnvironmentRequest struct {
	ExecutionEnvironment environments.ExecutionEnvironment `json:"execution_environment"`
}

func (s *Server) handleSetEnvironment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req setEnvironmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ch, err := s.repo.GetChallenge(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, "failed to set environment", "id", id)
		return
	}
	if ch == nil {
		respondError(w, http.StatusNotFound, "not_found", "challenge not found")
		return
	}

	content.SetEnvironment(ch, req.ExecutionEnvironment)
	normalized, err := s.validateChallenge(r.Context(), ch)
	if err != nil {
		respondServiceError(w, err, "failed to validate challenge")
		return
	}

	if err := s.repo.UpdateChallenge(r.Context(), normalized); err != nil {
		respondServiceError(w, err, "failed to set environment", "id", id)
		return
	}
	s.invalidate(r.Context(), normalized.ExerciseID, id)

	slog.Info("challenge environment changed", "id", id, "environment", normalized.ExecutionEnvironment)
	respondJSON(w, http.StatusOK, normalized)
}

// Step handlers

func (s *Server) handleCreateStep(w http.ResponseWriter, r *http.Request) {
	challengeID := chi.URLParam(r, "id")

	var req models.ChallengeStep
	if !decodeJSON(w, r, &req) {
		return
	}

	ch, err := s.repo.GetChallenge(r.Context(), challengeID)
	if err != nil {
		respondServiceError(w, err, "failed to create step", "challenge_id", challengeID)
		return
	}
	if ch == nil {
		respondError(w, http.StatusNotFound, "not_found", "challenge not found")
		return
	}

	req.ID = ""
	req.ChallengeID = challengeID
	assignStepIDs(&req)

	step, err := content.ValidateStep(&req, ch.ExecutionEnvironment, ch.Status == models.ChallengePublished)
	if err != nil {
		respondServiceError(w, err, "failed to validate step")
		return
	}

	if err := s.createStepTree(r.Context(), step); err != nil {
		if derr := s.repo.DeleteStep(r.Context(), step.ID); derr != nil {
			slog.Error("failed to roll back step", "id", step.ID, "error", derr)
		}
		respondServiceError(w, err, "failed to create step", "challenge_id", challengeID)
		return
	}
	s.invalidate(r.Context(), ch.ExerciseID, challengeID)

	respondJSON(w, http.StatusCreated, step)
}

func (s *Server) handleGetStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	step, err := s.repo.GetStep(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, "failed to get step", "id", id)
		return
	}
	if step == nil {
		respondError(w, http.StatusNotFound, "not_found", "step not found")
		return
	}

	respondJSON(w, http.StatusOK, step)
}

func (s *Server) handleUpdateStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req models.ChallengeStep
	if !decodeJSON(w, r, &req) {
		return
	}

	existing, ch, ok := s.stepWithChallenge(w, r, id)
	if !ok {
		return
	}

	req.ID = id
	req.ChallengeID = existing.ChallengeID
	req.TestCases = existing.TestCases
	req.CreatedAt = existing.CreatedAt

	step, err := content.ValidateStep(&req, ch.ExecutionEnvironment, ch.Status == models.ChallengePublished)
	if err != nil {
		respondServiceError(w, err, "failed to validate step")
		return
	}

	if err := s.repo.UpdateStep(r.Context(), step); err != nil {
		respondServiceError(w, err, "failed to update step", "id", id)
		return
	}
	s.invalidate(r.Context(), ch.ExerciseID, ch.ID)

	respondJSON(w, http.StatusOK, step)
}

func (s *Server) handleDeleteStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	_, ch, ok := s.stepWithChallenge(w, r, id)
	if !ok {
		return
	}

	if err := s.repo.DeleteStep(r.Context(), id); err != nil {
		respondServiceError(w, err, "failed to delete step", "id", id)
		return
	}
	s.invalidate(r.Context(), ch.ExerciseID, ch.ID)

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "step deleted",
	})
}

// stepWithChallenge loads a step and its challenge, answering 404 itself.
func (s *Server) stepWithChallenge(w http.ResponseWriter, r *http.Request, id string) (*models.ChallengeStep, *models.Challenge, bool) {
	step, err := s.repo.GetStep(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, "failed to get step", "id", id)
		return nil, nil, false
	}
	if step == nil {
		respondError(w, http.StatusNotFound, "not_found", "step not found")
		return nil, nil, false
	}

	ch, err := s.repo.GetChallenge(r.Context(), step.ChallengeID)
	if err != nil {
		respondServiceError(w, err, "failed to get challenge", "id", step.ChallengeID)
		return nil, nil, false
	}
	if ch == nil {
		respondError(w, http.StatusNotFound, "not_found", "challenge not found")
		return nil, nil, false
	}
	return step, ch, true
}

// Test case handlers

func (s *Server) handleCreateTestCase(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "id")

	var req models.TestCase
	if !decodeJSON(w, r, &req) {
		return
	}

	_, ch, ok := s.stepWithChallenge(w, r, stepID)
	if !ok {
		return
	}

	req.ID = uuid.New().String()
	req.StepID = stepID

	tc, err := content.ValidateTestCase(&req)
	if err != nil {
		respondServiceError(w, err, "failed to validate test case")
		return
	}

	if err := s.repo.CreateTestCase(r.Context(), tc); err != nil {
		respondServiceError(w, err, "failed to create test case", "step_id", stepID)
		return
	}
	s.invalidate(r.Context(), "", ch.ID)

	respondJSON(w, http.StatusCreated, tc)
}

// handleDeleteTestCase leaves cached challenges to expire on their own: a
// test case id does not lead back to its challenge.
func (s *Server) handleDeleteTestCase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.repo.DeleteTestCase(r.Context(), id); err != nil {
		respondServiceError(w, err, "failed to delete test case", "id", id)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "test case deleted",
	})
}

// invalidate drops cached copies after a write. Failures only delay
// freshness until the cache TTL, so they are logged.
func (s *Server) invalidate(ctx context.Context, exerciseID string, challengeIDs ...string) {
	if exerciseID != "" {
		if err := s.invalidator.InvalidateExercise(ctx, exerciseID); err != nil {
			slog.Warn("failed to invalidate cached exercise", "id", exerciseID, "error", err)
		}
	}
	for _, id := range challengeIDs {
		if err := s.invalidator.InvalidateChallenge(ctx, id); err != nil {
			slog.Warn("failed to invalidate cached challenge", "id", id, "error", err)
		}
	}
}

// fieldErrors returns the field violations carried by err as a writable map.
func fieldErrors(err error) content.ValidationErrors {
	errs := content.ValidationErrors{}
	var violations content.ValidationErrors
	if errors.As(err, &violations) {
		maps.Copy(errs, violations)
	}
	return errs
}

func challengeIDs(challenges []*models.Challenge) []string {
	ids := make([]string, 0, len(challenges))
	for _, ch := range challenges {
		ids = append(ids, ch.ID)
	}
	return ids
}

// assignIDs fills missing ids down an exercise tree and links children to
// their parents.
func assignIDs(ex *models.Exercise) {
	if ex.ID == "" {
		ex.ID = uuid.New().String()
	}
	for _, ch := range ex.Challenges {
		ch.ExerciseID = ex.ID
		assignChallengeIDs(ch)
	}
}

func assignChallengeIDs(ch *models.Challenge) {
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}
	for _, step := range ch.Steps {
		step.ChallengeID = ch.ID
		assignStepIDs(step)
	}
}

func assignStepIDs(step *models.ChallengeStep) {
	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	for _, tc := range step.TestCases {
		if tc.ID == "" {
			tc.ID = uuid.New().String()
		}
		tc.StepID = step.ID
	}
}
