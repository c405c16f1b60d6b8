package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/terra-clan/assessment-engine/internal/models"
)

// --- Admin handlers (API key auth) ---

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := s.sessions.CreateSession(r.Context(), req, actor(r.Context()))
	if err != nil {
		respondServiceError(w, err, "failed to create session")
		return
	}

	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit, offset := pageParams(r, 50)

	sessions, err := s.sessions.List(r.Context(), status, limit, offset)
	if err != nil {
		respondServiceError(w, err, "failed to list sessions")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	session, err := s.sessions.GetByID(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, "failed to get session", "id", id)
		return
	}

	respondJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.sessions.Delete(r.Context(), id); err != nil {
		respondServiceError(w, err, "failed to delete session", "id", id)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "session deleted",
	})
}

func (s *Server) handleFinalizeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	session, err := s.sessions.FinalizeSession(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, "failed to finalize session", "id", id)
		return
	}

	slog.Info("session finalized by admin", "id", id, "by", actor(r.Context()))
	respondJSON(w, http.StatusOK, session)
}

// handleRecordProgress ingests a grading result from the grading backend.
func (s *Server) handleRecordProgress(w http.ResponseWriter, r *http.Request) {
	var rec models.StepProgressRecord
	if !decodeJSON(w, r, &rec) {
		return
	}

	if err := s.sessions.RecordProgress(r.Context(), &rec); err != nil {
		respondServiceError(w, err, "failed to record progress", "session_id", rec.SessionID, "step_id", rec.StepID)
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

// --- Candidate handlers (token = auth) ---

func (s *Server) handleCandidateExercises(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	result, err := s.sessions.CandidateExercises(r.Context(), token)
	if err != nil {
		respondServiceError(w, err, "failed to load session")
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	session, err := s.sessions.StartSession(r.Context(), token)
	if err != nil {
		respondServiceError(w, err, "failed to start session")
		return
	}

	respondJSON(w, http.StatusOK, session)
}

func (s *Server) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	session, err := s.sessions.CompleteSession(r.Context(), token)
	if err != nil {
		respondServiceError(w, err, "failed to complete session")
		return
	}

	respondJSON(w, http.StatusOK, session)
}

func (s *Server) handleCandidateProgress(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	progress, err := s.sessions.Progress(r.Context(), token)
	if err != nil {
		respondServiceError(w, err, "failed to load progress")
		return
	}

	respondJSON(w, http.StatusOK, progress)
}

// handleLoadProgress answers 404 for steps the candidate has not attempted.
func (s *Server) handleLoadProgress(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	challengeID := chi.URLParam(r, "challengeId")
	stepID := chi.URLParam(r, "stepId")

	rec, err := s.sessions.LoadProgress(r.Context(), token, challengeID, stepID)
	if err != nil {
		respondServiceError(w, err, "failed to load step progress")
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "not_found", "no progress for this step")
		return
	}

	respondJSON(w, http.StatusOK, rec)
}
