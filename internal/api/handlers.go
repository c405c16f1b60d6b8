package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/terra-clan/assessment-engine/internal/content"
	"github.com/terra-clan/assessment-engine/internal/session"
	"github.com/terra-clan/assessment-engine/internal/storage"
)

const maxBodyBytes = 1 << 20

// Response helpers

type apiResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Reason explains a refused session start
	Reason string                        `json:"reason,omitempty"`
	Fields map[string]content.FieldError `json:"fields,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondAPIError(w, status, &apiError{Code: code, Message: message})
}

func respondAPIError(w http.ResponseWriter, status int, apiErr *apiError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(apiResponse{Error: apiErr}); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// respondServiceError maps domain errors onto HTTP statuses. Anything it
// does not recognise is logged and reported as a 500 with the given message.
func respondServiceError(w http.ResponseWriter, err error, message string, attrs ...any) {
	var (
		validation  content.ValidationErrors
		cannotStart *session.CannotStartError
	)

	switch {
	case errors.As(err, &validation):
		respondAPIError(w, http.StatusUnprocessableEntity, &apiError{
			Code:    "validation_error",
			Message: validation.Error(),
			Fields:  validation,
		})
	case errors.As(err, &cannotStart):
		respondAPIError(w, http.StatusConflict, &apiError{
			Code:    "cannot_start",
			Message: "session cannot be started",
			Reason:  cannotStart.Reason,
		})
	case errors.Is(err, session.ErrSessionExpired):
		respondError(w, http.StatusGone, "session_expired", "session has expired")
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, session.ErrSessionNotStarted):
		respondError(w, http.StatusConflict, "session_not_started", "session has not been started")
	case errors.Is(err, session.ErrSessionTerminal):
		respondError(w, http.StatusConflict, "session_finished", "session is already finished")
	case errors.Is(err, session.ErrNotComplete):
		respondError(w, http.StatusConflict, "not_complete", "every exercise must be completed first")
	default:
		slog.Error(message, append([]any{"error", err}, attrs...)...)
		respondError(w, http.StatusInternalServerError, "internal_error", message)
	}
}

// decodeJSON reads a JSON body into dst, answering 400 itself on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// pageParams reads limit/offset, falling back to defaultLimit.
func pageParams(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, 200)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		slog.Warn("readiness check failed", "error", err)
		respondError(w, http.StatusServiceUnavailable, "not_ready", "service not ready")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
