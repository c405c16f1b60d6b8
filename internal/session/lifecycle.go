// Package session implements the candidate session lifecycle: the start,
// countdown and completion state machine, the manager that applies it
// against storage and the background worker that drives the countdown.
package session

import (
	"errors"
	"time"

	"github.com/terra-clan/assessment-engine/internal/models"
)

// Common errors
var (
	ErrCannotStart       = errors.New("session cannot be started")
	ErrSessionExpired    = errors.New("session has expired")
	ErrSessionTerminal   = errors.New("session is already finished")
	ErrSessionNotStarted = errors.New("session has not been started")
	ErrSessionNotFound   = errors.New("session not found")
	ErrNotComplete       = errors.New("not every exercise is completed")
)

// Reasons reported by CannotStartError
const (
	ReasonAlreadyStarted = "session already started"
	ReasonFinished       = "session already finished"
	ReasonNoAttempts     = "no attempts remaining"
	ReasonWindowNotOpen  = "access window has not opened yet"
	ReasonWindowElapsed  = "access window has elapsed"
	ReasonNoTimeLimit    = "session has no time limit"
	ReasonNoExercises    = "session has no exercises"
)

// CannotStartError tells the candidate why a start was rejected.
type CannotStartError struct {
	Reason string
}

func (e *CannotStartError) Error() string {
	return "cannot start session: " + e.Reason
}

// Is matches ErrCannotStart.
func (e *CannotStartError) Is(target error) bool {
	return target == ErrCannotStart
}

// TickResult is the outcome of one countdown evaluation. Expired is true
// only for the tick that moved the session into the expired state.
type TickResult struct {
	Status           models.SessionStatus `json:"status"`
	RemainingMinutes int                  `json:"remaining_minutes"`
	Expired          bool                 `json:"expired"`
}

// CheckStart reports why s cannot be started at now, or nil.
func CheckStart(s *models.CandidateSession, now time.Time) error {
	switch {
	case s.Status == models.SessionInProgress:
		return &CannotStartError{Reason: ReasonAlreadyStarted}
	case s.IsTerminal():
		return &CannotStartError{Reason: ReasonFinished}
	case s.MaxAttempts > 0 && s.AttemptsUsed >= s.MaxAttempts:
		return &CannotStartError{Reason: ReasonNoAttempts}
	case s.AccessStartsAt != nil && now.Before(*s.AccessStartsAt):
		return &CannotStartError{Reason: ReasonWindowNotOpen}
	case s.AccessEndsAt != nil && !now.Before(*s.AccessEndsAt):
		return &CannotStartError{Reason: ReasonWindowElapsed}
	case s.TimeLimitMinutes <= 0:
		return &CannotStartError{Reason: ReasonNoTimeLimit}
	case len(s.ExerciseIDs) == 0:
		return &CannotStartError{Reason: ReasonNoExercises}
	}
	return nil
}

// Start moves s from not_started to in_progress. On rejection s is left
// untouched and the error wraps ErrCannotStart.
func Start(s *models.CandidateSession, now time.Time) error {
	if err := CheckStart(s, now); err != nil {
		return err
	}

	started := now
	s.Status = models.SessionInProgress
	s.StartedAt = &started
	s.CompletedAt = nil
	s.AttemptsUsed++
	return nil
}

// Tick evaluates the countdown of s at now and applies the expiry
// transition when the remaining time reached zero.
func Tick(s *models.CandidateSession, now time.Time) TickResult {
	var elapsed time.Duration
	if s.StartedAt != nil {
		elapsed = now.Sub(*s.StartedAt)
	}
	return tick(s, elapsed, now)
}

// TickElapsed is Tick expressed in time elapsed since the session started.
func TickElapsed(s *models.CandidateSession, elapsed time.Duration) TickResult {
	at := time.Now()
	if s.StartedAt != nil {
		at = s.StartedAt.Add(elapsed)
	}
	return tick(s, elapsed, at)
}

func tick(s *models.CandidateSession, elapsed time.Duration, at time.Time) TickResult {
	switch s.Status {
	case models.SessionNotStarted:
		return TickResult{Status: s.Status, RemainingMinutes: max(s.TimeLimitMinutes, 0)}
	case models.SessionInProgress:
	default:
		return TickResult{Status: s.Status}
	}

	remaining := remainingMinutes(s.TimeLimitMinutes, elapsed)
	if remaining > 0 {
		return TickResult{Status: s.Status, RemainingMinutes: remaining}
	}

	ended := at
	s.Status = models.SessionExpired
	s.CompletedAt = &ended
	return TickResult{Status: s.Status, Expired: true}
}

// RemainingMinutes returns the whole minutes left for s at now without
// changing it.
func RemainingMinutes(s *models.CandidateSession, now time.Time) int {
	switch s.Status {
	case models.SessionNotStarted:
		return max(s.TimeLimitMinutes, 0)
	case models.SessionInProgress:
		var elapsed time.Duration
		if s.StartedAt != nil {
			elapsed = now.Sub(*s.StartedAt)
		}
		return remainingMinutes(s.TimeLimitMinutes, elapsed)
	}
	return 0
}

func remainingMinutes(limit int, elapsed time.Duration) int {
	if elapsed < 0 {
		elapsed = 0
	}
	return max(0, limit-int(elapsed/time.Minute))
}

// Complete moves s from in_progress to completed and freezes score. If the
// countdown already reached zero the session is expired instead and
// ErrSessionExpired is returned.
func Complete(s *models.CandidateSession, now time.Time, score float64) error {
	switch s.Status {
	case models.SessionNotStarted:
		return ErrSessionNotStarted
	case models.SessionExpired:
		return ErrSessionExpired
	case models.SessionInProgress:
	default:
		return ErrSessionTerminal
	}

	if Tick(s, now).Expired {
		return ErrSessionExpired
	}

	ended := now
	frozen := score
	s.Status = models.SessionCompleted
	s.CompletedAt = &ended
	s.TotalScore = &frozen
	return nil
}
