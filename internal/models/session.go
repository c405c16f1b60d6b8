package models

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// SessionStatus represents the current state of a candidate session
type SessionStatus string

const (
	SessionNotStarted SessionStatus = "not_started" // Created, waiting for candidate
	SessionInProgress SessionStatus = "in_progress" // Started, countdown running
	SessionCompleted  SessionStatus = "completed"   // Finished by candidate or finalized by admin
	SessionExpired    SessionStatus = "expired"     // Countdown reached zero
)

// CandidateSession is a candidate's time-boxed attempt at a set of exercises.
// Created by an admin, started when the candidate opens the link.
type CandidateSession struct {
	ID               string        `json:"id"`
	Token            string        `json:"token,omitempty"`
	CandidateName    string        `json:"candidate_name"`
	CandidateEmail   string        `json:"candidate_email,omitempty"`
	Position         string        `json:"position,omitempty"`
	ExerciseIDs      []string      `json:"exercise_ids"`
	TimeLimitMinutes int           `json:"time_limit_minutes"`
	Status           SessionStatus `json:"status"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	TotalScore       *float64      `json:"total_score,omitempty"`
	MaxAttempts      int           `json:"max_attempts"`
	AttemptsUsed     int           `json:"attempts_used"`
	AccessStartsAt   *time.Time    `json:"access_starts_at,omitempty"`
	AccessEndsAt     *time.Time    `json:"access_ends_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	CreatedBy        string        `json:"created_by,omitempty"`
}

// IsTerminal returns true if the session is in a final state
func (s *CandidateSession) IsTerminal() bool {
	return s.Status == SessionCompleted || s.Status == SessionExpired
}

// Clone returns a deep copy, used when handing sessions out of shared stores.
func (s *CandidateSession) Clone() *CandidateSession {
	out := *s
	out.ExerciseIDs = append([]string(nil), s.ExerciseIDs...)
	out.StartedAt = cloneTime(s.StartedAt)
	out.CompletedAt = cloneTime(s.CompletedAt)
	out.AccessStartsAt = cloneTime(s.AccessStartsAt)
	out.AccessEndsAt = cloneTime(s.AccessEndsAt)
	if s.TotalScore != nil {
		score := *s.TotalScore
		out.TotalScore = &score
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// GenerateSessionToken creates a cryptographically random 48-char hex token
func GenerateSessionToken() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// CreateSessionRequest represents a request to create a candidate session
type CreateSessionRequest struct {
	CandidateName    string     `json:"candidate_name"`
	CandidateEmail   string     `json:"candidate_email,omitempty"`
	Position         string     `json:"position,omitempty"`
	ExerciseIDs      []string   `json:"exercise_ids"`
	TimeLimitMinutes int        `json:"time_limit_minutes"`
	MaxAttempts      int        `json:"max_attempts,omitempty"`
	AccessStartsAt   *time.Time `json:"access_starts_at,omitempty"`
	AccessEndsAt     *time.Time `json:"access_ends_at,omitempty"`
}

// CreateSessionResponse is returned after creating a session
type CreateSessionResponse struct {
	ID        string        `json:"id"`
	Token     string        `json:"token"`
	Status    SessionStatus `json:"status"`
	JoinURL   string        `json:"join_url"`
	CreatedAt time.Time     `json:"created_at"`
}

// AccessInfo tells the candidate when and how often the session may be used
type AccessInfo struct {
	StartsAt          *time.Time `json:"starts_at,omitempty"`
	EndsAt            *time.Time `json:"ends_at,omitempty"`
	MaxAttempts       int        `json:"max_attempts"`
	AttemptsRemaining int        `json:"attempts_remaining"`
	CanStart          bool       `json:"can_start"`
	Reason            string     `json:"reason,omitempty"`
}

// CandidateExercises is the candidate landing payload
type CandidateExercises struct {
	Session          *CandidateSession `json:"session"`
	Exercises        []*Exercise       `json:"exercises"`
	AccessInfo       AccessInfo        `json:"access_info"`
	RemainingMinutes int               `json:"remaining_minutes"`
}

// SessionEventType names events published on session state changes
type SessionEventType string

const (
	EventSessionStarted   SessionEventType = "session_started"
	EventSessionTick      SessionEventType = "tick"
	EventSessionExpired   SessionEventType = "session_expired"
	EventSessionCompleted SessionEventType = "session_completed"
	EventProgressUpdated  SessionEventType = "progress_updated"
)

// SessionEvent is pushed to candidate clients. RequiresRefresh tells the
// client to reload its state from the server instead of patching it.
type SessionEvent struct {
	Type             SessionEventType `json:"type"`
	SessionID        string           `json:"session_id"`
	Status           SessionStatus    `json:"status"`
	RemainingMinutes int              `json:"remaining_minutes"`
	RequiresRefresh  bool             `json:"requires_refresh"`
	At               time.Time        `json:"at"`
}
