// Package client is a Go SDK for the assessment-engine HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/terra-clan/assessment-engine/internal/models"
)

// Client is a Go SDK for the assessment-engine API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the client timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithAPIKey authenticates admin calls. Candidate calls authenticate with
// the session token and ignore it.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// NewClient creates a new assessment-engine client
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// FieldError describes a rejected field
type FieldError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// APIError is returned for every non-2xx response
type APIError struct {
	StatusCode int
	Code       string                `json:"code"`
	Message    string                `json:"message"`
	Reason     string                `json:"reason,omitempty"`
	Fields     map[string]FieldError `json:"fields,omitempty"`
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("API error %d: %s - %s (%s)", e.StatusCode, e.Code, e.Message, e.Reason)
	}
	return fmt.Sprintf("API error %d: %s - %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the API
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// ExerciseListOptions filters GetExercises
type ExerciseListOptions struct {
	Category   string
	Difficulty string
	Language   string
	Limit      int
	Offset     int
}

// Advisory is a non-blocking authoring hint
type Advisory struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult is returned by ValidateChallenge for valid content
type ValidationResult struct {
	Valid      bool              `json:"valid"`
	Challenge  *models.Challenge `json:"challenge"`
	Advisories []Advisory        `json:"advisories"`
}

// GetExercises lists exercises
func (c *Client) GetExercises(ctx context.Context, opts ExerciseListOptions) (*models.ExerciseList, error) {
	q := url.Values{}
	if opts.Category != "" {
		q.Set("category", opts.Category)
	}
	if opts.Difficulty != "" {
		q.Set("difficulty", opts.Difficulty)
	}
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	path := "/api/v1/exercises"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var list models.ExerciseList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetExercise retrieves an exercise with its challenges
func (c *Client) GetExercise(ctx context.Context, id string) (*models.Exercise, error) {
	var ex models.Exercise
	if err := c.do(ctx, http.MethodGet, "/api/v1/exercises/"+url.PathEscape(id), nil, &ex); err != nil {
		return nil, err
	}
	return &ex, nil
}

// GetChallenge retrieves a challenge with its steps
func (c *Client) GetChallenge(ctx context.Context, id string) (*models.Challenge, error) {
	var ch models.Challenge
	if err := c.do(ctx, http.MethodGet, "/api/v1/challenges/"+url.PathEscape(id), nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// GetStep retrieves a step with its test cases
func (c *Client) GetStep(ctx context.Context, id string) (*models.ChallengeStep, error) {
	var step models.ChallengeStep
	if err := c.do(ctx, http.MethodGet, "/api/v1/steps/"+url.PathEscape(id), nil, &step); err != nil {
		return nil, err
	}
	return &step, nil
}

// ValidateChallenge validates a challenge without saving it. Rejected
// content comes back as an *APIError with Fields set.
func (c *Client) ValidateChallenge(ctx context.Context, ch *models.Challenge) (*ValidationResult, error) {
	var result ValidationResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/challenges/validate", ch, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetCandidateExercises returns the candidate landing view for token
func (c *Client) GetCandidateExercises(ctx context.Context, token string) (*models.CandidateExercises, error) {
	var view models.CandidateExercises
	if err := c.do(ctx, http.MethodGet, candidatePath(token, "/"), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// LoadProgress returns the candidate's saved work on a step, or nil when the
// step was not attempted.
func (c *Client) LoadProgress(ctx context.Context, token, challengeID, stepID string) (*models.StepProgressRecord, error) {
	path := candidatePath(token, fmt.Sprintf("/challenges/%s/steps/%s/progress",
		url.PathEscape(challengeID), url.PathEscape(stepID)))

	var rec models.StepProgressRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &rec); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// StartCandidateSession starts the countdown of the session behind token
func (c *Client) StartCandidateSession(ctx context.Context, token string) (*models.CandidateSession, error) {
	var s models.CandidateSession
	if err := c.do(ctx, http.MethodPost, candidatePath(token, "/start"), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CompleteSession completes the session behind token
func (c *Client) CompleteSession(ctx context.Context, token string) (*models.CandidateSession, error) {
	var s models.CandidateSession
	if err := c.do(ctx, http.MethodPost, candidatePath(token, "/complete"), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetProgress returns per-exercise progress and global stats
func (c *Client) GetProgress(ctx context.Context, token string) (*models.SessionProgress, error) {
	var p models.SessionProgress
	if err := c.do(ctx, http.MethodGet, candidatePath(token, "/progress"), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Health checks if the service is healthy
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func candidatePath(token, rest string) string {
	return "/candidate/" + url.PathEscape(token) + rest
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

// do performs a request and decodes the data of the response envelope into
// out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		if resp.StatusCode >= 400 {
			return &APIError{StatusCode: resp.StatusCode, Code: "http_error", Message: string(respBody)}
		}
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if resp.StatusCode >= 400 || !env.Success {
		apiErr := env.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "http_error", Message: http.StatusText(resp.StatusCode)}
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
