package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/assessment-engine/internal/config"
	"github.com/terra-clan/assessment-engine/internal/events"
	"github.com/terra-clan/assessment-engine/internal/models"
	"github.com/terra-clan/assessment-engine/internal/progress"
	"github.com/terra-clan/assessment-engine/internal/session"
	"github.com/terra-clan/assessment-engine/internal/storage"
)

const (
	adminKey  = "sk_test_admin_0123456789"
	readerKey = "sk_test_reader_0123456789"
)

const exerciseFixture = `{
	"id": "ex-api",
	"title": "API basics",
	"category": "developer",
	"challenges": [{
		"id": "ch-api",
		"title": "Sum two numbers",
		"description": "Read two integers and print their sum.",
		"status": "published",
		"order_index": 1,
		"estimated_time_minutes": 10,
		"execution_environment": "code_executor",
		"steps": [{
			"id": "st-api",
			"title": "Add them",
			"instructions": "Print the sum of both inputs.",
			"starter_code": "def solve(a, b):\n    pass",
			"solution_code": "def solve(a, b):\n    return a + b",
			"order_index": 1,
			"is_final_step": true,
			"testcases": [
				{"input_data": "1 2", "expected_output": "3", "is_example": true},
				{"input_data": "5 5", "expected_output": "10", "is_hidden": true}
			]
		}]
	}]
}`

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

type testEnv struct {
	server *httptest.Server
	repo   *storage.MemoryRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	repo := storage.NewMemoryRepository()
	require.NoError(t, repo.CreateApiClient(ctx, &models.ApiClient{
		Name:        "admin",
		ApiKey:      adminKey,
		IsActive:    true,
		Permissions: []string{"*"},
	}))
	require.NoError(t, repo.CreateApiClient(ctx, &models.ApiClient{
		Name:        "reader",
		ApiKey:      readerKey,
		IsActive:    true,
		Permissions: []string{"exercises:read", "sessions:read"},
	}))

	bus := events.NewMemoryBus()
	collector := progress.NewCollector(repo, repo)
	manager := session.NewManager(repo, repo, collector,
		session.WithPublisher(bus),
		session.WithBaseURL("https://assess.test"),
	)

	srv := NewServer(config.ServerConfig{}, repo, manager, bus, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, repo: repo}
}

func (e *testEnv) do(t *testing.T, method, path, key, body string) (int, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func (e *testEnv) seedExercise(t *testing.T) {
	t.Helper()
	status, env := e.do(t, http.MethodPost, "/api/v1/exercises", adminKey, exerciseFixture)
	require.Equal(t, http.StatusCreated, status, "body: %+v", env.Error)
}

func (e *testEnv) createSession(t *testing.T) models.CreateSessionResponse {
	t.Helper()
	status, env := e.do(t, http.MethodPost, "/api/v1/sessions", adminKey,
		`{"candidate_name": "Ada", "exercise_ids": ["ex-api"], "time_limit_minutes": 30}`)
	require.Equal(t, http.StatusCreated, status, "body: %+v", env.Error)
	return decodeData[models.CreateSessionResponse](t, env)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	status, env := e.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)

	status, _ = e.do(t, http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestAuth(t *testing.T) {
	e := newTestEnv(t)

	status, env := e.do(t, http.MethodGet, "/api/v1/exercises", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "missing_api_key", env.Error.Code)

	status, env = e.do(t, http.MethodGet, "/api/v1/exercises", "sk_unknown_key", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_api_key", env.Error.Code)

	status, env = e.do(t, http.MethodPost, "/api/v1/exercises", readerKey, exerciseFixture)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "permission_denied", env.Error.Code)

	status, _ = e.do(t, http.MethodGet, "/api/v1/exercises", readerKey, "")
	assert.Equal(t, http.StatusOK, status)
}

func TestExerciseCRUD(t *testing.T) {
	e := newTestEnv(t)
	e.seedExercise(t)

	status, env := e.do(t, http.MethodPost, "/api/v1/exercises", adminKey, exerciseFixture)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_exists", env.Error.Code)

	status, env = e.do(t, http.MethodGet, "/api/v1/exercises/ex-api", readerKey, "")
	require.Equal(t, http.StatusOK, status)
	ex := decodeData[models.Exercise](t, env)
	require.Len(t, ex.Challenges, 1)
	assert.Equal(t, 1, ex.Challenges[0].StepCount)

	status, env = e.do(t, http.MethodGet, "/api/v1/exercises?category=developer&limit=5", readerKey, "")
	require.Equal(t, http.StatusOK, status)
	list := decodeData[models.ExerciseList](t, env)
	assert.Equal(t, 1, list.Pagination.Total)
	assert.Equal(t, 5, list.Pagination.Limit)

	// Switching to a category that cannot host the code executor is refused.
	status, env = e.do(t, http.MethodPut, "/api/v1/exercises/ex-api", adminKey,
		`{"title": "API basics", "category": "business_analyst"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "incompatible_environment", string(env.Error.Fields["challenges[0].execution_environment"].Kind))

	status, env = e.do(t, http.MethodPut, "/api/v1/exercises/ex-api", adminKey,
		`{"title": "  API fundamentals ", "category": "developer", "difficulty": "easy"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "API fundamentals", decodeData[models.Exercise](t, env).Title)

	status, _ = e.do(t, http.MethodDelete, "/api/v1/exercises/ex-api", adminKey, "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = e.do(t, http.MethodGet, "/api/v1/challenges/ch-api", adminKey, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCreateExercise_ValidationErrors(t *testing.T) {
	e := newTestEnv(t)

	status, env := e.do(t, http.MethodPost, "/api/v1/exercises", adminKey, `{
		"title": "",
		"category": "developer",
		"challenges": [{"title": "ab", "description": "short", "order_index": 1,
			"estimated_time_minutes": 5, "execution_environment": "code_executor"}]
	}`)

	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "validation_error", env.Error.Code)
	assert.Contains(t, env.Error.Fields, "title")
	assert.Contains(t, env.Error.Fields, "challenges[0].title")
	assert.Contains(t, env.Error.Fields, "challenges[0].description")

	status, _ = e.do(t, http.MethodPost, "/api/v1/exercises", adminKey, `{not json`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestValidateChallenge(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.repo.CreateExercise(context.Background(), &models.Exercise{
		ID: "ex-ba", Title: "Requirements", Category: "business_analyst",
	}))

	status, env := e.do(t, http.MethodPost, "/api/v1/challenges/validate", adminKey, `{
		"exercise_id": "ex-ba",
		"title": "Refund flow",
		"description": "Model the refund approval flow.",
		"order_index": 1,
		"estimated_time_minutes": 15,
		"execution_environment": "code_executor"
	}`)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "incompatible_environment", string(env.Error.Fields["execution_environment"].Kind))

	status, env = e.do(t, http.MethodPost, "/api/v1/challenges/validate", adminKey, `{
		"exercise_id": "ex-ba",
		"title": "Refund flow",
		"description": "Model the refund approval flow.",
		"order_index": 1,
		"estimated_time_minutes": 15,
		"execution_environment": "diagram_editor",
		"steps": [{"title": "Draw it", "instructions": "Draw the happy path first.", "order_index": 1,
			"testcases": [{"input_data": "x", "expected_output": "y"}]}]
	}`)
	require.Equal(t, http.StatusOK, status)
	result := decodeData[struct {
		Valid      bool              `json:"valid"`
		Challenge  *models.Challenge `json:"challenge"`
		Advisories []map[string]any  `json:"advisories"`
	}](t, env)
	assert.True(t, result.Valid)
	assert.Equal(t, models.ChallengeDraft, result.Challenge.Status)
	assert.Len(t, result.Advisories, 1)

	status, env = e.do(t, http.MethodPost, "/api/v1/challenges/validate", adminKey, `{
		"exercise_id": "missing",
		"title": "Refund flow",
		"description": "Model the refund approval flow.",
		"order_index": 1,
		"estimated_time_minutes": 15,
		"execution_environment": "diagram_editor"
	}`)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, env.Error.Fields, "exercise_id")
}

func TestChallengeAndStepEndpoints(t *testing.T) {
	e := newTestEnv(t)
	e.seedExercise(t)

	status, env := e.do(t, http.MethodPut, "/api/v1/challenges/ch-api/environment", adminKey,
		`{"execution_environment": "sql_database"}`)
	require.Equal(t, http.StatusOK, status, "body: %+v", env.Error)
	ch := decodeData[models.Challenge](t, env)
	assert.Equal(t, "sql_database", string(ch.ExecutionEnvironment))
	require.NotNil(t, ch.EnvironmentConfig)
	assert.Equal(t, "sql_database", string(ch.EnvironmentConfig.Environment()))

	status, env = e.do(t, http.MethodPost, "/api/v1/challenges/ch-api/steps", adminKey, `{
		"title": "Filter results",
		"instructions": "Only keep rows with a positive total.",
		"starter_code": "SELECT 1;",
		"order_index": 2,
		"testcases": [{"input_data": "fixtures/a.sql", "expected_output": "1 row", "is_example": true}]
	}`)
	require.Equal(t, http.StatusCreated, status, "body: %+v", env.Error)
	step := decodeData[models.ChallengeStep](t, env)
	assert.NotEmpty(t, step.ID)
	assert.Equal(t, "ch-api", step.ChallengeID)

	// Published challenges need gradable test cases on every step.
	status, env = e.do(t, http.MethodPost, "/api/v1/challenges/ch-api/steps", adminKey, `{
		"title": "No tests",
		"instructions": "A step without any test case.",
		"starter_code": "SELECT 1;",
		"order_index": 3
	}`)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, env.Error.Fields, "testcases")

	status, env = e.do(t, http.MethodPost, "/api/v1/steps/"+step.ID+"/testcases", adminKey,
		`{"input_data": "fixtures/b.sql", "expected_output": "0 rows", "is_hidden": true}`)
	require.Equal(t, http.StatusCreated, status)
	tc := decodeData[models.TestCase](t, env)
	assert.Equal(t, 5, tc.TimeoutSeconds)
	assert.Equal(t, 256, tc.MemoryLimitMB)

	status, env = e.do(t, http.MethodGet, "/api/v1/steps/"+step.ID, readerKey, "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeData[models.ChallengeStep](t, env).TestCases, 2)

	status, _ = e.do(t, http.MethodDelete, "/api/v1/testcases/"+tc.ID, adminKey, "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = e.do(t, http.MethodDelete, "/api/v1/testcases/"+tc.ID, adminKey, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, env = e.do(t, http.MethodGet, "/api/v1/challenges/ch-api", readerKey, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, decodeData[models.Challenge](t, env).StepCount)

	status, _ = e.do(t, http.MethodDelete, "/api/v1/steps/"+step.ID, adminKey, "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = e.do(t, http.MethodGet, "/api/v1/steps/"+step.ID, readerKey, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestListEnvironments(t *testing.T) {
	e := newTestEnv(t)

	status, env := e.do(t, http.MethodGet, "/api/v1/environments?category=business_analyst", readerKey, "")
	require.Equal(t, http.StatusOK, status)
	result := decodeData[struct {
		Environments []struct {
			Environment string `json:"environment"`
		} `json:"environments"`
		Total int `json:"total"`
	}](t, env)
	assert.Equal(t, len(result.Environments), result.Total)
	for _, d := range result.Environments {
		assert.NotEqual(t, "code_executor", d.Environment)
	}

	status, _ = e.do(t, http.MethodGet, "/api/v1/environments?category=astronaut", readerKey, "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCandidateFlow(t *testing.T) {
	e := newTestEnv(t)
	e.seedExercise(t)
	created := e.createSession(t)
	assert.Equal(t, "https://assess.test/candidate/"+created.Token, created.JoinURL)

	base := "/candidate/" + created.Token

	status, env := e.do(t, http.MethodGet, base+"/", "", "")
	require.Equal(t, http.StatusOK, status)
	view := decodeData[models.CandidateExercises](t, env)
	assert.True(t, view.AccessInfo.CanStart)
	assert.Equal(t, 30, view.RemainingMinutes)
	require.Len(t, view.Exercises, 1)

	status, env = e.do(t, http.MethodPost, base+"/complete", "", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "session_not_started", env.Error.Code)

	status, env = e.do(t, http.MethodPost, base+"/start", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.SessionInProgress, decodeData[models.CandidateSession](t, env).Status)

	status, env = e.do(t, http.MethodPost, base+"/start", "", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "cannot_start", env.Error.Code)
	assert.NotEmpty(t, env.Error.Reason)

	status, env = e.do(t, http.MethodPost, base+"/complete", "", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "not_complete", env.Error.Code)

	status, _ = e.do(t, http.MethodGet, base+"/challenges/ch-api/steps/st-api/progress", "", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, env = e.do(t, http.MethodPut, "/api/v1/progress", adminKey, `{
		"session_id": "`+created.ID+`",
		"challenge_id": "ch-api",
		"step_id": "st-api",
		"is_completed": true,
		"tests_passed": 1,
		"tests_total": 2,
		"code": "def solve(a, b):\n    return a + b"
	}`)
	require.Equal(t, http.StatusOK, status, "body: %+v", env.Error)

	status, env = e.do(t, http.MethodGet, base+"/challenges/ch-api/steps/st-api/progress", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decodeData[models.StepProgressRecord](t, env).IsCompleted)

	status, env = e.do(t, http.MethodGet, base+"/progress", "", "")
	require.Equal(t, http.StatusOK, status)
	prog := decodeData[models.SessionProgress](t, env)
	assert.True(t, prog.Stats.CanComplete)
	assert.Equal(t, 100, prog.Stats.GlobalCompletion)

	status, env = e.do(t, http.MethodPost, base+"/complete", "", "")
	require.Equal(t, http.StatusOK, status, "body: %+v", env.Error)
	done := decodeData[models.CandidateSession](t, env)
	assert.Equal(t, models.SessionCompleted, done.Status)
	require.NotNil(t, done.TotalScore)
	assert.Equal(t, 50.0, *done.TotalScore)

	status, env = e.do(t, http.MethodPut, "/api/v1/progress", adminKey, `{
		"session_id": "`+created.ID+`", "challenge_id": "ch-api", "step_id": "st-api",
		"tests_passed": 2, "tests_total": 2
	}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "session_finished", env.Error.Code)
}

func TestCandidateView_HidesSolutions(t *testing.T) {
	e := newTestEnv(t)
	e.seedExercise(t)
	created := e.createSession(t)

	resp, err := http.Get(e.server.URL + "/candidate/" + created.Token + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw bytes.Buffer
	_, err = raw.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, raw.String(), "return a + b")
	assert.NotContains(t, raw.String(), `"expected_output":"10"`)
}

func TestUnknownToken(t *testing.T) {
	e := newTestEnv(t)

	status, env := e.do(t, http.MethodGet, "/candidate/nope/", "", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", env.Error.Code)

	status, _ = e.do(t, http.MethodPost, "/candidate/nope/start", "", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAdminSessionEndpoints(t *testing.T) {
	e := newTestEnv(t)
	e.seedExercise(t)
	created := e.createSession(t)

	status, env := e.do(t, http.MethodGet, "/api/v1/sessions?status=not_started", readerKey, "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, decodeData[map[string]any](t, env)["total"])

	status, env = e.do(t, http.MethodGet, "/api/v1/sessions/"+created.ID, readerKey, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "admin", decodeData[models.CandidateSession](t, env).CreatedBy)

	status, env = e.do(t, http.MethodPost, "/api/v1/sessions/"+created.ID+"/finalize", adminKey, "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "session_not_started", env.Error.Code)

	status, _ = e.do(t, http.MethodPost, "/candidate/"+created.Token+"/start", "", "")
	require.Equal(t, http.StatusOK, status)

	status, env = e.do(t, http.MethodPost, "/api/v1/sessions/"+created.ID+"/finalize", adminKey, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.SessionCompleted, decodeData[models.CandidateSession](t, env).Status)

	status, env = e.do(t, http.MethodPost, "/api/v1/sessions", adminKey,
		`{"candidate_name": "", "exercise_ids": ["missing"], "time_limit_minutes": 0}`)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, env.Error.Fields, "candidate_name")
	assert.Contains(t, env.Error.Fields, "exercise_ids[0]")

	status, _ = e.do(t, http.MethodDelete, "/api/v1/sessions/"+created.ID, adminKey, "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = e.do(t, http.MethodGet, "/api/v1/sessions/"+created.ID, readerKey, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCandidateEvents(t *testing.T) {
	e := newTestEnv(t)
	e.seedExercise(t)
	created := e.createSession(t)

	status, _ := e.do(t, http.MethodPost, "/candidate/"+created.Token+"/start", "", "")
	require.Equal(t, http.StatusOK, status)

	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/candidate/" + created.Token + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first models.SessionEvent
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, models.EventSessionTick, first.Type)
	assert.Equal(t, 30, first.RemainingMinutes)

	status, _ = e.do(t, http.MethodPost, "/api/v1/sessions/"+created.ID+"/finalize", adminKey, "")
	require.Equal(t, http.StatusOK, status)

	var last models.SessionEvent
	for last.Type != models.EventSessionCompleted {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, conn.ReadJSON(&last))
	}
	assert.True(t, last.RequiresRefresh)
	assert.Equal(t, models.SessionCompleted, last.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestCandidateEvents_UnknownToken(t *testing.T) {
	e := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/candidate/nope/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRedactToken(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/candidate/0123456789abcdef/start", "/candidate/01234567.../start"},
		{"/candidate/0123456789abcdef", "/candidate/01234567..."},
		{"/candidate/abc/ws", "/candidate/***/ws"},
		{"/api/v1/exercises", "/api/v1/exercises"},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, tt.path, nil)
		assert.Equal(t, tt.want, redactToken(r))
	}
}
