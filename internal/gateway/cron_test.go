package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/openclaw/internal/agent"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/cron"
)

// memCrontab holds crontab content in memory.
type memCrontab struct {
	content string
}

func (m *memCrontab) Read(_ context.Context) ([]string, error) {
	if m.content == "" {
		return nil, nil
	}
	return strings.Split(strings.TrimRight(m.content, "\n"), "\n"), nil
}

func (m *memCrontab) Write(_ context.Context, content string) error {
	m.content = content
	return nil
}

type stubRunner struct{}

func (stubRunner) RunTurn(_ context.Context, _ cron.TurnRequest) (cron.TurnResult, error) {
	return cron.TurnResult{Status: "ok", Summary: "stubbed"}, nil
}

func newTestServer(t *testing.T) (*Server, *memCrontab) {
	t.Helper()
	cfg := config.Default()
	logger := zerolog.Nop()

	e := echo.New()
	e.HideBanner = true
	e.Validator = NewCustomValidator()

	tab := &memCrontab{}
	events := agent.NewEventQueue(logger)
	sender := cron.NewWebhookSender("", logger)
	dispatcher := cron.NewDispatcher(cron.DispatchConfig{
		DefaultAgentID: "main",
		MainSessionKey: "main",
	}, events, stubRunner{}, sender, logger)

	store := cron.NewStore(tab, filepath.Join(t.TempDir(), "cron.lock"), logger)
	history := cron.NewHistoryReader(logger)
	svc := cron.NewService(store, dispatcher, history, logger)

	s := &Server{
		cfg:         cfg,
		echo:        e,
		logger:      logger,
		cronService: svc,
		events:      events,
		startTime:   time.Now(),
	}
	s.setupRoutes()
	return s, tab
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(b))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func addJob(t *testing.T, s *Server, name string) cron.Job {
	t.Helper()
	rec := doJSON(t, s, http.MethodPost, "/api/cron/jobs", cron.JobCreate{
		Name:     name,
		Schedule: cron.Schedule{Kind: cron.ScheduleKindEvery, EveryMs: 300_000},
		Payload:  cron.Payload{Kind: cron.PayloadKindSystemEvent, Text: "ping"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Job cron.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Job.ID)
	return resp.Job
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestCronAddAndList(t *testing.T) {
	s, tab := newTestServer(t)
	job := addJob(t, s, "Morning brief")
	assert.Contains(t, tab.content, "openclaw cron run "+job.ID)

	rec := doJSON(t, s, http.MethodGet, "/api/cron/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list cron.ListResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, "Morning brief", list.Jobs[0].Name)
	assert.Equal(t, 1, list.Meta.Total)
}

func TestCronAddRejectsInfeasibleSchedule(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/cron/jobs", cron.JobCreate{
		Name:     "Too fast",
		Schedule: cron.Schedule{Kind: cron.ScheduleKindEvery, EveryMs: 45_000},
		Payload:  cron.Payload{Kind: cron.PayloadKindSystemEvent, Text: "ping"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid_request", body.Code)
	assert.Contains(t, body.Message, "not a multiple of one minute")
}

func TestCronGet(t *testing.T) {
	s, _ := newTestServer(t)
	job := addJob(t, s, "Findable")

	rec := doJSON(t, s, http.MethodGet, "/api/cron/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Findable")

	rec = doJSON(t, s, http.MethodGet, "/api/cron/jobs/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCronUpdateWrappedAndBarePatch(t *testing.T) {
	s, _ := newTestServer(t)
	job := addJob(t, s, "Original")

	// Wrapped form, as the CLI sends it.
	rec := doJSON(t, s, http.MethodPost, "/api/cron/jobs/"+job.ID+"/update",
		map[string]any{"patch": map[string]any{"name": "Wrapped"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Wrapped")

	// Bare patch.
	rec = doJSON(t, s, http.MethodPost, "/api/cron/jobs/"+job.ID+"/update",
		map[string]any{"name": "Bare"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Bare")
}

func TestCronUpdateKindChangeRejected(t *testing.T) {
	s, _ := newTestServer(t)
	job := addJob(t, s, "Stable")

	rec := doJSON(t, s, http.MethodPost, "/api/cron/jobs/"+job.ID+"/update",
		map[string]any{"patch": map[string]any{"payload": map[string]any{"kind": "agentTurn"}}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "payload kind cannot change")
}

func TestCronRemove(t *testing.T) {
	s, tab := newTestServer(t)
	job := addJob(t, s, "Short lived")

	rec := doJSON(t, s, http.MethodDelete, "/api/cron/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, tab.content, job.ID)

	rec = doJSON(t, s, http.MethodDelete, "/api/cron/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCronRunForce(t *testing.T) {
	s, _ := newTestServer(t)
	job := addJob(t, s, "Runnable")

	rec := doJSON(t, s, http.MethodPost, "/api/cron/jobs/"+job.ID+"/run",
		map[string]string{"mode": "force"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result cron.RunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Ran)
	require.NotNil(t, result.Outcome)
	assert.Equal(t, "ok", result.Outcome.Status)
	assert.Equal(t, 1, s.events.Pending())
}

func TestCronRunUnknownJob(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/cron/jobs/ghost/run",
		map[string]string{"mode": "force"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCronStatus(t *testing.T) {
	s, _ := newTestServer(t)
	addJob(t, s, "Counted")

	rec := doJSON(t, s, http.MethodGet, "/api/cron/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status cron.StatusResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Enabled)
	assert.Equal(t, 1, status.Jobs)
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "running", status.Status)
	assert.NotEmpty(t, status.GoVersion)
}

func TestAuthMiddlewareRejectsBadToken(t *testing.T) {
	s, _ := newTestServer(t)
	s.cfg.Gateway.Auth.Token = "secret-token"

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddlewareSkipsHealth(t *testing.T) {
	s, _ := newTestServer(t)
	s.cfg.Gateway.Auth.Token = "secret-token"

	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddlewareTokenSources(t *testing.T) {
	s, _ := newTestServer(t)
	s.cfg.Gateway.Auth.Token = "secret-token"

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-OpenClaw-Token", "secret-token")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/status?token=%s", "secret-token"), nil)
	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
