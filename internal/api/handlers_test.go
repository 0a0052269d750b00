package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjules/openjules/internal/db"
	"github.com/openjules/openjules/internal/stream"
)

func newTestServer(t *testing.T) (*Server, *db.DB) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewServer(database, stream.NewManager()), database
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestCreateMissionCreatesJob(t *testing.T) {
	s, database := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/missions", MissionRequest{
		ProjectID: "p1",
		Goal:      "create a simple nodejs helloworld api",
		RepoURL:   "https://example.com/repo.git",
		Branch:    "main",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp MissionCreatedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "QUEUED", resp.Status)

	mission, err := database.GetMission(resp.MissionID)
	require.NoError(t, err)
	assert.Equal(t, db.MissionQueued, mission.Status)

	job, err := database.GetJob(resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, db.JobPending, job.Status)
	assert.Equal(t, mission.ID, job.MissionID)
	assert.Equal(t, "https://example.com/repo.git", job.Payload.Repo)
	assert.Equal(t, "main", job.Payload.Branch)
}

func TestCreateMissionRequiresGoal(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/missions", MissionRequest{ProjectID: "p1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func setupMissionInStatus(t *testing.T, database *db.DB, status db.MissionStatus) (*db.Mission, *db.Job) {
	t.Helper()
	m := &db.Mission{ProjectID: "p1", Goal: "g", Status: db.MissionQueued}
	require.NoError(t, database.CreateMission(m))
	j := &db.Job{ProjectID: "p1", MissionID: m.ID}
	require.NoError(t, database.CreateJob(j))
	m.Status = status
	require.NoError(t, database.UpdateMission(m))
	return m, j
}

func TestPlanActionTransitions(t *testing.T) {
	t.Run("approve moves to EXECUTING", func(t *testing.T) {
		s, database := newTestServer(t)
		m, _ := setupMissionInStatus(t, database, db.MissionWaitingPlanApproval)

		rec := doJSON(t, s, http.MethodPost, "/api/v1/missions/"+m.ID+"/plan", ActionRequest{Action: "APPROVE"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		got, _ := database.GetMission(m.ID)
		assert.Equal(t, db.MissionExecuting, got.Status)
	})

	t.Run("reject fails the mission with a reason", func(t *testing.T) {
		s, database := newTestServer(t)
		m, j := setupMissionInStatus(t, database, db.MissionWaitingPlanApproval)

		rec := doJSON(t, s, http.MethodPost, "/api/v1/missions/"+m.ID+"/plan", ActionRequest{Action: "reject"})
		require.Equal(t, http.StatusOK, rec.Code)

		got, _ := database.GetMission(m.ID)
		assert.Equal(t, db.MissionFailed, got.Status)
		assert.NotEmpty(t, got.FailReason)
		require.NotNil(t, got.FinishedAt)

		job, _ := database.GetJob(j.ID)
		assert.Equal(t, db.JobFailed, job.Status)
	})

	t.Run("rejected outside WAITING_PLAN_APPROVAL", func(t *testing.T) {
		s, database := newTestServer(t)
		m, _ := setupMissionInStatus(t, database, db.MissionExecuting)

		rec := doJSON(t, s, http.MethodPost, "/api/v1/missions/"+m.ID+"/plan", ActionRequest{Action: "approve"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestReviewActionTransitions(t *testing.T) {
	t.Run("approve completes with a summary", func(t *testing.T) {
		s, database := newTestServer(t)
		m, j := setupMissionInStatus(t, database, db.MissionWaitingReview)

		rec := doJSON(t, s, http.MethodPost, "/api/v1/missions/"+m.ID+"/review", ActionRequest{Action: "approve", Summary: "ship it"})
		require.Equal(t, http.StatusOK, rec.Code)

		got, _ := database.GetMission(m.ID)
		assert.Equal(t, db.MissionCompleted, got.Status)
		assert.Equal(t, "ship it", got.ResultSummary)

		job, _ := database.GetJob(j.ID)
		assert.Equal(t, db.JobCompleted, job.Status)
	})

	t.Run("only valid in WAITING_REVIEW", func(t *testing.T) {
		s, database := newTestServer(t)
		m, _ := setupMissionInStatus(t, database, db.MissionExecuting)

		rec := doJSON(t, s, http.MethodPost, "/api/v1/missions/"+m.ID+"/review", ActionRequest{Action: "approve"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestControlActions(t *testing.T) {
	t.Run("pause from EXECUTING then resume", func(t *testing.T) {
		s, database := newTestServer(t)
		m, j := setupMissionInStatus(t, database, db.MissionExecuting)

		rec := doJSON(t, s, http.MethodPost, "/api/v1/missions/"+m.ID+"/control", ActionRequest{Action: "pause"})
		require.Equal(t, http.StatusOK, rec.Code)
		got, _ := database.GetMission(m.ID)
		assert.Equal(t, db.MissionPaused, got.Status)

		job, _ := database.GetJob(j.ID)
		assert.Equal(t, db.JobWaitingReview, job.Status)

		rec = doJSON(t, s, http.MethodPost, "/api/v1/missions/"+m.ID+"/control", ActionRequest{Action: "resume"})
		require.Equal(t, http.StatusOK, rec.Code)
		got, _ = database.GetMission(m.ID)
		assert.Equal(t, db.MissionExecuting, got.Status)
	})

	t.Run("input requires a message", func(t *testing.T) {
		s, database := newTestServer(t)
		m, _ := setupMissionInStatus(t, database, db.MissionExecuting)

		rec := doJSON(t, s, http.MethodPost, "/api/v1/missions/"+m.ID+"/control", ActionRequest{Action: "input"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("input replans from any state", func(t *testing.T) {
		s, database := newTestServer(t)
		m, _ := setupMissionInStatus(t, database, db.MissionWaitingReview)

		rec := doJSON(t, s, http.MethodPost, "/api/v1/missions/"+m.ID+"/control",
			ActionRequest{Action: "input", Message: "use TypeScript"})
		require.Equal(t, http.StatusOK, rec.Code)

		got, _ := database.GetMission(m.ID)
		assert.Equal(t, db.MissionPlanning, got.Status)
		assert.Equal(t, "use TypeScript", got.LatestUserInput)
	})
}

func TestSettingsEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/projects/p1/settings/ai", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "{}", rec.Body.String())

	body := `{"provider":"anthropic","anthropic":{"apiKey":"k"}}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/projects/p1/settings/ai", bytes.NewBufferString(body))
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, s, http.MethodGet, "/api/v1/projects/p1/settings/ai", nil)
	assert.JSONEq(t, body, rec.Body.String())

	req = httptest.NewRequest(http.MethodPut, "/api/v1/projects/p1/settings/ai", bytes.NewBufferString("not json"))
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
