package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openjules/openjules/internal/db"
	"github.com/openjules/openjules/internal/version"
)

// HealthCheck handles GET /api/v1/health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.Version,
	})
}

// CreateMission handles POST /api/v1/missions. It creates the mission row and
// the pending job that the watcher will pick up.
func (s *Server) CreateMission(w http.ResponseWriter, r *http.Request) {
	var req MissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		s.errorResponse(w, http.StatusBadRequest, "Goal is required", nil)
		return
	}
	if req.ProjectID == "" {
		req.ProjectID = "default"
	}

	mission := &db.Mission{
		ProjectID: req.ProjectID,
		Goal:      req.Goal,
		RepoURL:   req.RepoURL,
		Status:    db.MissionQueued,
	}
	if err := s.db.CreateMission(mission); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to create mission", err)
		return
	}

	job := &db.Job{
		ProjectID: req.ProjectID,
		MissionID: mission.ID,
		Status:    db.JobPending,
		Payload:   db.JobPayload{Repo: req.RepoURL, Branch: req.Branch},
	}
	if err := s.db.CreateJob(job); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to create job", err)
		return
	}

	s.jsonResponse(w, http.StatusCreated, MissionCreatedResponse{
		MissionID: mission.ID,
		JobID:     job.ID,
		Status:    string(mission.Status),
	})
}

// GetMission handles GET /api/v1/missions/{id}
func (s *Server) GetMission(w http.ResponseWriter, r *http.Request) {
	mission, ok := s.loadMission(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, http.StatusOK, mission)
}

// GetMissionSteps handles GET /api/v1/missions/{id}/steps
func (s *Server) GetMissionSteps(w http.ResponseWriter, r *http.Request) {
	mission, ok := s.loadMission(w, r)
	if !ok {
		return
	}
	steps, err := s.db.ListSteps(mission.ID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch steps", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, steps)
}

// GetMissionLogs handles GET /api/v1/missions/{id}/logs
func (s *Server) GetMissionLogs(w http.ResponseWriter, r *http.Request) {
	mission, ok := s.loadMission(w, r)
	if !ok {
		return
	}
	limit := 500
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	logs, err := s.db.ListLogs(mission.ID, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch logs", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, logs)
}

// GetJob handles GET /api/v1/jobs/{id}
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.db.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "Job not found", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, job)
}

// PlanAction handles POST /api/v1/missions/{id}/plan. Valid only while the
// mission is waiting for plan approval.
func (s *Server) PlanAction(w http.ResponseWriter, r *http.Request) {
	mission, ok := s.loadMission(w, r)
	if !ok {
		return
	}
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if mission.Status != db.MissionWaitingPlanApproval {
		s.errorResponse(w, http.StatusConflict,
			fmt.Sprintf("planAction is only valid in WAITING_PLAN_APPROVAL (mission is %s)", mission.Status), nil)
		return
	}

	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "approve":
		mission.Status = db.MissionExecuting
	case "reject":
		now := time.Now()
		mission.Status = db.MissionFailed
		mission.FailReason = "Plan rejected by user."
		if req.Reason != "" {
			mission.FailReason = "Plan rejected by user: " + req.Reason
		}
		mission.FinishedAt = &now
	default:
		s.errorResponse(w, http.StatusBadRequest, "Action must be approve or reject", nil)
		return
	}

	s.patchMission(w, mission)
}

// ReviewAction handles POST /api/v1/missions/{id}/review. Valid only while
// the mission is waiting for review.
func (s *Server) ReviewAction(w http.ResponseWriter, r *http.Request) {
	mission, ok := s.loadMission(w, r)
	if !ok {
		return
	}
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if mission.Status != db.MissionWaitingReview {
		s.errorResponse(w, http.StatusConflict,
			fmt.Sprintf("reviewAction is only valid in WAITING_REVIEW (mission is %s)", mission.Status), nil)
		return
	}

	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "approve":
		mission.Status = db.MissionCompleted
		mission.ResultSummary = req.Summary
		if mission.ResultSummary == "" {
			mission.ResultSummary = "Patch approved by reviewer."
		}
	case "reject":
		mission.Status = db.MissionFailed
		mission.FailReason = "Patch rejected by reviewer."
		if req.Reason != "" {
			mission.FailReason = "Patch rejected by reviewer: " + req.Reason
		}
	default:
		s.errorResponse(w, http.StatusBadRequest, "Action must be approve or reject", nil)
		return
	}

	s.patchMission(w, mission)
}

// ControlAction handles POST /api/v1/missions/{id}/control:
// pause, resume, or input (which feeds the planner and replans).
func (s *Server) ControlAction(w http.ResponseWriter, r *http.Request) {
	mission, ok := s.loadMission(w, r)
	if !ok {
		return
	}
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "pause":
		if mission.Status != db.MissionExecuting {
			s.errorResponse(w, http.StatusConflict, "Only an EXECUTING mission can be paused", nil)
			return
		}
		mission.Status = db.MissionPaused
	case "resume":
		if mission.Status != db.MissionPaused && mission.Status != db.MissionWaitingInput {
			s.errorResponse(w, http.StatusConflict, "Only a PAUSED or WAITING_INPUT mission can be resumed", nil)
			return
		}
		mission.Status = db.MissionExecuting
	case "input":
		if strings.TrimSpace(req.Message) == "" {
			s.errorResponse(w, http.StatusBadRequest, "input requires a non-empty message", nil)
			return
		}
		mission.LatestUserInput = req.Message
		mission.Status = db.MissionPlanning
	default:
		s.errorResponse(w, http.StatusBadRequest, "Action must be pause, resume or input", nil)
		return
	}

	s.patchMission(w, mission)
}

// GetSetting handles GET /api/v1/projects/{projectID}/settings/{key}
func (s *Server) GetSetting(w http.ResponseWriter, r *http.Request) {
	raw, err := s.db.GetSetting(chi.URLParam(r, "projectID"), chi.URLParam(r, "key"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch setting", err)
		return
	}
	if raw == nil {
		raw = []byte("{}")
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

// PutSetting handles PUT /api/v1/projects/{projectID}/settings/{key}
func (s *Server) PutSetting(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	if !json.Valid(body) {
		s.errorResponse(w, http.StatusBadRequest, "Setting value must be valid JSON", nil)
		return
	}
	if err := s.db.SetSetting(chi.URLParam(r, "projectID"), chi.URLParam(r, "key"), body); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to store setting", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true})
}

// StreamMission handles GET /api/v1/missions/{id}/stream with server-sent events
func (s *Server) StreamMission(w http.ResponseWriter, r *http.Request) {
	mission, ok := s.loadMission(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "Streaming not supported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientID := fmt.Sprintf("%s-%d", mission.ID, time.Now().UnixNano())
	client := s.streamMgr.Subscribe(mission.ID, clientID)
	defer s.streamMgr.Unsubscribe(mission.ID, clientID)

	writeEvent := func(event string, data any) {
		payload, err := json.Marshal(data)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case chunk := <-client.Chunks:
			writeEvent("output", chunk)
		case completion := <-client.Complete:
			writeEvent("complete", completion)
			return
		}
	}
}

// Helper functions

func (s *Server) loadMission(w http.ResponseWriter, r *http.Request) (*db.Mission, bool) {
	mission, err := s.db.GetMission(chi.URLParam(r, "id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "Mission not found", err)
		return nil, false
	}
	return mission, true
}

// patchMission persists a control-action patch and keeps the job projection
// in sync, per the mission → job status table.
func (s *Server) patchMission(w http.ResponseWriter, mission *db.Mission) {
	if err := s.db.UpdateMission(mission); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to update mission", err)
		return
	}
	if job, err := s.db.FindJobForMission(mission.ID); err == nil {
		_ = s.db.ProjectJobStatus(mission, job.ID)
	}
	s.jsonResponse(w, http.StatusOK, mission)
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	s.jsonResponse(w, status, resp)
}
