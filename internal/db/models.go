package db

import "time"

// MissionStatus represents the lifecycle state of a mission
type MissionStatus string

const (
	MissionQueued              MissionStatus = "QUEUED"
	MissionPlanning            MissionStatus = "PLANNING"
	MissionWaitingPlanApproval MissionStatus = "WAITING_PLAN_APPROVAL"
	MissionExecuting           MissionStatus = "EXECUTING"
	MissionPaused              MissionStatus = "PAUSED"
	MissionWaitingInput        MissionStatus = "WAITING_INPUT"
	MissionValidating          MissionStatus = "VALIDATING"
	MissionWaitingReview       MissionStatus = "WAITING_REVIEW"
	MissionCompleted           MissionStatus = "COMPLETED"
	MissionFailed              MissionStatus = "FAILED"
)

// IsTerminal reports whether the mission can make no further progress
func (s MissionStatus) IsTerminal() bool {
	return s == MissionCompleted || s == MissionFailed
}

// StepStatus represents the state of a single plan step
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepDone       StepStatus = "DONE"
	StepFailed     StepStatus = "FAILED"
	StepBlocked    StepStatus = "BLOCKED"
)

// JobStatus represents the state of the trigger record that bootstraps a mission
type JobStatus string

const (
	JobPending       JobStatus = "pending"
	JobRunning       JobStatus = "running"
	JobWaitingReview JobStatus = "waiting_review"
	JobCompleted     JobStatus = "completed"
	JobFailed        JobStatus = "failed"
)

// LogType classifies entries in a mission's append-only event stream
type LogType string

const (
	LogThought       LogType = "thought"
	LogCommand       LogType = "command"
	LogToolOutput    LogType = "tool_output"
	LogError         LogType = "error"
	LogMetric        LogType = "metric"
	LogAgentQuestion LogType = "agent_question"
)

// TokenBucket counts tokens for one role or for the mission total
type TokenBucket struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// TokenUsage accumulates per-role token counts plus a running total.
// The total always equals the sum over the role buckets.
type TokenUsage struct {
	Roles map[string]TokenBucket `json:"roles,omitempty"`
	Total TokenBucket            `json:"total"`
}

// Add records token counts against a role and updates the total
func (u *TokenUsage) Add(role string, prompt, completion int) {
	if u.Roles == nil {
		u.Roles = make(map[string]TokenBucket)
	}
	b := u.Roles[role]
	b.Prompt += prompt
	b.Completion += completion
	b.Total += prompt + completion
	u.Roles[role] = b
	u.Total.Prompt += prompt
	u.Total.Completion += completion
	u.Total.Total += prompt + completion
}

// Mission represents a user goal under execution
type Mission struct {
	ID                  string        `json:"id"`
	ProjectID           string        `json:"project_id"`
	Goal                string        `json:"goal"`
	Status              MissionStatus `json:"status"`
	RepoURL             string        `json:"repo_url,omitempty"`
	LatestUserInput     string        `json:"latest_user_input,omitempty"`
	LatestAgentQuestion string        `json:"latest_agent_question,omitempty"`
	PlanReasoning       string        `json:"plan_reasoning,omitempty"`
	FailReason          string        `json:"fail_reason,omitempty"`
	ResultSummary       string        `json:"result_summary,omitempty"`
	StartedAt           *time.Time    `json:"started_at,omitempty"`
	FinishedAt          *time.Time    `json:"finished_at,omitempty"`
	TotalDurationMs     int64         `json:"total_duration_ms,omitempty"`
	AIProvider          string        `json:"ai_provider,omitempty"`
	AIModel             string        `json:"ai_model,omitempty"`
	TokenUsage          TokenUsage    `json:"token_usage"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// MissionStep is one entry in the current plan
type MissionStep struct {
	ID            string     `json:"id"`
	MissionID     string     `json:"mission_id"`
	OrderIndex    int        `json:"order_index"`
	Description   string     `json:"description"`
	Command       string     `json:"command,omitempty"`
	Status        StepStatus `json:"status"`
	TimeoutMs     int        `json:"timeout_ms"`
	Retryable     bool       `json:"retryable"`
	MaxRetries    int        `json:"max_retries"`
	Background    bool       `json:"background"`
	ReadyPattern  string     `json:"ready_pattern,omitempty"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	RetryCount    int        `json:"retry_count"`
	DurationMs    int64      `json:"duration_ms,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	StdoutTail    string     `json:"stdout_tail,omitempty"`
	StderrTail    string     `json:"stderr_tail,omitempty"`
	ResultSummary string     `json:"result_summary,omitempty"`
}

// MissionLog is one entry in a mission's append-only event stream.
// Content may be a plain string or a JSON-encoded object; the store does not
// interpret it.
type MissionLog struct {
	ID        string    `json:"id"`
	MissionID string    `json:"mission_id"`
	StepID    string    `json:"step_id,omitempty"`
	Type      LogType   `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// JobPayload is the opaque trigger payload
type JobPayload struct {
	Repo   string `json:"repo,omitempty"`
	Branch string `json:"branch,omitempty"`
}

// JobResult carries the mission's final artefacts back to the trigger record
type JobResult struct {
	Patch   string `json:"patch,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// Job is the external trigger record that bootstraps a mission run
type Job struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	MissionID   string     `json:"mission_id,omitempty"`
	Status      JobStatus  `json:"status"`
	Payload     JobPayload `json:"payload"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Result      *JobResult `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobStatusFor projects a mission status onto its job. The second return is
// false when the mission status has no job projection.
func JobStatusFor(s MissionStatus) (JobStatus, bool) {
	switch s {
	case MissionCompleted:
		return JobCompleted, true
	case MissionFailed:
		return JobFailed, true
	case MissionWaitingReview, MissionWaitingPlanApproval, MissionPaused, MissionWaitingInput:
		return JobWaitingReview, true
	default:
		return "", false
	}
}
