package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Row-scoped writes from concurrent controllers share one writer connection
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS missions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		goal TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'QUEUED',
		repo_url TEXT DEFAULT '',
		latest_user_input TEXT DEFAULT '',
		latest_agent_question TEXT DEFAULT '',
		plan_reasoning TEXT DEFAULT '',
		fail_reason TEXT DEFAULT '',
		result_summary TEXT DEFAULT '',
		started_at DATETIME,
		finished_at DATETIME,
		total_duration_ms INTEGER NOT NULL DEFAULT 0,
		ai_provider TEXT DEFAULT '',
		ai_model TEXT DEFAULT '',
		token_usage TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS mission_steps (
		id TEXT PRIMARY KEY,
		mission_id TEXT NOT NULL,
		order_index INTEGER NOT NULL,
		description TEXT NOT NULL,
		command TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'PENDING',
		timeout_ms INTEGER NOT NULL DEFAULT 300000,
		retryable INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		background INTEGER NOT NULL DEFAULT 0,
		ready_pattern TEXT DEFAULT '',
		exit_code INTEGER,
		retry_count INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME,
		finished_at DATETIME,
		stdout_tail TEXT DEFAULT '',
		stderr_tail TEXT DEFAULT '',
		result_summary TEXT DEFAULT '',
		FOREIGN KEY (mission_id) REFERENCES missions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_mission_steps_mission_id ON mission_steps(mission_id, order_index);

	CREATE TABLE IF NOT EXISTS mission_logs (
		id TEXT PRIMARY KEY,
		mission_id TEXT NOT NULL,
		step_id TEXT DEFAULT '',
		type TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (mission_id) REFERENCES missions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_mission_logs_mission_id ON mission_logs(mission_id, timestamp);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		mission_id TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		payload TEXT NOT NULL DEFAULT '{}',
		started_at DATETIME,
		heartbeat_at DATETIME,
		finished_at DATETIME,
		last_error TEXT DEFAULT '',
		result TEXT DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

	CREATE TABLE IF NOT EXISTS settings (
		project_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (project_id, key)
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// NewID returns a fresh row identifier
func NewID() string {
	return uuid.New().String()
}

// ShortID returns a short identifier for names that end up in paths and logs
func ShortID() string {
	return uuid.New().String()[:8]
}

// --- missions ---

// CreateMission inserts a new mission row
func (db *DB) CreateMission(m *Mission) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.Status == "" {
		m.Status = MissionQueued
	}
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now
	usage, err := json.Marshal(m.TokenUsage)
	if err != nil {
		return fmt.Errorf("failed to marshal token usage: %w", err)
	}
	_, err = db.conn.Exec(`
		INSERT INTO missions (id, project_id, goal, status, repo_url, latest_user_input, latest_agent_question,
			plan_reasoning, fail_reason, result_summary, started_at, finished_at, total_duration_ms,
			ai_provider, ai_model, token_usage, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ProjectID, m.Goal, m.Status, m.RepoURL, m.LatestUserInput, m.LatestAgentQuestion,
		m.PlanReasoning, m.FailReason, m.ResultSummary, m.StartedAt, m.FinishedAt, m.TotalDurationMs,
		m.AIProvider, m.AIModel, string(usage), m.CreatedAt, m.UpdatedAt)
	return err
}

// GetMission retrieves a mission by ID
func (db *DB) GetMission(id string) (*Mission, error) {
	m := &Mission{}
	var usage string
	err := db.conn.QueryRow(`
		SELECT id, project_id, goal, status, repo_url, latest_user_input, latest_agent_question,
			plan_reasoning, fail_reason, result_summary, started_at, finished_at, total_duration_ms,
			ai_provider, ai_model, token_usage, created_at, updated_at
		FROM missions WHERE id = ?
	`, id).Scan(&m.ID, &m.ProjectID, &m.Goal, &m.Status, &m.RepoURL, &m.LatestUserInput, &m.LatestAgentQuestion,
		&m.PlanReasoning, &m.FailReason, &m.ResultSummary, &m.StartedAt, &m.FinishedAt, &m.TotalDurationMs,
		&m.AIProvider, &m.AIModel, &usage, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if usage != "" {
		_ = json.Unmarshal([]byte(usage), &m.TokenUsage)
	}
	return m, nil
}

// UpdateMission writes all mutable mission fields and bumps updated_at
func (db *DB) UpdateMission(m *Mission) error {
	m.UpdatedAt = time.Now()
	usage, err := json.Marshal(m.TokenUsage)
	if err != nil {
		return fmt.Errorf("failed to marshal token usage: %w", err)
	}
	_, err = db.conn.Exec(`
		UPDATE missions SET status = ?, repo_url = ?, latest_user_input = ?, latest_agent_question = ?,
			plan_reasoning = ?, fail_reason = ?, result_summary = ?, started_at = ?, finished_at = ?,
			total_duration_ms = ?, ai_provider = ?, ai_model = ?, token_usage = ?, updated_at = ?
		WHERE id = ?
	`, m.Status, m.RepoURL, m.LatestUserInput, m.LatestAgentQuestion,
		m.PlanReasoning, m.FailReason, m.ResultSummary, m.StartedAt, m.FinishedAt,
		m.TotalDurationMs, m.AIProvider, m.AIModel, string(usage), m.UpdatedAt, m.ID)
	return err
}

// AddMissionTokens accumulates token usage against a role without touching
// any other mission field, so it cannot clobber a concurrent control-action
// patch.
func (db *DB) AddMissionTokens(missionID, role string, prompt, completion int) error {
	m, err := db.GetMission(missionID)
	if err != nil {
		return err
	}
	m.TokenUsage.Add(role, prompt, completion)
	usage, err := json.Marshal(m.TokenUsage)
	if err != nil {
		return err
	}
	_, err = db.conn.Exec(`UPDATE missions SET token_usage = ?, updated_at = ? WHERE id = ?`,
		string(usage), time.Now(), missionID)
	return err
}

// --- steps ---

// CreateStep inserts a new plan step
func (db *DB) CreateStep(s *MissionStep) error {
	if s.ID == "" {
		s.ID = NewID()
	}
	if s.Status == "" {
		s.Status = StepPending
	}
	if s.TimeoutMs == 0 {
		s.TimeoutMs = 300000
	}
	_, err := db.conn.Exec(`
		INSERT INTO mission_steps (id, mission_id, order_index, description, command, status, timeout_ms,
			retryable, max_retries, background, ready_pattern, exit_code, retry_count, duration_ms,
			started_at, finished_at, stdout_tail, stderr_tail, result_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.MissionID, s.OrderIndex, s.Description, s.Command, s.Status, s.TimeoutMs,
		s.Retryable, s.MaxRetries, s.Background, s.ReadyPattern, s.ExitCode, s.RetryCount, s.DurationMs,
		s.StartedAt, s.FinishedAt, s.StdoutTail, s.StderrTail, s.ResultSummary)
	return err
}

// UpdateStep writes all mutable step fields
func (db *DB) UpdateStep(s *MissionStep) error {
	_, err := db.conn.Exec(`
		UPDATE mission_steps SET description = ?, command = ?, status = ?, timeout_ms = ?, retryable = ?,
			max_retries = ?, background = ?, ready_pattern = ?, exit_code = ?, retry_count = ?,
			duration_ms = ?, started_at = ?, finished_at = ?, stdout_tail = ?, stderr_tail = ?, result_summary = ?
		WHERE id = ?
	`, s.Description, s.Command, s.Status, s.TimeoutMs, s.Retryable,
		s.MaxRetries, s.Background, s.ReadyPattern, s.ExitCode, s.RetryCount,
		s.DurationMs, s.StartedAt, s.FinishedAt, s.StdoutTail, s.StderrTail, s.ResultSummary, s.ID)
	return err
}

// ListSteps retrieves all steps of a mission in ascending order_index
func (db *DB) ListSteps(missionID string) ([]*MissionStep, error) {
	rows, err := db.conn.Query(`
		SELECT id, mission_id, order_index, description, command, status, timeout_ms,
			retryable, max_retries, background, ready_pattern, exit_code, retry_count, duration_ms,
			started_at, finished_at, stdout_tail, stderr_tail, result_summary
		FROM mission_steps WHERE mission_id = ? ORDER BY order_index ASC
	`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*MissionStep
	for rows.Next() {
		s := &MissionStep{}
		err := rows.Scan(&s.ID, &s.MissionID, &s.OrderIndex, &s.Description, &s.Command, &s.Status, &s.TimeoutMs,
			&s.Retryable, &s.MaxRetries, &s.Background, &s.ReadyPattern, &s.ExitCode, &s.RetryCount, &s.DurationMs,
			&s.StartedAt, &s.FinishedAt, &s.StdoutTail, &s.StderrTail, &s.ResultSummary)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// DeletePendingSteps removes all PENDING steps of a mission. Steps with any
// other status are history and survive replanning.
func (db *DB) DeletePendingSteps(missionID string) error {
	_, err := db.conn.Exec(`DELETE FROM mission_steps WHERE mission_id = ? AND status = ?`, missionID, StepPending)
	return err
}

// MaxOrderIndex returns the highest order_index of a mission, -1 when the
// mission has no steps yet.
func (db *DB) MaxOrderIndex(missionID string) (int, error) {
	var max sql.NullInt64
	err := db.conn.QueryRow(`SELECT MAX(order_index) FROM mission_steps WHERE mission_id = ?`, missionID).Scan(&max)
	if err != nil {
		return -1, err
	}
	if !max.Valid {
		return -1, nil
	}
	return int(max.Int64), nil
}

// --- logs ---

// AppendLog inserts one mission log entry. Logs are insert-only.
func (db *DB) AppendLog(l *MissionLog) error {
	if l.ID == "" {
		l.ID = NewID()
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now()
	}
	_, err := db.conn.Exec(`
		INSERT INTO mission_logs (id, mission_id, step_id, type, content, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, l.ID, l.MissionID, l.StepID, l.Type, l.Content, l.Timestamp)
	return err
}

// ListLogs retrieves the mission's event stream in insertion order
func (db *DB) ListLogs(missionID string, limit int) ([]*MissionLog, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.conn.Query(`
		SELECT id, mission_id, step_id, type, content, timestamp
		FROM mission_logs WHERE mission_id = ? ORDER BY timestamp ASC, id ASC LIMIT ?
	`, missionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*MissionLog
	for rows.Next() {
		l := &MissionLog{}
		if err := rows.Scan(&l.ID, &l.MissionID, &l.StepID, &l.Type, &l.Content, &l.Timestamp); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- jobs ---

// CreateJob inserts a new trigger record
func (db *DB) CreateJob(j *Job) error {
	if j.ID == "" {
		j.ID = NewID()
	}
	if j.Status == "" {
		j.Status = JobPending
	}
	now := time.Now()
	j.CreatedAt = now
	j.UpdatedAt = now
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	result := ""
	if j.Result != nil {
		b, err := json.Marshal(j.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		result = string(b)
	}
	_, err = db.conn.Exec(`
		INSERT INTO jobs (id, project_id, mission_id, status, payload, started_at, heartbeat_at, finished_at,
			last_error, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.ProjectID, j.MissionID, j.Status, string(payload), j.StartedAt, j.HeartbeatAt, j.FinishedAt,
		j.LastError, result, j.CreatedAt, j.UpdatedAt)
	return err
}

func scanJob(scan func(dest ...any) error) (*Job, error) {
	j := &Job{}
	var payload, result string
	err := scan(&j.ID, &j.ProjectID, &j.MissionID, &j.Status, &payload, &j.StartedAt, &j.HeartbeatAt,
		&j.FinishedAt, &j.LastError, &result, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if payload != "" {
		_ = json.Unmarshal([]byte(payload), &j.Payload)
	}
	if result != "" {
		j.Result = &JobResult{}
		_ = json.Unmarshal([]byte(result), j.Result)
	}
	return j, nil
}

const jobColumns = `id, project_id, mission_id, status, payload, started_at, heartbeat_at, finished_at,
	last_error, result, created_at, updated_at`

// GetJob retrieves a job by ID
func (db *DB) GetJob(id string) (*Job, error) {
	row := db.conn.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row.Scan)
}

// UpdateJob writes all mutable job fields and bumps updated_at
func (db *DB) UpdateJob(j *Job) error {
	j.UpdatedAt = time.Now()
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	result := ""
	if j.Result != nil {
		b, err := json.Marshal(j.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		result = string(b)
	}
	_, err = db.conn.Exec(`
		UPDATE jobs SET mission_id = ?, status = ?, payload = ?, started_at = ?, heartbeat_at = ?,
			finished_at = ?, last_error = ?, result = ?, updated_at = ?
		WHERE id = ?
	`, j.MissionID, j.Status, string(payload), j.StartedAt, j.HeartbeatAt,
		j.FinishedAt, j.LastError, result, j.UpdatedAt, j.ID)
	return err
}

// ListJobsByStatus retrieves jobs in a given status, oldest first
func (db *DB) ListJobsByStatus(status JobStatus) ([]*Job, error) {
	rows, err := db.conn.Query(`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Heartbeat bumps the liveness marker of a running job
func (db *DB) Heartbeat(jobID string) error {
	now := time.Now()
	_, err := db.conn.Exec(`UPDATE jobs SET heartbeat_at = ?, updated_at = ? WHERE id = ?`, now, now, jobID)
	return err
}

// SweepStaleJobs fails running jobs whose controller stopped heartbeating
// before the cutoff, together with their missions. Called on startup and
// periodically so crashed controllers do not leave missions running forever.
func (db *DB) SweepStaleJobs(cutoff time.Time) ([]*Job, error) {
	rows, err := db.conn.Query(`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)`,
		JobRunning, cutoff)
	if err != nil {
		return nil, err
	}
	var stale []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	for _, j := range stale {
		j.Status = JobFailed
		j.LastError = "controller heartbeat lost"
		j.FinishedAt = &now
		if err := db.UpdateJob(j); err != nil {
			return stale, err
		}
		if j.MissionID == "" {
			continue
		}
		m, err := db.GetMission(j.MissionID)
		if err != nil {
			continue
		}
		if !m.Status.IsTerminal() {
			m.Status = MissionFailed
			m.FailReason = "Controller heartbeat lost."
			m.FinishedAt = &now
			_ = db.UpdateMission(m)
		}
	}
	return stale, nil
}

// ProjectJobStatus applies the mission → job status projection after a
// mission patch. Statuses without a projection leave the job untouched.
func (db *DB) ProjectJobStatus(m *Mission, jobID string) error {
	status, ok := JobStatusFor(m.Status)
	if !ok {
		return nil
	}
	j, err := db.GetJob(jobID)
	if err != nil {
		return err
	}
	j.Status = status
	if status == JobFailed {
		j.LastError = m.FailReason
	}
	if status == JobCompleted || status == JobFailed {
		now := time.Now()
		j.FinishedAt = &now
	}
	return db.UpdateJob(j)
}

// FindJobForMission returns the most recent job bound to a mission
func (db *DB) FindJobForMission(missionID string) (*Job, error) {
	row := db.conn.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE mission_id = ? ORDER BY created_at DESC LIMIT 1`, missionID)
	return scanJob(row.Scan)
}

// --- settings ---

// GetSetting retrieves the raw JSON value of a project setting. Missing keys
// return an empty slice, not an error.
func (db *DB) GetSetting(projectID, key string) ([]byte, error) {
	var value string
	err := db.conn.QueryRow(`SELECT value FROM settings WHERE project_id = ? AND key = ?`, projectID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

// SetSetting stores the raw JSON value of a project setting
func (db *DB) SetSetting(projectID, key string, value []byte) error {
	_, err := db.conn.Exec(`
		INSERT INTO settings (project_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(project_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, projectID, key, string(value), time.Now())
	return err
}
