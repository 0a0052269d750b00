package controller

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openjules/openjules/internal/db"
	"github.com/openjules/openjules/internal/guard"
	"github.com/openjules/openjules/internal/llm"
	"github.com/openjules/openjules/internal/sandbox"
	"github.com/openjules/openjules/internal/settings"
	"github.com/openjules/openjules/internal/stream"
)

// Instance is the slice of a sandbox instance the controller drives
type Instance interface {
	ID() string
	Init(ctx context.Context) error
	Command(ctx context.Context, cmd, workdir string, timeoutMs int) *sandbox.ExecResult
	BackgroundCommand(ctx context.Context, cmd, readyPattern string, timeoutMs int) *sandbox.ExecResult
	StreamLogs(sink sandbox.LogSink)
	ReadFile(path string) ([]byte, error)
	RepoPath() string
	CreatePatch(ctx context.Context) (string, error)
	Destroy(ctx context.Context) error
}

// Host provisions and destroys sandbox instances
type Host interface {
	Spawn(ctx context.Context, missionID, projectID, jobID string, cfg sandbox.SpawnConfig) (Instance, error)
	Teardown(ctx context.Context, id string, persist bool) error
}

type dockerHost struct{ d *sandbox.Driver }

func (h dockerHost) Spawn(ctx context.Context, missionID, projectID, jobID string, cfg sandbox.SpawnConfig) (Instance, error) {
	return h.d.Spawn(ctx, missionID, projectID, jobID, cfg)
}

func (h dockerHost) Teardown(ctx context.Context, id string, persist bool) error {
	return h.d.Teardown(ctx, id, persist)
}

// NewDockerHost wraps the sandbox driver as a controller Host
func NewDockerHost(d *sandbox.Driver) Host { return dockerHost{d} }

// Brain is the mission's AI surface, satisfied by llm.Gateway
type Brain interface {
	GeneratePlan(ctx context.Context, req llm.PlanRequest) (*llm.Plan, *llm.Usage, error)
	GenerateCommand(ctx context.Context, req llm.CoderRequest) (*llm.StepCommand, *llm.Usage, error)
	AnalyzeFailure(ctx context.Context, req llm.FailureRequest) (string, *llm.Usage, error)
	ForRole(role string) llm.Provider
}

// Notifier reports terminal and review transitions to the outside world
type Notifier interface {
	NotifyMission(cfg settings.Notifications, m *db.Mission)
}

// Controller drives one mission per Run call: a single cooperative loop over
// the mission state machine, persisting every transition.
type Controller struct {
	store    *db.DB
	host     Host
	brain    Brain
	guard    *guard.Guard
	streams  *stream.Manager
	notifier Notifier
	cfg      *settings.Settings
	logger   *log.Logger

	pollInterval     time.Duration
	stepPollInterval time.Duration
	backoffBase      time.Duration
}

// New builds a controller for one project's configuration
func New(store *db.DB, host Host, brain Brain, g *guard.Guard, streams *stream.Manager, notifier Notifier, cfg *settings.Settings, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(os.Stderr, "[controller] ", log.LstdFlags)
	}
	return &Controller{
		store:            store,
		host:             host,
		brain:            brain,
		guard:            g,
		streams:          streams,
		notifier:         notifier,
		cfg:              cfg,
		logger:           logger,
		pollInterval:     2 * time.Second,
		stepPollInterval: 1 * time.Second,
		backoffBase:      2 * time.Second,
	}
}

func (c *Controller) appendLog(missionID, stepID string, typ db.LogType, content string) {
	_ = c.store.AppendLog(&db.MissionLog{
		MissionID: missionID,
		StepID:    stepID,
		Type:      typ,
		Content:   content,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run drives a mission from its current status to a terminal state. The
// sandbox is torn down on every exit path.
func (c *Controller) Run(ctx context.Context, job *db.Job) (err error) {
	mission, err := c.store.GetMission(job.MissionID)
	if err != nil {
		return fmt.Errorf("loading mission %s: %w", job.MissionID, err)
	}

	now := time.Now()
	job.Status = db.JobRunning
	job.StartedAt = &now
	job.HeartbeatAt = &now
	if err := c.store.UpdateJob(job); err != nil {
		return fmt.Errorf("claiming job %s: %w", job.ID, err)
	}

	// Heartbeat so an external liveness scanner can detect a crashed controller
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				_ = c.store.Heartbeat(job.ID)
			}
		}
	}()

	planner := c.brain.ForRole(llm.RolePlanner)
	mission.AIProvider = planner.Name()
	mission.AIModel = planner.Model()
	_ = c.store.UpdateMission(mission)

	inst, err := c.host.Spawn(ctx, mission.ID, mission.ProjectID, job.ID, sandbox.SpawnConfig{
		Root:        c.cfg.Execution.SandboxRoot,
		Image:       c.cfg.Execution.Docker.Image,
		Persist:     c.cfg.Execution.PersistSandbox,
		CPULimit:    c.cfg.Execution.Docker.CPULimit,
		MemLimitMb:  c.cfg.Execution.Docker.MemLimitMb,
		PidsLimit:   c.cfg.Execution.Docker.PidsLimit,
		NetworkMode: c.cfg.Execution.Docker.NetworkMode,
	})
	if err != nil {
		c.failMission(mission, job, fmt.Sprintf("Sandbox provisioning failed: %v", err))
		return err
	}
	defer func() {
		teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 60*time.Second)
		defer cancel()
		_ = inst.Destroy(teardownCtx)
		if terr := c.host.Teardown(teardownCtx, inst.ID(), c.cfg.Execution.PersistSandbox); terr != nil {
			c.logger.Printf("teardown of %s: %v", inst.ID(), terr)
		}
	}()

	inst.StreamLogs(func(chunk string, isError bool) {
		c.streams.PublishText(mission.ID, chunk, isError)
	})

	if err := inst.Init(ctx); err != nil {
		c.failMission(mission, job, fmt.Sprintf("Sandbox init failed: %v", err))
		return err
	}

	if mission.RepoURL != "" {
		if err := c.cloneRepo(ctx, mission, job, inst); err != nil {
			c.failMission(mission, job, fmt.Sprintf("Repository clone failed: %v", err))
			return err
		}
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		mission, err = c.store.GetMission(mission.ID)
		if err != nil {
			return fmt.Errorf("reloading mission: %w", err)
		}
		if mission.Status.IsTerminal() {
			break
		}

		switch mission.Status {
		case db.MissionQueued:
			start := time.Now()
			mission.StartedAt = &start
			mission.Status = db.MissionPlanning
			if err := c.store.UpdateMission(mission); err != nil {
				return err
			}
		case db.MissionPlanning:
			c.plan(ctx, mission, inst)
		case db.MissionExecuting:
			c.executeSteps(ctx, mission, job, inst)
		case db.MissionValidating:
			c.validate(ctx, mission, job, inst)
		default:
			// Waiting on a human: plan approval, review, pause, input
			sleepCtx(ctx, c.pollInterval)
		}
	}

	mission, err = c.store.GetMission(mission.ID)
	if err == nil {
		c.streams.Complete(mission.ID, string(mission.Status), mission.FailReason)
		if c.notifier != nil {
			c.notifier.NotifyMission(c.cfg.Notifications, mission)
		}
	}
	return nil
}

func (c *Controller) cloneRepo(ctx context.Context, m *db.Mission, job *db.Job, inst Instance) error {
	args := "git clone"
	if job.Payload.Branch != "" {
		args += fmt.Sprintf(" --branch %q", job.Payload.Branch)
	}
	cmd := fmt.Sprintf("%s %q .", args, m.RepoURL)
	c.appendLog(m.ID, "", db.LogCommand, cmd)
	res := inst.Command(ctx, cmd, "", 300000)
	if res.ExitCode != 0 {
		return fmt.Errorf("git clone exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// plan runs one plan wave: consume pending user input, gather repository
// context, call the planner, replace all PENDING steps and move the mission
// to approval.
func (c *Controller) plan(ctx context.Context, m *db.Mission, inst Instance) {
	userInput := m.LatestUserInput
	if userInput != "" {
		c.appendLog(m.ID, "", db.LogThought, "Replanning with user input: "+userInput)
		m.LatestUserInput = ""
	}

	req := llm.PlanRequest{
		Goal:               m.Goal,
		HasRepo:            m.RepoURL != "",
		FileTree:           c.fileTree(inst),
		PackageJSON:        readRepoFile(inst, "package.json"),
		Readme:             readRepoFile(inst, "README.md"),
		CustomInstructions: userInput,
	}

	plan, usage, err := c.brain.GeneratePlan(ctx, req)
	if usage != nil {
		m.TokenUsage.Add(usage.Role, usage.Prompt, usage.Completion)
	}
	if err != nil {
		// Planner failure aborts the mission
		c.appendLog(m.ID, "", db.LogError, "Planning failed: "+err.Error())
		job, jerr := c.store.FindJobForMission(m.ID)
		if jerr != nil {
			job = nil
		}
		c.failMission(m, job, "Planning failed: "+err.Error())
		return
	}

	if err := c.store.DeletePendingSteps(m.ID); err != nil {
		c.appendLog(m.ID, "", db.LogError, "Failed to clear pending steps: "+err.Error())
		return
	}
	maxIdx, err := c.store.MaxOrderIndex(m.ID)
	if err != nil {
		maxIdx = -1
	}
	for i, ps := range plan.Steps {
		step := &db.MissionStep{
			MissionID:    m.ID,
			OrderIndex:   maxIdx + 1 + i,
			Description:  ps.Description,
			Status:       db.StepPending,
			TimeoutMs:    ps.TimeoutMs,
			Retryable:    ps.Retryable,
			Background:   ps.Background,
			ReadyPattern: ps.ReadyPattern,
		}
		if ps.Retryable {
			step.MaxRetries = 2
		}
		if err := c.store.CreateStep(step); err != nil {
			c.appendLog(m.ID, "", db.LogError, "Failed to persist step: "+err.Error())
			return
		}
	}

	m.PlanReasoning = plan.Reasoning
	m.Status = db.MissionWaitingPlanApproval
	if err := c.store.UpdateMission(m); err != nil {
		c.logger.Printf("persisting plan for mission %s: %v", m.ID, err)
		return
	}
	c.projectJob(m)

	var overview strings.Builder
	overview.WriteString("Plan ready for approval:\n")
	for i, ps := range plan.Steps {
		overview.WriteString(fmt.Sprintf("%d. %s\n", i+1, ps.Description))
	}
	c.appendLog(m.ID, "", db.LogThought, overview.String())
}

// validate collects the final patch and hands the mission to human review
func (c *Controller) validate(ctx context.Context, m *db.Mission, job *db.Job, inst Instance) {
	patch, err := inst.CreatePatch(ctx)
	if err != nil {
		c.failMission(m, job, "Validation failed: "+err.Error())
		return
	}

	now := time.Now()
	m.Status = db.MissionWaitingReview
	m.FinishedAt = &now
	if m.StartedAt != nil {
		m.TotalDurationMs = now.Sub(*m.StartedAt).Milliseconds()
	}
	if err := c.store.UpdateMission(m); err != nil {
		c.logger.Printf("persisting review transition for mission %s: %v", m.ID, err)
		return
	}

	job.Result = &db.JobResult{Patch: patch}
	_ = c.store.UpdateJob(job)
	c.projectJob(m)

	c.appendLog(m.ID, "", db.LogMetric, fmt.Sprintf(`{"patch_bytes":%d,"total_duration_ms":%d}`, len(patch), m.TotalDurationMs))
	if c.notifier != nil {
		c.notifier.NotifyMission(c.cfg.Notifications, m)
	}
}

func (c *Controller) failMission(m *db.Mission, job *db.Job, reason string) {
	now := time.Now()
	m.Status = db.MissionFailed
	m.FailReason = reason
	m.FinishedAt = &now
	if m.StartedAt != nil {
		m.TotalDurationMs = now.Sub(*m.StartedAt).Milliseconds()
	}
	if err := c.store.UpdateMission(m); err != nil {
		c.logger.Printf("persisting failure of mission %s: %v", m.ID, err)
	}
	c.appendLog(m.ID, "", db.LogError, reason)
	if job != nil {
		_ = c.store.ProjectJobStatus(m, job.ID)
	}
}

func (c *Controller) projectJob(m *db.Mission) {
	job, err := c.store.FindJobForMission(m.ID)
	if err != nil {
		return
	}
	_ = c.store.ProjectJobStatus(m, job.ID)
}

func readRepoFile(inst Instance, name string) string {
	data, err := inst.ReadFile(name)
	if err != nil {
		return ""
	}
	return string(data)
}

const fileTreeLimit = 200

// fileTree renders a bounded listing of the repository for prompt context
func (c *Controller) fileTree(inst Instance) string {
	root := inst.RepoPath()
	var entries []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() && (name == ".git" || name == "node_modules") {
			return filepath.SkipDir
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil || rel == "." {
			return nil
		}
		if d.IsDir() {
			rel += "/"
		}
		entries = append(entries, rel)
		if len(entries) >= fileTreeLimit {
			return filepath.SkipAll
		}
		return nil
	})
	sort.Strings(entries)
	return strings.Join(entries, "\n")
}
