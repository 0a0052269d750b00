package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openjules/openjules/internal/db"
	"github.com/openjules/openjules/internal/llm"
	"github.com/openjules/openjules/internal/sandbox"
)

const (
	stdoutTailLimit = 5000
	stderrTailLimit = 3000
)

// runnableStatuses are the mission states executeSteps is willing to observe
// before deciding; anything else is waited out at 1s granularity.
var runnableStatuses = map[db.MissionStatus]bool{
	db.MissionExecuting:    true,
	db.MissionPlanning:     true,
	db.MissionPaused:       true,
	db.MissionWaitingInput: true,
}

// waitForMissionStatus polls until the mission is in a runnable state or
// terminal. Control actions land between steps, never mid-step.
func (c *Controller) waitForMissionStatus(ctx context.Context, missionID string) (*db.Mission, error) {
	for {
		m, err := c.store.GetMission(missionID)
		if err != nil {
			return nil, err
		}
		if m.Status.IsTerminal() || runnableStatuses[m.Status] {
			return m, nil
		}
		if ctx.Err() != nil {
			return m, ctx.Err()
		}
		sleepCtx(ctx, c.stepPollInterval)
	}
}

// executeSteps runs PENDING steps in order_index order until none remain,
// the mission leaves EXECUTING, or a step fails the mission.
func (c *Controller) executeSteps(ctx context.Context, m *db.Mission, job *db.Job, inst Instance) {
	var analysis string
	var userHint string

	for {
		m, err := c.waitForMissionStatus(ctx, m.ID)
		if err != nil {
			return
		}
		if m.Status != db.MissionExecuting {
			// Paused, replanning or terminal; yield to the outer loop
			return
		}

		if m.LatestUserInput != "" {
			userHint = m.LatestUserInput
			c.appendLog(m.ID, "", db.LogThought, "User guidance received: "+userHint)
			m.LatestUserInput = ""
			_ = c.store.UpdateMission(m)
		}

		steps, err := c.store.ListSteps(m.ID)
		if err != nil {
			c.appendLog(m.ID, "", db.LogError, "Failed to list steps: "+err.Error())
			return
		}
		var step *db.MissionStep
		for _, s := range steps {
			if s.Status == db.StepPending {
				step = s
				break
			}
		}
		if step == nil {
			m.Status = db.MissionValidating
			_ = c.store.UpdateMission(m)
			return
		}

		if step.Command == "" {
			c.fillCommand(ctx, m, step, steps, inst, userHint, analysis)
		}

		res := c.executeStep(ctx, m, step, inst)
		if res.ExitCode == 0 || step.Status == db.StepBlocked {
			// Blocked steps do not fail the mission; move on
			continue
		}
		if step.Status == db.StepFailed {
			analysis = c.troubleshoot(ctx, m, step, res)
			c.failMission(m, job, fmt.Sprintf("Step %d failed.", step.OrderIndex+1))
			return
		}
	}
}

// fillCommand asks the coder for the step's shell command. A coder failure
// degrades to a safety command rather than failing the mission.
func (c *Controller) fillCommand(ctx context.Context, m *db.Mission, step *db.MissionStep, steps []*db.MissionStep, inst Instance, userHint, analysis string) {
	overview := make([]string, 0, len(steps))
	idx := 0
	var prevOutputs string
	for i, s := range steps {
		overview = append(overview, s.Description)
		if s.ID == step.ID {
			idx = i
		}
		if s.Status == db.StepDone || s.Status == db.StepFailed {
			prevOutputs += fmt.Sprintf("--- step %d (%s, exit=%d) ---\n%s\n", s.OrderIndex+1, s.Status, derefInt(s.ExitCode), s.StdoutTail)
		}
	}

	cmd, usage, err := c.brain.GenerateCommand(ctx, llm.CoderRequest{
		Goal:            m.Goal,
		StepDescription: step.Description,
		StepIndex:       idx,
		StepCount:       len(steps),
		PlanOverview:    overview,
		PreviousOutputs: prevOutputs,
		FileTree:        c.fileTree(inst),
		PackageJSON:     readRepoFile(inst, "package.json"),
		UserHint:        userHint,
		Analysis:        analysis,
	})
	if usage != nil {
		_ = c.store.AddMissionTokens(m.ID, usage.Role, usage.Prompt, usage.Completion)
	}
	if err != nil {
		c.appendLog(m.ID, step.ID, db.LogError, "Coder failed: "+err.Error())
		step.Command = fmt.Sprintf("echo \"Coder could not generate command for: %s\"", step.Description)
	} else {
		step.Command = cmd.Command
		if cmd.Background {
			step.Background = true
			if cmd.ReadyPattern != "" {
				step.ReadyPattern = cmd.ReadyPattern
			}
		}
		if cmd.Reasoning != "" {
			c.appendLog(m.ID, step.ID, db.LogThought, cmd.Reasoning)
		}
	}
	_ = c.store.UpdateStep(step)
}

// troubleshoot logs a short recovery strategy for a failed step and returns
// it. The caller fails the mission right after, so the strategy is logged
// but not passed to any later coder call.
func (c *Controller) troubleshoot(ctx context.Context, m *db.Mission, step *db.MissionStep, res *sandbox.ExecResult) string {
	analysis, usage, err := c.brain.AnalyzeFailure(ctx, llm.FailureRequest{
		Goal:            m.Goal,
		StepDescription: step.Description,
		Command:         step.Command,
		ExitCode:        res.ExitCode,
		Output:          res.Stderr + "\n" + res.Stdout,
	})
	if usage != nil {
		_ = c.store.AddMissionTokens(m.ID, usage.Role, usage.Prompt, usage.Completion)
	}
	if err != nil {
		return ""
	}
	c.appendLog(m.ID, step.ID, db.LogThought, "Troubleshooter: "+analysis)
	return analysis
}

// executeStep guards, promotes, executes and persists one step. Non-zero
// results never unwind as errors; the caller inspects the persisted status.
func (c *Controller) executeStep(ctx context.Context, m *db.Mission, step *db.MissionStep, inst Instance) *sandbox.ExecResult {
	verdict := c.guard.Check(ctx, step.Command, step.Background)
	if !verdict.Allowed {
		step.Status = db.StepBlocked
		step.ResultSummary = verdict.Reason
		_ = c.store.UpdateStep(step)
		c.appendLog(m.ID, step.ID, db.LogError, fmt.Sprintf("🛡️ Command blocked: %s (%s)", verdict.Reason, step.Command))
		return &sandbox.ExecResult{ExitCode: -2, Stderr: verdict.Reason}
	}
	if verdict.PromotedToBackground {
		step.Background = true
		if step.ReadyPattern == "" {
			step.ReadyPattern = verdict.SuggestedReadyPattern
		}
		c.appendLog(m.ID, step.ID, db.LogThought,
			fmt.Sprintf("Command promoted to background (ready pattern %q)", step.ReadyPattern))
	}

	start := time.Now()
	step.Status = db.StepInProgress
	step.StartedAt = &start
	_ = c.store.UpdateStep(step)

	annotation, _ := json.Marshal(map[string]any{
		"command":    step.Command,
		"timeoutMs":  step.TimeoutMs,
		"retryable":  step.Retryable,
		"background": step.Background,
	})
	c.appendLog(m.ID, step.ID, db.LogCommand, string(annotation))

	run := func() *sandbox.ExecResult {
		if step.Background && step.ReadyPattern != "" {
			return inst.BackgroundCommand(ctx, step.Command, step.ReadyPattern, step.TimeoutMs)
		}
		return inst.Command(ctx, step.Command, "", step.TimeoutMs)
	}

	res := run()
	if step.Retryable && res.ExitCode != 0 {
		maxRetries := step.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 2
		}
		for attempt := 0; res.ExitCode != 0 && attempt < maxRetries; attempt++ {
			if ctx.Err() != nil {
				break
			}
			delay := c.backoffBase * (1 << attempt)
			c.appendLog(m.ID, step.ID, db.LogThought,
				fmt.Sprintf("Retrying step %d in %s (attempt %d of %d)", step.OrderIndex+1, delay, attempt+1, maxRetries))
			sleepCtx(ctx, delay)
			step.RetryCount++
			res = run()
		}
	}
	if res == nil {
		res = &sandbox.ExecResult{ExitCode: -1, Stderr: "executor returned no result"}
	}

	end := time.Now()
	exit := res.ExitCode
	step.ExitCode = &exit
	step.FinishedAt = &end
	step.DurationMs = end.Sub(start).Milliseconds()
	step.StdoutTail = truncateTail(res.Stdout, stdoutTailLimit)
	step.StderrTail = truncateTail(res.Stderr, stderrTailLimit)
	step.ResultSummary = fmt.Sprintf("exit=%d duration=%dms", exit, step.DurationMs)
	if exit == 0 {
		step.Status = db.StepDone
	} else {
		step.Status = db.StepFailed
	}
	_ = c.store.UpdateStep(step)

	output, _ := json.Marshal(map[string]any{
		"exitCode":   exit,
		"durationMs": step.DurationMs,
		"retryCount": step.RetryCount,
		"stdout":     step.StdoutTail,
		"stderr":     step.StderrTail,
	})
	c.appendLog(m.ID, step.ID, db.LogToolOutput, string(output))
	return res
}

// truncateTail caps s at limit characters, marking the cut with an ellipsis
func truncateTail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
