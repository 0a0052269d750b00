package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// StepCommand is the coder artefact: one shell command for one plan step
type StepCommand struct {
	Command      string `json:"command"`
	Reasoning    string `json:"reasoning,omitempty"`
	Background   bool   `json:"background,omitempty"`
	ReadyPattern string `json:"readyPattern,omitempty"`
}

// CoderRequest assembles everything the coder sees for one step
type CoderRequest struct {
	Goal            string
	StepDescription string
	StepIndex       int // zero-based
	StepCount       int
	PlanOverview    []string // descriptions in order; StepIndex marks the current one
	PreviousOutputs string
	FileTree        string
	PackageJSON     string
	GuardFeedback   string
	UserHint        string
	Analysis        string
}

const coderSystemPrompt = `You are the coding component of an autonomous software engineering agent.
You receive one plan step and must produce exactly one shell command that accomplishes it inside a Debian-based container whose working directory is the project repository.

Respond ONLY with JSON, no extra text:
{"command": "<shell command>", "reasoning": "<one sentence>", "background": <bool>, "readyPattern": "<regex, required when background>"}

Rules:
- Never run interactive programs; every command must finish (or run as background) without human input.
- Never use backtick command substitution; use $(...) when substitution is unavoidable.
- Create files with quoted heredocs: cat > path <<'EOF' ... EOF.
- For long-running processes (servers, watchers) set background=true and supply a readyPattern matching their startup banner.
- When the project defines scripts in package.json, use them instead of re-deriving tool invocations.
- Never run npm init -y; write package.json explicitly so its scripts match the files you create.
- Scripts you reference must exist in the files you have created or the repository already contains.`

const prevOutputTruncateLimit = 4000

func (g *Gateway) buildCoderUserMessage(req CoderRequest) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("MISSION GOAL: %s\n\n", req.Goal))
	sb.WriteString(fmt.Sprintf("CURRENT STEP (%d of %d): %s\n\n", req.StepIndex+1, req.StepCount, req.StepDescription))
	if len(req.PlanOverview) > 0 {
		sb.WriteString("PLAN:\n")
		for i, desc := range req.PlanOverview {
			marker := "   "
			if i == req.StepIndex {
				marker = "-> "
			}
			sb.WriteString(fmt.Sprintf("%s%d. %s\n", marker, i+1, desc))
		}
		sb.WriteString("\n")
	}
	if req.PreviousOutputs != "" {
		out := req.PreviousOutputs
		if len(out) > prevOutputTruncateLimit {
			out = out[len(out)-prevOutputTruncateLimit:]
		}
		sb.WriteString("PREVIOUS STEP OUTPUTS:\n")
		sb.WriteString(out)
		sb.WriteString("\n\n")
	}
	if req.FileTree != "" {
		sb.WriteString("FILE TREE:\n")
		sb.WriteString(req.FileTree)
		sb.WriteString("\n\n")
	}
	if req.PackageJSON != "" {
		sb.WriteString("package.json:\n")
		sb.WriteString(req.PackageJSON)
		sb.WriteString("\n\n")
	}
	if req.GuardFeedback != "" {
		sb.WriteString("YOUR PREVIOUS COMMAND WAS REJECTED BY THE COMMAND GUARD:\n")
		sb.WriteString(req.GuardFeedback)
		sb.WriteString("\nProduce a safe alternative.\n\n")
	}
	if req.UserHint != "" {
		sb.WriteString("USER GUIDANCE:\n")
		sb.WriteString(req.UserHint)
		sb.WriteString("\n\n")
	}
	if req.Analysis != "" {
		sb.WriteString("TROUBLESHOOTER ANALYSIS OF THE LAST FAILURE:\n")
		sb.WriteString(req.Analysis)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// GenerateCommand produces the coder artefact for one step
func (g *Gateway) GenerateCommand(ctx context.Context, req CoderRequest) (*StepCommand, *Usage, error) {
	provider := g.ForRole(RoleCoder)
	messages := []Message{
		{Role: "system", Content: coderSystemPrompt},
		{Role: "user", Content: g.buildCoderUserMessage(req)},
	}
	res, err := provider.Chat(ctx, messages, ChatOptions{Temperature: 0.2, JSONMode: true})
	if err != nil {
		return nil, nil, fmt.Errorf("coder chat: %w", err)
	}

	raw := ExtractJSON(res.Content)
	if raw == "" {
		return nil, usageFor(RoleCoder, res), fmt.Errorf("coder returned no JSON object: %.200s", res.Content)
	}
	var cmd StepCommand
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		return nil, usageFor(RoleCoder, res), fmt.Errorf("parsing step command JSON: %w", err)
	}
	if strings.TrimSpace(cmd.Command) == "" {
		return nil, usageFor(RoleCoder, res), fmt.Errorf("coder produced an empty command")
	}
	return &cmd, usageFor(RoleCoder, res), nil
}
