package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// PlanStep is one planned unit of work, before the coder fills in a command
type PlanStep struct {
	Description  string `json:"description"`
	TimeoutMs    int    `json:"timeoutMs,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	Background   bool   `json:"background,omitempty"`
	ReadyPattern string `json:"readyPattern,omitempty"`
}

// Plan is the planner artefact
type Plan struct {
	Reasoning string     `json:"reasoning"`
	Steps     []PlanStep `json:"steps"`
}

// PlanRequest assembles everything the planner sees
type PlanRequest struct {
	Goal               string
	HasRepo            bool
	FileTree           string
	PackageJSON        string
	Readme             string
	CustomInstructions string
}

const plannerSystemPrompt = `You are the planning component of an autonomous software engineering agent.
Break the user's goal into a short, concrete sequence of engineering steps.

Respond ONLY with JSON matching this shape, no extra text:
{"reasoning": "<why this plan>", "steps": [{"description": "<what to do>", "timeoutMs": <int, optional>, "retryable": <bool>, "background": <bool>, "readyPattern": "<regex, required when background>"}]}

Rules:
- Produce between 3 and 8 steps.
- Descriptions state WHAT to do, never shell commands; a separate component writes the commands.
- Never ask clarifying questions. If no repository is provided, plan to create what is needed from scratch.
- Mark a step background=true only when it starts a long-lived process, and then always supply a readyPattern.
- The final step must produce the final diff of all changes.`

const readmeTruncateLimit = 8000

func (g *Gateway) buildPlanUserMessage(req PlanRequest) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("GOAL: %s\n\n", req.Goal))
	if req.HasRepo {
		sb.WriteString("A source repository is checked out in the working directory.\n")
	} else {
		sb.WriteString("There is no source repository; the working directory starts empty.\n")
	}
	if req.FileTree != "" {
		sb.WriteString("\nFILE TREE:\n")
		sb.WriteString(req.FileTree)
		sb.WriteString("\n")
	}
	if req.PackageJSON != "" {
		sb.WriteString("\npackage.json:\n")
		sb.WriteString(req.PackageJSON)
		sb.WriteString("\n")
	}
	if req.Readme != "" {
		readme := req.Readme
		if len(readme) > readmeTruncateLimit {
			readme = readme[:readmeTruncateLimit]
		}
		sb.WriteString("\nREADME:\n")
		sb.WriteString(readme)
		sb.WriteString("\n")
	}
	if req.CustomInstructions != "" {
		sb.WriteString("\nADDITIONAL INSTRUCTIONS FROM THE USER:\n")
		sb.WriteString(req.CustomInstructions)
		sb.WriteString("\n")
	}
	return sb.String()
}

// GeneratePlan produces the planner artefact. With the static fallback it
// derives a heuristic plan instead of calling a model.
func (g *Gateway) GeneratePlan(ctx context.Context, req PlanRequest) (*Plan, *Usage, error) {
	provider := g.ForRole(RolePlanner)
	if provider.Name() == ProviderStatic {
		return HeuristicPlan(req.Goal, req.HasRepo, req.PackageJSON), nil, nil
	}

	system := plannerSystemPrompt
	if g.prompts.Planner.Content != "" {
		system = g.prompts.Planner.Content
	}
	messages := []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: g.buildPlanUserMessage(req)},
	}
	res, err := provider.Chat(ctx, messages, ChatOptions{Temperature: 0.2, JSONMode: true})
	if err != nil {
		return nil, nil, fmt.Errorf("planner chat: %w", err)
	}

	raw := ExtractJSON(res.Content)
	if raw == "" {
		return nil, usageFor(RolePlanner, res), fmt.Errorf("planner returned no JSON object: %.200s", res.Content)
	}
	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, usageFor(RolePlanner, res), fmt.Errorf("parsing plan JSON: %w", err)
	}
	if len(plan.Steps) == 0 {
		return nil, usageFor(RolePlanner, res), fmt.Errorf("planner produced an empty plan")
	}
	for i := range plan.Steps {
		if plan.Steps[i].TimeoutMs <= 0 {
			plan.Steps[i].TimeoutMs = 300000
		}
		if plan.Steps[i].Background && plan.Steps[i].ReadyPattern == "" {
			plan.Steps[i].ReadyPattern = `listening on|ready|started|running`
		}
	}
	return &plan, usageFor(RolePlanner, res), nil
}
