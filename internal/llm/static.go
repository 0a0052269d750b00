package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrStaticChat is returned by the static fallback for chat-shaped calls.
// Callers degrade per role: the coder falls back to a safety command, guard
// review allows, troubleshooting is skipped.
var ErrStaticChat = errors.New("static provider has no chat capability")

// StaticProvider is the fallback when no API key is configured. It cannot
// chat; it produces a heuristic plan from the project's package.json scripts.
type StaticProvider struct{}

func (s *StaticProvider) Name() string  { return ProviderStatic }
func (s *StaticProvider) Model() string { return "static" }

func (s *StaticProvider) Chat(ctx context.Context, messages []Message, opts ChatOptions) (*ChatResult, error) {
	return nil, ErrStaticChat
}

type packageJSON struct {
	Scripts map[string]string `json:"scripts"`
}

// HeuristicPlan builds a plan without any model: a scaffold step when there
// is no repository; then, when package.json declares scripts, install and
// whichever of lint/test/build it declares, or else an inspect step for a
// repository; then the final diff step.
func HeuristicPlan(goal string, hasRepo bool, packageJSONContent string) *Plan {
	var pkg packageJSON
	if packageJSONContent != "" {
		_ = json.Unmarshal([]byte(packageJSONContent), &pkg)
	}

	plan := &Plan{
		Reasoning: "No AI provider is configured; falling back to a heuristic plan derived from the project's package.json scripts.",
	}

	addStep := func(desc string) {
		plan.Steps = append(plan.Steps, PlanStep{Description: desc, TimeoutMs: 300000})
	}

	if !hasRepo {
		addStep(fmt.Sprintf("Scaffold a minimal project for the goal: %s", goal))
	}
	if pkg.Scripts != nil {
		addStep("Install project dependencies with npm install")
		for _, script := range []string{"lint", "test", "build"} {
			if _, ok := pkg.Scripts[script]; ok {
				addStep(fmt.Sprintf("Run the project's %s script (npm run %s)", script, script))
			}
		}
	} else if hasRepo {
		addStep("Inspect the repository layout and identify the build entrypoints")
	}
	addStep("Apply the changes needed for the goal and produce the final diff")

	return plan
}
