package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// FailureRequest assembles the troubleshooter's view of a failed step
type FailureRequest struct {
	Goal            string
	StepDescription string
	Command         string
	ExitCode        int
	Output          string
}

const troubleshooterSystemPrompt = `You are the troubleshooting component of an autonomous software engineering agent.
A shell command has failed. Explain in at most three plain-text sentences what most likely went wrong and what strategy to try next.
Do not output a corrected command; a separate component writes commands.`

const failureOutputTruncateLimit = 4000

// AnalyzeFailure produces the troubleshooter artefact: a short plain-text
// recovery strategy for the coder's next attempt.
func (g *Gateway) AnalyzeFailure(ctx context.Context, req FailureRequest) (string, *Usage, error) {
	provider := g.ForRole(RoleTroubleshooter)

	output := req.Output
	if len(output) > failureOutputTruncateLimit {
		output = output[len(output)-failureOutputTruncateLimit:]
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("MISSION GOAL: %s\n", req.Goal))
	sb.WriteString(fmt.Sprintf("STEP: %s\n", req.StepDescription))
	sb.WriteString(fmt.Sprintf("FAILED COMMAND: %s\n", req.Command))
	sb.WriteString(fmt.Sprintf("EXIT CODE: %d\n", req.ExitCode))
	sb.WriteString("OUTPUT (stderr+stdout tail):\n")
	sb.WriteString(output)

	messages := []Message{
		{Role: "system", Content: troubleshooterSystemPrompt},
		{Role: "user", Content: sb.String()},
	}
	res, err := provider.Chat(ctx, messages, ChatOptions{Temperature: 0.3, MaxTokens: 400})
	if err != nil {
		return "", nil, fmt.Errorf("troubleshooter chat: %w", err)
	}
	return strings.TrimSpace(res.Content), usageFor(RoleTroubleshooter, res), nil
}

const guardSystemPrompt = `You review shell commands for an autonomous agent's sandbox.
Classify the command as safe or unsafe for execution in an isolated container.
Respond ONLY with JSON: {"safe": <bool>, "reason": "<short reason>"}`

// ReviewCommand asks the guard role for a second opinion on a command. A
// parse failure counts as unsafe; transport errors bubble up so the caller
// can fail open.
func (g *Gateway) ReviewCommand(ctx context.Context, command string, isBackground bool) (bool, string, error) {
	provider := g.ForRole(RoleGuard)
	user := fmt.Sprintf("COMMAND:\n%s\n\nRuns in background: %v", command, isBackground)
	messages := []Message{
		{Role: "system", Content: guardSystemPrompt},
		{Role: "user", Content: user},
	}
	res, err := provider.Chat(ctx, messages, ChatOptions{JSONMode: true, MaxTokens: 200})
	if err != nil {
		return false, "", err
	}
	raw := ExtractJSON(res.Content)
	var verdict struct {
		Safe   bool   `json:"safe"`
		Reason string `json:"reason"`
	}
	if raw == "" || json.Unmarshal([]byte(raw), &verdict) != nil {
		// Unparseable review denies defensively
		return false, "guard review response could not be parsed", nil
	}
	return verdict.Safe, verdict.Reason, nil
}
