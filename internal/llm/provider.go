package llm

import (
	"context"
	"os"
	"time"
)

// Message is one turn of a chat exchange
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions tune a single chat call
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
	JSONMode    bool
}

// ChatResult is the uniform response shape across back-ends
type ChatResult struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Model            string
	Provider         string
}

// Provider is the uniform chat contract over the back-ends
type Provider interface {
	Name() string
	Model() string
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (*ChatResult, error)
}

// Roles known to the gateway
const (
	RolePlanner        = "planner"
	RoleCoder          = "coder"
	RoleTroubleshooter = "troubleshooter"
	RoleGuard          = "guard"
)

// Provider identifiers as they appear in settings
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
	ProviderGroq      = "groq"
	ProviderStatic    = "static"
)

// DefaultModel returns each back-end's default model
func DefaultModel(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return "gpt-5.2"
	case ProviderAnthropic:
		return "claude-sonnet-4-20250514"
	case ProviderGoogle:
		return "gemini-2.5-flash"
	case ProviderGroq:
		return "llama-3.3-70b-versatile"
	}
	return ""
}

func clientTimeout() time.Duration {
	if v := os.Getenv("LLM_HTTP_TIMEOUT_MS"); v != "" {
		if ms, err := time.ParseDuration(v + "ms"); err == nil {
			return ms
		}
	}
	return 120 * time.Second
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	if te, ok := err.(timeout); ok {
		return te.Timeout()
	}
	return false
}

func backoff(i int) time.Duration {
	return time.Duration(500*(1<<i)) * time.Millisecond
}
