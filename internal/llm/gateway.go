package llm

import (
	"github.com/openjules/openjules/internal/settings"
)

// Usage reports the token cost of one artefact call for mission accounting
type Usage struct {
	Role       string
	Prompt     int
	Completion int
	Provider   string
	Model      string
}

func usageFor(role string, res *ChatResult) *Usage {
	if res == nil {
		return nil
	}
	return &Usage{
		Role:       role,
		Prompt:     res.PromptTokens,
		Completion: res.CompletionTokens,
		Provider:   res.Provider,
		Model:      res.Model,
	}
}

// Gateway resolves a provider per role and derives the Plan, StepCommand and
// ErrorAnalysis artefacts from chat calls.
type Gateway struct {
	ai      settings.AI
	prompts settings.Prompts
}

// NewGateway builds a gateway over a project's AI settings
func NewGateway(s *settings.Settings) *Gateway {
	return &Gateway{ai: s.AI, prompts: s.Prompts}
}

func (g *Gateway) creds(provider string) settings.ProviderCreds {
	switch provider {
	case ProviderOpenAI:
		return g.ai.OpenAI
	case ProviderAnthropic:
		return g.ai.Anthropic
	case ProviderGoogle:
		return g.ai.Google
	case ProviderGroq:
		return g.ai.Groq
	}
	return settings.ProviderCreds{}
}

func (g *Gateway) build(provider, model string) Provider {
	creds := g.creds(provider)
	if creds.APIKey == "" {
		return &StaticProvider{}
	}
	if model == "" {
		model = creds.Model
	}
	if model == "" {
		model = DefaultModel(provider)
	}
	switch provider {
	case ProviderOpenAI:
		return &OpenAIClient{APIKey: creds.APIKey, ModelID: model, BaseURL: creds.BaseURL}
	case ProviderGroq:
		base := creds.BaseURL
		if base == "" {
			base = "https://api.groq.com/openai"
		}
		return &OpenAIClient{APIKey: creds.APIKey, ModelID: model, BaseURL: base, Provider: ProviderGroq}
	case ProviderAnthropic:
		return &AnthropicClient{APIKey: creds.APIKey, ModelID: model, BaseURL: creds.BaseURL}
	case ProviderGoogle:
		return &GoogleClient{APIKey: creds.APIKey, ModelID: model, BaseURL: creds.BaseURL}
	}
	return &StaticProvider{}
}

// ForRole resolves the provider for a role: per-role override, then the
// global provider with its default model, then the static fallback.
func (g *Gateway) ForRole(role string) Provider {
	if o, ok := g.ai.Roles[role]; ok && (o.Provider != "" || o.Model != "") {
		provider := o.Provider
		if provider == "" {
			provider = g.ai.Provider
		}
		if provider != "" {
			return g.build(provider, o.Model)
		}
	}
	if g.ai.Provider != "" {
		return g.build(g.ai.Provider, "")
	}
	return &StaticProvider{}
}
