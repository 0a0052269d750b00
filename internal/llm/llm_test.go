package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openjules/openjules/internal/settings"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"leading prose", "Here you go:\n{\"a\":1}\nthanks", `{"a":1}`},
		{"nested objects", `x {"a":{"b":2}} y`, `{"a":{"b":2}}`},
		{"brace inside string", `{"cmd":"echo {hi}"}`, `{"cmd":"echo {hi}"}`},
		{"escaped quote inside string", `{"cmd":"say \"}\""}`, `{"cmd":"say \"}\""}`},
		{"no object", "plain text", ""},
		{"unbalanced", `{"a":1`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractJSON(tt.in); got != tt.want {
				t.Errorf("ExtractJSON(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestHeuristicPlan(t *testing.T) {
	pkg := `{"scripts":{"lint":"eslint .","test":"jest","build":"tsc"}}`
	plan := HeuristicPlan("fix the bug", true, pkg)
	if len(plan.Steps) < 3 || len(plan.Steps) > 8 {
		t.Fatalf("heuristic plan has %d steps, want 3..8", len(plan.Steps))
	}
	joined := ""
	for _, s := range plan.Steps {
		joined += s.Description + "\n"
	}
	for _, script := range []string{"lint", "test", "build"} {
		if !strings.Contains(joined, script) {
			t.Errorf("heuristic plan misses %s script:\n%s", script, joined)
		}
	}
	last := plan.Steps[len(plan.Steps)-1].Description
	if !strings.Contains(strings.ToLower(last), "final diff") {
		t.Errorf("last step %q does not produce the final diff", last)
	}

	empty := HeuristicPlan("create an api", false, "")
	if len(empty.Steps) == 0 {
		t.Fatal("no-repo heuristic plan is empty")
	}
	if !strings.Contains(strings.ToLower(empty.Steps[0].Description), "scaffold") {
		t.Errorf("no-repo plan should scaffold first, got %q", empty.Steps[0].Description)
	}
}

func gatewayWith(ai settings.AI) *Gateway {
	return NewGateway(&settings.Settings{AI: ai})
}

func TestForRoleResolution(t *testing.T) {
	t.Run("no provider falls back to static", func(t *testing.T) {
		g := gatewayWith(settings.AI{})
		if got := g.ForRole(RolePlanner).Name(); got != ProviderStatic {
			t.Errorf("Name() = %q, want static", got)
		}
	})

	t.Run("global provider with default model", func(t *testing.T) {
		g := gatewayWith(settings.AI{
			Provider: ProviderAnthropic,
			Anthropic: settings.ProviderCreds{APIKey: "key"},
		})
		p := g.ForRole(RoleCoder)
		if p.Name() != ProviderAnthropic {
			t.Fatalf("Name() = %q, want anthropic", p.Name())
		}
		if p.Model() != "claude-sonnet-4-20250514" {
			t.Errorf("Model() = %q, want the anthropic default", p.Model())
		}
	})

	t.Run("role override wins", func(t *testing.T) {
		g := gatewayWith(settings.AI{
			Provider:  ProviderAnthropic,
			Anthropic: settings.ProviderCreds{APIKey: "key"},
			Groq:      settings.ProviderCreds{APIKey: "gk"},
			Roles: map[string]settings.RoleOverride{
				RoleGuard: {Provider: ProviderGroq},
			},
		})
		p := g.ForRole(RoleGuard)
		if p.Name() != ProviderGroq {
			t.Fatalf("Name() = %q, want groq", p.Name())
		}
		if p.Model() != "llama-3.3-70b-versatile" {
			t.Errorf("Model() = %q, want the groq default", p.Model())
		}
		if g.ForRole(RolePlanner).Name() != ProviderAnthropic {
			t.Error("override leaked to other roles")
		}
	})

	t.Run("missing key degrades to static", func(t *testing.T) {
		g := gatewayWith(settings.AI{Provider: ProviderOpenAI})
		if got := g.ForRole(RolePlanner).Name(); got != ProviderStatic {
			t.Errorf("Name() = %q, want static when no key configured", got)
		}
	})
}

func TestGeneratePlanStaticFallback(t *testing.T) {
	g := gatewayWith(settings.AI{})
	plan, usage, err := g.GeneratePlan(context.Background(), PlanRequest{Goal: "hello world api", HasRepo: false})
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if usage != nil {
		t.Error("static fallback should not report token usage")
	}
	if len(plan.Steps) == 0 {
		t.Fatal("static plan is empty")
	}
}

func TestPlanJSONOverOpenAIWire(t *testing.T) {
	planJSON := `{"reasoning":"small api","steps":[` +
		`{"description":"Scaffold the project"},` +
		`{"description":"Write the server"},` +
		`{"description":"Start the server","background":true},` +
		`{"description":"Produce final diff"}]}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req struct {
			Messages []Message `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": planJSON}}},
			"usage":   map[string]int{"prompt_tokens": 120, "completion_tokens": 60, "total_tokens": 180},
		})
	}))
	defer srv.Close()

	client := &OpenAIClient{APIKey: "test-key", ModelID: "gpt-5.2", BaseURL: srv.URL}
	res, err := client.Chat(context.Background(), []Message{
		{Role: "system", Content: "plan"},
		{Role: "user", Content: "goal"},
	}, ChatOptions{JSONMode: true})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.PromptTokens != 120 || res.CompletionTokens != 60 || res.TotalTokens != 180 {
		t.Errorf("usage = %+v", res)
	}

	var plan Plan
	if err := json.Unmarshal([]byte(ExtractJSON(res.Content)), &plan); err != nil {
		t.Fatalf("plan JSON: %v", err)
	}
	if len(plan.Steps) != 4 {
		t.Fatalf("got %d steps, want 4", len(plan.Steps))
	}
}

func TestAnthropicChatWire(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "ak" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Error("missing anthropic-version header")
		}
		var req struct {
			System   string    `json:"system"`
			Messages []Message `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.System != "sys" {
			t.Errorf("system = %q, want top-level system field", req.System)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("messages = %+v", req.Messages)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": "ok"}},
			"usage":   map[string]int{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	client := &AnthropicClient{APIKey: "ak", ModelID: "claude-sonnet-4-20250514", BaseURL: srv.URL}
	res, err := client.Chat(context.Background(), []Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "hi"},
	}, ChatOptions{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Content != "ok" || res.TotalTokens != 15 {
		t.Errorf("res = %+v", res)
	}
}

func TestReviewCommand(t *testing.T) {
	respond := func(content string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{{"message": map[string]any{"content": content}}},
			})
		}))
	}
	gatewayFor := func(url string) *Gateway {
		return NewGateway(&settings.Settings{AI: settings.AI{
			Provider: ProviderOpenAI,
			OpenAI:   settings.ProviderCreds{APIKey: "k", BaseURL: url},
		}})
	}

	t.Run("unsafe verdict", func(t *testing.T) {
		srv := respond(`{"safe":false,"reason":"deletes data"}`)
		defer srv.Close()
		safe, reason, err := gatewayFor(srv.URL).ReviewCommand(context.Background(), "rm data", false)
		if err != nil {
			t.Fatalf("ReviewCommand: %v", err)
		}
		if safe || reason != "deletes data" {
			t.Errorf("safe=%v reason=%q", safe, reason)
		}
	})

	t.Run("parse failure denies defensively", func(t *testing.T) {
		srv := respond("not json at all")
		defer srv.Close()
		safe, _, err := gatewayFor(srv.URL).ReviewCommand(context.Background(), "ls", false)
		if err != nil {
			t.Fatalf("ReviewCommand: %v", err)
		}
		if safe {
			t.Error("unparseable review must deny")
		}
	})
}
