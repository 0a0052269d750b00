package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/openjules/openjules/internal/guard"
)

// Store is the slice of the database the settings loader needs
type Store interface {
	GetSetting(projectID, key string) ([]byte, error)
}

// ProviderCreds holds an API key, model override and optional custom
// endpoint for one back-end.
type ProviderCreds struct {
	APIKey  string `json:"apiKey,omitempty"`
	Model   string `json:"model,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// RoleOverride pins a role to a specific provider and/or model
type RoleOverride struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// AI is the per-project AI configuration (settings key "ai")
type AI struct {
	Provider  string                  `json:"provider,omitempty"`
	OpenAI    ProviderCreds           `json:"openai,omitempty"`
	Anthropic ProviderCreds           `json:"anthropic,omitempty"`
	Google    ProviderCreds           `json:"google,omitempty"`
	Groq      ProviderCreds           `json:"groq,omitempty"`
	Roles     map[string]RoleOverride `json:"roles,omitempty"`
}

// Docker configures the sandbox container (settings key "execution", sub "docker")
type Docker struct {
	Image       string  `json:"image,omitempty"`
	CPULimit    float64 `json:"cpuLimit,omitempty"`
	MemLimitMb  int64   `json:"memLimitMb,omitempty"`
	PidsLimit   int64   `json:"pidsLimit,omitempty"`
	NetworkMode string  `json:"networkMode,omitempty"`
}

// Execution is the per-project execution configuration (settings key "execution")
type Execution struct {
	SandboxRoot    string         `json:"sandboxRoot,omitempty"`
	PersistSandbox bool           `json:"persistSandbox"`
	Docker         Docker         `json:"docker"`
	CommandGuard   guard.Settings `json:"commandGuard"`
}

// Prompts carries optional prompt overrides (settings key "prompts")
type Prompts struct {
	Planner struct {
		Content string `json:"content,omitempty"`
	} `json:"planner"`
}

// Notifications configures terminal-state webhooks (settings key "notifications")
type Notifications struct {
	SlackWebhook   string `json:"slackWebhook,omitempty"`
	DiscordWebhook string `json:"discordWebhook,omitempty"`
}

// Settings is the typed view over one project's settings rows, with
// environment overrides applied.
type Settings struct {
	AI            AI
	Execution     Execution
	Prompts       Prompts
	Notifications Notifications
}

// DefaultImage is used when neither settings nor env select a container image
const DefaultImage = "node:20-bookworm-slim"

// Load reads a project's settings rows and applies environment overrides
// (OPENJULES_SANDBOX_ROOT, OPENJULES_SANDBOX_PERSIST, OPENJULES_DOCKER_IMAGE).
func Load(store Store, projectID string) (*Settings, error) {
	s := &Settings{}
	s.Execution.CommandGuard = guard.DefaultSettings()

	if err := loadKey(store, projectID, "ai", &s.AI); err != nil {
		return nil, err
	}
	if err := loadKey(store, projectID, "execution", &s.Execution); err != nil {
		return nil, err
	}
	if err := loadKey(store, projectID, "prompts", &s.Prompts); err != nil {
		return nil, err
	}
	if err := loadKey(store, projectID, "notifications", &s.Notifications); err != nil {
		return nil, err
	}

	if v := os.Getenv("OPENJULES_SANDBOX_ROOT"); v != "" {
		s.Execution.SandboxRoot = v
	}
	if v := os.Getenv("OPENJULES_SANDBOX_PERSIST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.Execution.PersistSandbox = b
		}
	}
	if v := os.Getenv("OPENJULES_DOCKER_IMAGE"); v != "" {
		s.Execution.Docker.Image = v
	}

	if s.Execution.Docker.Image == "" {
		s.Execution.Docker.Image = DefaultImage
	}
	if s.Execution.SandboxRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		s.Execution.SandboxRoot = filepath.Join(home, ".openjules", "sandboxes")
	}

	return s, nil
}

func loadKey(store Store, projectID, key string, out any) error {
	raw, err := store.GetSetting(projectID, key)
	if err != nil {
		return fmt.Errorf("reading setting %q: %w", key, err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parsing setting %q: %w", key, err)
	}
	return nil
}

// DockerSocketPath returns the container host socket, DOCKER_SOCKET_PATH or
// the standard default.
func DockerSocketPath() string {
	if v := os.Getenv("DOCKER_SOCKET_PATH"); v != "" {
		return v
	}
	return "/var/run/docker.sock"
}
