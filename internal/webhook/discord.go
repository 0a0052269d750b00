package webhook

import (
	"fmt"
	"net/http"
	"time"

	"github.com/openjules/openjules/internal/db"
)

// Discord sends mission notifications to a Discord webhook
type Discord struct {
	client *http.Client
}

// NewDiscord creates a new Discord webhook sender
func NewDiscord() *Discord {
	return &Discord{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
}

// EmbedField represents a field in a Discord embed
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// EmbedFooter represents the footer of a Discord embed
type EmbedFooter struct {
	Text string `json:"text"`
}

// DiscordPayload represents the webhook payload
type DiscordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// SendMission posts the mission's current state to Discord
func (d *Discord) SendMission(webhookURL string, m *db.Mission) error {
	var color int
	switch m.Status {
	case db.MissionCompleted:
		color = 0x2EB67D
	case db.MissionFailed:
		color = 0xE01E5A
	case db.MissionWaitingReview:
		color = 0xECB22E
	default:
		color = 0x36C5F0
	}
	_, headline, detail := missionPresentation(m)

	description := m.Goal
	if len(description) > 3500 {
		description = description[:3500] + "\n\n*... (truncated)*"
	}
	if detail != "" {
		if len(detail) > 500 {
			detail = detail[:500] + "..."
		}
		description += fmt.Sprintf("\n\n```%s```", detail)
	}

	embed := DiscordEmbed{
		Title:       headline,
		Description: description,
		Color:       color,
		Fields: []EmbedField{
			{Name: "Status", Value: string(m.Status), Inline: true},
			{Name: "Duration", Value: missionDuration(m), Inline: true},
			{Name: "Tokens", Value: fmt.Sprintf("%d", m.TokenUsage.Total.Total), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer:    &EmbedFooter{Text: "OpenJules Mission Runtime"},
	}

	return postJSON(d.client, webhookURL, DiscordPayload{Embeds: []DiscordEmbed{embed}})
}
