package webhook

import (
	"fmt"
	"net/http"
	"time"

	"github.com/openjules/openjules/internal/db"
)

// Slack sends mission notifications to a Slack incoming webhook
type Slack struct {
	client *http.Client
}

// NewSlack creates a new Slack webhook sender
func NewSlack() *Slack {
	return &Slack{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SlackBlock represents a Slack Block Kit block
type SlackBlock struct {
	Type   string         `json:"type"`
	Text   *SlackTextObj  `json:"text,omitempty"`
	Fields []SlackTextObj `json:"fields,omitempty"`
}

// SlackTextObj represents a Slack text object
type SlackTextObj struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// SlackAttachment represents a Slack attachment (for the colored sidebar)
type SlackAttachment struct {
	Color  string       `json:"color"`
	Blocks []SlackBlock `json:"blocks"`
}

// SlackPayload represents the webhook payload
type SlackPayload struct {
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SendMission posts the mission's current state to Slack
func (s *Slack) SendMission(webhookURL string, m *db.Mission) error {
	color, headline, detail := missionPresentation(m)

	goal := m.Goal
	if len(goal) > 300 {
		goal = goal[:300] + "..."
	}

	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObj{Type: "plain_text", Text: headline, Emoji: true},
		},
		{
			Type: "section",
			Fields: []SlackTextObj{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Status:*\n%s", m.Status)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Duration:*\n%s", missionDuration(m))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Mission:*\n`%s`", m.ID)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Tokens:*\n%d", m.TokenUsage.Total.Total)},
			},
		},
		{
			Type: "section",
			Text: &SlackTextObj{Type: "mrkdwn", Text: "*Goal:*\n" + goal},
		},
	}
	if detail != "" {
		if len(detail) > 500 {
			detail = detail[:500] + "..."
		}
		blocks = append(blocks, SlackBlock{
			Type: "section",
			Text: &SlackTextObj{Type: "mrkdwn", Text: fmt.Sprintf("```%s```", detail)},
		})
	}

	payload := SlackPayload{
		Attachments: []SlackAttachment{{Color: color, Blocks: blocks}},
	}
	return postJSON(s.client, webhookURL, payload)
}
