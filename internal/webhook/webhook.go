package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/openjules/openjules/internal/db"
	"github.com/openjules/openjules/internal/settings"
)

// Notifier fans mission transitions out to the configured incoming webhooks
type Notifier struct {
	slack   *Slack
	discord *Discord
	logger  *log.Logger
}

// NewNotifier creates a notifier with both webhook senders ready
func NewNotifier(logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.New(os.Stderr, "[webhook] ", log.LstdFlags)
	}
	return &Notifier{
		slack:   NewSlack(),
		discord: NewDiscord(),
		logger:  logger,
	}
}

// NotifyMission sends the mission's current state to every configured
// webhook. Delivery is best effort and never influences the mission.
func (n *Notifier) NotifyMission(cfg settings.Notifications, m *db.Mission) {
	if cfg.SlackWebhook != "" {
		if err := n.slack.SendMission(cfg.SlackWebhook, m); err != nil {
			n.logger.Printf("slack webhook: %v", err)
		}
	}
	if cfg.DiscordWebhook != "" {
		if err := n.discord.SendMission(cfg.DiscordWebhook, m); err != nil {
			n.logger.Printf("discord webhook: %v", err)
		}
	}
}

func missionPresentation(m *db.Mission) (color string, headline string, detail string) {
	switch m.Status {
	case db.MissionCompleted:
		color = "#2EB67D"
		headline = "Mission completed"
		detail = m.ResultSummary
	case db.MissionFailed:
		color = "#E01E5A"
		headline = "Mission failed"
		detail = m.FailReason
	case db.MissionWaitingReview:
		color = "#ECB22E"
		headline = "Mission awaiting review"
		detail = "The final patch is ready for human review."
	default:
		color = "#36C5F0"
		headline = fmt.Sprintf("Mission %s", m.Status)
	}
	return color, headline, detail
}

func missionDuration(m *db.Mission) string {
	if m.TotalDurationMs > 0 {
		return (time.Duration(m.TotalDurationMs) * time.Millisecond).Round(time.Second).String()
	}
	if m.StartedAt != nil {
		return time.Since(*m.StartedAt).Round(time.Second).String()
	}
	return "n/a"
}

func postJSON(client *http.Client, url string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
