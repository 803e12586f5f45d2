package external

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dawalama/agent-dev-tool/internal/events"
)

// SlackConfig configures a Slack webhook notifier.
type SlackConfig struct {
	WebhookURL string
	Channel    string
	Username   string
	IconEmoji  string
	EventTypes []events.EventType
}

// SlackNotifier sends escalation/failure events to a Slack incoming webhook.
type SlackNotifier struct {
	config SlackConfig
	client *http.Client
}

// NewSlackNotifier builds a notifier around config.
func NewSlackNotifier(config SlackConfig) *SlackNotifier {
	return &SlackNotifier{config: config, client: &http.Client{Timeout: 10 * time.Second}}
}

// Name identifies this channel to the Router.
func (s *SlackNotifier) Name() string { return "slack" }

// ShouldNotify matches event.Type against the configured allow-list; an
// empty list matches everything.
func (s *SlackNotifier) ShouldNotify(event events.Event) bool {
	return matchesEventType(s.config.EventTypes, event.Type)
}

// Send posts event as a Slack attachment.
func (s *SlackNotifier) Send(event events.Event) error {
	if s.config.WebhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	fields := []map[string]interface{}{
		{"title": "Type", "value": string(event.Type), "short": true},
		{"title": "Project", "value": event.Project, "short": true},
	}
	for k, v := range event.Payload {
		fields = append(fields, map[string]interface{}{"title": k, "value": fmt.Sprintf("%v", v), "short": false})
	}

	payload := map[string]interface{}{
		"text": fmt.Sprintf("Event: %s", event.ID),
		"attachments": []map[string]interface{}{
			{
				"color":  severityColor(event.Type),
				"title":  fmt.Sprintf("%s event", event.Type),
				"fields": fields,
				"ts":     event.Timestamp.Unix(),
			},
		},
	}
	if s.config.Channel != "" {
		payload["channel"] = s.config.Channel
	}
	if s.config.Username != "" {
		payload["username"] = s.config.Username
	}
	if s.config.IconEmoji != "" {
		payload["icon_emoji"] = s.config.IconEmoji
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	resp, err := s.client.Post(s.config.WebhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("send slack notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned status %d", resp.StatusCode)
	}
	return nil
}

// matchesEventType reports whether t is in allowed, or allowed is empty.
func matchesEventType(allowed []events.EventType, t events.EventType) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, et := range allowed {
		if et == t {
			return true
		}
	}
	return false
}

// severityColor maps an event type to a Slack/Discord attachment color —
// escalations and failures read red, everything else green.
func severityColor(t events.EventType) string {
	switch t {
	case events.EventEscalation, events.EventAgentStatus, events.EventTaskFailed, events.EventProcessFailed:
		return "danger"
	default:
		return "good"
	}
}
