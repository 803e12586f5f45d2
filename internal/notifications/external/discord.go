package external

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dawalama/agent-dev-tool/internal/events"
)

// DiscordConfig configures a Discord webhook notifier.
type DiscordConfig struct {
	WebhookURL string
	Username   string
	AvatarURL  string
	EventTypes []events.EventType
}

// DiscordNotifier sends escalation/failure events to a Discord webhook.
type DiscordNotifier struct {
	config DiscordConfig
	client *http.Client
}

// NewDiscordNotifier builds a notifier around config.
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{config: config, client: &http.Client{Timeout: 10 * time.Second}}
}

// Name identifies this channel to the Router.
func (d *DiscordNotifier) Name() string { return "discord" }

// ShouldNotify matches event.Type against the configured allow-list.
func (d *DiscordNotifier) ShouldNotify(event events.Event) bool {
	return matchesEventType(d.config.EventTypes, event.Type)
}

// Send posts event as a Discord embed.
func (d *DiscordNotifier) Send(event events.Event) error {
	if d.config.WebhookURL == "" {
		return fmt.Errorf("discord webhook URL not configured")
	}

	color := 0x2ECC71
	if severityColor(event.Type) == "danger" {
		color = 0xE74C3C
	}

	fields := []map[string]interface{}{
		{"name": "Type", "value": string(event.Type), "inline": true},
		{"name": "Project", "value": event.Project, "inline": true},
	}
	for k, v := range event.Payload {
		fields = append(fields, map[string]interface{}{"name": k, "value": fmt.Sprintf("%v", v), "inline": false})
	}

	embed := map[string]interface{}{
		"title":       fmt.Sprintf("%s event", event.Type),
		"description": fmt.Sprintf("Event ID: %s", event.ID),
		"color":       color,
		"timestamp":   event.Timestamp.Format(time.RFC3339),
		"fields":      fields,
	}
	payload := map[string]interface{}{"embeds": []map[string]interface{}{embed}}
	if d.config.Username != "" {
		payload["username"] = d.config.Username
	}
	if d.config.AvatarURL != "" {
		payload["avatar_url"] = d.config.AvatarURL
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.config.WebhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("send discord notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
