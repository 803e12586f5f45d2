package notifications

import (
	"github.com/dawalama/agent-dev-tool/internal/config"
	"github.com/dawalama/agent-dev-tool/internal/events"
	"github.com/dawalama/agent-dev-tool/internal/notifications/external"
)

// BuildRouter assembles a Router from the channels configuration block,
// wiring in only the escalation-delivery channels the operator enabled.
func BuildRouter(cfg config.ChannelsConfig) *Router {
	router := NewRouter(nil)

	if cfg.Slack.Enabled && cfg.Slack.WebhookURL != "" {
		router.AddChannel(external.NewSlackNotifier(external.SlackConfig{
			WebhookURL: cfg.Slack.WebhookURL,
			EventTypes: eventTypes(cfg.Slack.EventTypes),
		}))
	}

	if cfg.Discord.Enabled && cfg.Discord.WebhookURL != "" {
		router.AddChannel(external.NewDiscordNotifier(external.DiscordConfig{
			WebhookURL: cfg.Discord.WebhookURL,
			EventTypes: eventTypes(cfg.Discord.EventTypes),
		}))
	}

	if cfg.Email.Enabled && cfg.Email.SMTPHost != "" {
		router.AddChannel(external.NewEmailNotifier(external.EmailConfig{
			SMTPHost:   cfg.Email.SMTPHost,
			SMTPPort:   cfg.Email.SMTPPort,
			Username:   cfg.Email.Username,
			Password:   cfg.Email.Password,
			From:       cfg.Email.From,
			To:         cfg.Email.To,
			EventTypes: eventTypes(cfg.Email.Events),
		}))
	}

	return router
}

func eventTypes(names []string) []events.EventType {
	if len(names) == 0 {
		return nil
	}
	out := make([]events.EventType, len(names))
	for i, n := range names {
		out[i] = events.EventType(n)
	}
	return out
}

// SubscribeBus routes every event the bus publishes through router,
// giving escalation/failure channels a live feed without the gateway
// needing to know which channels are configured.
func SubscribeBus(bus *events.Bus, router *Router) {
	bus.Subscribe("", func(e events.Event) {
		router.Route(e)
	})
}
