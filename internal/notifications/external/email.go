package external

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/dawalama/agent-dev-tool/internal/events"
)

// EmailConfig configures the SMTP escalation-delivery channel.
type EmailConfig struct {
	SMTPHost   string
	SMTPPort   int
	Username   string
	Password   string
	From       string
	To         []string
	EventTypes []events.EventType
}

// EmailNotifier sends escalation/failure events over SMTP.
type EmailNotifier struct {
	config EmailConfig
}

// NewEmailNotifier builds a notifier around config.
func NewEmailNotifier(config EmailConfig) *EmailNotifier {
	return &EmailNotifier{config: config}
}

// Name identifies this channel to the Router.
func (e *EmailNotifier) Name() string { return "email" }

// ShouldNotify matches event.Type against the configured allow-list.
func (e *EmailNotifier) ShouldNotify(event events.Event) bool {
	return matchesEventType(e.config.EventTypes, event.Type)
}

// Send emails event to every configured recipient.
func (e *EmailNotifier) Send(event events.Event) error {
	if e.config.SMTPHost == "" {
		return fmt.Errorf("SMTP host not configured")
	}
	if e.config.From == "" {
		return fmt.Errorf("from address not configured")
	}
	if len(e.config.To) == 0 {
		return fmt.Errorf("no recipient addresses configured")
	}

	message := e.buildMessage(e.buildSubject(event), e.buildBody(event))

	addr := fmt.Sprintf("%s:%d", e.config.SMTPHost, e.config.SMTPPort)
	var auth smtp.Auth
	if e.config.Username != "" && e.config.Password != "" {
		auth = smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.SMTPHost)
	}

	if err := smtp.SendMail(addr, auth, e.config.From, e.config.To, []byte(message)); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func (e *EmailNotifier) buildSubject(event events.Event) string {
	prefix := ""
	if severityColor(event.Type) == "danger" {
		prefix = "[ESCALATION] "
	}
	return fmt.Sprintf("%sadt %s event - %s", prefix, event.Type, event.ID)
}

func (e *EmailNotifier) buildBody(event events.Event) string {
	var body strings.Builder
	body.WriteString("adt event notification\n")
	body.WriteString("=======================\n\n")
	body.WriteString(fmt.Sprintf("Event ID: %s\n", event.ID))
	body.WriteString(fmt.Sprintf("Type: %s\n", event.Type))
	if event.Project != "" {
		body.WriteString(fmt.Sprintf("Project: %s\n", event.Project))
	}
	body.WriteString(fmt.Sprintf("Timestamp: %s\n", event.Timestamp.Format(time.RFC3339)))

	if len(event.Payload) > 0 {
		body.WriteString("\nPayload:\n--------\n")
		for k, v := range event.Payload {
			body.WriteString(fmt.Sprintf("%s: %v\n", k, v))
		}
	}

	body.WriteString("\n--\nThis is an automated notification from adt\n")
	return body.String()
}

func (e *EmailNotifier) buildMessage(subject, body string) string {
	var message strings.Builder
	message.WriteString(fmt.Sprintf("From: %s\r\n", e.config.From))
	message.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(e.config.To, ", ")))
	message.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	message.WriteString("MIME-Version: 1.0\r\n")
	message.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	message.WriteString(body)
	return message.String()
}
