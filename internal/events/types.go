package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the closed enum of spec.md §3: agent.*, task.*, process.*,
// server.*, notification, escalation.
type EventType string

const (
	EventAgentSpawned EventType = "agent.spawned"
	EventAgentStatus  EventType = "agent.status_changed"
	EventAgentOutput  EventType = "agent.output"
	EventAgentStopped EventType = "agent.stopped"

	EventTaskCreated   EventType = "task.created"
	EventTaskAssigned  EventType = "task.assigned"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskBlocked   EventType = "task.blocked"

	EventProcessStarted EventType = "process.started"
	EventProcessStopped EventType = "process.stopped"
	EventProcessFailed  EventType = "process.failed"

	EventServerStarted  EventType = "server.started"
	EventServerStopping EventType = "server.stopping"

	EventNotification EventType = "notification"
	EventEscalation   EventType = "escalation"
)

// Event is the discriminated-union record published on the bus and
// delivered to WebSocket subscribers. Project is optional (server-wide
// events, e.g. server.started, leave it empty).
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Project   string                 `json:"project,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"data,omitempty"`
}

// New synthesizes an event with an auto-generated id and current timestamp
// — the "emit(tag, project?, **payload)" operation of spec.md §4.4.
func New(eventType EventType, project string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Project:   project,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
