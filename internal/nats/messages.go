package nats

import "time"

// Subject pattern constants for NATS messaging, used by the event-bus
// bridge (cmd/adt-bridge) to fan core events out to external subscribers
// and feed inbound agent heartbeats back into the core.
const (
	// SubjectAgentHeartbeat is the pattern for agent heartbeat messages.
	// Use fmt.Sprintf(SubjectAgentHeartbeat, agentID) for a specific subject.
	SubjectAgentHeartbeat = "agent.%s.heartbeat"

	// SubjectAgentStatus is the pattern for agent status-changed events.
	SubjectAgentStatus = "agent.%s.status"

	// SubjectAgentCommand is the pattern for commands sent to a specific agent.
	SubjectAgentCommand = "agent.%s.command"

	// SubjectAllHeartbeats subscribes to every agent's heartbeats.
	SubjectAllHeartbeats = "agent.*.heartbeat"

	// SubjectAllStatus subscribes to every agent's status updates.
	SubjectAllStatus = "agent.*.status"

	// SubjectTaskCreated mirrors events.EventTaskCreated.
	SubjectTaskCreated = "task.created"

	// SubjectTaskCompleted mirrors events.EventTaskCompleted.
	SubjectTaskCompleted = "task.completed"

	// SubjectTaskFailed mirrors events.EventTaskFailed.
	SubjectTaskFailed = "task.failed"

	// SubjectProcessFailed mirrors events.EventProcessFailed.
	SubjectProcessFailed = "process.failed"

	// SubjectSystemBroadcast is used for system-wide announcements.
	SubjectSystemBroadcast = "system.broadcast"

	// SubjectEscalationCreate is used when an agent raises a question.
	SubjectEscalationCreate = "escalation.create"

	// SubjectEscalationResponse is the pattern for an operator's answer.
	// Use fmt.Sprintf(SubjectEscalationResponse, escalationID) for a specific subject.
	SubjectEscalationResponse = "escalation.response.%s"
)

// HeartbeatMessage represents an agent heartbeat message.
type HeartbeatMessage struct {
	AgentID     string    `json:"agent_id"`
	Project     string    `json:"project"`
	Status      string    `json:"status"`
	CurrentTask string    `json:"current_task"`
	Timestamp   time.Time `json:"timestamp"`
}

// StatusMessage represents an agent status update.
type StatusMessage struct {
	AgentID   string    `json:"agent_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandMessage represents a command sent to an agent.
type CommandMessage struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// EventMessage carries a bus event across the NATS bridge, keyed by the
// same event type string as events.EventType.
type EventMessage struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Project   string                 `json:"project,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"data,omitempty"`
}

// SystemBroadcastMessage represents a system-wide announcement.
type SystemBroadcastMessage struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EscalationCreateMessage represents an agent raising a question that
// needs an operator's attention.
type EscalationCreateMessage struct {
	ID        string                 `json:"id"`
	AgentID   string                 `json:"agent_id"`
	Question  string                 `json:"question"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EscalationResponseMessage represents an operator's answer to an
// escalation, delivered back to the waiting agent session.
type EscalationResponseMessage struct {
	ID        string    `json:"id"`
	Response  string    `json:"response"`
	From      string    `json:"from"`
	Timestamp time.Time `json:"timestamp"`
}
