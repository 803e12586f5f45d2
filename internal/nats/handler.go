package nats

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/nats-io/nats.go"
)

// HandlerCallbacks wires inbound NATS traffic back into the core: agent
// heartbeats/status updates arriving over the wire, and an operator's
// answer to an escalation posted from outside the process.
type HandlerCallbacks struct {
	OnHeartbeat         func(agentID, project, status, task string) error
	OnStatusUpdate      func(agentID, status, message string) error
	OnEscalationAnswer  func(id, response, from string) error
}

// Handler processes inbound NATS messages and delegates to callbacks.
type Handler struct {
	client    *Client
	callbacks HandlerCallbacks

	subs   []*nats.Subscription
	subsMu sync.Mutex

	running bool
}

// NewHandler creates a new NATS message handler.
func NewHandler(client *Client, callbacks HandlerCallbacks) *Handler {
	return &Handler{
		client:    client,
		callbacks: callbacks,
		subs:      make([]*nats.Subscription, 0),
	}
}

// Start subscribes to every inbound subject the bridge understands.
func (h *Handler) Start() error {
	if h.running {
		return fmt.Errorf("handler already running")
	}
	h.running = true

	sub, err := h.client.Subscribe(SubjectAllHeartbeats, h.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe to heartbeats: %w", err)
	}
	h.addSub(sub)

	sub, err = h.client.Subscribe(SubjectAllStatus, h.handleStatus)
	if err != nil {
		return fmt.Errorf("subscribe to status: %w", err)
	}
	h.addSub(sub)

	sub, err = h.client.Subscribe("escalation.response.*", h.handleEscalationResponse)
	if err != nil {
		return fmt.Errorf("subscribe to escalation responses: %w", err)
	}
	h.addSub(sub)

	log.Printf("[nats] handler started, subscribed to %d subjects", len(h.subs))
	return nil
}

// Stop terminates message processing and unsubscribes from every subject.
func (h *Handler) Stop() {
	if !h.running {
		return
	}

	h.subsMu.Lock()
	for _, sub := range h.subs {
		sub.Unsubscribe()
	}
	h.subs = nil
	h.subsMu.Unlock()

	h.running = false
	log.Printf("[nats] handler stopped")
}

func (h *Handler) addSub(sub *nats.Subscription) {
	h.subsMu.Lock()
	h.subs = append(h.subs, sub)
	h.subsMu.Unlock()
}

func (h *Handler) handleHeartbeat(msg *Message) {
	var hb HeartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		log.Printf("[nats] invalid heartbeat message: %v", err)
		return
	}
	if h.callbacks.OnHeartbeat != nil {
		if err := h.callbacks.OnHeartbeat(hb.AgentID, hb.Project, hb.Status, hb.CurrentTask); err != nil {
			log.Printf("[nats] heartbeat callback error: %v", err)
		}
	}
}

func (h *Handler) handleStatus(msg *Message) {
	var status StatusMessage
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		log.Printf("[nats] invalid status message: %v", err)
		return
	}
	if h.callbacks.OnStatusUpdate != nil {
		if err := h.callbacks.OnStatusUpdate(status.AgentID, status.Status, status.Message); err != nil {
			log.Printf("[nats] status callback error: %v", err)
		}
	}
}

func (h *Handler) handleEscalationResponse(msg *Message) {
	var resp EscalationResponseMessage
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		log.Printf("[nats] invalid escalation response message: %v", err)
		return
	}
	if h.callbacks.OnEscalationAnswer != nil {
		if err := h.callbacks.OnEscalationAnswer(resp.ID, resp.Response, resp.From); err != nil {
			log.Printf("[nats] escalation answer callback error: %v", err)
		}
	}
}
