package nats

import (
	"log"

	"github.com/dawalama/agent-dev-tool/internal/events"
)

// Bridge republishes every core event onto the NATS subject matching its
// type, letting external tooling (a chat adapter, an ops dashboard) watch
// the same stream the in-process WebSocket hub serves without holding an
// HTTP connection open.
type Bridge struct {
	client *Client
	log    *log.Logger
}

// NewBridge wraps client for event republishing.
func NewBridge(client *Client, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.Default()
	}
	return &Bridge{client: client, log: logger}
}

// Publish republishes e on the subject named by its event type.
func (b *Bridge) Publish(e events.Event) {
	msg := EventMessage{
		ID:        e.ID,
		Type:      string(e.Type),
		Project:   e.Project,
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
	}
	if err := b.client.PublishJSON(string(e.Type), msg); err != nil {
		b.log.Printf("[nats] publish %s failed: %v", e.Type, err)
	}
}

// Subscribe wires the bridge to bus, republishing every event it sees.
func (b *Bridge) Subscribe(bus *events.Bus) {
	bus.Subscribe("", func(e events.Event) {
		b.Publish(e)
	})
}
