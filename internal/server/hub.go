package server

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dawalama/agent-dev-tool/internal/events"
)

// WebSocketBufferSize is the buffer size for a client's outbound send
// channel, allowing pending messages to queue up before the hub starts
// dropping them for a slow client.
const WebSocketBufferSize = 256

// Client is one connected WebSocket browser/CLI session. Project is the
// optional subscription filter negotiated at connect time ("" means all
// projects, per spec.md §5.2's WS subscribe command).
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	project string
	role    string
}

// Hub fans out bus events to every connected client whose subscription
// matches, and accepts inbound command frames for dispatch.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan wsBroadcast
}

type wsBroadcast struct {
	project string // "" means broadcast to every client regardless of filter
	data    []byte
}

// wsMessage is the envelope sent to WebSocket clients.
type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// NewHub creates an empty hub. Call Run in its own goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan wsBroadcast, WebSocketBufferSize),
	}
}

// Run is the hub's single-goroutine event loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if msg.project != "" && client.project != "" && client.project != msg.project {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastEvent publishes a bus event to every client subscribed to its
// project (or to every client, if the event is server-wide).
func (h *Hub) BroadcastEvent(e events.Event) {
	data, err := json.Marshal(wsMessage{Type: string(e.Type), Data: e})
	if err != nil {
		return
	}
	h.broadcast <- wsBroadcast{project: e.Project, data: data}
}

// ClientCount reports how many WebSocket clients are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CommandDispatcher handles an inbound WebSocket command frame (spec.md
// §5.2: {"action": "...", ...}) and returns the JSON-able reply.
type CommandDispatcher func(role string, raw []byte) (interface{}, error)

func (c *Client) readPump(dispatch CommandDispatcher) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if dispatch == nil {
			continue
		}
		reply, err := dispatch(c.role, raw)
		if err != nil {
			reply = map[string]string{"error": err.Error()}
		}
		data, merr := json.Marshal(wsMessage{Type: "command_result", Data: reply})
		if merr != nil {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Register adds client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}
