package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/space-swarm/space/internal/eventbus"
)

// sendBufferSize is the per-client outbound channel depth; a client that
// falls this far behind is disconnected rather than let to block
// broadcast for everyone else.
const sendBufferSize = 256

// tailMessage is the JSON shape pushed to a live-tail client.
type tailMessage struct {
	Topic     string      `json:"topic"`
	Payload   interface{} `json:"payload"`
	Published time.Time   `json:"published"`
}

// client is one connected live-tail WebSocket, optionally filtered to a
// single topic (empty means every topic).
type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	topic string
}

// Hub fans out event-bus envelopes to connected live-tail clients.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
}

// NewHub constructs an idle Hub; call Run to start its dispatch loop.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run processes register/unregister requests until the process exits.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastTail pushes env to every client whose topic filter matches.
func (h *Hub) BroadcastTail(env eventbus.Envelope) {
	data, err := json.Marshal(tailMessage{
		Topic:     env.Topic,
		Payload:   env.Payload,
		Published: env.Published,
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.topic != "" && c.topic != env.Topic {
			continue
		}
		select {
		case c.send <- data:
		default:
			// client is too far behind; drop it rather than block everyone
			go h.Unregister(c)
		}
	}
}

// Register adds a client to the dispatch set.
func (h *Hub) Register(c *client) { h.register <- c }

// Unregister removes a client from the dispatch set.
func (h *Hub) Unregister(c *client) { h.unregister <- c }

// ClientCount reports how many live-tail clients are connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		// live-tail is push-only; inbound frames are read and discarded
		// solely to notice the client closing.
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
