package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dukerupert/loyaltywallet/internal/auth"
)

// AllKey receives every published message. Admin connections subscribe to it.
const AllKey = "*"

// Message is a real-time notification pushed to subscribers.
type Message struct {
	Type   string `json:"type"`
	Entity string `json:"entity"`
	Action string `json:"action"`
	ID     string `json:"id,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// NewMessage creates a Message with the Type field derived from entity and action.
func NewMessage(entity, action, id string, data any) Message {
	return Message{
		Type:   entity + "_" + action,
		Entity: entity,
		Action: action,
		ID:     id,
		Data:   data,
	}
}

// SubscriberKey is the key a caller's connection listens on.
func SubscriberKey(c auth.Caller) string {
	if c.Role == auth.RoleAdmin {
		return AllKey
	}
	return string(c.Role) + ":" + c.ID
}

// ClientObserver is told when connections come and go.
type ClientObserver interface {
	ClientConnected()
	ClientDisconnected()
}

// Hub tracks connected clients by subscriber key and fans messages out to
// the keys they are addressed to.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	observer ClientObserver
	logger   *slog.Logger
}

// NewHub creates a new Hub. observer may be nil.
func NewHub(observer ClientObserver, logger *slog.Logger) *Hub {
	return &Hub{
		clients:  make(map[string]map[*Client]struct{}),
		observer: observer,
		logger:   logger,
	}
}

// Register adds a client under its key.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.key]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.key] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	if h.observer != nil {
		h.observer.ClientConnected()
	}
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	removed := false
	if set, ok := h.clients[c.key]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.send)
			removed = true
		}
		if len(set) == 0 {
			delete(h.clients, c.key)
		}
	}
	h.mu.Unlock()

	if removed && h.observer != nil {
		h.observer.ClientDisconnected()
	}
}

// Publish sends msg to every client subscribed to one of keys, and to
// AllKey subscribers. Slow clients whose buffer is full miss the message.
func (h *Hub) Publish(msg Message, keys ...string) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal message", "type", msg.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]bool, len(keys)+1)
	for _, key := range append([]string{AllKey}, keys...) {
		if seen[key] {
			continue
		}
		seen[key] = true
		for c := range h.clients[key] {
			select {
			case c.send <- data:
			default:
				h.logger.Warn("client buffer full, dropping message", "key", key, "type", msg.Type)
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// Subscribe registers an in-process subscriber on key. The returned cancel
// unregisters it and closes the channel.
func (h *Hub) Subscribe(key string) (<-chan []byte, func()) {
	c := &Client{hub: h, key: key, send: make(chan []byte, sendBufferSize)}
	h.Register(c)
	return c.send, func() { h.Unregister(c) }
}
