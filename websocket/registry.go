package websocket

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Registry tracks the set of live connections on a server and supports
// broadcasting to all of them. It is the multi-connection complement to
// Conn, adapted from the single-connection coordinator's event-loop
// style into a client-set manager (spec.md's component map lists
// Registry as an optional, non-core convenience built on top of Conn).
type Registry struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*Conn
	closed  bool
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[uuid.UUID]*Conn)}
}

// Register assigns conn a fresh connection ID and adds it to the
// registry. It returns the ID so callers can correlate logs or remove
// the connection later without holding onto the *Conn itself.
func (reg *Registry) Register(conn *Conn) uuid.UUID {
	id := uuid.New()
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.closed {
		return id
	}
	reg.clients[id] = conn
	return id
}

// Unregister removes id from the registry without closing its
// connection; callers that also want the socket closed should call
// Conn.Close themselves.
func (reg *Registry) Unregister(id uuid.UUID) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.clients, id)
}

// Get returns the connection registered under id, if any.
func (reg *Registry) Get(id uuid.UUID) (*Conn, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	c, ok := reg.clients[id]
	return c, ok
}

// Count reports how many connections are currently registered.
func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.clients)
}

// Broadcast sends a message to every registered connection. A send that
// fails unregisters that connection; Broadcast does not close it, since
// the connection's own reader loop will observe the write failure on its
// next attempt and finish tearing itself down.
func (reg *Registry) Broadcast(mt MessageType, data []byte) {
	reg.mu.RLock()
	targets := make(map[uuid.UUID]*Conn, len(reg.clients))
	for id, c := range reg.clients {
		targets[id] = c
	}
	reg.mu.RUnlock()

	for id, c := range targets {
		if err := c.Send(mt, data); err != nil {
			reg.Unregister(id)
		}
	}
}

// BroadcastText is a convenience wrapper around Broadcast for TextMessage.
func (reg *Registry) BroadcastText(text string) { reg.Broadcast(TextMessage, []byte(text)) }

// BroadcastJSON marshals v and broadcasts it as a text message.
func (reg *Registry) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	reg.Broadcast(TextMessage, data)
	return nil
}

// CloseAll closes every registered connection with the given code and
// reason, then empties the registry. Safe to call once at shutdown.
func (reg *Registry) CloseAll(code CloseCode, reason string) {
	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return
	}
	reg.closed = true
	targets := reg.clients
	reg.clients = make(map[uuid.UUID]*Conn)
	reg.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range targets {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			_ = c.Close(code, reason)
		}(c)
	}
	wg.Wait()
}
