package transport

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/swarmbus/swarmbus/internal/store"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultSendBuffer   = 256
)

// Hub multiplexes live connections by agent identity. A second connection for
// an identity replaces the first (last-writer-wins); the replaced socket is
// closed without firing the disconnect hook.
type Hub struct {
	writeTimeout time.Duration
	sendBuffer   int

	mu    sync.RWMutex
	conns map[string]*Conn

	// OnDisconnect fires once per lost connection, after the identity has
	// been removed from the table. Not fired for replaced connections.
	OnDisconnect func(identity string)
}

// NewHub creates a Hub with sane delivery bounds.
func NewHub() *Hub {
	return &Hub{
		writeTimeout: defaultWriteTimeout,
		sendBuffer:   defaultSendBuffer,
		conns:        make(map[string]*Conn),
	}
}

// Bind registers a live socket for identity and starts its writer.
func (h *Hub) Bind(identity string, raw *websocket.Conn) *Conn {
	conn := newConn(identity, raw, h.sendBuffer)

	h.mu.Lock()
	prev := h.conns[identity]
	h.conns[identity] = conn
	h.mu.Unlock()

	if prev != nil {
		log.Printf("[Transport] %s reconnected, replacing previous connection", identity)
		prev.close()
	}

	go conn.writePump(h.writeTimeout, h.drop)
	return conn
}

// Unbind removes conn from the table if it is still the live connection for
// its identity, closes it, and fires the disconnect hook.
func (h *Hub) Unbind(conn *Conn) {
	h.mu.Lock()
	current, live := h.conns[conn.identity]
	if live && current == conn {
		delete(h.conns, conn.identity)
	} else {
		live = false
	}
	h.mu.Unlock()

	conn.close()
	if live && h.OnDisconnect != nil {
		h.OnDisconnect(conn.identity)
	}
}

// drop is the writer's dead-connection path: a stuck or failed socket is
// treated the same as a disconnect.
func (h *Hub) drop(conn *Conn) {
	h.Unbind(conn)
}

// Disconnect closes the live connection for identity, if any.
func (h *Hub) Disconnect(identity string) {
	h.mu.RLock()
	conn := h.conns[identity]
	h.mu.RUnlock()
	if conn != nil {
		h.Unbind(conn)
	}
}

// Send queues env for identity. Best-effort: no live connection is a no-op,
// and a full outbound queue drops the connection rather than blocking the
// caller. Returns true when the envelope was queued.
func (h *Hub) Send(identity string, env Envelope) bool {
	h.mu.RLock()
	conn := h.conns[identity]
	h.mu.RUnlock()
	if conn == nil {
		return false
	}
	if !conn.enqueue(env) {
		log.Printf("[Transport] %s outbound queue full, dropping connection", identity)
		h.Unbind(conn)
		return false
	}
	return true
}

// Broadcast pushes msg to every subscriber's live connection except exclude
// (normally the sender, which already knows what it sent).
func (h *Hub) Broadcast(msg store.Message, subscribers map[string]struct{}, exclude string) {
	env := Envelope{Type: "message", Message: &msg}
	for identity := range subscribers {
		if identity == exclude {
			continue
		}
		h.Send(identity, env)
	}
}

// Connected reports whether identity has a live connection.
func (h *Hub) Connected(identity string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[identity] != nil
}

// Identities returns a snapshot of all connected identities.
func (h *Hub) Identities() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll tears down every live connection without firing disconnect hooks,
// for orderly shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[string]*Conn)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
}
