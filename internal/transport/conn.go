// Package transport maintains live WebSocket connections to agent processes
// and the HTTP API surface of the bus. Delivery here is best-effort: channel
// history in the store is the source of truth, a push is a convenience.
package transport

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/swarmbus/swarmbus/internal/store"
)

// Envelope is the outbound wire frame pushed to agents.
type Envelope struct {
	Type      string          `json:"type"` // "message", "catchup", "system"
	Message   *store.Message  `json:"message,omitempty"`
	Messages  []store.Message `json:"messages,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Frame is the inbound wire frame read from agents.
type Frame struct {
	Type    string `json:"type"` // "msg", "history", "subscribe"
	Channel string `json:"channel"`
	Content string `json:"content,omitempty"`
	Since   uint64 `json:"since,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// Conn is one live agent connection. Writes go through a buffered outbound
// queue drained by a single writer goroutine; gorilla/websocket does not
// support concurrent writes. A full queue or a failed write marks the
// connection stuck and it is closed, same as a disconnect.
type Conn struct {
	identity  string
	raw       *websocket.Conn
	outbound  chan Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(identity string, raw *websocket.Conn, buffer int) *Conn {
	return &Conn{
		identity: identity,
		raw:      raw,
		outbound: make(chan Envelope, buffer),
		done:     make(chan struct{}),
	}
}

// enqueue hands env to the writer goroutine. Returns false when the outbound
// queue is full, meaning the consumer is not keeping up.
func (c *Conn) enqueue(env Envelope) bool {
	select {
	case c.outbound <- env:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// writePump drains the outbound queue onto the socket. Runs until the
// connection closes; onDead is invoked once when a write fails.
func (c *Conn) writePump(writeTimeout time.Duration, onDead func(*Conn)) {
	for {
		select {
		case env := <-c.outbound:
			c.raw.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.raw.WriteJSON(env); err != nil {
				log.Printf("[Transport] write to %s failed: %v", c.identity, err)
				onDead(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

// close shuts the writer down and closes the socket. Safe to call repeatedly.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.raw.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.raw.Close()
	})
}
