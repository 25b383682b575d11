// Package store is the source of truth for channel history and membership.
//
// Each channel keeps a bounded in-memory ring of recent messages plus an
// optional unbounded durable log. The ring always holds a contiguous suffix
// of the log. Eviction is strict FIFO and never deletes from the log.
package store

import "time"

// Message is one immutable entry in a channel's history. Seq and Timestamp
// are assigned by the store at append time, never by the sender.
type Message struct {
	Channel   string    `json:"channel"`
	Seq       uint64    `json:"seq"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
