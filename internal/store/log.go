package store

import "context"

// Log is an append-only durable backend for channel history. Implementations
// must support per-channel range reads by sequence lower bound so the store
// can serve catch-up requests that predate the in-memory ring, and tail
// reads for restart recovery.
type Log interface {
	// Append persists one message. The store calls this with per-channel
	// sequence numbers already assigned.
	Append(ctx context.Context, msg Message) error

	// Range returns messages on channel with Seq > since, oldest first.
	// A positive limit keeps the most recent limit messages of the range;
	// limit <= 0 means no bound.
	Range(ctx context.Context, channel string, since uint64, limit int) ([]Message, error)

	// Tail returns the most recent limit messages on channel, oldest first.
	Tail(ctx context.Context, channel string, limit int) ([]Message, error)

	// LastSeq returns the highest sequence persisted for channel, 0 if none.
	LastSeq(ctx context.Context, channel string) (uint64, error)

	Close() error
}
