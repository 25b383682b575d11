package store

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRingCapacity is the per-channel in-memory window when none is
// configured. Matches the "last 50 messages" catch-up policy.
const DefaultRingCapacity = 50

// channelState holds one channel's ring, counters, and membership.
// Guarded by its own mutex so channels never serialize against each other.
type channelState struct {
	mu          sync.Mutex
	ring        []Message // contiguous suffix of the full history
	lastSeq     uint64
	lastStamp   time.Time
	subscribers map[string]struct{}
	recovered   bool // durable tail loaded into the ring
}

// Store owns all channel state. Channel names are opaque: any non-empty
// string is a valid channel, created implicitly on first append or subscribe.
type Store struct {
	capacity int
	durable  Log // nil for in-memory-only operation

	mu       sync.RWMutex
	channels map[string]*channelState

	durableErrors atomic.Uint64

	// OnDurabilityError, when set, is invoked after a durable write fails.
	// The in-memory append has already succeeded by then.
	OnDurabilityError func(channel string, err error)
}

// New creates a Store with the given ring capacity and optional durable log.
func New(capacity int, durable Log) *Store {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Store{
		capacity: capacity,
		channels: make(map[string]*channelState),
		durable:  durable,
	}
}

// Durable reports whether a durable log is attached.
func (s *Store) Durable() bool { return s.durable != nil }

// DurableErrors returns the count of failed durable writes since start.
func (s *Store) DurableErrors() uint64 { return s.durableErrors.Load() }

func (s *Store) channel(name string) *channelState {
	s.mu.RLock()
	ch := s.channels[name]
	s.mu.RUnlock()
	if ch != nil {
		return ch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ch = s.channels[name]; ch != nil {
		return ch
	}
	ch = &channelState{subscribers: make(map[string]struct{})}
	s.channels[name] = ch
	return ch
}

// recoverLocked warms a freshly created channel from the durable log.
// Called with ch.mu held.
func (s *Store) recoverLocked(ctx context.Context, name string, ch *channelState) {
	ch.recovered = true
	if s.durable == nil {
		return
	}
	tail, err := s.durable.Tail(ctx, name, s.capacity)
	if err != nil {
		s.durableErrors.Add(1)
		log.Printf("[Store] recovery read failed for %s: %v", name, err)
		return
	}
	if len(tail) == 0 {
		return
	}
	ch.ring = tail
	ch.lastSeq = tail[len(tail)-1].Seq
	ch.lastStamp = tail[len(tail)-1].Timestamp
}

// Append assigns the next sequence and a monotonic timestamp, persists to the
// durable log best-effort, and inserts into the ring, evicting the oldest
// entry at capacity. Appends to the same channel are serialized; independent
// channels proceed concurrently.
func (s *Store) Append(ctx context.Context, channel, sender, content string) (Message, error) {
	ch := s.channel(channel)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if !ch.recovered {
		s.recoverLocked(ctx, channel, ch)
	}

	// Per-channel monotonic clock: never step backwards, ties broken by Seq.
	now := time.Now().UTC()
	if now.Before(ch.lastStamp) {
		now = ch.lastStamp
	}

	msg := Message{
		Channel:   channel,
		Seq:       ch.lastSeq + 1,
		Sender:    sender,
		Content:   content,
		Timestamp: now,
	}

	if s.durable != nil {
		if err := s.durable.Append(ctx, msg); err != nil {
			s.durableErrors.Add(1)
			log.Printf("[Store] durable write failed for %s: %v", channel, err)
			if s.OnDurabilityError != nil {
				s.OnDurabilityError(channel, err)
			}
		}
	}

	ch.lastSeq = msg.Seq
	ch.lastStamp = msg.Timestamp
	ch.ring = append(ch.ring, msg)
	if len(ch.ring) > s.capacity {
		ch.ring = ch.ring[len(ch.ring)-s.capacity:]
	}
	return msg, nil
}

// HistoryResult is what History returns alongside the messages themselves.
type HistoryResult struct {
	Messages []Message
	// Truncated is true when messages older than the returned window exist
	// (or existed) but could not be included: the ring evicted them and no
	// durable log is available to recover them. An empty channel is never
	// truncated.
	Truncated bool
}

// History returns channel messages with Seq > since, oldest first. A positive
// limit keeps the most recent limit messages of the range (the catch-up
// policy); limit <= 0 means unbounded. Reads come from the ring; when since
// predates the ring and a durable log exists, the log serves the range.
func (s *Store) History(ctx context.Context, channel string, since uint64, limit int) (HistoryResult, error) {
	ch := s.channel(channel)
	ch.mu.Lock()
	if !ch.recovered {
		s.recoverLocked(ctx, channel, ch)
	}
	ring := make([]Message, len(ch.ring))
	copy(ring, ch.ring)
	ch.mu.Unlock()

	ringCovers := len(ring) == 0 || ring[0].Seq <= since+1
	if ringCovers {
		return HistoryResult{Messages: window(ring, since, limit)}, nil
	}

	if s.durable != nil {
		msgs, err := s.durable.Range(ctx, channel, since, limit)
		if err == nil {
			return HistoryResult{Messages: msgs}, nil
		}
		s.durableErrors.Add(1)
		log.Printf("[Store] history read fell back to ring for %s: %v", channel, err)
	}

	// No durable log (or it failed): serve what the ring has and say so.
	return HistoryResult{Messages: window(ring, since, limit), Truncated: true}, nil
}

func window(msgs []Message, since uint64, limit int) []Message {
	start := 0
	for start < len(msgs) && msgs[start].Seq <= since {
		start++
	}
	out := msgs[start:]
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Subscribe adds identity to the channel's membership set. Idempotent.
func (s *Store) Subscribe(channel, identity string) {
	ch := s.channel(channel)
	ch.mu.Lock()
	ch.subscribers[identity] = struct{}{}
	ch.mu.Unlock()
}

// Unsubscribe removes identity from the channel's membership set. Removing
// an absent member is a no-op.
func (s *Store) Unsubscribe(channel, identity string) {
	ch := s.channel(channel)
	ch.mu.Lock()
	delete(ch.subscribers, identity)
	ch.mu.Unlock()
}

// UnsubscribeAll removes identity from every channel it belongs to and
// returns the channels it was removed from.
func (s *Store) UnsubscribeAll(identity string) []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.channels))
	states := make([]*channelState, 0, len(s.channels))
	for name, ch := range s.channels {
		names = append(names, name)
		states = append(states, ch)
	}
	s.mu.RUnlock()

	var removed []string
	for i, ch := range states {
		ch.mu.Lock()
		if _, ok := ch.subscribers[identity]; ok {
			delete(ch.subscribers, identity)
			removed = append(removed, names[i])
		}
		ch.mu.Unlock()
	}
	return removed
}

// Subscribers returns a snapshot of the channel's membership set.
func (s *Store) Subscribers(channel string) map[string]struct{} {
	ch := s.channel(channel)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make(map[string]struct{}, len(ch.subscribers))
	for id := range ch.subscribers {
		out[id] = struct{}{}
	}
	return out
}

// Channels returns the names of all channels the store has seen.
func (s *Store) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	return names
}

// MemberOf returns the channels identity is currently subscribed to.
func (s *Store) MemberOf(identity string) []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.channels))
	states := make([]*channelState, 0, len(s.channels))
	for name, ch := range s.channels {
		names = append(names, name)
		states = append(states, ch)
	}
	s.mu.RUnlock()

	var member []string
	for i, ch := range states {
		ch.mu.Lock()
		if _, ok := ch.subscribers[identity]; ok {
			member = append(member, names[i])
		}
		ch.mu.Unlock()
	}
	return member
}

// Close releases the durable log, if any.
func (s *Store) Close() error {
	if s.durable == nil {
		return nil
	}
	return s.durable.Close()
}
