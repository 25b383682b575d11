// Package bus wires the parser, store, transport, and spawn controller into
// one ingest pipeline. Every message a channel accepts flows through here
// exactly once, in channel order.
package bus

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/swarmbus/swarmbus/internal/protocol"
	"github.com/swarmbus/swarmbus/internal/spawn"
	"github.com/swarmbus/swarmbus/internal/store"
	"github.com/swarmbus/swarmbus/internal/transport"
)

// SystemSender is the sender identity on bus-originated messages: spawn
// failures, despawn notices, durability warnings.
const SystemSender = "system"

// DefaultCatchupCount bounds the per-channel burst delivered to an agent on
// connect. Matches the ring window.
const DefaultCatchupCount = 50

// Bus is the orchestrator. It implements transport.Bus.
type Bus struct {
	store   *store.Store
	hub     *transport.Hub
	ctl     *spawn.Controller
	lanes   *laneManager
	catchup int

	mu        sync.Mutex
	completed map[string]string // channel → sender of the completion marker
	notified  map[string]bool   // durability warning already posted
}

// Config configures a Bus.
type Config struct {
	Store        *store.Store
	Hub          *transport.Hub
	Controller   *spawn.Controller
	CatchupCount int // messages per channel on connect; 0 means default
}

// New builds the orchestrator and hooks store durability errors and agent
// crashes into channel-visible system messages.
func New(cfg Config) *Bus {
	catchup := cfg.CatchupCount
	if catchup <= 0 {
		catchup = DefaultCatchupCount
	}
	b := &Bus{
		store:     cfg.Store,
		hub:       cfg.Hub,
		ctl:       cfg.Controller,
		lanes:     newLaneManager(),
		catchup:   catchup,
		completed: make(map[string]string),
		notified:  make(map[string]bool),
	}
	b.store.OnDurabilityError = b.durabilityNotice
	b.ctl.OnCrash = b.crashNotice
	return b
}

// Ingest runs the full pipeline for one inbound message: append, parse,
// spawn side effects, broadcast. Calls for the same channel are serialized;
// independent channels proceed concurrently. An emergency command is handed
// off outside the lane so it reaches every channel without queueing.
func (b *Bus) Ingest(ctx context.Context, channel, sender, content string) (store.Message, error) {
	if channel == "" {
		return store.Message{}, fmt.Errorf("channel is required")
	}
	if sender == "" {
		return store.Message{}, fmt.Errorf("sender is required")
	}

	var msg store.Message
	var err error
	if submitErr := b.lanes.submit(channel, func() {
		msg, err = b.ingestSerialized(ctx, channel, sender, content)
	}); submitErr != nil {
		return store.Message{}, submitErr
	}
	return msg, err
}

func (b *Bus) ingestSerialized(ctx context.Context, channel, sender, content string) (store.Message, error) {
	// The sender speaks on the channel, so it is a member of it.
	b.store.Subscribe(channel, sender)

	msg, err := b.store.Append(ctx, channel, sender, content)
	if err != nil {
		return store.Message{}, fmt.Errorf("append to %s: %w", channel, err)
	}

	commands := protocol.Commands(content)
	for _, cmd := range commands {
		switch cmd.Kind {
		case protocol.CommandEmergency:
			// Bypasses the lanes: every channel, right now.
			go b.EmergencyHalt(context.Background(), sender, content)
			b.hub.Broadcast(msg, b.store.Subscribers(channel), sender)
			return msg, nil
		case protocol.CommandComplete:
			b.mu.Lock()
			if _, done := b.completed[channel]; !done {
				b.completed[channel] = sender
			}
			b.mu.Unlock()
			log.Printf("[Bus] %s marked %s complete", sender, channel)
		}
	}

	var notices []string
	for _, handle := range protocol.Mentions(content) {
		action, identity := b.ctl.ResolveMention(handle, channel, sender)
		switch action {
		case spawn.ActionSpawnNew:
			agentType := handle
			if identity != "" {
				agentType = spawn.TypeOf(identity)
			}
			rec, launched, spawnErr := b.ctl.Spawn(agentType, channel, identity)
			if spawnErr != nil {
				notices = append(notices, fmt.Sprintf("failed to spawn %s on %s: %v", handle, channel, spawnErr))
				continue
			}
			b.store.Subscribe(channel, rec.Identity)
			// A racing mention may have spawned the agent already; it got
			// its catch-up then, so do not send the tail twice.
			if launched {
				b.orient(ctx, channel, rec.Identity)
				notices = append(notices, fmt.Sprintf("%s joined %s", rec.Identity, channel))
			}
		case spawn.ActionUnknown:
			notices = append(notices, fmt.Sprintf("no agent type or instance named %s", handle))
		}
	}

	// Broadcast after spawn side effects so a freshly subscribed agent sees
	// the triggering message once, via catch-up, not also as a live push.
	b.hub.Broadcast(msg, b.store.Subscribers(channel), sender)

	for _, notice := range notices {
		b.systemPost(ctx, channel, notice)
	}

	if protocol.HasCommand(content, protocol.CommandDespawn) {
		b.Despawn(ctx, sender)
	}

	return msg, nil
}

// orient pushes the channel tail to a freshly spawned agent. Usually a no-op
// because the process has not connected yet; the connect-time burst covers
// that case.
func (b *Bus) orient(ctx context.Context, channel, identity string) {
	if !b.hub.Connected(identity) {
		return
	}
	result, err := b.store.History(ctx, channel, 0, b.catchup)
	if err != nil {
		return
	}
	b.hub.Send(identity, transport.Envelope{
		Type:      "catchup",
		Messages:  result.Messages,
		Truncated: result.Truncated,
	})
}

// systemPost appends and broadcasts a bus-originated message. It does not go
// through the lanes (the store linearizes the append) and its content is
// never parsed for mentions or commands.
func (b *Bus) systemPost(ctx context.Context, channel, content string) {
	msg, err := b.store.Append(ctx, channel, SystemSender, content)
	if err != nil {
		log.Printf("[Bus] system post to %s failed: %v", channel, err)
		return
	}
	b.hub.Broadcast(msg, b.store.Subscribers(channel), "")
}

// History serves catch-up reads.
func (b *Bus) History(ctx context.Context, channel string, since uint64, limit int) (store.HistoryResult, error) {
	if channel == "" {
		return store.HistoryResult{}, fmt.Errorf("channel is required")
	}
	if limit <= 0 {
		limit = b.catchup
	}
	return b.store.History(ctx, channel, since, limit)
}

// Join subscribes identity to channel and, when connected, sends the channel
// tail so the agent starts with context.
func (b *Bus) Join(ctx context.Context, channel, identity string) {
	b.store.Subscribe(channel, identity)
	b.orient(ctx, channel, identity)
}

// AgentConnected delivers the catch-up burst: the recent tail of every
// channel the identity is a member of. Memberships survive disconnects, so a
// reconnecting agent picks up what it missed.
func (b *Bus) AgentConnected(ctx context.Context, identity string) {
	for _, channel := range b.store.MemberOf(identity) {
		result, err := b.store.History(ctx, channel, 0, b.catchup)
		if err != nil {
			log.Printf("[Bus] catch-up read for %s on %s: %v", identity, channel, err)
			continue
		}
		b.hub.Send(identity, transport.Envelope{
			Type:      "catchup",
			Messages:  result.Messages,
			Truncated: result.Truncated,
		})
	}
}

// AgentDisconnected is the hub's disconnect hook. Memberships are kept: a
// disconnect is transient, despawn is the cleanup path.
func (b *Bus) AgentDisconnected(identity string) {
	log.Printf("[Bus] %s offline", identity)
}

// Despawn tears down one agent: process, connection, memberships. A notice
// goes to the agent's home channel. Unknown identities are a no-op.
func (b *Bus) Despawn(ctx context.Context, identity string) {
	rec, torn := b.ctl.Despawn(identity)
	if !torn {
		return
	}
	b.hub.Disconnect(identity)
	b.systemPost(ctx, rec.Channel, fmt.Sprintf("%s despawned", identity))
}

// EmergencyHalt notifies every known channel, then despawns every live agent
// and drops its connection. It runs outside the per-channel lanes.
func (b *Bus) EmergencyHalt(ctx context.Context, sender, reason string) {
	log.Printf("[Bus] EMERGENCY HALT by %s", sender)

	notice := fmt.Sprintf("EMERGENCY HALT by %s: %s", sender, reason)
	for _, channel := range b.store.Channels() {
		b.systemPost(ctx, channel, notice)
	}

	records := b.ctl.DespawnAll()
	for _, rec := range records {
		b.hub.Disconnect(rec.Identity)
	}
	log.Printf("[Bus] halt complete, %d agents despawned", len(records))
}

// Status reports channels, live agents, and durability health.
func (b *Bus) Status() map[string]any {
	channels := make(map[string]any)
	for _, name := range b.store.Channels() {
		channels[name] = map[string]any{
			"subscribers": len(b.store.Subscribers(name)),
		}
	}

	b.mu.Lock()
	completed := make(map[string]string, len(b.completed))
	for ch, by := range b.completed {
		completed[ch] = by
	}
	b.mu.Unlock()

	return map[string]any{
		"channels":       channels,
		"agents":         b.ctl.Active(),
		"completed":      completed,
		"durable":        b.store.Durable(),
		"durable_errors": b.store.DurableErrors(),
	}
}

// Close stops the lane workers.
func (b *Bus) Close() {
	b.lanes.stop()
}

// durabilityNotice posts a one-time warning into the affected channel when
// the durable log starts failing. Sticky per channel so a broken log does
// not flood the transcript; the notice itself would re-trigger the hook.
func (b *Bus) durabilityNotice(channel string, err error) {
	b.mu.Lock()
	if b.notified[channel] {
		b.mu.Unlock()
		return
	}
	b.notified[channel] = true
	b.mu.Unlock()

	// Async: the hook fires while the store holds the channel lock.
	go b.systemPost(context.Background(), channel,
		fmt.Sprintf("durable log write failed, history beyond the in-memory window may be lost: %v", err))
}

// crashNotice reports an agent process that exited on its own.
func (b *Bus) crashNotice(rec spawn.Record) {
	b.hub.Disconnect(rec.Identity)
	b.systemPost(context.Background(), rec.Channel,
		fmt.Sprintf("%s exited unexpectedly and was removed", rec.Identity))
}
