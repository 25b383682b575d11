package spawn

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Status is an AgentRecord lifecycle state.
type Status string

const (
	StatusSpawning  Status = "spawning"
	StatusActive    Status = "active"
	StatusFailed    Status = "failed"
	StatusDespawned Status = "despawned"
)

// Record is a point-in-time snapshot of one agent's lifecycle state.
type Record struct {
	Identity string `json:"identity"`
	Type     string `json:"type"`
	Channel  string `json:"channel"`
	Status   Status `json:"status"`
}

// Action is the outcome of resolving a mention against the agent table.
type Action int

const (
	// ActionIgnore: the mention is the sender itself; not a spawn trigger.
	ActionIgnore Action = iota
	// ActionRouteExisting: a live agent already covers the handle; normal
	// broadcast reaches it.
	ActionRouteExisting
	// ActionSpawnNew: no live agent covers the handle; spawn (or reactivate)
	// one.
	ActionSpawnNew
	// ActionUnknown: the handle matches no known type or instance.
	ActionUnknown
)

// Memberships is the slice of the channel store the controller needs for
// despawn cleanup.
type Memberships interface {
	UnsubscribeAll(identity string) []string
}

// record is the mutable table entry. All fields are guarded by Controller.mu;
// Handle operations happen outside the lock.
type record struct {
	Record
	handle Handle
}

// flight tracks an in-progress spawn so concurrent callers for the same
// (type, channel) observe the winner's result instead of racing. The winner
// fills snapshot and err before closing done; waiters read only those.
type flight struct {
	done     chan struct{}
	snapshot Record
	err      error
}

// Controller owns the AgentRecord table. All status transitions go through
// it; no caller flips a status directly.
type Controller struct {
	registry    *Registry
	launcher    Launcher
	memberships Memberships
	busURL      string
	maxPerChan  int

	mu         sync.Mutex
	byIdentity map[string]*record
	liveByKey  map[string]*record // type|channel → the type-level representative record
	inflight   map[string]*flight

	// OnCrash fires when a process exits on its own while its record is
	// still live. The record has already transitioned to despawned.
	OnCrash func(rec Record)
}

// ControllerConfig configures a spawn Controller.
type ControllerConfig struct {
	Registry      *Registry
	Launcher      Launcher
	Memberships   Memberships
	BusURL        string
	MaxPerChannel int // live agents per channel; 0 means default 100
}

// NewController creates the controller with an empty agent table.
func NewController(cfg ControllerConfig) *Controller {
	maxPerChan := cfg.MaxPerChannel
	if maxPerChan <= 0 {
		maxPerChan = 100
	}
	return &Controller{
		registry:    cfg.Registry,
		launcher:    cfg.Launcher,
		memberships: cfg.Memberships,
		busURL:      cfg.BusURL,
		maxPerChan:  maxPerChan,
		byIdentity:  make(map[string]*record),
		liveByKey:   make(map[string]*record),
		inflight:    make(map[string]*flight),
	}
}

func key(agentType, channel string) string { return agentType + "|" + channel }

// TypeOf derives the type part of an instance identity (zealot-1a2b → zealot).
func TypeOf(identity string) string {
	if i := strings.Index(identity, "-"); i > 0 {
		return identity[:i]
	}
	return identity
}

func newIdentity(agentType string) string {
	id := uuid.New()
	return fmt.Sprintf("%s-%x", agentType, id[:4])
}

// ResolveMention decides what a mention of handle on channel means. Returns
// the action plus the concrete identity it refers to (empty for a fresh
// spawn, where the identity is minted at spawn time).
func (c *Controller) ResolveMention(handle, channel, sender string) (Action, string) {
	if handle == sender {
		return ActionIgnore, ""
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok := c.byIdentity[handle]; ok {
		switch rec.Status {
		case StatusActive, StatusSpawning:
			return ActionRouteExisting, rec.Identity
		default:
			// Despawned or failed: an exact-identity mention reactivates.
			return ActionSpawnNew, rec.Identity
		}
	}

	if _, known := c.registry.Lookup(handle); known {
		if live, ok := c.liveByKey[key(handle, channel)]; ok {
			if live.Status == StatusFailed {
				// Retry a failed spawn under the same identity.
				return ActionSpawnNew, live.Identity
			}
			return ActionRouteExisting, live.Identity
		}
		return ActionSpawnNew, ""
	}

	// A specific instance of a known type that was never seen on this bus:
	// spawn it under exactly that identity.
	if base := TypeOf(handle); base != handle {
		if _, known := c.registry.Lookup(base); known {
			return ActionSpawnNew, handle
		}
	}

	return ActionUnknown, ""
}

// Spawn creates (or reactivates) an agent for agentType on channel. Safe
// under concurrent calls for the same pair: one caller launches, the rest
// wait and observe the winner's record. identity may be empty (mint a fresh
// one) or an exact identity to reactivate. The bool reports whether this
// call actually launched a process, false when an existing record or an
// in-flight winner covered it.
func (c *Controller) Spawn(agentType, channel, identity string) (Record, bool, error) {
	spec, ok := c.registry.Lookup(agentType)
	if !ok {
		return Record{}, false, fmt.Errorf("unknown agent type %q", agentType)
	}

	c.mu.Lock()

	typeKey := key(agentType, channel)
	if fl := c.flightFor(typeKey, identity); fl != nil {
		c.mu.Unlock()
		<-fl.done
		return fl.snapshot, false, fl.err
	}

	if live, ok := c.liveByKey[typeKey]; ok {
		switch live.Status {
		case StatusActive, StatusSpawning:
			// A bare-type spawn routes to the live representative. An exact
			// identity addressing a different record proceeds to
			// reactivation; the despawned identity must come back even with
			// a live peer of the same type on the channel.
			if identity == "" || identity == live.Identity {
				snapshot := live.Record
				c.mu.Unlock()
				return snapshot, false, nil
			}
		case StatusFailed:
			// Reactivation path below reuses the failed identity.
			if identity == "" {
				identity = live.Identity
			}
		}
	}

	if c.liveCountLocked(channel) >= c.maxPerChan {
		c.mu.Unlock()
		return Record{}, false, fmt.Errorf("channel %s is at its %d-agent capacity", channel, c.maxPerChan)
	}

	if identity == "" {
		identity = newIdentity(agentType)
	}

	rec, ok := c.byIdentity[identity]
	if ok {
		if rec.Status == StatusActive || rec.Status == StatusSpawning {
			snapshot := rec.Record
			c.mu.Unlock()
			return snapshot, false, nil
		}
		rec.Status = StatusSpawning
		rec.Channel = channel
		rec.handle = nil
	} else {
		rec = &record{Record: Record{
			Identity: identity,
			Type:     agentType,
			Channel:  channel,
			Status:   StatusSpawning,
		}}
		c.byIdentity[identity] = rec
	}

	// Become the type-level representative unless a different live record
	// already holds the slot (exact-identity reactivation next to a live
	// peer leaves the peer in place for bare-type mentions).
	typeOwner := false
	if live, ok := c.liveByKey[typeKey]; !ok || live == rec ||
		(live.Status != StatusActive && live.Status != StatusSpawning) {
		c.liveByKey[typeKey] = rec
		typeOwner = true
	}

	// The identity key always joins the flight table; the type key only when
	// this record owns the slot, so a racing bare-type mention cannot latch
	// onto a peer's reactivation.
	fl := &flight{done: make(chan struct{})}
	if typeOwner {
		c.inflight[typeKey] = fl
	}
	c.inflight["id|"+identity] = fl
	c.mu.Unlock()

	handle, err := c.launcher.Launch(LaunchInfo{
		Spec:     spec,
		Identity: identity,
		Channel:  channel,
		BusURL:   c.busURL,
	}, func(exitErr error) { c.processExited(identity, exitErr) })

	c.mu.Lock()
	if err != nil {
		rec.Status = StatusFailed
		fl.err = fmt.Errorf("spawn %s: %w", identity, err)
	} else {
		rec.Status = StatusActive
		rec.handle = handle
	}
	fl.snapshot = rec.Record
	if typeOwner {
		delete(c.inflight, typeKey)
	}
	delete(c.inflight, "id|"+identity)
	c.mu.Unlock()

	close(fl.done)
	if fl.err != nil {
		log.Printf("[Spawn] %v", fl.err)
		return fl.snapshot, false, fl.err
	}
	log.Printf("[Spawn] %s active on %s", identity, channel)
	return fl.snapshot, true, nil
}

// flightFor returns an in-progress spawn matching either the exact identity
// or the (type, channel) pair. Called with c.mu held.
func (c *Controller) flightFor(typeKey, identity string) *flight {
	if identity != "" {
		if fl, ok := c.inflight["id|"+identity]; ok {
			return fl
		}
		return nil
	}
	if fl, ok := c.inflight[typeKey]; ok {
		return fl
	}
	return nil
}

func (c *Controller) liveCountLocked(channel string) int {
	count := 0
	for _, rec := range c.byIdentity {
		if rec.Channel == channel && (rec.Status == StatusActive || rec.Status == StatusSpawning) {
			count++
		}
	}
	return count
}

// Despawn terminates identity's process, marks the record despawned, and
// removes its channel memberships. Despawning an unknown or already-despawned
// identity is a no-op. Returns the final record and whether a live agent was
// actually torn down.
func (c *Controller) Despawn(identity string) (Record, bool) {
	c.mu.Lock()
	rec, ok := c.byIdentity[identity]
	if !ok || rec.Status == StatusDespawned {
		var snapshot Record
		if ok {
			snapshot = rec.Record
		}
		c.mu.Unlock()
		return snapshot, false
	}

	handle := rec.handle
	rec.Status = StatusDespawned
	rec.handle = nil
	if live, ok := c.liveByKey[key(rec.Type, rec.Channel)]; ok && live == rec {
		delete(c.liveByKey, key(rec.Type, rec.Channel))
	}
	snapshot := rec.Record
	c.mu.Unlock()

	if handle != nil {
		if err := handle.Terminate(); err != nil {
			log.Printf("[Spawn] terminating %s: %v", identity, err)
		}
	}
	c.memberships.UnsubscribeAll(identity)
	log.Printf("[Spawn] %s despawned", identity)
	return snapshot, true
}

// DespawnAll tears down every live agent. Used by the emergency-halt path.
func (c *Controller) DespawnAll() []Record {
	c.mu.Lock()
	var identities []string
	for identity, rec := range c.byIdentity {
		if rec.Status == StatusActive || rec.Status == StatusSpawning {
			identities = append(identities, identity)
		}
	}
	c.mu.Unlock()

	records := make([]Record, 0, len(identities))
	for _, identity := range identities {
		if rec, ok := c.Despawn(identity); ok {
			records = append(records, rec)
		}
	}
	return records
}

// processExited is the crash-detection path: the process ended without a
// Despawn call.
func (c *Controller) processExited(identity string, exitErr error) {
	c.mu.Lock()
	rec, ok := c.byIdentity[identity]
	if !ok || rec.Status != StatusActive {
		c.mu.Unlock()
		return
	}
	rec.Status = StatusDespawned
	rec.handle = nil
	if live, ok := c.liveByKey[key(rec.Type, rec.Channel)]; ok && live == rec {
		delete(c.liveByKey, key(rec.Type, rec.Channel))
	}
	snapshot := rec.Record
	c.mu.Unlock()

	c.memberships.UnsubscribeAll(identity)
	if exitErr != nil {
		log.Printf("[Spawn] %s exited: %v", identity, exitErr)
	} else {
		log.Printf("[Spawn] %s exited", identity)
	}
	if c.OnCrash != nil {
		c.OnCrash(snapshot)
	}
}

// Lookup returns the record for identity, if any.
func (c *Controller) Lookup(identity string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.byIdentity[identity]
	if !ok {
		return Record{}, false
	}
	return rec.Record, true
}

// Active returns snapshots of all live (spawning or active) records.
func (c *Controller) Active() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var records []Record
	for _, rec := range c.byIdentity {
		if rec.Status == StatusActive || rec.Status == StatusSpawning {
			records = append(records, rec.Record)
		}
	}
	return records
}
