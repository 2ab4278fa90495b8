// Package slotreg implements the bidirectional table of virtual streams
// indexed by slot id (spec.md §4.2), plus the short-TTL "just closed by us"
// cache that suppresses benign unknown-slot races.
package slotreg

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/exotun/exotun/internal/wire"
)

// justClosedTTL is how long a locally-closed slot id is remembered so that a
// late-arriving frame for it is tolerated instead of failing the tunnel.
const justClosedTTL = 5 * time.Second

// State is the lifecycle stage of a slot entry.
type State int

const (
	StateInitiating State = iota
	StateEstablished
)

type entry struct {
	state State
	value interface{}
}

// Registry is a mutable slot -> state map guarded by a short-held mutex, as
// specified in spec.md §4.2. Values stored per slot are opaque to the
// registry; gatewaytun and agenttun store their own entry types in it.
type Registry struct {
	mu         sync.Mutex
	entries    map[wire.Slot]entry
	justClosed *cache.Cache
	counter    wire.Slot
	rng        *rand.Rand
}

// New creates an empty slot registry.
func New() *Registry {
	return &Registry{
		entries:    make(map[wire.Slot]entry),
		justClosed: cache.New(justClosedTTL, justClosedTTL),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AllocateSlot returns a fresh, currently-unused slot id. It is gateway-only:
// the agent side never originates slots. Allocation is a monotonically
// incremented counter; on collision with an existing entry (including one
// still in the just-closed cache) the counter is randomized to avoid a
// pathological walk across a long-lived registry.
func (r *Registry) AllocateSlot() wire.Slot {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		r.counter++
		if r.counter == 0 || r.counter > wire.MaxSlot {
			r.counter = 1
		}
		candidate := r.counter
		if _, taken := r.entries[candidate]; taken {
			r.counter = wire.Slot(1 + r.rng.Intn(int(wire.MaxSlot)))
			continue
		}
		if r.isJustClosedLocked(candidate) {
			r.counter = wire.Slot(1 + r.rng.Intn(int(wire.MaxSlot)))
			continue
		}
		return candidate
	}
}

// InsertInitiating stores a new Initiating entry. It fails if the slot
// already has an entry (invariant 1: a slot is in at most one state).
func (r *Registry) InsertInitiating(slot wire.Slot, value interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[slot]; exists {
		return fmt.Errorf("slot %d already has an entry", slot)
	}
	r.entries[slot] = entry{state: StateInitiating, value: value}
	return nil
}

// InsertEstablished stores a new Established entry directly (used by the
// agent side, which always enters Established without an Initiating phase).
func (r *Registry) InsertEstablished(slot wire.Slot, value interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[slot]; exists {
		return fmt.Errorf("slot %d already has an entry", slot)
	}
	r.entries[slot] = entry{state: StateEstablished, value: value}
	return nil
}

// PromoteToEstablished transitions a slot from Initiating to Established,
// replacing its stored value and returning the previous (Initiating) value.
// It fails with wire.ErrHandshakeOnEstablished if the slot is already
// Established, and reports !ok if the slot has no entry at all.
func (r *Registry) PromoteToEstablished(slot wire.Slot, newValue interface{}) (oldValue interface{}, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.entries[slot]
	if !exists {
		return nil, false, nil
	}
	if e.state != StateInitiating {
		return nil, true, wire.ErrHandshakeOnEstablished
	}
	r.entries[slot] = entry{state: StateEstablished, value: newValue}
	return e.value, true, nil
}

// LookupEstablished returns the stored value for a slot if it is Established.
func (r *Registry) LookupEstablished(slot wire.Slot) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.entries[slot]
	if !exists || e.state != StateEstablished {
		return nil, false
	}
	return e.value, true
}

// LookupInitiating returns the stored value for a slot if it is Initiating.
func (r *Registry) LookupInitiating(slot wire.Slot) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.entries[slot]
	if !exists || e.state != StateInitiating {
		return nil, false
	}
	return e.value, true
}

// Remove deletes a slot's entry regardless of state. It reports whether an
// entry existed (invariant 3: a duplicate Closed is a no-op).
func (r *Registry) Remove(slot wire.Slot) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.entries[slot]
	if !exists {
		return nil, false
	}
	delete(r.entries, slot)
	return e.value, true
}

// MarkJustClosed records that this side just removed slot from the registry
// locally, so a late frame referencing it is tolerated for justClosedTTL.
func (r *Registry) MarkJustClosed(slot wire.Slot) {
	r.justClosed.Set(fmt.Sprintf("%d", slot), struct{}{}, cache.DefaultExpiration)
}

// IsJustClosed reports whether slot was locally closed within the TTL window.
func (r *Registry) IsJustClosed(slot wire.Slot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isJustClosedLocked(slot)
}

func (r *Registry) isJustClosedLocked(slot wire.Slot) bool {
	_, found := r.justClosed.Get(fmt.Sprintf("%d", slot))
	return found
}

// Len returns the number of live entries, for tests and diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
