// Package fsm implements the finite-state-machine engine: a builder that
// produces immutable machine definitions, and a dispatcher that applies
// one event to one machine instance at a time.
//
// The engine is deliberately side-effect free with respect to timeouts,
// persistence, history, and the debug channel: Dispatch takes a Deps
// bundle of callbacks supplied by the caller (the registry), so this
// package has no dependency on storage, the timeout manager, or
// transport.
package fsm

import "time"

// State names a declared state of a machine definition.
type State string

// EventType is the stable string tag carried by an Event.
type EventType string

// Event is an immutable, tagged value dispatched to a machine.
type Event struct {
	Type      EventType
	Payload   any
	EmittedAt time.Time
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType EventType, payload any) Event {
	return Event{Type: eventType, Payload: payload, EmittedAt: time.Now()}
}

// PersistentContext is the durable per-machine projection a caller's
// domain type must implement. Machines never mutate it except through
// the accessors below, which the engine calls on every transition.
type PersistentContext interface {
	MachineID() string
	CurrentState() State
	SetCurrentState(State)
	LastStateChange() time.Time
	SetLastStateChange(time.Time)
	Complete() bool
	SetComplete(bool)

	// DeepCopy returns an independent copy, walking any referenced
	// entity graph, so history snapshots never alias live state.
	DeepCopy() PersistentContext
}

// VolatileContext is process-local, non-durable per-machine state. It is
// an opaque value to the engine; the registry reconstructs it via a
// VolatileFactory on activation and rehydration.
type VolatileContext any

// VolatileFactory reconstructs volatile context from persistent context.
// It must tolerate the machine having changed state while evicted.
type VolatileFactory func(pc PersistentContext) (VolatileContext, error)

// Action runs on state entry or exit. The persistent/volatile contexts
// are mutable in place; returning an error records an ActionError but
// does not roll back the state write that already happened.
type Action func(evt Event, pc PersistentContext, vc VolatileContext) error

// StayHandler runs for a stay transition: invoked in place, does not
// change state. May mutate either context (see SPEC_FULL.md §10.1).
type StayHandler func(evt Event, pc PersistentContext, vc VolatileContext) error

// Instance is a machine's live identity: definition + id + both
// contexts + current state + run id. Pure data; the engine and registry
// mutate it under external synchronization (the owning mailbox).
type Instance struct {
	Definition *Definition
	ID         string
	Persistent PersistentContext
	Volatile   VolatileContext
	RunID      uint64

	// reentry tracks the per-state re-entry counter used to disambiguate
	// visits to the same state across history records.
	reentry map[State]int
}

// NewInstance builds a fresh instance bound to a definition, id, and an
// already-loaded or already-initialized persistent context.
func NewInstance(def *Definition, id string, pc PersistentContext, vc VolatileContext, runID uint64) *Instance {
	return &Instance{
		Definition: def,
		ID:         id,
		Persistent: pc,
		Volatile:   vc,
		RunID:      runID,
		reentry:    make(map[State]int),
	}
}

// ReentryCount returns how many times the instance has entered state s
// during its current activation (run id).
func (i *Instance) ReentryCount(s State) int {
	return i.reentry[s]
}

func (i *Instance) bumpReentry(s State) int {
	i.reentry[s]++
	return i.reentry[s]
}
