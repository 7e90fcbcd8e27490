package fsm

import (
	"fmt"
	"time"
)

// transitionKind distinguishes a state change ("to") from an in-place
// handler invocation ("stay").
type transitionKind int

const (
	kindTo transitionKind = iota
	kindStay
)

type transition struct {
	kind   transitionKind
	target State       // valid when kind == kindTo
	stay   StayHandler // valid when kind == kindStay
}

// stateDef is the built, immutable description of one declared state.
type stateDef struct {
	name        State
	onEntry     Action
	onExit      Action
	final       bool
	offline     bool
	transitions map[EventType]transition
	timeout     *timeoutDef
}

type timeoutDef struct {
	seconds float64
	target  State
}

// Definition is the immutable, built description of a machine: its
// states, transition table, and declared initial state. A Definition is
// safe for concurrent use by any number of Instances.
type Definition struct {
	Name         string
	InitialState State
	states       map[State]*stateDef
}

// State looks up a declared state by name. The second return value is
// false if the state was never declared.
func (d *Definition) State(s State) (*stateDef, bool) {
	st, ok := d.states[s]
	return st, ok
}

// States returns the set of declared state names.
func (d *Definition) States() []State {
	out := make([]State, 0, len(d.states))
	for s := range d.states {
		out = append(out, s)
	}
	return out
}

// IsOffline reports whether s is flagged offline (eviction-eligible).
// An undeclared state reports false.
func (d *Definition) IsOffline(s State) bool {
	st, ok := d.states[s]
	return ok && st.offline
}

// IsFinal reports whether s is flagged final (terminal). An undeclared
// state reports false.
func (d *Definition) IsFinal(s State) bool {
	st, ok := d.states[s]
	return ok && st.final
}

// TimeoutFor reports the deadline armed on entry to s, if declared. The
// registry calls this when activating a machine (fresh or rehydrated)
// so the newly live instance gets the same timer it would have gotten
// had Dispatch just driven it into s.
func (d *Definition) TimeoutFor(s State) (time.Duration, bool) {
	st, ok := d.states[s]
	if !ok || st.timeout == nil {
		return 0, false
	}
	return time.Duration(st.timeout.seconds * float64(time.Second)), true
}

// Builder assembles a Definition with a fluent API. It mirrors the
// state/transition builder pattern used elsewhere in this codebase,
// generalized to the to/stay transition split.
type Builder struct {
	name    string
	initial State
	states  map[State]*stateDef
	order   []State
	err     error
}

// NewBuilder starts a definition named for logging and diagram output.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:   name,
		states: make(map[State]*stateDef),
	}
}

// StateBuilder configures one declared state before returning to the
// parent Builder via Done.
type StateBuilder struct {
	parent *Builder
	def    *stateDef
}

// State declares a new state and returns its configurator. Declaring the
// same state twice is a build-time error.
func (b *Builder) State(name State) *StateBuilder {
	if _, exists := b.states[name]; exists {
		b.err = fmt.Errorf("state %q declared more than once", name)
	}
	def := &stateDef{
		name:        name,
		transitions: make(map[EventType]transition),
	}
	b.states[name] = def
	b.order = append(b.order, name)
	return &StateBuilder{parent: b, def: def}
}

// Initial marks the state the builder starts from as the definition's
// initial state.
func (b *Builder) Initial(name State) *Builder {
	b.initial = name
	return b
}

// OnEntry registers the action run when an external transition enters
// this state. Activation and rehydration of a machine already sitting
// in this state do not run it.
func (s *StateBuilder) OnEntry(a Action) *StateBuilder {
	s.def.onEntry = a
	return s
}

// OnExit registers the action run just before the machine leaves this
// state for another one. Not run for a stay transition.
func (s *StateBuilder) OnExit(a Action) *StateBuilder {
	s.def.onExit = a
	return s
}

// Final marks the state as terminal: once entered, the machine's
// persistent context is marked complete and the registry is eligible to
// archive it.
func (s *StateBuilder) Final() *StateBuilder {
	s.def.final = true
	return s
}

// Offline marks the state as eviction-eligible: the registry may unload
// the machine's volatile context from memory while it sits in this
// state, without marking it complete.
func (s *StateBuilder) Offline() *StateBuilder {
	s.def.offline = true
	return s
}

// To declares an external transition: on eventType, run onExit of the
// current state, move to target, then run onEntry of target.
func (s *StateBuilder) To(eventType EventType, target State) *StateBuilder {
	if _, exists := s.def.transitions[eventType]; exists {
		s.parent.err = fmt.Errorf("state %q already has a handler for event %q", s.def.name, eventType)
	}
	s.def.transitions[eventType] = transition{kind: kindTo, target: target}
	return s
}

// Stay declares an internal transition: on eventType, run handler in
// place. The state does not change and no entry/exit action runs.
func (s *StateBuilder) Stay(eventType EventType, handler StayHandler) *StateBuilder {
	if _, exists := s.def.transitions[eventType]; exists {
		s.parent.err = fmt.Errorf("state %q already has a handler for event %q", s.def.name, eventType)
	}
	s.def.transitions[eventType] = transition{kind: kindStay, stay: handler}
	return s
}

// Timeout arms a relative deadline of the given seconds on entry to
// this state: if the machine is still in this state when it elapses, a
// TIMEOUT event is delivered, which Dispatch applies as a transition to
// target unless the state declares its own TIMEOUT handler.
func (s *StateBuilder) Timeout(seconds float64, target State) *StateBuilder {
	s.def.timeout = &timeoutDef{seconds: seconds, target: target}
	return s
}

// Done returns to the parent Builder to declare further states.
func (s *StateBuilder) Done() *Builder {
	return s.parent
}

// Build validates the definition and returns it, or a *ConfigError.
// Validation is fail-fast: an empty name, no states, an undeclared
// initial state, or a transition target that names an undeclared state
// all reject the build.
func (b *Builder) Build() (*Definition, error) {
	if b.err != nil {
		return nil, &ConfigError{Definition: b.name, Reason: b.err.Error()}
	}
	if b.name == "" {
		return nil, &ConfigError{Definition: b.name, Reason: "definition name is required"}
	}
	if len(b.states) == 0 {
		return nil, &ConfigError{Definition: b.name, Reason: "definition declares no states"}
	}
	if b.initial == "" {
		return nil, &ConfigError{Definition: b.name, Reason: "initial state is required"}
	}
	if _, ok := b.states[b.initial]; !ok {
		return nil, &ConfigError{Definition: b.name, Reason: fmt.Sprintf("initial state %q was never declared", b.initial)}
	}
	for _, st := range b.states {
		for evt, tr := range st.transitions {
			if tr.kind == kindTo {
				if _, ok := b.states[tr.target]; !ok {
					return nil, &ConfigError{Definition: b.name, Reason: fmt.Sprintf("state %q event %q targets undeclared state %q", st.name, evt, tr.target)}
				}
			}
		}
		if st.timeout != nil {
			if _, ok := b.states[st.timeout.target]; !ok {
				return nil, &ConfigError{Definition: b.name, Reason: fmt.Sprintf("state %q timeout targets undeclared state %q", st.name, st.timeout.target)}
			}
		}
	}
	return &Definition{
		Name:         b.name,
		InitialState: b.initial,
		states:       b.states,
	}, nil
}
