package fsm

import "time"

// HistoryEntry is one durable record handed to the caller's Record
// callback. Dispatch calls Record once per synthesized bookkeeping
// marker as well as once for the literal event itself, matching
// spec.md's "synthesised entries" catalog (initial entry, before/after
// exit, the transition itself, before/after entry, completion, error).
// The history package persists each one verbatim as its own row.
type HistoryEntry struct {
	MachineID     string
	From          State
	To            State
	EventType     EventType
	Payload       any
	Ignored       bool
	RunID         uint64
	OccurredAt    time.Time
	ContextAfter  PersistentContext
	VolatileAfter VolatileContext
}

// Marker event types for synthesized history entries that do not
// correspond to a literal dispatched event.
const (
	MarkerBeforeExit  EventType = "BEFORE_EXIT"
	MarkerAfterExit   EventType = "AFTER_EXIT"
	MarkerEntry       EventType = "ENTRY"
	MarkerBeforeEntry EventType = "BEFORE_ENTRY"
	MarkerAfterEntry  EventType = "AFTER_ENTRY"
	MarkerCompletion  EventType = "COMPLETION"
	MarkerErrorExit   EventType = "ERROR_EXIT"
	MarkerErrorEntry  EventType = "ERROR_ENTRY"
	MarkerErrorStay   EventType = "ERROR_STAY"
)

// StateChange is handed to the caller's Notify callback after a
// committed external transition, for the debug channel and completion
// bookkeeping. Stay transitions do not produce a StateChange.
type StateChange struct {
	MachineID string
	From      State
	To        State
	EventType EventType
	Final     bool
	Offline   bool
}

// Deps bundles the side-effecting collaborators Dispatch needs. All
// fields are optional; a nil callback is simply skipped. Keeping them as
// plain funcs (rather than interfaces implemented by timeout/history/
// registry types) lets this package stay free of imports on those
// packages.
type Deps struct {
	// ArmTimeout schedules a deadline for the machine's new state. It
	// replaces any previously armed timeout for this machine id.
	ArmTimeout func(machineID string, d time.Duration, currentState State)

	// CancelTimeout cancels any timer armed for this machine id.
	CancelTimeout func(machineID string)

	// Record is called once per history row Dispatch produces: each
	// synthesized marker, any ERROR_<phase> entry, and the literal event
	// itself, including an ignored one.
	Record func(HistoryEntry)

	// Notify is called once per committed external transition (not for
	// stay) so the debug channel and registry can react.
	Notify func(StateChange)
}

// Outcome reports what Dispatch did, for logging and tests.
type Outcome struct {
	Ignored     bool
	Transitioned bool
	From        State
	To          State
	ActionErr   error
}

// Dispatch applies one event to one instance. It is not safe to call
// concurrently for the same instance; callers serialize per machine id
// (the registry does this via a per-machine mailbox).
//
// Steps, matching the engine's dispatch algorithm:
//  1. Look up the instance's current state in its definition. An
//     undeclared state is an *UnknownMachineError.
//  2. Look up a transition for the event type in that state. A TIMEOUT
//     event with no explicit handler takes the state's declared timeout
//     transition. None registered is an *IgnoredEventError (not a
//     failure).
//  3. For a "to" transition: run onExit of the old state (if any),
//     update CurrentState/LastStateChange on the persistent context,
//     cancel any armed timeout, run onEntry of the new state (if any),
//     arm a new timeout if the new state declares one, mark Complete if
//     the new state is final, append a history record, and notify.
//  4. For a "stay" transition: run the stay handler in place, append a
//     history record, and do not notify or touch timers.
//
// Action failures (onExit, onEntry, or stay) are wrapped as
// *ActionError and returned, but the state mutation that already
// happened is never rolled back: the transition table decides what
// happens, not the action's success.
func Dispatch(inst *Instance, evt Event, deps Deps) (Outcome, error) {
	def := inst.Definition
	from := inst.Persistent.CurrentState()

	st, ok := def.State(from)
	if !ok {
		return Outcome{}, &UnknownMachineError{MachineID: inst.ID, State: from}
	}

	tr, ok := st.transitions[evt.Type]
	if !ok && evt.Type == TimeoutEventType && st.timeout != nil {
		tr, ok = transition{kind: kindTo, target: st.timeout.target}, true
	}
	if !ok {
		record(inst, deps, evt, from, from, evt.Type, true)
		return Outcome{Ignored: true}, &IgnoredEventError{MachineID: inst.ID, State: from, EventType: evt.Type}
	}

	switch tr.kind {
	case kindStay:
		var actionErr error
		if tr.stay != nil {
			if err := tr.stay(evt, inst.Persistent, inst.Volatile); err != nil {
				actionErr = &ActionError{MachineID: inst.ID, State: from, EventType: evt.Type, Phase: "stay", Err: err}
				record(inst, deps, evt, from, from, MarkerErrorStay, false)
			}
		}
		record(inst, deps, evt, from, from, evt.Type, false)
		return Outcome{From: from, To: from}, actionErr

	case kindTo:
		var actionErr error
		to := tr.target

		if st.onExit != nil {
			record(inst, deps, evt, from, to, MarkerBeforeExit, false)
			if err := st.onExit(evt, inst.Persistent, inst.Volatile); err != nil {
				actionErr = &ActionError{MachineID: inst.ID, State: from, EventType: evt.Type, Phase: "exit", Err: err}
				record(inst, deps, evt, from, to, MarkerErrorExit, false)
			}
			record(inst, deps, evt, from, to, MarkerAfterExit, false)
		}

		inst.Persistent.SetCurrentState(to)
		inst.Persistent.SetLastStateChange(evt.EmittedAt)
		inst.bumpReentry(to)

		if deps.CancelTimeout != nil {
			deps.CancelTimeout(inst.ID)
		}

		// the outbound transition entry itself, reflecting the already-
		// committed state change.
		record(inst, deps, evt, from, to, evt.Type, false)

		toDef, toOK := def.State(to)
		if toOK && toDef.onEntry != nil {
			record(inst, deps, evt, to, to, MarkerBeforeEntry, false)
			if err := toDef.onEntry(evt, inst.Persistent, inst.Volatile); err != nil {
				actionErr = &ActionError{MachineID: inst.ID, State: to, EventType: evt.Type, Phase: "entry", Err: err}
				record(inst, deps, evt, to, to, MarkerErrorEntry, false)
			}
			record(inst, deps, evt, to, to, MarkerAfterEntry, false)
		} else {
			record(inst, deps, evt, to, to, MarkerEntry, false)
		}

		final := toOK && toDef.final
		offline := toOK && toDef.offline
		if final {
			inst.Persistent.SetComplete(true)
		}

		if toOK && toDef.timeout != nil && deps.ArmTimeout != nil && !final {
			deps.ArmTimeout(inst.ID, time.Duration(toDef.timeout.seconds*float64(time.Second)), to)
		}

		if final {
			record(inst, deps, evt, to, to, MarkerCompletion, false)
		}

		if deps.Notify != nil {
			deps.Notify(StateChange{
				MachineID: inst.ID,
				From:      from,
				To:        to,
				EventType: evt.Type,
				Final:     final,
				Offline:   offline,
			})
		}

		return Outcome{Transitioned: true, From: from, To: to}, actionErr
	}

	return Outcome{}, nil
}

// record builds a HistoryEntry and hands it to deps.Record, a no-op
// when Record is unset. Every synthesized marker and the literal event
// itself flow through here so each becomes its own history row.
func record(inst *Instance, deps Deps, evt Event, from, to State, eventType EventType, ignored bool) {
	if deps.Record == nil {
		return
	}
	deps.Record(HistoryEntry{
		MachineID:     inst.ID,
		From:          from,
		To:            to,
		EventType:     eventType,
		Payload:       evt.Payload,
		Ignored:       ignored,
		RunID:         inst.RunID,
		OccurredAt:    evt.EmittedAt,
		ContextAfter:  inst.Persistent.DeepCopy(),
		VolatileAfter: inst.Volatile,
	})
}

// RecordInitialEntry synthesizes the "initial entry" history marker for
// a machine each time it is activated, whether freshly registered or
// rehydrated from the active store. The registry calls this from
// Register, right after building the Instance, since Dispatch itself
// only ever runs in response to an event.
func RecordInitialEntry(inst *Instance, deps Deps) {
	record(inst, deps, Event{Type: MarkerEntry, EmittedAt: inst.Persistent.LastStateChange()}, inst.Persistent.CurrentState(), inst.Persistent.CurrentState(), MarkerEntry, false)
}

// TimeoutEventType is the event type the timeout manager synthesizes
// and dispatches when a machine's armed deadline elapses without a
// competing event winning the race at the head of its mailbox.
const TimeoutEventType EventType = "TIMEOUT"

// IsOffline reports whether the instance's current state is
// eviction-eligible.
func (i *Instance) IsOffline() bool {
	st, ok := i.Definition.State(i.Persistent.CurrentState())
	return ok && st.offline
}

// IsFinal reports whether the instance's current state is terminal.
func (i *Instance) IsFinal() bool {
	st, ok := i.Definition.State(i.Persistent.CurrentState())
	return ok && st.final
}
