package fsm

import "fmt"

// ConfigError reports a malformed machine definition caught at Build
// time: duplicate states, dangling transition targets, missing initial
// state. Construction fails fast; it never surfaces at dispatch time.
type ConfigError struct {
	Definition string
	Reason     string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("fsm: invalid definition %q: %s", e.Definition, e.Reason)
}

// UnknownMachineError is returned by Dispatch when the instance's
// current state was not declared in its own definition, which can only
// happen if persisted state and definition have drifted apart.
type UnknownMachineError struct {
	MachineID string
	State     State
}

func (e *UnknownMachineError) Error() string {
	return fmt.Sprintf("fsm: machine %q is in undeclared state %q", e.MachineID, e.State)
}

// IgnoredEventError is not a failure: it reports that the current state
// has no transition registered for the event type, so the event was
// dropped without mutating the machine. Callers may log it at debug
// level; it must never be treated as a dispatch failure.
type IgnoredEventError struct {
	MachineID string
	State     State
	EventType EventType
}

func (e *IgnoredEventError) Error() string {
	return fmt.Sprintf("fsm: machine %q in state %q has no transition for event %q", e.MachineID, e.State, e.EventType)
}

// ActionError wraps a failure returned by an entry, exit, or stay
// action. The state transition that triggered the action has already
// been committed to the persistent context; ActionError is reported so
// the caller can log and alert, not to signal a need for rollback.
type ActionError struct {
	MachineID string
	State     State
	EventType EventType
	Phase     string
	Err       error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("fsm: machine %q action failed in phase %s (state=%s event=%s): %v", e.MachineID, e.Phase, e.State, e.EventType, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
