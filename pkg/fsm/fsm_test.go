package fsm

import (
	"testing"
	"time"
)

// memContext is a minimal PersistentContext used across fsm tests.
type memContext struct {
	id       string
	state    State
	changed  time.Time
	complete bool
	counter  int
}

func (c *memContext) MachineID() string               { return c.id }
func (c *memContext) CurrentState() State              { return c.state }
func (c *memContext) SetCurrentState(s State)          { c.state = s }
func (c *memContext) LastStateChange() time.Time       { return c.changed }
func (c *memContext) SetLastStateChange(t time.Time)   { c.changed = t }
func (c *memContext) Complete() bool                   { return c.complete }
func (c *memContext) SetComplete(v bool)               { c.complete = v }
func (c *memContext) DeepCopy() PersistentContext {
	cp := *c
	return &cp
}

func buildCallDefinition(t *testing.T) *Definition {
	t.Helper()
	b := NewBuilder("call").Initial("ADMISSION")

	b.State("ADMISSION").
		To("ADMIT", "RINGING").
		Done()

	b.State("RINGING").
		Timeout(30, "HUNGUP").
		To("ANSWER", "CONNECTED").
		To("ABANDON", "HUNGUP").
		Done()

	b.State("CONNECTED").
		Stay("HOLD", func(evt Event, pc PersistentContext, vc VolatileContext) error {
			mc := pc.(*memContext)
			mc.counter++
			return nil
		}).
		To("HANGUP", "HUNGUP").
		Done()

	b.State("HUNGUP").Final().Done()

	def, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return def
}

func TestDispatchExternalTransition(t *testing.T) {
	def := buildCallDefinition(t)
	pc := &memContext{id: "call-1", state: "ADMISSION"}
	inst := NewInstance(def, "call-1", pc, nil, 1)

	var notified *StateChange
	var recorded []HistoryEntry
	deps := Deps{
		Notify: func(sc StateChange) { notified = &sc },
		Record: func(h HistoryEntry) { recorded = append(recorded, h) },
	}

	out, err := Dispatch(inst, NewEvent("ADMIT", nil), deps)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !out.Transitioned || out.To != "RINGING" {
		t.Fatalf("expected transition to RINGING, got %+v", out)
	}
	if pc.CurrentState() != "RINGING" {
		t.Fatalf("context not updated: %v", pc.CurrentState())
	}
	if notified == nil || notified.To != "RINGING" {
		t.Fatalf("expected notify callback, got %+v", notified)
	}
	// neither ADMISSION nor RINGING declares onExit/onEntry, so the
	// transition itself plus a single synthesized entry marker — no
	// before/after exit or entry pairs, no completion.
	if len(recorded) != 2 {
		t.Fatalf("expected 2 history records (transition + entry), got %+v", recorded)
	}
	if recorded[0].EventType != "ADMIT" || recorded[0].To != "RINGING" {
		t.Fatalf("expected first record to be the ADMIT transition, got %+v", recorded[0])
	}
	if recorded[1].EventType != MarkerEntry || recorded[1].To != "RINGING" {
		t.Fatalf("expected second record to be the entry marker, got %+v", recorded[1])
	}
}

func TestDispatchStayDoesNotNotifyOrArm(t *testing.T) {
	def := buildCallDefinition(t)
	pc := &memContext{id: "call-2", state: "CONNECTED"}
	inst := NewInstance(def, "call-2", pc, nil, 1)

	notifyCalled := false
	armed := false
	deps := Deps{
		Notify:     func(sc StateChange) { notifyCalled = true },
		ArmTimeout: func(id string, d time.Duration, s State) { armed = true },
	}

	out, err := Dispatch(inst, NewEvent("HOLD", nil), deps)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Transitioned {
		t.Fatalf("stay transition should not report Transitioned")
	}
	if pc.CurrentState() != "CONNECTED" {
		t.Fatalf("stay transition must not change state, got %v", pc.CurrentState())
	}
	if pc.counter != 1 {
		t.Fatalf("stay handler did not run, counter=%d", pc.counter)
	}
	if notifyCalled {
		t.Fatalf("stay transition must not call Notify")
	}
	if armed {
		t.Fatalf("stay transition must not arm a timeout")
	}
}

func TestDispatchIgnoredEvent(t *testing.T) {
	def := buildCallDefinition(t)
	pc := &memContext{id: "call-3", state: "ADMISSION"}
	inst := NewInstance(def, "call-3", pc, nil, 1)

	out, err := Dispatch(inst, NewEvent("HANGUP", nil), Deps{})
	if out.Transitioned {
		t.Fatalf("expected no transition for unregistered event")
	}
	if _, ok := err.(*IgnoredEventError); !ok {
		t.Fatalf("expected IgnoredEventError, got %T (%v)", err, err)
	}
	if pc.CurrentState() != "ADMISSION" {
		t.Fatalf("state must not change on ignored event")
	}
}

func TestDispatchArmsTimeoutOnEntry(t *testing.T) {
	def := buildCallDefinition(t)
	pc := &memContext{id: "call-4", state: "ADMISSION"}
	inst := NewInstance(def, "call-4", pc, nil, 1)

	var armedFor time.Duration
	deps := Deps{
		ArmTimeout: func(id string, d time.Duration, s State) { armedFor = d },
	}
	if _, err := Dispatch(inst, NewEvent("ADMIT", nil), deps); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if armedFor != 30*time.Second {
		t.Fatalf("expected 30s timeout armed, got %v", armedFor)
	}
}

func TestDispatchFinalStateMarksComplete(t *testing.T) {
	def := buildCallDefinition(t)
	pc := &memContext{id: "call-5", state: "RINGING"}
	inst := NewInstance(def, "call-5", pc, nil, 1)

	if _, err := Dispatch(inst, NewEvent("ABANDON", nil), Deps{}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !pc.Complete() {
		t.Fatalf("expected context marked complete on entering final state")
	}
	if !inst.IsFinal() {
		t.Fatalf("expected instance to report final state")
	}
}

func TestDispatchUnknownCurrentState(t *testing.T) {
	def := buildCallDefinition(t)
	pc := &memContext{id: "call-6", state: "NOPE"}
	inst := NewInstance(def, "call-6", pc, nil, 1)

	_, err := Dispatch(inst, NewEvent("ADMIT", nil), Deps{})
	if _, ok := err.(*UnknownMachineError); !ok {
		t.Fatalf("expected UnknownMachineError, got %T (%v)", err, err)
	}
}

func TestBuilderRejectsDuplicateState(t *testing.T) {
	b := NewBuilder("dup").Initial("A")
	b.State("A").Done()
	b.State("A").Done()
	if _, err := b.Build(); err == nil {
		t.Fatalf("expected error for duplicate state declaration")
	}
}

func TestBuilderRejectsDanglingTarget(t *testing.T) {
	b := NewBuilder("dangling").Initial("A")
	b.State("A").To("GO", "B").Done()
	if _, err := b.Build(); err == nil {
		t.Fatalf("expected error for transition to undeclared state")
	}
}

func TestBuilderRejectsMissingInitialState(t *testing.T) {
	b := NewBuilder("noinit")
	b.State("A").Done()
	if _, err := b.Build(); err == nil {
		t.Fatalf("expected error for missing initial state")
	}
}

func TestVisualizerRendersDeclaredStates(t *testing.T) {
	def := buildCallDefinition(t)
	v := NewVisualizer(def)
	mermaid := v.ToMermaid()
	if mermaid == "" {
		t.Fatalf("expected non-empty mermaid output")
	}
	ascii := v.ToASCII()
	if ascii == "" {
		t.Fatalf("expected non-empty ascii output")
	}
}
