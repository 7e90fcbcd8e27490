package fsm

import "testing"

type admitPayload struct{ Trunk string }

func TestRegistryResolvesRegisteredType(t *testing.T) {
	r := NewRegistry()
	r.Register(admitPayload{}, "ADMIT")

	evt := r.NewTypedEvent(admitPayload{Trunk: "t1"})
	if evt.Type != "ADMIT" {
		t.Fatalf("expected ADMIT, got %s", evt.Type)
	}
}

func TestRegistryFallsBackToTypeName(t *testing.T) {
	r := NewRegistry()
	tag := r.EventType(struct{ X int }{X: 1})
	if tag == "" {
		t.Fatalf("expected non-empty fallback tag")
	}
}
