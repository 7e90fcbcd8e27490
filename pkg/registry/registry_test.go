package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/telcofsm/runtime/examples/callfsm"
	"github.com/telcofsm/runtime/pkg/fsm"
)

// fakeStore is an in-memory store.Adapter[*callfsm.Call] for tests.
type fakeStore struct {
	mu   sync.Mutex
	rows map[string]*callfsm.Call
}

func newFakeStore() *fakeStore { return &fakeStore{rows: make(map[string]*callfsm.Call)} }

func (f *fakeStore) Insert(ctx context.Context, e *callfsm.Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.rows[e.ID] = &cp
	return nil
}

func (f *fakeStore) FindByID(ctx context.Context, id string) (*callfsm.Call, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, false, nil
	}
	cp := *row
	return &cp, true, nil
}

func (f *fakeStore) UpdateByID(ctx context.Context, id string, e *callfsm.Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.rows[id] = &cp
	return nil
}

func (f *fakeStore) DeleteByID(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func (f *fakeStore) FindAllByDateRange(ctx context.Context, from, to time.Time) ([]*callfsm.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*callfsm.Call
	for _, r := range f.rows {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func buildTestDefinition(t *testing.T) *fsm.Definition {
	t.Helper()
	def, err := callfsm.Definition()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return def
}

func TestRegistryRouteEventTransitionsAndPersists(t *testing.T) {
	def := buildTestDefinition(t)
	active := newFakeStore()
	archive := newFakeStore()

	reg := New[*callfsm.Call](def, active, archive, nil, nil, nil, nil, DefaultConfig())

	call := callfsm.NewCall("call-1", "+15550001111")
	active.rows["call-1"] = call

	if err := reg.Register(context.Background(), call); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.RouteEvent(context.Background(), "call-1", fsm.NewEvent(callfsm.EventAdmit, nil)); err != nil {
		t.Fatalf("route: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		row, ok, _ := active.FindByID(context.Background(), "call-1")
		if ok && row.CurrentState() == callfsm.Ringing {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected call-1 to reach RINGING in the active store")
}

func TestRegistryArchivesOnFinalState(t *testing.T) {
	def := buildTestDefinition(t)
	active := newFakeStore()
	archive := newFakeStore()

	reg := New[*callfsm.Call](def, active, archive, nil, nil, nil, nil, DefaultConfig())

	call := callfsm.NewCall("call-2", "+15550002222")
	call.State = callfsm.Ringing
	active.rows["call-2"] = call

	if err := reg.Register(context.Background(), call); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.RouteEvent(context.Background(), "call-2", fsm.NewEvent(callfsm.EventAbandon, nil)); err != nil {
		t.Fatalf("route: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if archive.count() == 1 && active.count() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected call-2 to be archived and removed from the active store")
}

func TestRegistryRehydratesUnknownMachine(t *testing.T) {
	def := buildTestDefinition(t)
	active := newFakeStore()
	archive := newFakeStore()

	active.rows["call-3"] = callfsm.NewCall("call-3", "+15550003333")

	reg := New[*callfsm.Call](def, active, archive, nil, nil, nil, nil, DefaultConfig())

	if err := reg.RouteEvent(context.Background(), "call-3", fsm.NewEvent(callfsm.EventAdmit, nil)); err != nil {
		t.Fatalf("route to cold machine: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		row, ok, _ := active.FindByID(context.Background(), "call-3")
		if ok && row.CurrentState() == callfsm.Ringing {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected rehydrated call-3 to reach RINGING")
}

func TestRegistryReportsNotDeliveredForUnknownMachine(t *testing.T) {
	def := buildTestDefinition(t)
	active := newFakeStore()
	archive := newFakeStore()
	reg := New[*callfsm.Call](def, active, archive, nil, nil, nil, nil, DefaultConfig())

	err := reg.RouteEvent(context.Background(), "ghost", fsm.NewEvent(callfsm.EventAdmit, nil))
	if err == nil {
		t.Fatal("expected an error for an undiscoverable machine")
	}
}
