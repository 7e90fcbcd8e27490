package timeout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/telcofsm/runtime/pkg/fsm"
)

type fakeStates struct {
	mu     sync.Mutex
	states map[string]fsm.State
}

func (f *fakeStates) current(id string) (fsm.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[id]
	return s, ok
}

func (f *fakeStates) set(id string, s fsm.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = s
}

func TestManagerFiresAfterDuration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fs := &fakeStates{states: map[string]fsm.State{"m1": "RINGING"}}
	fired := make(chan string, 1)

	mgr := NewManager(ctx, DefaultConfig(), fs.current, func(id string) { fired <- id }, nil)
	mgr.Schedule("m1", 20*time.Millisecond, "RINGING")

	select {
	case id := <-fired:
		if id != "m1" {
			t.Fatalf("expected m1, got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for fire")
	}
}

func TestManagerCancelPreventsFire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fs := &fakeStates{states: map[string]fsm.State{"m1": "RINGING"}}
	fired := make(chan string, 1)

	mgr := NewManager(ctx, DefaultConfig(), fs.current, func(id string) { fired <- id }, nil)
	mgr.Schedule("m1", 20*time.Millisecond, "RINGING")
	mgr.Cancel("m1")

	select {
	case id := <-fired:
		t.Fatalf("expected no fire, got %s", id)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestManagerDiscardsStaleFire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fs := &fakeStates{states: map[string]fsm.State{"m1": "RINGING"}}
	fired := make(chan string, 1)

	mgr := NewManager(ctx, DefaultConfig(), fs.current, func(id string) { fired <- id }, nil)
	mgr.Schedule("m1", 20*time.Millisecond, "RINGING")

	// the machine transitioned before the timer fired.
	fs.set("m1", "CONNECTED")

	select {
	case id := <-fired:
		t.Fatalf("expected stale fire to be discarded, got %s", id)
	case <-time.After(80 * time.Millisecond):
	}

	stats := mgr.Stats()
	if stats.Stale != 1 {
		t.Fatalf("expected 1 stale fire, got %d", stats.Stale)
	}
}

func TestManagerRescheduleReplacesPrevious(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fs := &fakeStates{states: map[string]fsm.State{"m1": "RINGING"}}
	fired := make(chan string, 2)

	mgr := NewManager(ctx, DefaultConfig(), fs.current, func(id string) { fired <- id }, nil)
	mgr.Schedule("m1", 200*time.Millisecond, "RINGING")
	mgr.Schedule("m1", 20*time.Millisecond, "RINGING")

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for rescheduled fire")
	}

	select {
	case id := <-fired:
		t.Fatalf("expected only one fire from the superseded timer, got extra %s", id)
	case <-time.After(300 * time.Millisecond):
	}
}
