package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/telcofsm/runtime/examples/callfsm"
	"github.com/telcofsm/runtime/pkg/fsm"
	"github.com/telcofsm/runtime/pkg/history"
	"github.com/telcofsm/runtime/pkg/registry"
)

// debugBackend adapts a *registry.Registry[*callfsm.Call] to the
// debughub.Backend interface, so the debug channel never needs to
// depend on the registry's generic type parameter.
type debugBackend struct {
	reg  *registry.Registry[*callfsm.Call]
	hist *history.Tracker
}

func (b *debugBackend) ListMachines() []string {
	return b.reg.ListLive()
}

func (b *debugBackend) ListOfflineMachines() []string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ids, err := b.reg.ListOffline(ctx, time.Now().AddDate(0, -1, 0), time.Now())
	if err != nil {
		return nil
	}
	return ids
}

func (b *debugBackend) MachineState(machineID string) (json.RawMessage, bool) {
	call, ok := b.reg.Snapshot(machineID)
	if !ok {
		return nil, false
	}
	raw, err := json.Marshal(call)
	if err != nil {
		return nil, false
	}
	return raw, true
}

func (b *debugBackend) History(ctx context.Context, machineID string) (json.RawMessage, error) {
	if b.hist == nil {
		return json.Marshal([]history.Row{})
	}
	rows, err := b.hist.ReadAll(ctx, machineID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rows)
}

func (b *debugBackend) HistorySince(ctx context.Context, machineID string, since time.Time) (json.RawMessage, error) {
	if b.hist == nil {
		return json.Marshal([]history.Row{})
	}
	rows, err := b.hist.ReadSince(ctx, machineID, since)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rows)
}

func (b *debugBackend) SendEvent(ctx context.Context, machineID, eventType string, payload json.RawMessage) error {
	var decoded any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return err
		}
	}
	return b.reg.RouteEvent(ctx, machineID, fsm.NewEvent(fsm.EventType(eventType), decoded))
}

func (b *debugBackend) RegistryState() json.RawMessage {
	stats := b.reg.Stats()
	raw, _ := json.Marshal(stats)
	return raw
}
