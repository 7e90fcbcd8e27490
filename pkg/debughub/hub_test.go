package debughub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeBackend struct {
	machines []string
}

func (f *fakeBackend) ListMachines() []string        { return f.machines }
func (f *fakeBackend) ListOfflineMachines() []string  { return nil }

func (f *fakeBackend) MachineState(machineID string) (json.RawMessage, bool) {
	if machineID != "call-1" {
		return nil, false
	}
	raw, _ := json.Marshal(map[string]string{"state": "RINGING"})
	return raw, true
}

func (f *fakeBackend) History(ctx context.Context, machineID string) (json.RawMessage, error) {
	return json.Marshal([]string{})
}

func (f *fakeBackend) HistorySince(ctx context.Context, machineID string, since time.Time) (json.RawMessage, error) {
	return json.Marshal([]string{})
}

func (f *fakeBackend) SendEvent(ctx context.Context, machineID, eventType string, payload json.RawMessage) error {
	return nil
}

func (f *fakeBackend) RegistryState() json.RawMessage {
	raw, _ := json.Marshal(map[string]int{"live": len(f.machines)})
	return raw
}

func TestHubGetMachineState(t *testing.T) {
	backend := &fakeBackend{machines: []string{"call-1"}}
	hub := New(backend, nil, nil)

	server := httptest.NewServer(hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := inbound{Op: opGetMachineState, MachineID: "call-1", RequestID: "r1"}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp outbound
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.RequestID != "r1" || resp.Error != "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHubUnknownOp(t *testing.T) {
	backend := &fakeBackend{}
	hub := New(backend, nil, nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := inbound{Op: "NOT_A_REAL_OP", RequestID: "r2"}
	conn.WriteJSON(req)

	var resp outbound
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Error == "" {
		t.Fatalf("expected an error for an unknown op")
	}
}
