// Package debughub implements the runtime's debug WebSocket channel: an
// inbound/outbound JSON frame protocol for inspecting and driving live
// machines from an operator tool, mirroring the EventBus-over-WebSocket
// bridge pattern used elsewhere in this codebase but scoped to the
// read/drive operations the runtime exposes.
package debughub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/telcofsm/runtime/pkg/logx"
)

// Backend is everything the Hub needs from the registry/history/store
// layer, kept as a plain interface so this package never imports the
// generic registry.Registry[E] type directly.
type Backend interface {
	ListMachines() []string
	ListOfflineMachines() []string
	MachineState(machineID string) (json.RawMessage, bool)
	History(ctx context.Context, machineID string) (json.RawMessage, error)
	HistorySince(ctx context.Context, machineID string, since time.Time) (json.RawMessage, error)
	SendEvent(ctx context.Context, machineID, eventType string, payload json.RawMessage) error
	RegistryState() json.RawMessage
}

// inbound is the shape of a client->server frame.
type inbound struct {
	Op        string          `json:"op"`
	MachineID string          `json:"machine_id,omitempty"`
	EventType string          `json:"event_type,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Since     int64           `json:"since_ms,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// outbound is the shape of a server->client frame.
type outbound struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

const (
	opGetMachines        = "GET_MACHINES"
	opGetMachineState    = "GET_MACHINE_STATE"
	opGetHistory         = "GET_HISTORY"
	opGetHistorySince    = "GET_HISTORY_SINCE"
	opEvent              = "EVENT"
	opEventToArbitrary   = "EVENT_TO_ARBITRARY"
	opGetOfflineMachines = "GET_OFFLINE_MACHINES"
	opGetRegistryState   = "GET_REGISTRY_STATE"
)

const (
	typeStateChange        = "STATE_CHANGE"
	typeMachineRegistered   = "MACHINE_REGISTERED"
	typeMachineUnregistered = "MACHINE_UNREGISTERED"
	typeCompleteStatus      = "COMPLETE_STATUS"
)

// TokenVerifier validates a bearer token presented on the WebSocket
// upgrade. Hub treats a nil TokenVerifier as "no auth required", which
// is only appropriate for a localhost-only deployment.
type TokenVerifier func(token string) bool

// Hub upgrades HTTP connections to WebSocket, dispatches inbound frames
// against Backend, and fans broadcast frames out to every connected
// client without letting one slow client block the others.
type Hub struct {
	backend  Backend
	upgrader websocket.Upgrader
	verify   TokenVerifier
	logger   logx.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan outbound
	mu   sync.Mutex
}

// New builds a Hub against backend. verify may be nil to disable the
// bearer-token gate.
func New(backend Backend, verify TokenVerifier, logger logx.Logger) *Hub {
	if logger == nil {
		logger = logx.NewDefaultLogger()
	}
	return &Hub{
		backend: backend,
		verify:  verify,
		logger:  logger,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and spawns its read/write loops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.verify != nil {
		token := r.URL.Query().Get("token")
		if token == "" || !h.verify(token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("debughub: upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan outbound, 64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) readLoop(c *client) {
	defer h.removeClient(c)
	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		h.dispatch(c, msg)
	}
}

func (h *Hub) writeLoop(c *client) {
	for frame := range c.send {
		c.mu.Lock()
		err := c.conn.WriteJSON(frame)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

func (h *Hub) reply(c *client, requestID string, result json.RawMessage, err error) {
	frame := outbound{Type: "REPLY", RequestID: requestID, Result: result}
	if err != nil {
		frame.Error = err.Error()
	}
	h.sendTo(c, frame)
}

// sendTo enqueues frame for one client, non-blocking: a full send
// buffer drops the frame rather than stalling the dispatch loop.
func (h *Hub) sendTo(c *client, frame outbound) {
	select {
	case c.send <- frame:
	default:
		h.logger.Debugf("debughub: dropped frame for a slow client")
	}
}

// Broadcast enqueues frame for every connected client, independently
// and non-blocking per subscriber.
func (h *Hub) Broadcast(frame outbound) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		h.sendTo(c, frame)
	}
}

// BroadcastStateChange sends a STATE_CHANGE frame; callers marshal
// their own domain-specific payload shape into result.
func (h *Hub) BroadcastStateChange(result json.RawMessage) {
	h.Broadcast(outbound{Type: typeStateChange, Result: result})
}

// BroadcastRegistered sends a MACHINE_REGISTERED frame.
func (h *Hub) BroadcastRegistered(machineID string) {
	h.Broadcast(outbound{Type: typeMachineRegistered, Result: jsonString(machineID)})
}

// BroadcastUnregistered sends a MACHINE_UNREGISTERED frame.
func (h *Hub) BroadcastUnregistered(machineID string) {
	h.Broadcast(outbound{Type: typeMachineUnregistered, Result: jsonString(machineID)})
}

// BroadcastComplete sends a COMPLETE_STATUS frame.
func (h *Hub) BroadcastComplete(machineID string) {
	h.Broadcast(outbound{Type: typeCompleteStatus, Result: jsonString(machineID)})
}

func jsonString(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

func (h *Hub) dispatch(c *client, msg inbound) {
	ctx := context.Background()

	switch msg.Op {
	case opGetMachines:
		raw, _ := json.Marshal(h.backend.ListMachines())
		h.reply(c, msg.RequestID, raw, nil)

	case opGetOfflineMachines:
		raw, _ := json.Marshal(h.backend.ListOfflineMachines())
		h.reply(c, msg.RequestID, raw, nil)

	case opGetMachineState:
		state, ok := h.backend.MachineState(msg.MachineID)
		if !ok {
			h.reply(c, msg.RequestID, nil, errNotFound(msg.MachineID))
			return
		}
		h.reply(c, msg.RequestID, state, nil)

	case opGetHistory:
		rows, err := h.backend.History(ctx, msg.MachineID)
		h.reply(c, msg.RequestID, rows, err)

	case opGetHistorySince:
		since := time.UnixMilli(msg.Since).UTC()
		rows, err := h.backend.HistorySince(ctx, msg.MachineID, since)
		h.reply(c, msg.RequestID, rows, err)

	case opEvent, opEventToArbitrary:
		err := h.backend.SendEvent(ctx, msg.MachineID, msg.EventType, msg.Payload)
		h.reply(c, msg.RequestID, nil, err)

	case opGetRegistryState:
		h.reply(c, msg.RequestID, h.backend.RegistryState(), nil)

	default:
		h.reply(c, msg.RequestID, nil, errUnknownOp(msg.Op))
	}
}
