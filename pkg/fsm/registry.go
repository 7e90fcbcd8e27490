package fsm

import (
	"fmt"
	"reflect"
	"sync"
)

// Registry maps a Go value's dynamic type to the stable string tag
// carried as Event.Type on the wire and in history records. Machines
// built with typed payload structs register a sample of each payload
// type once at startup; any value not registered falls back to its
// deterministic %T representation so dispatch never panics on an
// unregistered type.
type Registry struct {
	mu   sync.RWMutex
	tags map[reflect.Type]string
}

// NewRegistry returns an empty event-type registry.
func NewRegistry() *Registry {
	return &Registry{tags: make(map[reflect.Type]string)}
}

// Register associates sample's dynamic type with tag. Registering the
// same type twice with a different tag overwrites the previous mapping.
func (r *Registry) Register(sample any, tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags[reflect.TypeOf(sample)] = tag
}

// EventType returns the registered tag for v's dynamic type, or the
// deterministic fmt.Sprintf("%T", v) fallback if none was registered.
func (r *Registry) EventType(v any) EventType {
	r.mu.RLock()
	tag, ok := r.tags[reflect.TypeOf(v)]
	r.mu.RUnlock()
	if ok {
		return EventType(tag)
	}
	return EventType(fmt.Sprintf("%T", v))
}

// NewTypedEvent builds an Event whose Type is resolved through r.
func (r *Registry) NewTypedEvent(payload any) Event {
	return NewEvent(r.EventType(payload), payload)
}
