package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownType is returned when no decoder is registered for a type.
	ErrUnknownType = errors.New("unknown event type")

	// ErrReservedType is returned when registering over a core type.
	ErrReservedType = errors.New("event type is reserved")

	// ErrDuplicateType is returned when a type is registered twice.
	ErrDuplicateType = errors.New("event type already registered")
)

// DecodeFunc decodes an application payload.
type DecodeFunc func(payload json.RawMessage) (Body, error)

// Registry maps application event types to their payload decoders.
// Registration happens once at startup; lookups are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	decoders map[Type]DecodeFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[Type]DecodeFunc)}
}

// Register adds a decoder for t.
func (r *Registry) Register(t Type, decode DecodeFunc) error {
	if isCore(t) {
		return fmt.Errorf("%w: %s", ErrReservedType, t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.decoders[t]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, t)
	}
	r.decoders[t] = decode
	return nil
}

// Decode decodes payload as type t.
func (r *Registry) Decode(t Type, payload json.RawMessage) (Body, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	r.mu.RLock()
	decode, ok := r.decoders[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	return decode(payload)
}

// Types returns the registered application types in sorted order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.decoders))
	for t := range r.decoders {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RegisterJSON registers a decoder that unmarshals the payload into a T.
func RegisterJSON[T Body](r *Registry, t Type) error {
	return r.Register(t, func(payload json.RawMessage) (Body, error) {
		var body T
		if len(payload) == 0 {
			return body, nil
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, err
		}
		return body, nil
	})
}

func isCore(t Type) bool {
	switch t {
	case TypeSetState, TypeHeartbeat, TypeGrouped, TypeSpeedChange,
		TypeDesync, TypeTraceReport, TypeTraceAck, TypeRejected:
		return true
	default:
		return false
	}
}
