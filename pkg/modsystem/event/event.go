// Package event provides the typed publish/subscribe core of modsystem.
//
// Every message is an envelope carrying identity, sender, correlation chain,
// and a typed payload. The Bus fans a published event out to all live,
// filter-matching subscribers of its exact type, isolating handler failures
// from each other and from the publisher.
package event

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Metadata contains the common fields carried by every event.
type Metadata struct {
	EventID       string    `json:"id"`
	EventType     string    `json:"type"`
	Sender        string    `json:"sender"`
	CorrelationID string    `json:"correlation_id"`
	CausationID   string    `json:"causation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Event is the interface satisfied by every message on the bus.
// Events are immutable after publish; the bus itself is the single
// writer of the timestamp.
type Event interface {
	// Identity
	ID() string     // Unique event identifier
	Type() string   // Event type (e.g., "player.interacted", "mod.loaded")
	Sender() string // Who published the event

	// Correlation chain
	CorrelationID() string // Groups related events (request/response, workflows)
	CausationID() string   // ID of the event that directly caused this one

	// Timestamp set by the bus at publish time.
	Timestamp() time.Time

	// Payload
	Data() any               // Typed payload
	Fields() map[string]any  // Payload as a key-value map, for condition matching

	// stamp is called by the bus at publish time. Keeping it unexported
	// makes the bus the only timestamp authority.
	stamp(t time.Time)
}

// Envelope is the generic event implementation.
// T is the payload type for type-safe access.
type Envelope[T any] struct {
	Meta    Metadata `json:"metadata"`
	Payload T        `json:"payload"`

	// Field map derived from the payload (computed lazily).
	fieldsOnce sync.Once
	fields     map[string]any
}

// ID returns the unique event identifier.
func (e *Envelope[T]) ID() string { return e.Meta.EventID }

// Type returns the event type.
func (e *Envelope[T]) Type() string { return e.Meta.EventType }

// Sender returns who published the event.
func (e *Envelope[T]) Sender() string { return e.Meta.Sender }

// CorrelationID returns the correlation identifier.
func (e *Envelope[T]) CorrelationID() string { return e.Meta.CorrelationID }

// CausationID returns the ID of the event that caused this one.
func (e *Envelope[T]) CausationID() string { return e.Meta.CausationID }

// Timestamp returns the publish-time clock reading.
func (e *Envelope[T]) Timestamp() time.Time { return e.Meta.Timestamp }

// Data returns the event payload.
func (e *Envelope[T]) Data() any { return e.Payload }

// TypedData returns the strongly-typed payload.
func (e *Envelope[T]) TypedData() T { return e.Payload }

// Fields returns the payload as a key-value map for condition matching.
// Map payloads are returned directly; struct payloads are flattened through
// their JSON representation. The result is computed once and cached.
func (e *Envelope[T]) Fields() map[string]any {
	e.fieldsOnce.Do(func() {
		if m, ok := any(e.Payload).(map[string]any); ok {
			e.fields = m
			return
		}
		bytes, err := json.Marshal(e.Payload)
		if err != nil {
			e.fields = map[string]any{}
			return
		}
		var m map[string]any
		if err := json.Unmarshal(bytes, &m); err != nil || m == nil {
			e.fields = map[string]any{}
			return
		}
		e.fields = m
	})
	return e.fields
}

func (e *Envelope[T]) stamp(t time.Time) { e.Meta.Timestamp = t }

// MarshalJSON implements json.Marshaler.
func (e *Envelope[T]) MarshalJSON() ([]byte, error) {
	type alias Envelope[T]
	return json.Marshal((*alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope[T]) UnmarshalJSON(data []byte) error {
	type alias Envelope[T]
	if err := json.Unmarshal(data, (*alias)(e)); err != nil {
		return err
	}
	e.fieldsOnce = sync.Once{} // Clear cache on unmarshal
	e.fields = nil
	return nil
}

// Option configures event creation.
type Option func(*eventConfig)

type eventConfig struct {
	id            string
	correlationID string
	causationID   string
}

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.id = id
	}
}

// WithCorrelationID sets the correlation ID linking related events.
func WithCorrelationID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.correlationID = id
	}
}

// WithCausationID sets the ID of the causing event.
func WithCausationID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.causationID = id
	}
}

// New creates a new event with the given type, sender, and payload.
// The timestamp is left zero; the bus sets it at publish time.
func New[T any](eventType, sender string, payload T, opts ...Option) *Envelope[T] {
	cfg := &eventConfig{
		id: uuid.New().String(),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	// If no correlation ID, use the event ID as the root of the chain.
	if cfg.correlationID == "" {
		cfg.correlationID = cfg.id
	}

	return &Envelope[T]{
		Meta: Metadata{
			EventID:       cfg.id,
			EventType:     eventType,
			Sender:        sender,
			CorrelationID: cfg.correlationID,
			CausationID:   cfg.causationID,
		},
		Payload: payload,
	}
}

// NewFromParent creates a new event caused by a parent event.
// It inherits the correlation ID and sets the causation ID.
func NewFromParent[T any](parent Event, eventType, sender string, payload T, opts ...Option) *Envelope[T] {
	parentOpts := []Option{
		WithCorrelationID(parent.CorrelationID()),
		WithCausationID(parent.ID()),
	}
	allOpts := append(parentOpts, opts...)

	return New(eventType, sender, payload, allOpts...)
}

// NewAny creates a new event with a map payload.
// This is the common shape for configuration-driven derived events.
func NewAny(eventType, sender string, payload map[string]any, opts ...Option) *Envelope[map[string]any] {
	return New(eventType, sender, payload, opts...)
}

// NewAnyFromParent creates a new map-payload event from a parent event.
func NewAnyFromParent(parent Event, eventType, sender string, payload map[string]any, opts ...Option) *Envelope[map[string]any] {
	return NewFromParent(parent, eventType, sender, payload, opts...)
}
