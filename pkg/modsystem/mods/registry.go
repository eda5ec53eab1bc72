// Package mods provides the mod/service registry. Route and workflow
// actions name a target mod; the registry resolves that name to a live,
// registered mod and wires the mod's handler into the event bus.
package mods

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/goneyears/modsystem/pkg/modsystem/event"
)

// Mod is a registered consumer of events.
type Mod interface {
	// ID is the unique mod identifier actions target.
	ID() string

	// Events lists the event types the mod consumes.
	Events() []string

	// Handle processes one delivered event.
	Handle(ctx context.Context, evt event.Event) error
}

// Registry tracks registered mods and their bus subscriptions.
// Registering a mod subscribes its handler for each of its event types
// with the mod as the owning object, so Deregister can tear everything
// down with a single UnsubscribeAll.
type Registry struct {
	bus    *event.Bus
	logger *slog.Logger

	mu   sync.RWMutex
	mods map[string]Mod
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates a mod registry bound to a bus.
func NewRegistry(bus *event.Bus, opts ...RegistryOption) *Registry {
	r := &Registry{
		bus:  bus,
		mods: make(map[string]Mod),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a mod and subscribes its handler for its event types.
// Registering an already-registered ID is an error.
func (r *Registry) Register(m Mod) error {
	if m == nil {
		return fmt.Errorf("mods: nil mod")
	}
	id := m.ID()
	if id == "" {
		return fmt.Errorf("mods: mod ID is required")
	}

	r.mu.Lock()
	if _, exists := r.mods[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("mods: %q already registered", id)
	}
	r.mods[id] = m
	r.mu.Unlock()

	for _, eventType := range m.Events() {
		r.bus.Subscribe(eventType, m.Handle,
			event.WithOwner(m),
			event.WithSubscriberName(id),
		)
	}

	if r.logger != nil {
		r.logger.Info("mod registered",
			slog.String("mod", id),
			slog.Int("event_types", len(m.Events())),
		)
	}
	return nil
}

// Deregister removes a mod and all of its subscriptions.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	m, ok := r.mods[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("mods: %q not registered", id)
	}
	delete(r.mods, id)
	r.mu.Unlock()

	r.bus.UnsubscribeAll(m)

	if r.logger != nil {
		r.logger.Info("mod deregistered", slog.String("mod", id))
	}
	return nil
}

// Resolve returns the mod registered under id.
func (r *Registry) Resolve(id string) (Mod, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mods[id]
	return m, ok
}

// Has returns true if id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Resolve(id)
	return ok
}

// IDs returns the registered mod IDs. The order is not guaranteed.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.mods))
	for id := range r.mods {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of registered mods.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mods)
}
