// Package route implements the declarative route evaluator: configured
// routes match incoming events against conditions and emit derived events
// (actions), immediately or after a delay, back through the bus.
package route

import (
	"fmt"
	"time"

	"github.com/goneyears/modsystem/pkg/modsystem/condition"
	"github.com/goneyears/modsystem/pkg/modsystem/event"
)

// Action describes one derived event a matching route emits.
type Action struct {
	// TargetMod is the mod the derived event is aimed at. Resolved
	// against the mod registry when one is configured.
	TargetMod string

	// EventType of the derived event.
	EventType string

	// Parameters become the derived event's payload.
	Parameters map[string]any

	// Delay before the derived event is published. Zero publishes
	// synchronously during route evaluation.
	Delay time.Duration
}

// Route is one declarative rule. Routes are immutable after load.
type Route struct {
	Name        string
	SourceEvent string
	Conditions  []condition.Condition
	Actions     []Action
	Enabled     bool
	Priority    int
}

// Validate checks a route's shape and conditions, failing fast at load.
func (r Route) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("route: name is required")
	}
	if r.SourceEvent == "" {
		return fmt.Errorf("route %q: source event is required", r.Name)
	}
	if err := condition.Validate(r.Conditions); err != nil {
		return fmt.Errorf("route %q: %w", r.Name, err)
	}
	for i, a := range r.Actions {
		if a.EventType == "" {
			return fmt.Errorf("route %q: action %d: event type is required", r.Name, i)
		}
		if a.Delay < 0 {
			return fmt.Errorf("route %q: action %d: negative delay", r.Name, i)
		}
	}
	return nil
}

// BuildEvent constructs the derived event for an action: the action's
// parameters merged with the evaluation context (target mod and source
// event type), correlated to the event that triggered it.
func BuildEvent(parent event.Event, sender string, a Action) *event.Envelope[map[string]any] {
	payload := make(map[string]any, len(a.Parameters)+2)
	for k, v := range a.Parameters {
		payload[k] = v
	}
	if a.TargetMod != "" {
		payload["target_mod"] = a.TargetMod
	}
	payload["source_event"] = parent.Type()

	return event.NewAnyFromParent(parent, a.EventType, sender, payload)
}

// ActionError reports an action that could not be constructed or scheduled.
type ActionError struct {
	Route     string
	TargetMod string
	EventType string
	Err       error
}

// Error implements the error interface.
func (e *ActionError) Error() string {
	return fmt.Sprintf("route %s: action %s -> %s: %v", e.Route, e.EventType, e.TargetMod, e.Err)
}

// Unwrap returns the underlying error.
func (e *ActionError) Unwrap() error {
	return e.Err
}
