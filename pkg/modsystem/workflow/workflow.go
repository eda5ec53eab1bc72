// Package workflow implements the multi-step reaction engine: a workflow
// definition names a trigger event plus conditions and an ordered list of
// steps; each firing of the trigger creates an independent Run that the
// engine drives to completion, failure, or timeout.
package workflow

import (
	"fmt"
	"time"

	"github.com/goneyears/modsystem/pkg/modsystem/condition"
)

// StepKind selects what a step does.
type StepKind string

// Step kinds.
const (
	// StepPublishEvent publishes an event with the step's parameters.
	StepPublishEvent StepKind = "publish_event"

	// StepInvokeAction emits a derived event aimed at a target mod,
	// identical in shape to a route action.
	StepInvokeAction StepKind = "invoke_action"
)

// Step is one stage of a workflow.
type Step struct {
	// Name labels the step in logs. Optional.
	Name string

	// Kind selects publish_event or invoke_action.
	Kind StepKind

	// Event is the event type the step emits.
	Event string

	// TargetMod is required for invoke_action steps.
	TargetMod string

	// Parameters become the emitted event's payload.
	Parameters map[string]any

	// Delay before the step executes.
	Delay time.Duration

	// CompleteOn names the event type whose arrival completes the step.
	// Empty means fire-and-forget: the run advances immediately.
	CompleteOn string

	// Timeout bounds the wait for CompleteOn. Required when CompleteOn
	// is set; the run transitions to TimedOut when it elapses.
	Timeout time.Duration
}

// Trigger starts a run when a matching event arrives.
type Trigger struct {
	Event      string
	Conditions []condition.Condition
}

// Workflow is an immutable multi-step reaction template.
type Workflow struct {
	Name    string
	Trigger Trigger
	Steps   []Step
}

// Validate checks the definition's shape, failing fast at load.
func (w Workflow) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("workflow: name is required")
	}
	if w.Trigger.Event == "" {
		return fmt.Errorf("workflow %q: trigger event is required", w.Name)
	}
	if err := condition.Validate(w.Trigger.Conditions); err != nil {
		return fmt.Errorf("workflow %q: trigger: %w", w.Name, err)
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %q: at least one step is required", w.Name)
	}
	for i, s := range w.Steps {
		if err := s.validate(); err != nil {
			return fmt.Errorf("workflow %q: step %d: %w", w.Name, i, err)
		}
	}
	return nil
}

func (s Step) validate() error {
	switch s.Kind {
	case StepPublishEvent:
	case StepInvokeAction:
		if s.TargetMod == "" {
			return fmt.Errorf("invoke_action requires a target mod")
		}
	default:
		return fmt.Errorf("unknown step kind %q", s.Kind)
	}
	if s.Event == "" {
		return fmt.Errorf("event type is required")
	}
	if s.Delay < 0 {
		return fmt.Errorf("negative delay")
	}
	if s.CompleteOn != "" && s.Timeout <= 0 {
		return fmt.Errorf("complete_on requires a positive timeout")
	}
	return nil
}
