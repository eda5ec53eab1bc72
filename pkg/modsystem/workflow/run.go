package workflow

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/goneyears/modsystem/pkg/modsystem/event"
)

// RunState represents the lifecycle state of a workflow run.
type RunState string

const (
	// RunStatePending means the run exists but has not started a step.
	RunStatePending RunState = "pending"
	// RunStateRunning means the run is executing steps.
	RunStateRunning RunState = "running"
	// RunStateCompleted means every step finished.
	RunStateCompleted RunState = "completed"
	// RunStateFailed means a step's action could not be executed.
	RunStateFailed RunState = "failed"
	// RunStateTimedOut means a step's completion signal never arrived.
	RunStateTimedOut RunState = "timed_out"
)

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateTimedOut:
		return true
	default:
		return false
	}
}

// Run is one stateful execution of a workflow. Runs are created on
// trigger match and removed from the active set on reaching a terminal
// state. Concurrent runs of the same workflow are independent.
type Run struct {
	ID          string
	Workflow    string
	State       RunState
	StepIndex   int
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string

	// def is the read-only definition this run executes.
	def Workflow
	// trigger is the event that created the run; step events derive
	// from it so the whole run shares one correlation chain.
	trigger event.Event
	// span covers the run from trigger to terminal state.
	span trace.Span
}

// CorrelationID returns the correlation identifier of the run's chain.
func (r *Run) CorrelationID() string {
	if r.trigger == nil {
		return ""
	}
	return r.trigger.CorrelationID()
}

// snapshot returns a copy safe to hand outside the engine's lock.
func (r *Run) snapshot() Run {
	cp := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}
