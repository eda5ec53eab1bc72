package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goneyears/modsystem/pkg/modsystem/condition"
	"github.com/goneyears/modsystem/pkg/modsystem/event"
	"github.com/goneyears/modsystem/pkg/modsystem/history"
	"github.com/goneyears/modsystem/pkg/modsystem/mods"
	"github.com/goneyears/modsystem/pkg/modsystem/observability"
	"github.com/goneyears/modsystem/pkg/modsystem/route"
	"github.com/goneyears/modsystem/pkg/modsystem/schedule"
)

// engineSubscriber is the label the engine registers under and the sender
// of every event it emits.
const engineSubscriber = "workflow-engine"

// Engine drives workflow runs. It subscribes to every distinct trigger
// event name across loaded workflows and to every distinct completion
// event name across their steps; all timing (step delays, step timeouts)
// goes through the shared scheduler, never a goroutine per wait.
type Engine struct {
	bus     *event.Bus
	sched   *schedule.Scheduler
	mods    *mods.Registry
	hist    history.Store
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	// byTrigger is immutable after Load: trigger event -> workflows.
	byTrigger map[string][]Workflow

	mu      sync.Mutex
	runs    map[string]*Run
	waiters map[string][]*waiter // completion event type -> waiting runs
	loaded  bool
}

// waiter records a run suspended on a step's completion event. The
// resolved flag and timeout entry are guarded by the engine mutex;
// whichever of onCompletion and executeStep runs second cancels the
// timer.
type waiter struct {
	run       *Run
	stepIndex int
	resolved  bool
	timeout   *schedule.Entry
}

// Option configures an Engine.
type Option func(*Engine)

// WithMods sets the registry used to resolve invoke_action targets.
func WithMods(reg *mods.Registry) Option {
	return func(e *Engine) { e.mods = reg }
}

// WithHistory records terminal runs to a history store.
func WithHistory(store history.Store) Option {
	return func(e *Engine) { e.hist = store }
}

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSpans sets the trace span manager.
func WithSpans(s observability.SpanManager) Option {
	return func(e *Engine) { e.spans = s }
}

// NewEngine creates a workflow engine over a bus and scheduler.
// Call Load to install workflows and subscribe.
func NewEngine(bus *event.Bus, sched *schedule.Scheduler, opts ...Option) *Engine {
	e := &Engine{
		bus:       bus,
		sched:     sched,
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
		byTrigger: make(map[string][]Workflow),
		runs:      make(map[string]*Run),
		waiters:   make(map[string][]*waiter),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load validates and installs workflow definitions, subscribing to their
// trigger and completion event types. Load may only be called once.
func (e *Engine) Load(workflows []Workflow) error {
	if e.loaded {
		return fmt.Errorf("workflow: engine already loaded")
	}

	completionTypes := make(map[string]struct{})
	for _, w := range workflows {
		if err := w.Validate(); err != nil {
			return err
		}
		e.byTrigger[w.Trigger.Event] = append(e.byTrigger[w.Trigger.Event], w)
		for _, s := range w.Steps {
			if s.CompleteOn != "" {
				completionTypes[s.CompleteOn] = struct{}{}
			}
		}
	}

	for trigger := range e.byTrigger {
		e.bus.Subscribe(trigger, e.onTrigger,
			event.WithOwner(e),
			event.WithSubscriberName(engineSubscriber),
		)
	}
	for completion := range completionTypes {
		e.bus.Subscribe(completion, e.onCompletion,
			event.WithOwner(e),
			event.WithSubscriberName(engineSubscriber),
		)
	}

	e.loaded = true
	return nil
}

// Close removes the engine's subscriptions and revokes pending timers.
// Active runs are abandoned in place.
func (e *Engine) Close() {
	e.bus.UnsubscribeAll(e)

	e.mu.Lock()
	var timers []*schedule.Entry
	for _, list := range e.waiters {
		for _, w := range list {
			if w.timeout != nil {
				timers = append(timers, w.timeout)
			}
		}
	}
	e.waiters = make(map[string][]*waiter)
	e.mu.Unlock()

	for _, t := range timers {
		t.Cancel()
	}
}

// ActiveRuns returns a snapshot of the runs currently in flight.
func (e *Engine) ActiveRuns() []Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Run, 0, len(e.runs))
	for _, r := range e.runs {
		out = append(out, r.snapshot())
	}
	return out
}

// onTrigger starts a run for every workflow whose trigger matches.
func (e *Engine) onTrigger(ctx context.Context, evt event.Event) error {
	fields := evt.Fields()
	for _, w := range e.byTrigger[evt.Type()] {
		if !condition.MatchAll(w.Trigger.Conditions, fields) {
			continue
		}
		e.start(ctx, w, evt)
	}
	return nil
}

// start creates a run; it stays pending until its first step executes.
func (e *Engine) start(ctx context.Context, w Workflow, trigger event.Event) {
	run := &Run{
		ID:        uuid.New().String(),
		Workflow:  w.Name,
		State:     RunStatePending,
		StartedAt: time.Now(),
		def:       w,
		trigger:   trigger,
	}

	e.mu.Lock()
	e.runs[run.ID] = run
	e.mu.Unlock()

	observability.LogRunStart(e.logger, w.Name, run.ID)
	ctx, span := e.spans.StartRunSpan(ctx, w.Name, run.ID)
	run.span = span

	e.scheduleStep(ctx, run, 0)
}

// scheduleStep arranges execution of a step, honoring its delay.
// Zero-delay steps execute synchronously.
func (e *Engine) scheduleStep(ctx context.Context, run *Run, idx int) {
	step := run.def.Steps[idx]
	if step.Delay <= 0 {
		e.executeStep(ctx, run, idx)
		return
	}
	if _, err := e.sched.Schedule(step.Delay, func(schedCtx context.Context) {
		e.executeStep(schedCtx, run, idx)
	}); err != nil {
		e.finish(ctx, run, RunStateFailed, fmt.Sprintf("schedule step %d: %v", idx, err))
	}
}

// executeStep emits the step's event and either advances the run or
// suspends it on the step's completion signal.
func (e *Engine) executeStep(ctx context.Context, run *Run, idx int) {
	e.mu.Lock()
	if _, active := e.runs[run.ID]; !active || run.StepIndex != idx {
		// Run already finished or moved on; a stale timer fired.
		e.mu.Unlock()
		return
	}
	switch {
	case run.State == RunStatePending && idx == 0:
		run.State = RunStateRunning
	case run.State != RunStateRunning:
		e.mu.Unlock()
		return
	}
	step := run.def.Steps[idx]
	e.mu.Unlock()

	if step.CompleteOn == "" {
		if err := e.emit(ctx, run, step); err != nil {
			e.finish(ctx, run, RunStateFailed, fmt.Sprintf("step %d: %v", idx, err))
			return
		}
		e.advance(ctx, run, idx)
		return
	}

	// The waiter is registered before the step event is published so a
	// completion arriving synchronously during delivery is not lost.
	w := &waiter{run: run, stepIndex: idx}
	e.mu.Lock()
	e.waiters[step.CompleteOn] = append(e.waiters[step.CompleteOn], w)
	e.mu.Unlock()

	if err := e.emit(ctx, run, step); err != nil {
		e.removeWaiter(step.CompleteOn, func(cand *waiter) bool { return cand == w })
		e.finish(ctx, run, RunStateFailed, fmt.Sprintf("step %d: %v", idx, err))
		return
	}

	e.mu.Lock()
	resolved := w.resolved
	e.mu.Unlock()
	if resolved {
		// Completed during emit; nothing to time out.
		return
	}

	entry, err := e.sched.Schedule(step.Timeout, func(schedCtx context.Context) {
		e.stepTimeout(schedCtx, run, idx)
	})
	if err != nil {
		e.removeWaiter(step.CompleteOn, func(cand *waiter) bool { return cand == w })
		e.finish(ctx, run, RunStateFailed, fmt.Sprintf("arm step %d timeout: %v", idx, err))
		return
	}
	e.mu.Lock()
	if w.resolved {
		// Completion landed while the timer was being armed.
		e.mu.Unlock()
		entry.Cancel()
		return
	}
	w.timeout = entry
	e.mu.Unlock()
}

// emit publishes the step's event on the bus.
func (e *Engine) emit(ctx context.Context, run *Run, step Step) error {
	var evt event.Event
	switch step.Kind {
	case StepPublishEvent:
		payload := make(map[string]any, len(step.Parameters))
		for k, v := range step.Parameters {
			payload[k] = v
		}
		evt = event.NewAnyFromParent(run.trigger, step.Event, engineSubscriber, payload)
	case StepInvokeAction:
		if e.mods != nil && !e.mods.Has(step.TargetMod) {
			return fmt.Errorf("target mod %q not registered", step.TargetMod)
		}
		evt = route.BuildEvent(run.trigger, engineSubscriber, route.Action{
			TargetMod:  step.TargetMod,
			EventType:  step.Event,
			Parameters: step.Parameters,
		})
	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}

	e.bus.Publish(ctx, evt)
	return nil
}

// onCompletion resolves a waiting step. Completion events are matched by
// type and by the correlation identifier of the run's trigger chain, so
// concurrent runs never steal each other's signals.
func (e *Engine) onCompletion(ctx context.Context, evt event.Event) error {
	e.mu.Lock()
	var matched *waiter
	var timer *schedule.Entry
	list := e.waiters[evt.Type()]
	for i, w := range list {
		if w.run.CorrelationID() == evt.CorrelationID() {
			matched = w
			matched.resolved = true
			timer = matched.timeout
			e.waiters[evt.Type()] = append(list[:i:i], list[i+1:]...)
			if len(e.waiters[evt.Type()]) == 0 {
				delete(e.waiters, evt.Type())
			}
			break
		}
	}
	e.mu.Unlock()

	if matched == nil {
		// Not for any waiting run; ignore.
		return nil
	}
	if timer != nil {
		timer.Cancel()
	}
	e.advance(ctx, matched.run, matched.stepIndex)
	return nil
}

// advance moves a run past step idx, finishing it after the last step.
func (e *Engine) advance(ctx context.Context, run *Run, idx int) {
	e.mu.Lock()
	if run.State != RunStateRunning || run.StepIndex != idx {
		e.mu.Unlock()
		return
	}
	run.StepIndex++
	next := run.StepIndex
	done := next >= len(run.def.Steps)
	e.mu.Unlock()

	if done {
		e.finish(ctx, run, RunStateCompleted, "")
		return
	}
	e.scheduleStep(ctx, run, next)
}

// stepTimeout fires when a step's completion signal never arrived.
func (e *Engine) stepTimeout(ctx context.Context, run *Run, idx int) {
	e.mu.Lock()
	if run.State != RunStateRunning || run.StepIndex != idx {
		e.mu.Unlock()
		return
	}
	step := run.def.Steps[idx]
	e.mu.Unlock()

	e.removeWaiter(step.CompleteOn, func(cand *waiter) bool {
		return cand.run == run && cand.stepIndex == idx
	})
	e.finish(ctx, run, RunStateTimedOut,
		fmt.Sprintf("step %d: no %s within %s", idx, step.CompleteOn, step.Timeout))
}

// removeWaiter drops waiters matching the predicate.
func (e *Engine) removeWaiter(completeOn string, match func(*waiter) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.waiters[completeOn]
	kept := list[:0]
	for _, w := range list {
		if !match(w) {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		delete(e.waiters, completeOn)
		return
	}
	e.waiters[completeOn] = kept
}

// finish moves a run to a terminal state and removes it from the active set.
func (e *Engine) finish(ctx context.Context, run *Run, state RunState, reason string) {
	e.mu.Lock()
	if run.State.Terminal() {
		e.mu.Unlock()
		return
	}
	run.State = state
	now := time.Now()
	run.CompletedAt = &now
	run.Error = reason
	delete(e.runs, run.ID)
	e.mu.Unlock()

	elapsed := now.Sub(run.StartedAt)
	e.metrics.RecordWorkflowRun(ctx, string(state), elapsed)

	var spanErr error
	if state == RunStateCompleted {
		observability.LogRunComplete(e.logger, run.Workflow, run.ID, float64(elapsed.Milliseconds()))
	} else {
		observability.LogRunFailed(e.logger, run.Workflow, run.ID, string(state), reason)
		spanErr = errors.New(reason)
	}
	e.spans.EndSpanWithError(run.span, spanErr)

	if e.hist != nil {
		rec := history.Record{
			RunID:     run.ID,
			Workflow:  run.Workflow,
			State:     string(state),
			Error:     reason,
			StartedAt: run.StartedAt,
			EndedAt:   now,
		}
		if err := e.hist.Append(rec); err != nil && e.logger != nil {
			e.logger.Error("record run history",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
