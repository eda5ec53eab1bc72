package route

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/goneyears/modsystem/pkg/modsystem/condition"
	"github.com/goneyears/modsystem/pkg/modsystem/event"
	"github.com/goneyears/modsystem/pkg/modsystem/mods"
	"github.com/goneyears/modsystem/pkg/modsystem/observability"
	"github.com/goneyears/modsystem/pkg/modsystem/schedule"
)

// evaluatorSubscriber is the label the evaluator registers under.
const evaluatorSubscriber = "route-evaluator"

// Evaluator consumes loaded routes and, on receipt of a matching event,
// evaluates conditions and emits actions through the bus.
//
// Ordering: enabled routes for an event run in descending priority,
// declaration order on ties. Zero-delay actions publish synchronously in
// that order before evaluation returns; delayed actions are scheduled
// independently on the shared scheduler.
type Evaluator struct {
	bus     *event.Bus
	sched   *schedule.Scheduler
	mods    *mods.Registry
	logger  *slog.Logger
	metrics observability.MetricsRecorder

	// byEvent is immutable after Load: source event -> routes, sorted.
	byEvent map[string][]Route
	subs    []*event.Subscription
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithMods sets the registry used to resolve action targets. Without one,
// target resolution is skipped and every target is accepted.
func WithMods(reg *mods.Registry) Option {
	return func(ev *Evaluator) { ev.mods = reg }
}

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(ev *Evaluator) { ev.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(ev *Evaluator) { ev.metrics = m }
}

// NewEvaluator creates a route evaluator over a bus and scheduler.
// Call Load to install routes and subscribe.
func NewEvaluator(bus *event.Bus, sched *schedule.Scheduler, opts ...Option) *Evaluator {
	ev := &Evaluator{
		bus:     bus,
		sched:   sched,
		metrics: observability.NoopMetrics{},
		byEvent: make(map[string][]Route),
	}
	for _, opt := range opts {
		opt(ev)
	}
	return ev
}

// Load validates and installs routes, subscribing to every distinct
// source event name. Disabled routes are kept (for Stats-style
// diagnostics) but never fire. Load may only be called once.
func (ev *Evaluator) Load(routes []Route) error {
	if len(ev.subs) > 0 {
		return fmt.Errorf("route: evaluator already loaded")
	}

	for _, r := range routes {
		if err := r.Validate(); err != nil {
			return err
		}
		ev.byEvent[r.SourceEvent] = append(ev.byEvent[r.SourceEvent], r)
	}

	// Descending priority, stable so declaration order breaks ties.
	for _, list := range ev.byEvent {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].Priority > list[j].Priority
		})
	}

	for sourceEvent := range ev.byEvent {
		sub := ev.bus.Subscribe(sourceEvent, ev.handle,
			event.WithOwner(ev),
			event.WithSubscriberName(evaluatorSubscriber),
		)
		ev.subs = append(ev.subs, sub)
	}
	return nil
}

// Close removes the evaluator's subscriptions.
func (ev *Evaluator) Close() {
	ev.bus.UnsubscribeAll(ev)
	ev.subs = nil
}

// RouteCount returns the number of loaded routes.
func (ev *Evaluator) RouteCount() int {
	n := 0
	for _, list := range ev.byEvent {
		n += len(list)
	}
	return n
}

// handle is the evaluator's bus subscription.
func (ev *Evaluator) handle(ctx context.Context, evt event.Event) error {
	fields := evt.Fields()
	for _, r := range ev.byEvent[evt.Type()] {
		if !r.Enabled {
			continue
		}
		if !condition.MatchAll(r.Conditions, fields) {
			continue
		}
		observability.LogRouteFired(ev.logger, r.Name, evt.Type(), len(r.Actions))
		for _, a := range r.Actions {
			if err := ev.execute(ctx, r, a, evt); err != nil {
				observability.LogActionFailure(ev.logger, r.Name, a.TargetMod, err)
			}
		}
	}
	return nil
}

// execute emits one action. Failures are returned for logging and never
// block sibling actions or routes.
func (ev *Evaluator) execute(ctx context.Context, r Route, a Action, parent event.Event) error {
	if ev.mods != nil && a.TargetMod != "" && !ev.mods.Has(a.TargetMod) {
		return &ActionError{
			Route:     r.Name,
			TargetMod: a.TargetMod,
			EventType: a.EventType,
			Err:       fmt.Errorf("target mod not registered"),
		}
	}

	derived := BuildEvent(parent, evaluatorSubscriber, a)

	if a.Delay <= 0 {
		ev.bus.Publish(ctx, derived)
		return nil
	}

	_, err := ev.sched.Schedule(a.Delay, func(schedCtx context.Context) {
		ev.bus.Publish(schedCtx, derived)
	})
	ev.metrics.RecordActionScheduled(ctx, err == nil)
	if err != nil {
		return &ActionError{
			Route:     r.Name,
			TargetMod: a.TargetMod,
			EventType: a.EventType,
			Err:       err,
		}
	}
	return nil
}
