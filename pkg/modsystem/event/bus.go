package event

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goneyears/modsystem/pkg/modsystem/observability"
)

// Handler processes a delivered event. A non-nil error is logged and
// counted; it never propagates to the publisher or to other handlers.
type Handler func(ctx context.Context, evt Event) error

// Filter gates delivery of an event to one subscription.
type Filter func(evt Event) bool

// entry is one subscription in the registry.
type entry struct {
	id      uint64
	key     uintptr // handler code pointer, for coalescing and Unsubscribe
	handler Handler
	filter  Filter
	owner   any         // identity for UnsubscribeAll; nil for free handlers
	alive   func() bool // liveness probe; nil means always live
	name    string      // subscriber label for logs and stats
}

// Bus is the in-process event bus. It owns the subscriber registry
// exclusively; all mutation happens under a single mutex that is never
// held while handler code runs, so handlers may freely subscribe,
// unsubscribe, and publish re-entrantly.
//
// Delivery is synchronous on the publisher's goroutine: Publish returns
// after every matching handler has run. Asynchrony is layered on top by
// the scheduler, not baked into the bus.
type Bus struct {
	mu      sync.Mutex
	entries map[string][]*entry
	nextID  atomic.Uint64

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	clock   func() time.Time
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) BusOption {
	return func(b *Bus) { b.metrics = m }
}

// WithSpans sets the trace span manager.
func WithSpans(s observability.SpanManager) BusOption {
	return func(b *Bus) { b.spans = s }
}

// WithClock overrides the publish-time clock. Intended for tests.
func WithClock(clock func() time.Time) BusOption {
	return func(b *Bus) { b.clock = clock }
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		entries: make(map[string][]*entry),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*entry)

// WithFilter gates delivery by a predicate over the event instance.
func WithFilter(f Filter) SubscribeOption {
	return func(e *entry) { e.filter = f }
}

// WithOwner ties the subscription to an owning object for UnsubscribeAll.
// Owners are compared by interface equality; pass a pointer.
func WithOwner(owner any) SubscribeOption {
	return func(e *entry) { e.owner = owner }
}

// WithLiveness attaches a liveness probe. Subscriptions whose probe
// reports false are pruned lazily during the next publish of their
// event type, the explicit stand-in for a weak subscriber reference.
func WithLiveness(alive func() bool) SubscribeOption {
	return func(e *entry) { e.alive = alive }
}

// WithSubscriberName labels the subscription in logs and errors.
func WithSubscriberName(name string) SubscribeOption {
	return func(e *entry) { e.name = name }
}

// Subscription is a handle to one registered subscription.
type Subscription struct {
	bus       *Bus
	eventType string
	id        uint64
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.removeByID(s.eventType, s.id)
}

// Subscribe registers a handler for an event type.
//
// Registering the same handler function for the same event type and owner
// again does not create a duplicate: the existing subscription is updated
// in place (coalesced by handler identity), so an event is never delivered
// twice to one handler.
func (b *Bus) Subscribe(eventType string, h Handler, opts ...SubscribeOption) *Subscription {
	e := &entry{
		key:     reflect.ValueOf(h).Pointer(),
		handler: h,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.name == "" {
		e.name = fmt.Sprintf("handler-%#x", e.key)
	}

	b.mu.Lock()
	for _, existing := range b.entries[eventType] {
		if existing.key == e.key && existing.owner == e.owner {
			existing.handler = e.handler
			existing.filter = e.filter
			existing.alive = e.alive
			existing.name = e.name
			id := existing.id
			b.mu.Unlock()
			return &Subscription{bus: b, eventType: eventType, id: id}
		}
	}
	e.id = b.nextID.Add(1)
	b.entries[eventType] = append(b.entries[eventType], e)
	b.mu.Unlock()

	observability.LogSubscription(b.logger, eventType, e.name)
	return &Subscription{bus: b, eventType: eventType, id: e.id}
}

// Unsubscribe removes every subscription for eventType registered with the
// given handler function. No-op if none matches.
func (b *Bus) Unsubscribe(eventType string, h Handler) {
	key := reflect.ValueOf(h).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(eventType, func(e *entry) bool { return e.key == key })
}

// UnsubscribeAll removes every subscription owned by owner across all
// event types. Used for bulk teardown of a whole subscriber.
func (b *Bus) UnsubscribeAll(owner any) {
	if owner == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType := range b.entries {
		b.removeLocked(eventType, func(e *entry) bool { return e.owner == owner })
	}
}

// removeByID removes a single subscription by its identifier.
func (b *Bus) removeByID(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(eventType, func(e *entry) bool { return e.id == id })
}

// removeLocked drops entries matching the predicate. An event type whose
// list becomes empty is removed from the registry entirely.
// Caller must hold b.mu.
func (b *Bus) removeLocked(eventType string, match func(*entry) bool) {
	list := b.entries[eventType]
	if len(list) == 0 {
		return
	}
	kept := list[:0]
	for _, e := range list {
		if !match(e) {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(b.entries, eventType)
		return
	}
	b.entries[eventType] = kept
}

// Publish delivers evt to every live, filter-matching subscriber of its
// exact type. The bus stamps the event's timestamp first, overwriting any
// caller-set value, so timestamps reflect actual publish order.
//
// Dead subscriptions (liveness probe false) are pruned before the delivery
// snapshot is taken. The snapshot is fixed at call time: subscriptions
// added during delivery do not receive evt, and unsubscriptions during
// delivery do not cancel already-snapshotted deliveries.
//
// Handler errors and panics are logged and never reach the publisher.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	evt.stamp(b.clock())

	b.mu.Lock()
	b.removeLocked(evt.Type(), func(e *entry) bool {
		return e.alive != nil && !e.alive()
	})
	list := b.entries[evt.Type()]
	snapshot := make([]*entry, len(list))
	copy(snapshot, list)
	b.mu.Unlock()

	ctx, span := b.spans.StartPublishSpan(ctx, evt.Type(), evt.ID())
	start := time.Now()

	delivered := 0
	for _, e := range snapshot {
		if e.filter != nil && !e.filter(evt) {
			continue
		}
		delivered++
		if err := b.invoke(ctx, e, evt); err != nil {
			observability.LogHandlerError(b.logger, evt.Type(), e.name, err)
			b.metrics.RecordHandlerError(ctx, evt.Type())
		}
	}

	b.metrics.RecordPublish(ctx, evt.Type(), delivered, time.Since(start))
	observability.LogPublish(b.logger, evt.Type(), delivered)
	b.spans.EndSpanWithError(span, nil)
}

// invoke runs one handler, converting panics into HandlerError.
func (b *Bus) invoke(ctx context.Context, e *entry, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{
				EventType:  evt.Type(),
				Subscriber: e.name,
				Err:        fmt.Errorf("handler panic: %v", r),
				Panicked:   true,
			}
		}
	}()
	if herr := e.handler(ctx, evt); herr != nil {
		return &HandlerError{
			EventType:  evt.Type(),
			Subscriber: e.name,
			Err:        herr,
		}
	}
	return nil
}

// SubscriberCount returns the number of subscriptions for an event type.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries[eventType])
}

// Stats returns a snapshot of handler counts per event type.
func (b *Bus) Stats() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := make(map[string]int, len(b.entries))
	for eventType, list := range b.entries {
		stats[eventType] = len(list)
	}
	return stats
}
