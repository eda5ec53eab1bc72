// Package request provides synchronous-style call semantics over the
// asynchronous bus: send a typed request event, suspend until a response
// carrying the same correlation identifier arrives, fail on timeout.
package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goneyears/modsystem/pkg/modsystem/event"
	"github.com/goneyears/modsystem/pkg/modsystem/observability"
)

// correlatorSubscriber is the label the correlator registers under.
const correlatorSubscriber = "request-correlator"

// Sentinel errors surfaced to callers of Send.
var (
	// ErrTimeout indicates no matching response arrived within the deadline.
	ErrTimeout = errors.New("request: timed out waiting for response")

	// ErrNoListener indicates nothing subscribes to the request type, so a
	// response can never arrive.
	ErrNoListener = errors.New("request: no listener for request type")

	// ErrDuplicateCorrelation indicates a request with the same correlation
	// identifier is already pending.
	ErrDuplicateCorrelation = errors.New("request: correlation id already pending")

	// ErrClosed indicates Send was called after Close.
	ErrClosed = errors.New("request: correlator closed")
)

// Correlator owns the pending-request table. It holds one long-lived bus
// subscription per response type; responses are matched to pending
// requests by correlation identifier, and each pending request is
// fulfilled at most once; later responses with the same identifier are
// discarded.
type Correlator struct {
	bus            *event.Bus
	defaultTimeout time.Duration
	logger         *slog.Logger
	metrics        observability.MetricsRecorder

	mu         sync.Mutex
	closed     bool
	pending    map[string]*pending // correlation id -> waiting request
	subscribed map[string]struct{} // response types with a live subscription
}

// pending is one in-flight request awaiting its response.
type pending struct {
	responseType string
	slot         chan event.Event
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithDefaultTimeout sets the deadline used when Send is called with a
// non-positive timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Correlator) { c.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *Correlator) { c.metrics = m }
}

// NewCorrelator creates a correlator over a bus.
func NewCorrelator(bus *event.Bus, opts ...Option) *Correlator {
	c := &Correlator{
		bus:            bus,
		defaultTimeout: 5 * time.Second,
		metrics:        observability.NoopMetrics{},
		pending:        make(map[string]*pending),
		subscribed:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close removes the correlator's subscriptions; later Sends fail with
// ErrClosed. Pending requests still fail on their own deadlines.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	c.subscribed = make(map[string]struct{})
	c.mu.Unlock()

	c.bus.UnsubscribeAll(c)
}

// Pending returns the number of in-flight requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Send publishes req and suspends the calling goroutine until a response
// of responseType carrying req's correlation identifier arrives, the
// timeout elapses (ErrTimeout), or ctx is cancelled.
//
// Events built with event.New always carry a correlation identifier
// (defaulting to the event's own ID), which responders must echo by
// deriving their response with event.NewFromParent.
func (c *Correlator) Send(ctx context.Context, req event.Event, responseType string, timeout time.Duration) (event.Event, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	start := time.Now()

	if c.bus.SubscriberCount(req.Type()) == 0 {
		c.metrics.RecordRequest(ctx, "no_listener", time.Since(start))
		return nil, fmt.Errorf("%w: %s", ErrNoListener, req.Type())
	}

	corrID := req.CorrelationID()
	slot := make(chan event.Event, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, dup := c.pending[corrID]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCorrelation, corrID)
	}
	c.pending[corrID] = &pending{responseType: responseType, slot: slot}
	_, haveSub := c.subscribed[responseType]
	if !haveSub {
		c.subscribed[responseType] = struct{}{}
	}
	c.mu.Unlock()

	if !haveSub {
		c.bus.Subscribe(responseType, c.onResponse,
			event.WithOwner(c),
			event.WithSubscriberName(correlatorSubscriber),
		)
	}

	c.bus.Publish(ctx, req)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-slot:
		c.metrics.RecordRequest(ctx, "fulfilled", time.Since(start))
		return resp, nil
	case <-timer.C:
		if !c.drop(corrID) {
			// Fulfilled at the wire: the response won the race with the
			// deadline, so honor it.
			resp := <-slot
			c.metrics.RecordRequest(ctx, "fulfilled", time.Since(start))
			return resp, nil
		}
		observability.LogRequestTimeout(c.logger, req.Type(), corrID)
		c.metrics.RecordRequest(ctx, "timeout", time.Since(start))
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, req.Type(), timeout)
	case <-ctx.Done():
		if !c.drop(corrID) {
			resp := <-slot
			c.metrics.RecordRequest(ctx, "fulfilled", time.Since(start))
			return resp, nil
		}
		return nil, ctx.Err()
	}
}

// Send publishes req through the correlator and decodes the response
// payload into T, mirroring the typed access the rest of the system gets
// from event envelopes.
func Send[T any](ctx context.Context, c *Correlator, req event.Event, responseType string, timeout time.Duration) (T, error) {
	var payload T

	resp, err := c.Send(ctx, req, responseType, timeout)
	if err != nil {
		return payload, err
	}

	switch d := resp.Data().(type) {
	case T:
		return d, nil
	default:
		bytes, err := json.Marshal(d)
		if err != nil {
			return payload, fmt.Errorf("request: marshal response payload: %w", err)
		}
		if err := json.Unmarshal(bytes, &payload); err != nil {
			return payload, fmt.Errorf("request: decode response payload: %w", err)
		}
		return payload, nil
	}
}

// onResponse is the correlator's bus subscription. The first response of
// the expected type for a pending identifier fulfills it; anything else
// is discarded.
func (c *Correlator) onResponse(_ context.Context, evt event.Event) error {
	c.mu.Lock()
	p, ok := c.pending[evt.CorrelationID()]
	if ok && p.responseType == evt.Type() {
		delete(c.pending, evt.CorrelationID())
	} else {
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		// Late, duplicate, wrong type, or unrelated: discard.
		return nil
	}
	p.slot <- evt
	return nil
}

// drop removes a pending request, reporting whether it was still present.
func (c *Correlator) drop(corrID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[corrID]; !ok {
		return false
	}
	delete(c.pending, corrID)
	return true
}
