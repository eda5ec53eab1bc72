package event_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goneyears/modsystem/pkg/modsystem/event"
)

func TestBusDeliversToExactType(t *testing.T) {
	bus := event.NewBus()

	var received atomic.Int32
	bus.Subscribe("test.event", func(ctx context.Context, evt event.Event) error {
		received.Add(1)
		return nil
	})

	bus.Publish(context.Background(), event.NewAny("test.event", "test", nil))
	if received.Load() != 1 {
		t.Fatalf("expected 1 delivery, got %d", received.Load())
	}

	// Non-matching type is not delivered.
	bus.Publish(context.Background(), event.NewAny("other.event", "test", nil))
	if received.Load() != 1 {
		t.Errorf("expected still 1 delivery, got %d", received.Load())
	}
}

func TestBusPublishNoSubscribers(t *testing.T) {
	bus := event.NewBus()

	// Must not panic or block.
	bus.Publish(context.Background(), event.NewAny("nobody.listens", "test", nil))

	if n := bus.SubscriberCount("nobody.listens"); n != 0 {
		t.Errorf("expected 0 subscribers, got %d", n)
	}
}

func TestBusFanOut(t *testing.T) {
	bus := event.NewBus()

	var a, b, c atomic.Int32
	bus.Subscribe("tick", func(ctx context.Context, evt event.Event) error { a.Add(1); return nil })
	bus.Subscribe("tick", func(ctx context.Context, evt event.Event) error { b.Add(1); return nil })
	bus.Subscribe("tick", func(ctx context.Context, evt event.Event) error { c.Add(1); return nil })

	bus.Publish(context.Background(), event.NewAny("tick", "test", nil))

	if a.Load() != 1 || b.Load() != 1 || c.Load() != 1 {
		t.Errorf("expected every subscriber to receive the event, got %d/%d/%d",
			a.Load(), b.Load(), c.Load())
	}
}

func TestBusHandlerErrorIsolation(t *testing.T) {
	bus := event.NewBus()

	var after atomic.Int32
	bus.Subscribe("tick", func(ctx context.Context, evt event.Event) error {
		return errors.New("boom")
	})
	bus.Subscribe("tick", func(ctx context.Context, evt event.Event) error {
		after.Add(1)
		return nil
	})

	// Publish must not panic and later handlers still run.
	bus.Publish(context.Background(), event.NewAny("tick", "test", nil))

	if after.Load() != 1 {
		t.Errorf("handler after the failing one did not run")
	}
}

func TestBusHandlerPanicRecovered(t *testing.T) {
	bus := event.NewBus()

	var after atomic.Int32
	bus.Subscribe("tick", func(ctx context.Context, evt event.Event) error {
		panic("handler exploded")
	})
	bus.Subscribe("tick", func(ctx context.Context, evt event.Event) error {
		after.Add(1)
		return nil
	})

	bus.Publish(context.Background(), event.NewAny("tick", "test", nil))

	if after.Load() != 1 {
		t.Errorf("handler after the panicking one did not run")
	}
}

func TestBusSubscribeCoalesces(t *testing.T) {
	bus := event.NewBus()

	var received atomic.Int32
	handler := func(ctx context.Context, evt event.Event) error {
		received.Add(1)
		return nil
	}

	bus.Subscribe("tick", handler)
	bus.Subscribe("tick", handler) // same handler, same (nil) owner

	if n := bus.SubscriberCount("tick"); n != 1 {
		t.Fatalf("expected coalesced single subscription, got %d", n)
	}

	bus.Publish(context.Background(), event.NewAny("tick", "test", nil))
	if received.Load() != 1 {
		t.Errorf("expected exactly one delivery, got %d", received.Load())
	}
}

type countingMod struct {
	name  string
	count atomic.Int32
}

func (m *countingMod) Handle(ctx context.Context, evt event.Event) error {
	m.count.Add(1)
	return nil
}

func TestBusSameMethodDifferentOwners(t *testing.T) {
	bus := event.NewBus()

	m1 := &countingMod{name: "one"}
	m2 := &countingMod{name: "two"}

	// Method values of the same method share a code pointer; owner
	// identity must keep the subscriptions distinct.
	bus.Subscribe("tick", m1.Handle, event.WithOwner(m1))
	bus.Subscribe("tick", m2.Handle, event.WithOwner(m2))

	if n := bus.SubscriberCount("tick"); n != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", n)
	}

	bus.Publish(context.Background(), event.NewAny("tick", "test", nil))
	if m1.count.Load() != 1 || m2.count.Load() != 1 {
		t.Errorf("expected both mods to receive the event, got %d/%d",
			m1.count.Load(), m2.count.Load())
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := event.NewBus()

	var received atomic.Int32
	handler := func(ctx context.Context, evt event.Event) error {
		received.Add(1)
		return nil
	}

	sub := bus.Subscribe("tick", handler)
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	bus.Publish(context.Background(), event.NewAny("tick", "test", nil))
	if received.Load() != 0 {
		t.Errorf("unsubscribed handler still received event")
	}

	// Unsubscribe by handler function.
	bus.Subscribe("tick", handler)
	bus.Unsubscribe("tick", handler)
	bus.Publish(context.Background(), event.NewAny("tick", "test", nil))
	if received.Load() != 0 {
		t.Errorf("handler received event after Unsubscribe by function")
	}
}

func TestBusUnsubscribeAll(t *testing.T) {
	bus := event.NewBus()

	m := &countingMod{name: "mod"}
	bus.Subscribe("a", m.Handle, event.WithOwner(m))
	bus.Subscribe("b", m.Handle, event.WithOwner(m))

	var free atomic.Int32
	bus.Subscribe("a", func(ctx context.Context, evt event.Event) error {
		free.Add(1)
		return nil
	})

	bus.UnsubscribeAll(m)

	bus.Publish(context.Background(), event.NewAny("a", "test", nil))
	bus.Publish(context.Background(), event.NewAny("b", "test", nil))

	if m.count.Load() != 0 {
		t.Errorf("owned subscriptions survived UnsubscribeAll")
	}
	if free.Load() != 1 {
		t.Errorf("unowned subscription was removed, deliveries=%d", free.Load())
	}
}

func TestBusLivenessPruning(t *testing.T) {
	bus := event.NewBus()

	alive := true
	var received atomic.Int32
	bus.Subscribe("tick", func(ctx context.Context, evt event.Event) error {
		received.Add(1)
		return nil
	}, event.WithLiveness(func() bool { return alive }))

	bus.Publish(context.Background(), event.NewAny("tick", "test", nil))
	if received.Load() != 1 {
		t.Fatalf("live subscriber not delivered")
	}

	alive = false
	bus.Publish(context.Background(), event.NewAny("tick", "test", nil))
	if received.Load() != 1 {
		t.Errorf("dead subscriber still received event")
	}
	if n := bus.SubscriberCount("tick"); n != 0 {
		t.Errorf("dead subscription not pruned, count=%d", n)
	}
}

func TestBusFilter(t *testing.T) {
	bus := event.NewBus()

	var received atomic.Int32
	bus.Subscribe("tick", func(ctx context.Context, evt event.Event) error {
		received.Add(1)
		return nil
	}, event.WithFilter(func(evt event.Event) bool {
		return evt.Sender() == "wanted"
	}))

	bus.Publish(context.Background(), event.NewAny("tick", "wanted", nil))
	bus.Publish(context.Background(), event.NewAny("tick", "other", nil))

	if received.Load() != 1 {
		t.Errorf("filter delivered %d events, want 1", received.Load())
	}
}

func TestBusStampsTimestamp(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	bus := event.NewBus(event.WithClock(func() time.Time { return now }))

	var got time.Time
	bus.Subscribe("tick", func(ctx context.Context, evt event.Event) error {
		got = evt.Timestamp()
		return nil
	})

	evt := event.NewAny("tick", "test", nil)
	if !evt.Timestamp().IsZero() {
		t.Fatalf("timestamp set before publish")
	}
	bus.Publish(context.Background(), evt)

	if !got.Equal(now) {
		t.Errorf("timestamp = %v, want bus clock %v", got, now)
	}
}

func TestBusSnapshotSemantics(t *testing.T) {
	bus := event.NewBus()

	var late atomic.Int32
	bus.Subscribe("tick", func(ctx context.Context, evt event.Event) error {
		// A subscription added during delivery must not see this event.
		bus.Subscribe("tick", func(ctx context.Context, evt event.Event) error {
			late.Add(1)
			return nil
		})
		return nil
	})

	bus.Publish(context.Background(), event.NewAny("tick", "test", nil))
	if late.Load() != 0 {
		t.Errorf("subscription added during delivery received the triggering event")
	}

	bus.Publish(context.Background(), event.NewAny("tick", "test", nil))
	if late.Load() != 1 {
		t.Errorf("late subscription missed the next event, deliveries=%d", late.Load())
	}
}

func TestBusStats(t *testing.T) {
	bus := event.NewBus()

	h := func(ctx context.Context, evt event.Event) error { return nil }
	sub := bus.Subscribe("a", h)
	bus.Subscribe("b", func(ctx context.Context, evt event.Event) error { return nil })

	stats := bus.Stats()
	if stats["a"] != 1 || stats["b"] != 1 {
		t.Errorf("unexpected stats: %v", stats)
	}

	// Emptied types disappear from the registry entirely.
	sub.Unsubscribe()
	if _, ok := bus.Stats()["a"]; ok {
		t.Errorf("event type with no subscribers still present in stats")
	}
}

func TestBusConcurrentPublishSubscribe(t *testing.T) {
	bus := event.NewBus()

	var received atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sub := bus.Subscribe("tick", func(ctx context.Context, evt event.Event) error {
					received.Add(1)
					return nil
				})
				bus.Publish(context.Background(), event.NewAny("tick", "test", nil))
				sub.Unsubscribe()
			}
		}()
	}

	wg.Wait()
	// No deadlock, no panic; every publisher saw at least its own subscriber.
	if received.Load() == 0 {
		t.Errorf("no deliveries recorded")
	}
}

func TestBusReentrantPublish(t *testing.T) {
	bus := event.NewBus()

	var second atomic.Int32
	bus.Subscribe("first", func(ctx context.Context, evt event.Event) error {
		bus.Publish(ctx, event.NewAnyFromParent(evt, "second", "chain", nil))
		return nil
	})
	bus.Subscribe("second", func(ctx context.Context, evt event.Event) error {
		second.Add(1)
		return nil
	})

	bus.Publish(context.Background(), event.NewAny("first", "test", nil))
	if second.Load() != 1 {
		t.Errorf("re-entrant publish did not deliver, got %d", second.Load())
	}
}
