/*
Package modsystem provides an in-process messaging core for modular
applications: a typed publish/subscribe event bus, a declarative route
evaluator, a multi-step workflow engine, and request/response
correlation, all sharing one delivery path.

# Overview

Applications are composed of mods: independent units that declare the
event types they consume and react to them. Mods never call each other
directly; everything flows through the bus as events carrying metadata
(event ID, sender, correlation and causation identifiers, timestamp) and
a typed payload.

On top of the bus, routes map a source event through property conditions
to one or more actions, optionally delayed; workflows chain steps with
per-step delays, completion events, and timeouts; and the correlator
gives callers blocking request/response semantics over the asynchronous
bus.

# Basic Usage

Wire a system, register mods, publish events:

	sys, err := modsystem.New(
	    modsystem.WithConfigFile("routes.yaml"),
	    modsystem.WithLogger(logger),
	)
	if err != nil {
	    log.Fatal(err)
	}
	defer sys.Close()

	if err := sys.Register(sensorMod); err != nil {
	    log.Fatal(err)
	}

	sys.Publish(ctx, event.New("sensor.reading", "main", Reading{Value: 21.5}))

# Typed Events

Events are generic envelopes; subscribers can recover the typed payload:

	evt := event.New("order.placed", "checkout", Order{ID: "o-1"})

	bus.Subscribe("order.placed", func(ctx context.Context, e event.Event) error {
	    if env, ok := e.(*event.Envelope[Order]); ok {
	        fmt.Println(env.TypedData().ID)
	    }
	    return nil
	})

# Request/Response

Send a request and wait for the correlated response:

	reply, err := sys.Request(ctx,
	    event.New("inventory.query", "checkout", Query{SKU: "x"}),
	    "inventory.result", 2*time.Second)

# Thread Safety

  - Bus, Registry, Evaluator, Engine, and Correlator are safe for
    concurrent use.
  - Delivery is synchronous on the publisher's goroutine; delayed
    actions run on scheduler workers.

# Subpackages

  - event: bus, envelopes, metadata
  - mods: mod interface and registry
  - condition: declarative property checks
  - route: condition-to-action routing
  - workflow: multi-step runs with delays and timeouts
  - request: request/response correlation
  - schedule: delayed execution with a capacity bound
  - history: run audit records (memory, SQLite)
  - config: YAML/JSON file schema
  - observability: logging, metrics, and tracing helpers
*/
package modsystem
