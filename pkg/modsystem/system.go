package modsystem

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/goneyears/modsystem/pkg/modsystem/config"
	"github.com/goneyears/modsystem/pkg/modsystem/event"
	"github.com/goneyears/modsystem/pkg/modsystem/history"
	"github.com/goneyears/modsystem/pkg/modsystem/mods"
	"github.com/goneyears/modsystem/pkg/modsystem/request"
	"github.com/goneyears/modsystem/pkg/modsystem/route"
	"github.com/goneyears/modsystem/pkg/modsystem/schedule"
	"github.com/goneyears/modsystem/pkg/modsystem/workflow"
)

// System wires the bus, scheduler, mod registry, route evaluator,
// workflow engine, and request correlator into one unit with a single
// lifecycle. It is the intended entry point for applications; the
// subpackages remain usable on their own.
type System struct {
	bus    *event.Bus
	sched  *schedule.Scheduler
	mods   *mods.Registry
	routes *route.Evaluator
	engine *workflow.Engine
	req    *request.Correlator

	hist    history.Store
	ownHist bool

	closeOnce sync.Once
	closeErr  error
}

// New builds a System from the supplied options, loading any declarative
// routes and workflows before returning. The returned System is running;
// call Close to release it.
func New(opts ...Option) (*System, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	cfg := o.cfg
	if o.configPath != "" {
		loaded, err := config.FromFile(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	logger := o.logger
	if logger == nil && cfg.Settings.EnableDebugLogging {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}

	hist := o.hist
	ownHist := false
	if hist == nil && cfg.Settings.HistoryPath != "" {
		store, err := history.NewSQLiteStore(cfg.Settings.HistoryPath)
		if err != nil {
			return nil, fmt.Errorf("open history store: %w", err)
		}
		hist = store
		ownHist = true
	}

	bus := event.NewBus(
		event.WithLogger(logger),
		event.WithMetrics(o.metrics),
		event.WithSpans(o.spans),
	)

	schedOpts := []schedule.Option{schedule.WithLogger(logger)}
	if cfg.Settings.MaxConcurrentActions > 0 {
		schedOpts = append(schedOpts, schedule.WithCapacity(cfg.Settings.MaxConcurrentActions))
	}
	if cfg.Settings.DefaultActionTimeoutMs > 0 {
		schedOpts = append(schedOpts,
			schedule.WithDispatchTimeout(time.Duration(cfg.Settings.DefaultActionTimeoutMs)*time.Millisecond))
	}
	sched := schedule.New(schedOpts...)

	registry := mods.NewRegistry(bus, mods.WithLogger(logger))

	evaluator := route.NewEvaluator(bus, sched,
		route.WithMods(registry),
		route.WithLogger(logger),
		route.WithMetrics(o.metrics),
	)

	engineOpts := []workflow.Option{
		workflow.WithMods(registry),
		workflow.WithLogger(logger),
		workflow.WithMetrics(o.metrics),
		workflow.WithSpans(o.spans),
	}
	if hist != nil {
		engineOpts = append(engineOpts, workflow.WithHistory(hist))
	}
	engine := workflow.NewEngine(bus, sched, engineOpts...)

	correlator := request.NewCorrelator(bus,
		request.WithLogger(logger),
		request.WithMetrics(o.metrics),
	)

	s := &System{
		bus:     bus,
		sched:   sched,
		mods:    registry,
		routes:  evaluator,
		engine:  engine,
		req:     correlator,
		hist:    hist,
		ownHist: ownHist,
	}

	routes, err := cfg.RuntimeRoutes()
	if err == nil {
		err = evaluator.Load(routes)
	}
	if err == nil {
		var flows []workflow.Workflow
		flows, err = cfg.RuntimeWorkflows()
		if err == nil {
			err = engine.Load(flows)
		}
	}
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Bus returns the event bus.
func (s *System) Bus() *event.Bus { return s.bus }

// Mods returns the mod registry.
func (s *System) Mods() *mods.Registry { return s.mods }

// History returns the run history store, or nil when history is disabled.
func (s *System) History() history.Store { return s.hist }

// Register adds a mod and subscribes it to its declared event types.
func (s *System) Register(m mods.Mod) error { return s.mods.Register(m) }

// Deregister removes a mod and all of its subscriptions.
func (s *System) Deregister(id string) error { return s.mods.Deregister(id) }

// Publish delivers an event to current subscribers of its type.
func (s *System) Publish(ctx context.Context, evt event.Event) {
	s.bus.Publish(ctx, evt)
}

// Request publishes req and waits for a response of responseType carrying
// req's correlation identifier. See request.Correlator.Send.
func (s *System) Request(ctx context.Context, req event.Event, responseType string, timeout time.Duration) (event.Event, error) {
	return s.req.Send(ctx, req, responseType, timeout)
}

// ActiveRuns returns snapshots of the workflow runs currently in flight.
func (s *System) ActiveRuns() []workflow.Run { return s.engine.ActiveRuns() }

// RouteCount returns the number of loaded routes.
func (s *System) RouteCount() int { return s.routes.RouteCount() }

// Close tears the system down: route and workflow subscriptions are
// removed, the scheduler drains, and a system-owned history store is
// closed. Close is idempotent.
func (s *System) Close() error {
	s.closeOnce.Do(func() {
		s.routes.Close()
		s.engine.Close()
		s.req.Close()
		s.sched.Stop()
		if s.ownHist && s.hist != nil {
			s.closeErr = s.hist.Close()
		}
	})
	return s.closeErr
}
