// Package config defines the declarative file schema for routes,
// workflows, and system settings, and converts the parsed form into the
// runtime types the evaluator and engine consume. Durations are carried
// as millisecond integers in the file format.
package config

import (
	"fmt"
	"time"

	"github.com/goneyears/modsystem/pkg/modsystem/condition"
	"github.com/goneyears/modsystem/pkg/modsystem/route"
	"github.com/goneyears/modsystem/pkg/modsystem/workflow"
)

// Settings holds system-wide tunables.
type Settings struct {
	// EnableDebugLogging lowers the log level to debug.
	EnableDebugLogging bool `yaml:"enable_debug_logging" json:"enable_debug_logging"`

	// MaxConcurrentActions bounds the scheduler's outstanding delayed
	// actions. Zero means unbounded.
	MaxConcurrentActions int `yaml:"max_concurrent_actions" json:"max_concurrent_actions"`

	// DefaultActionTimeoutMs is the dispatch timeout for delayed actions
	// whose workers are all busy. Zero keeps the built-in default.
	DefaultActionTimeoutMs int `yaml:"default_action_timeout_ms" json:"default_action_timeout_ms"`

	// HistoryPath, when set, enables SQLite run history at this path.
	HistoryPath string `yaml:"history_path" json:"history_path"`
}

// ConditionConfig is one property check in the file format.
type ConditionConfig struct {
	Property string `yaml:"property" json:"property"`
	Operator string `yaml:"operator" json:"operator"`
	Value    any    `yaml:"value" json:"value"`
}

// ActionConfig is one route action in the file format.
type ActionConfig struct {
	TargetMod  string         `yaml:"target_mod" json:"target_mod"`
	EventType  string         `yaml:"event_type" json:"event_type"`
	Parameters map[string]any `yaml:"parameters" json:"parameters"`
	DelayMs    int            `yaml:"delay_ms" json:"delay_ms"`
}

// RouteConfig is one route in the file format.
type RouteConfig struct {
	Name        string            `yaml:"name" json:"name"`
	SourceEvent string            `yaml:"source_event" json:"source_event"`
	Conditions  []ConditionConfig `yaml:"conditions" json:"conditions"`
	Actions     []ActionConfig    `yaml:"actions" json:"actions"`
	Enabled     *bool             `yaml:"enabled" json:"enabled"`
	Priority    int               `yaml:"priority" json:"priority"`
}

// TriggerConfig is a workflow trigger in the file format.
type TriggerConfig struct {
	Event      string            `yaml:"event" json:"event"`
	Conditions []ConditionConfig `yaml:"conditions" json:"conditions"`
}

// StepConfig is one workflow step in the file format.
type StepConfig struct {
	Name       string         `yaml:"name" json:"name"`
	Kind       string         `yaml:"kind" json:"kind"`
	Event      string         `yaml:"event" json:"event"`
	TargetMod  string         `yaml:"target_mod" json:"target_mod"`
	Parameters map[string]any `yaml:"parameters" json:"parameters"`
	DelayMs    int            `yaml:"delay_ms" json:"delay_ms"`
	CompleteOn string         `yaml:"complete_on" json:"complete_on"`
	TimeoutMs  int            `yaml:"timeout_ms" json:"timeout_ms"`
}

// WorkflowConfig is one workflow in the file format.
type WorkflowConfig struct {
	Name    string        `yaml:"name" json:"name"`
	Trigger TriggerConfig `yaml:"trigger" json:"trigger"`
	Steps   []StepConfig  `yaml:"steps" json:"steps"`
}

// File is the root of a configuration document.
type File struct {
	Settings  Settings         `yaml:"settings" json:"settings"`
	Routes    []RouteConfig    `yaml:"routes" json:"routes"`
	Workflows []WorkflowConfig `yaml:"workflows" json:"workflows"`
}

// RuntimeRoutes converts the file's route section to runtime routes, failing
// fast on unknown operators so bad config surfaces at load, not at
// evaluation.
func (f File) RuntimeRoutes() ([]route.Route, error) {
	routes := make([]route.Route, 0, len(f.Routes))
	for _, rc := range f.Routes {
		r, err := rc.toRoute()
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", rc.Name, err)
		}
		routes = append(routes, r)
	}
	return routes, nil
}

// RuntimeWorkflows converts the file's workflow section to runtime
// workflow definitions.
func (f File) RuntimeWorkflows() ([]workflow.Workflow, error) {
	flows := make([]workflow.Workflow, 0, len(f.Workflows))
	for _, wc := range f.Workflows {
		w, err := wc.toWorkflow()
		if err != nil {
			return nil, fmt.Errorf("workflow %q: %w", wc.Name, err)
		}
		flows = append(flows, w)
	}
	return flows, nil
}

func (rc RouteConfig) toRoute() (route.Route, error) {
	conds, err := toConditions(rc.Conditions)
	if err != nil {
		return route.Route{}, err
	}

	actions := make([]route.Action, 0, len(rc.Actions))
	for _, ac := range rc.Actions {
		actions = append(actions, route.Action{
			TargetMod:  ac.TargetMod,
			EventType:  ac.EventType,
			Parameters: ac.Parameters,
			Delay:      time.Duration(ac.DelayMs) * time.Millisecond,
		})
	}

	// Routes are enabled unless the file says otherwise.
	enabled := true
	if rc.Enabled != nil {
		enabled = *rc.Enabled
	}

	return route.Route{
		Name:        rc.Name,
		SourceEvent: rc.SourceEvent,
		Conditions:  conds,
		Actions:     actions,
		Enabled:     enabled,
		Priority:    rc.Priority,
	}, nil
}

func (wc WorkflowConfig) toWorkflow() (workflow.Workflow, error) {
	conds, err := toConditions(wc.Trigger.Conditions)
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("trigger: %w", err)
	}

	steps := make([]workflow.Step, 0, len(wc.Steps))
	for i, sc := range wc.Steps {
		kind := workflow.StepKind(sc.Kind)
		if sc.Kind == "" {
			kind = workflow.StepPublishEvent
		}
		step := workflow.Step{
			Name:       sc.Name,
			Kind:       kind,
			Event:      sc.Event,
			TargetMod:  sc.TargetMod,
			Parameters: sc.Parameters,
			Delay:      time.Duration(sc.DelayMs) * time.Millisecond,
			CompleteOn: sc.CompleteOn,
			Timeout:    time.Duration(sc.TimeoutMs) * time.Millisecond,
		}
		if step.Kind != workflow.StepPublishEvent && step.Kind != workflow.StepInvokeAction {
			return workflow.Workflow{}, fmt.Errorf("step %d: unknown kind %q", i, sc.Kind)
		}
		steps = append(steps, step)
	}

	return workflow.Workflow{
		Name: wc.Name,
		Trigger: workflow.Trigger{
			Event:      wc.Trigger.Event,
			Conditions: conds,
		},
		Steps: steps,
	}, nil
}

func toConditions(cfgs []ConditionConfig) ([]condition.Condition, error) {
	conds := make([]condition.Condition, 0, len(cfgs))
	for i, cc := range cfgs {
		op, err := condition.ParseOperator(cc.Operator)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		conds = append(conds, condition.Condition{
			Property: cc.Property,
			Operator: op,
			Value:    cc.Value,
		})
	}
	return conds, nil
}
