package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goneyears/modsystem/pkg/modsystem/condition"
	"github.com/goneyears/modsystem/pkg/modsystem/config"
	"github.com/goneyears/modsystem/pkg/modsystem/workflow"
)

const sampleYAML = `
settings:
  enable_debug_logging: true
  max_concurrent_actions: 32
  default_action_timeout_ms: 5000
routes:
  - name: door-light
    source_event: door.opened
    priority: 5
    conditions:
      - property: zone
        operator: equals
        value: hall
    actions:
      - target_mod: lights
        event_type: light.on
        parameters:
          brightness: 80
        delay_ms: 250
  - name: disabled-route
    source_event: door.opened
    enabled: false
    actions:
      - event_type: noop
workflows:
  - name: morning
    trigger:
      event: alarm.fired
      conditions:
        - property: weekday
          operator: equals
          value: true
    steps:
      - name: wake-lights
        kind: publish_event
        event: light.on
      - name: coffee
        kind: invoke_action
        event: coffee.start
        target_mod: kitchen
        delay_ms: 1000
        complete_on: coffee.ready
        timeout_ms: 60000
`

func TestFromYAML(t *testing.T) {
	f, err := config.FromYAML([]byte(sampleYAML))
	require.NoError(t, err)

	assert.True(t, f.Settings.EnableDebugLogging)
	assert.Equal(t, 32, f.Settings.MaxConcurrentActions)
	assert.Equal(t, 5000, f.Settings.DefaultActionTimeoutMs)
	require.Len(t, f.Routes, 2)
	require.Len(t, f.Workflows, 1)
}

func TestRuntimeRoutes(t *testing.T) {
	f, err := config.FromYAML([]byte(sampleYAML))
	require.NoError(t, err)

	routes, err := f.RuntimeRoutes()
	require.NoError(t, err)
	require.Len(t, routes, 2)

	r := routes[0]
	assert.Equal(t, "door-light", r.Name)
	assert.Equal(t, "door.opened", r.SourceEvent)
	assert.Equal(t, 5, r.Priority)
	assert.True(t, r.Enabled, "enabled defaults to true when omitted")
	require.Len(t, r.Conditions, 1)
	assert.Equal(t, condition.OpEquals, r.Conditions[0].Operator)
	require.Len(t, r.Actions, 1)
	assert.Equal(t, "lights", r.Actions[0].TargetMod)
	assert.Equal(t, 250*time.Millisecond, r.Actions[0].Delay)

	assert.False(t, routes[1].Enabled, "explicit enabled: false is honored")
}

func TestRuntimeWorkflows(t *testing.T) {
	f, err := config.FromYAML([]byte(sampleYAML))
	require.NoError(t, err)

	flows, err := f.RuntimeWorkflows()
	require.NoError(t, err)
	require.Len(t, flows, 1)

	w := flows[0]
	assert.Equal(t, "morning", w.Name)
	assert.Equal(t, "alarm.fired", w.Trigger.Event)
	require.Len(t, w.Steps, 2)

	assert.Equal(t, workflow.StepPublishEvent, w.Steps[0].Kind)
	assert.Equal(t, workflow.StepInvokeAction, w.Steps[1].Kind)
	assert.Equal(t, "kitchen", w.Steps[1].TargetMod)
	assert.Equal(t, time.Second, w.Steps[1].Delay)
	assert.Equal(t, "coffee.ready", w.Steps[1].CompleteOn)
	assert.Equal(t, time.Minute, w.Steps[1].Timeout)

	require.NoError(t, w.Validate())
}

func TestUnknownOperatorFailsAtLoad(t *testing.T) {
	f, err := config.FromYAML([]byte(`
routes:
  - name: bad
    source_event: tick
    conditions:
      - property: a
        operator: matches
        value: x
`))
	require.NoError(t, err)

	_, err = f.RuntimeRoutes()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown operator")
}

func TestUnknownStepKindFails(t *testing.T) {
	f, err := config.FromYAML([]byte(`
workflows:
  - name: bad
    trigger:
      event: go
    steps:
      - kind: teleport
        event: x
`))
	require.NoError(t, err)

	_, err = f.RuntimeWorkflows()
	require.Error(t, err)
}

func TestStepKindDefaultsToPublish(t *testing.T) {
	f, err := config.FromYAML([]byte(`
workflows:
  - name: w
    trigger:
      event: go
    steps:
      - event: x
`))
	require.NoError(t, err)

	flows, err := f.RuntimeWorkflows()
	require.NoError(t, err)
	assert.Equal(t, workflow.StepPublishEvent, flows[0].Steps[0].Kind)
}

func TestFromJSON(t *testing.T) {
	f, err := config.FromJSON([]byte(`{
		"routes": [{
			"name": "r",
			"source_event": "tick",
			"actions": [{"event_type": "derived"}]
		}]
	}`))
	require.NoError(t, err)
	require.Len(t, f.Routes, 1)

	routes, err := f.RuntimeRoutes()
	require.NoError(t, err)
	assert.Equal(t, "derived", routes[0].Actions[0].EventType)
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "conf.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(sampleYAML), 0o644))

	f, err := config.FromFile(yamlPath)
	require.NoError(t, err)
	assert.Len(t, f.Routes, 2)

	_, err = config.FromFile(filepath.Join(dir, "conf.toml"))
	assert.Error(t, err, "unsupported extension")

	_, err = config.FromFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
