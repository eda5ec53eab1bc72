package observability

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func testLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	return logger, &buf
}

func TestLogHelpersTolerateNil(t *testing.T) {
	// Every helper must be a no-op on a nil logger.
	LogPublish(nil, "a", 1)
	LogSubscription(nil, "a", "s")
	LogHandlerError(nil, "a", "s", errors.New("x"))
	LogRouteFired(nil, "r", "a", 1)
	LogActionFailure(nil, "r", "t", errors.New("x"))
	LogRunStart(nil, "w", "id")
	LogRunComplete(nil, "w", "id", 1)
	LogRunFailed(nil, "w", "id", "failed", "reason")
	LogRequestTimeout(nil, "a", "corr")
}

func TestLogPublish(t *testing.T) {
	logger, buf := testLogger()
	LogPublish(logger, "door.opened", 3)

	out := buf.String()
	for _, want := range []string{"event published", "event_type=door.opened", "handlers=3"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestLogHandlerError(t *testing.T) {
	logger, buf := testLogger()
	LogHandlerError(logger, "door.opened", "lights", errors.New("boom"))

	out := buf.String()
	for _, want := range []string{"handler failed", "subscriber=lights", "error=boom", "level=ERROR"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestLogRouteFired(t *testing.T) {
	logger, buf := testLogger()
	LogRouteFired(logger, "door-light", "door.opened", 2)

	out := buf.String()
	if !strings.Contains(out, "route fired") || !strings.Contains(out, "route=door-light") {
		t.Errorf("unexpected log output: %s", out)
	}
}

func TestLogRunLifecycle(t *testing.T) {
	logger, buf := testLogger()
	LogRunStart(logger, "morning", "run-1")
	LogRunComplete(logger, "morning", "run-1", 42)
	LogRunFailed(logger, "morning", "run-2", "timed_out", "no coffee.ready within 1m0s")

	out := buf.String()
	for _, want := range []string{
		"workflow run starting", "workflow run completed", "workflow run failed",
		"run_id=run-1", "state=timed_out",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestLogRequestTimeout(t *testing.T) {
	logger, buf := testLogger()
	LogRequestTimeout(logger, "inventory.query", "corr-1")

	out := buf.String()
	if !strings.Contains(out, "request timed out") || !strings.Contains(out, "correlation_id=corr-1") {
		t.Errorf("unexpected log output: %s", out)
	}
}
