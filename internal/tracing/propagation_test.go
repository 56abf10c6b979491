package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestPropagateToLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithSessionID(ctx, "session-abc")
	ctx = WithQueue(ctx, "general")

	ctxLogger := LoggerFromContext(ctx, logger)
	ctxLogger.Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"trace_id":"trace-123"`, `"session_id":"session-abc"`, `"queue":"general"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected log output to contain %s, got %s", want, out)
		}
	}
	if strings.Contains(out, "command_id") {
		t.Errorf("Empty command ID should not be logged: %s", out)
	}
}

func TestMergeContext(t *testing.T) {
	source := WithTraceID(context.Background(), "trace-src")
	source = WithSessionID(source, "session-src")

	target := WithTraceID(context.Background(), "trace-dst")
	merged := MergeContext(target, source)

	if GetTraceID(merged) != "trace-dst" {
		t.Error("Existing trace ID should not be overwritten")
	}
	if GetSessionID(merged) != "session-src" {
		t.Error("Missing session ID should be merged")
	}
}

func TestCloneContextDetachesCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(WithSessionID(context.Background(), "s1"))
	cloned := CloneContext(parent)
	cancel()

	if cloned.Err() != nil {
		t.Error("Cloned context should not inherit cancellation")
	}
	if GetSessionID(cloned) != "s1" {
		t.Error("Session ID not cloned")
	}
}
