package broadcast

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestLogger_BroadcastEvent(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	l := New(log)

	l.BroadcastEvent(context.Background(), "endpoint.status_changed", map[string]any{"id": "e1"})

	out := buf.String()
	if !strings.Contains(out, "endpoint.status_changed") {
		t.Fatalf("expected log to contain event type, got: %s", out)
	}
	if !strings.Contains(out, "broadcast event") {
		t.Fatalf("expected log message, got: %s", out)
	}
}
