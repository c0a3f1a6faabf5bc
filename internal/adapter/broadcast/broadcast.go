// Package broadcast implements the broadcast.Broadcaster port with a
// structured-logging sink. The teacher's equivalent (internal/adapter/ws)
// fans events out over coder/websocket to connected dashboard clients; this
// spec's route table has no websocket transport (DESIGN.md: "coder/websocket
// — no websocket transport in this spec's route table"), so there are no
// live connections to fan out to. Event producers (currently
// internal/healthcheck, on endpoint status transitions) still need a real
// Broadcaster to call, so this adapter logs each event at info level instead
// of silently discarding it.
package broadcast

import (
	"context"
	"log/slog"
)

// Logger emits every broadcast event through a *slog.Logger rather than to
// any connected client. It satisfies broadcast.Broadcaster.
type Logger struct {
	log *slog.Logger
}

// New returns a Logger-backed Broadcaster.
func New(log *slog.Logger) *Logger {
	return &Logger{log: log}
}

// BroadcastEvent logs the event type and payload. It never returns an error
// and never blocks, matching the fire-and-forget contract callers expect
// from a real fan-out broadcaster.
func (l *Logger) BroadcastEvent(_ context.Context, eventType string, payload any) {
	l.log.Info("broadcast event", "event_type", eventType, "payload", payload)
}
