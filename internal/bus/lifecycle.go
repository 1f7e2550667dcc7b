// Package bus contains the definitions of the messages broadcast over
// NATS for cross-component lifecycle notification.
package bus

import "log/slog"

const (
	// SubjectSessionLifecycle is the NATS subject the broker publishes
	// session start/end events to. The broker does not forward these
	// events to connected clients over a /topic/session-lifecycle
	// destination.
	SubjectSessionLifecycle = "st-orchestrator.session-lifecycle"
)

// LifecycleEventType is the closed set of session lifecycle transitions
// published on SubjectSessionLifecycle.
type LifecycleEventType string

// Recognized lifecycle event types.
const (
	SessionConnected    LifecycleEventType = "connected"
	SessionDisconnected LifecycleEventType = "disconnected"
	SessionCancelled    LifecycleEventType = "cancelled"
)

// SessionLifecycleEvent is published whenever the broker's cancelSession
// runs to completion (client DISCONNECT, read error, heartbeat timeout,
// repeated protocol violations, or shutdown), always with type
// SessionDisconnected, and when a CONNECT completes. An explicit
// /app/deployment/cancel only cancels the pipeline and publishes no
// event; the broker never publishes SessionCancelled.
type SessionLifecycleEvent struct {
	SessionID  string
	Type       LifecycleEventType
	RemoteAddr string
	Role       string
}

// LogValue implements the slog.LogValuer interface.
func (e SessionLifecycleEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("sessionID", e.SessionID),
		slog.String("type", string(e.Type)),
		slog.String("remoteAddr", e.RemoteAddr),
		slog.String("role", e.Role),
	)
}
