package bus_test

import (
	"log/slog"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/lagoon-gateway/st-orchestrator/internal/bus"
)

func TestConnectFailureReturnsError(t *testing.T) {
	_, err := bus.Connect(slog.Default(), "nats://127.0.0.1:1") // nothing listens on port 1
	assert.Error(t, err)
}

func TestSessionLifecycleEventLogValue(t *testing.T) {
	e := bus.SessionLifecycleEvent{
		SessionID:  "sess-1",
		Type:       bus.SessionConnected,
		RemoteAddr: "1.2.3.4:5555",
		Role:       "user",
	}
	v := e.LogValue()
	assert.Equal(t, slog.KindGroup, v.Kind())
}
