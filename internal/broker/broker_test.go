package broker_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"go.uber.org/zap"

	"github.com/lagoon-gateway/st-orchestrator/internal/authn"
	"github.com/lagoon-gateway/st-orchestrator/internal/authz"
	"github.com/lagoon-gateway/st-orchestrator/internal/broker"
	"github.com/lagoon-gateway/st-orchestrator/internal/commands"
	"github.com/lagoon-gateway/st-orchestrator/internal/frame"
	"github.com/lagoon-gateway/st-orchestrator/internal/orchestrator"
	"github.com/lagoon-gateway/st-orchestrator/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// emptyJWKSServer serves a key-less JWKS document, enough for
// authn.New to succeed without ever being asked to verify a real token:
// every test here connects anonymously.
func emptyJWKSServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"keys":[]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestAuthenticator(t *testing.T) *authn.Authenticator {
	srv := emptyJWKSServer(t)
	a, err := authn.New(context.Background(), srv.URL, authn.WithAnonymousAllowed(true))
	assert.NoError(t, err)
	return a
}

// fakeConn is an in-memory broker.Conn: inbound frames are fed through
// in, every WriteMessage call appends to out. Safe for concurrent use by
// one reader/one writer goroutine, matching how a real *websocket.Conn is
// used.
type fakeConn struct {
	in     chan []byte
	mu     sync.Mutex
	out    [][]byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 32), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.in:
		return 1, msg, nil
	case <-c.closed:
		return 0, nil, context.Canceled
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]byte(nil), data...)
	c.out = append(c.out, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(f frame.Frame) {
	c.in <- frame.Encode(f)
}

func (c *fakeConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.out))
	copy(out, c.out)
	return out
}

func (c *fakeConn) waitForCount(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if msgs := c.messages(); len(msgs) >= n {
			return msgs
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages, have %d", n, len(c.messages()))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func newTestBroker(t *testing.T) *broker.Broker {
	reg := registry.New(registry.WithSweepInterval(time.Hour))
	t.Cleanup(reg.Close)
	orch := orchestrator.New(reg, zap.NewNop(), commands.DefaultMirrorConfig())
	b := broker.New(newTestAuthenticator(t), authz.NewPolicy(), reg, orch, nil, nil, testLogger(), broker.DefaultConfig())
	t.Cleanup(b.Shutdown)
	return b
}

func TestConnectHandshakeAssignsAnonymousRole(t *testing.T) {
	b := newTestBroker(t)
	conn := newFakeConn()
	go func() { _ = b.ServeConn(context.Background(), conn, "10.0.0.1:1234") }()

	conn.send(frame.Frame{Command: frame.CmdConnect, Headers: frame.NewHeaders()})

	msgs := conn.waitForCount(t, 1)
	f, err := frame.Decode(append(msgs[0], 0))
	assert.NoError(t, err)
	assert.Equal(t, frame.CmdConnected, f.Command)
	role, ok := f.Headers.Get("role")
	assert.True(t, ok)
	assert.Equal(t, "anonymous", role)

	conn.send(frame.Frame{Command: frame.CmdDisconnect, Headers: frame.NewHeaders()})
}

func TestFirstFrameMustBeConnect(t *testing.T) {
	b := newTestBroker(t)
	conn := newFakeConn()
	conn.send(frame.Frame{Command: frame.CmdHeartbeat, Headers: frame.NewHeaders()})
	err := b.ServeConn(context.Background(), conn, "10.0.0.1:1234")
	assert.NoError(t, err)

	msgs := conn.waitForCount(t, 1)
	f, err := frame.Decode(append(msgs[0], 0))
	assert.NoError(t, err)
	assert.Equal(t, frame.CmdError, f.Command)
}

func TestAnonymousRoleDeniedFromDeploymentDestination(t *testing.T) {
	b := newTestBroker(t)
	conn := newFakeConn()
	go func() { _ = b.ServeConn(context.Background(), conn, "10.0.0.2:1234") }()
	conn.send(frame.Frame{Command: frame.CmdConnect, Headers: frame.NewHeaders()})
	conn.waitForCount(t, 1) // CONNECTED

	h := frame.NewHeaders()
	h.Set("destination", "/app/deployment/start")
	conn.send(frame.Frame{Command: frame.CmdSend, Headers: h, Body: []byte(`{"taskName":"deploy"}`)})

	msgs := conn.waitForCount(t, 2)
	f, err := frame.Decode(append(msgs[1], 0))
	assert.NoError(t, err)
	assert.Equal(t, frame.CmdError, f.Command)
	code, _ := f.Headers.Get("code")
	assert.Equal(t, "forbidden", code)

	conn.send(frame.Frame{Command: frame.CmdDisconnect, Headers: frame.NewHeaders()})
}

func TestUnrecognizedDestinationReturnsError(t *testing.T) {
	b := newTestBroker(t)
	conn := newFakeConn()
	go func() { _ = b.ServeConn(context.Background(), conn, "10.0.0.3:1234") }()
	conn.send(frame.Frame{Command: frame.CmdConnect, Headers: frame.NewHeaders()})
	conn.waitForCount(t, 1)

	h := frame.NewHeaders()
	h.Set("destination", "/app/nonsense")
	conn.send(frame.Frame{Command: frame.CmdSend, Headers: h})

	msgs := conn.waitForCount(t, 2)
	f, err := frame.Decode(append(msgs[1], 0))
	assert.NoError(t, err)
	assert.Equal(t, frame.CmdError, f.Command)
	code, _ := f.Headers.Get("code")
	assert.Equal(t, "no-handler", code)

	conn.send(frame.Frame{Command: frame.CmdDisconnect, Headers: frame.NewHeaders()})
}

func TestTerminalInputWithoutOpenShellReturnsError(t *testing.T) {
	b := newTestBroker(t)
	conn := newFakeConn()
	go func() { _ = b.ServeConn(context.Background(), conn, "10.0.0.4:1234") }()
	conn.send(frame.Frame{Command: frame.CmdConnect, Headers: frame.NewHeaders()})
	connected, err := frame.Decode(append(conn.waitForCount(t, 1)[0], 0))
	assert.NoError(t, err)
	sessionID, _ := connected.Headers.Get("session-id")

	h := frame.NewHeaders()
	h.Set("destination", "/app/terminal/input")
	conn.send(frame.Frame{Command: frame.CmdSend, Headers: h, Body: []byte(`{"data":"aGk="}`)})

	// Handler failures go to the session's error queue as a MESSAGE with a
	// {code, message} JSON body, not as an ERROR frame.
	msgs := conn.waitForCount(t, 2)
	f, err := frame.Decode(append(msgs[1], 0))
	assert.NoError(t, err)
	assert.Equal(t, frame.CmdMessage, f.Command)
	dest, _ := f.Headers.Get("destination")
	assert.Equal(t, "/queue/error-user"+sessionID, dest)
	var body struct {
		Code string `json:"code"`
	}
	assert.NoError(t, json.Unmarshal(f.Body, &body))
	assert.Equal(t, "no-shell", body.Code)

	conn.send(frame.Frame{Command: frame.CmdDisconnect, Headers: frame.NewHeaders()})
}

func TestRepeatedProtocolViolationsCloseTheChannel(t *testing.T) {
	b := newTestBroker(t)
	conn := newFakeConn()
	done := make(chan struct{})
	go func() { _ = b.ServeConn(context.Background(), conn, "10.0.0.5:1234"); close(done) }()
	conn.send(frame.Frame{Command: frame.CmdConnect, Headers: frame.NewHeaders()})
	conn.waitForCount(t, 1)

	for i := 0; i < 20; i++ {
		conn.in <- []byte("not a valid frame at all")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("channel was not closed after repeated protocol violations")
	}
}
