// Package broker implements the message channel: the framed
// publish/subscribe transport between browser clients and the gateway
// (spec.md §4.D). It decodes inbound frame.Frame values, authenticates
// CONNECT via internal/authn, gates destinations via internal/authz,
// dispatches to a small routing table of handlers through a bounded
// worker pool, and serializes outbound writes per client behind a
// bounded, backpressure-aware writer queue.
//
// The scheduling shape mirrors the teacher's sshserver.Serve: one
// goroutine decodes inbound frames per channel (cooperative, not
// fanned-out), handler dispatch runs on a shared worker pool instead of
// one goroutine per session, and a single writer goroutine per channel
// serializes outbound frames, the same "one thing owns the socket" rule
// startClientKeepalive enforces for the SSH session's send path.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/lagoon-gateway/st-orchestrator/internal/authn"
	"github.com/lagoon-gateway/st-orchestrator/internal/authz"
	"github.com/lagoon-gateway/st-orchestrator/internal/bus"
	"github.com/lagoon-gateway/st-orchestrator/internal/cmdcontext"
	"github.com/lagoon-gateway/st-orchestrator/internal/frame"
	"github.com/lagoon-gateway/st-orchestrator/internal/orchestrator"
	"github.com/lagoon-gateway/st-orchestrator/internal/pipeline"
	"github.com/lagoon-gateway/st-orchestrator/internal/registry"
)

var errNoShell = errors.New("no terminal shell open for this session")

// DataService is the import/export surface internal/sftpservice
// provides. Broker depends on the interface, not the concrete package,
// the same way the teacher's sessionHandler depends on K8SAPIService
// rather than *k8s.Client.
type DataService interface {
	Export(ctx context.Context, sessionID string, sink cmdcontext.ProgressSink) (downloadURL, filename string, sizeBytes int64, expiresAt time.Time, err error)
	Import(ctx context.Context, sessionID, uploadedFileName string, sink cmdcontext.ProgressSink) error
}

// Config tunes the broker's queue sizes, worker pool, and timers.
// Defaults match spec.md §6's configuration table.
type Config struct {
	InboundQueueSize  int
	WriterQueueSize   int
	WorkerPoolMin     int
	WorkerPoolMax     int
	HeartbeatInterval time.Duration
	ConnectRatePerSec float64
	ConnectBurst      int
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		InboundQueueSize:  1000,
		WriterQueueSize:   256,
		WorkerPoolMin:     4,
		WorkerPoolMax:     8,
		HeartbeatInterval: 10 * time.Second,
		ConnectRatePerSec: 5,
		ConnectBurst:      10,
	}
}

// inboundItem is one decoded frame queued for worker-pool dispatch.
type inboundItem struct {
	ch *channel
	f  frame.Frame
}

// Broker wires authentication, authorization, session registry, pipeline
// orchestration, and data import/export into the routed channel
// lifecycle.
type Broker struct {
	authenticator *authn.Authenticator
	policy        *authz.Policy
	registry      *registry.Registry
	orch          *orchestrator.Orchestrator
	data          DataService
	publisher     *bus.Publisher
	log           *slog.Logger
	cfg           Config

	connectLimiter *rate.Limiter

	inbound chan inboundItem

	mu       sync.Mutex
	channels map[string]*channel

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Broker and starts its worker pool. publisher may be
// nil: lifecycle events are then simply not published.
func New(
	authenticator *authn.Authenticator,
	policy *authz.Policy,
	reg *registry.Registry,
	orch *orchestrator.Orchestrator,
	data DataService,
	publisher *bus.Publisher,
	log *slog.Logger,
	cfg Config,
) *Broker {
	b := &Broker{
		authenticator:  authenticator,
		policy:         policy,
		registry:       reg,
		orch:           orch,
		data:           data,
		publisher:      publisher,
		log:            log,
		cfg:            cfg,
		connectLimiter: rate.NewLimiter(rate.Limit(cfg.ConnectRatePerSec), cfg.ConnectBurst),
		inbound:        make(chan inboundItem, cfg.InboundQueueSize),
		channels:       map[string]*channel{},
		stop:           make(chan struct{}),
	}
	workers := cfg.WorkerPoolMax
	if workers < cfg.WorkerPoolMin {
		workers = cfg.WorkerPoolMin
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.dispatchLoop()
	}
	return b
}

// Shutdown stops the worker pool and closes every open channel.
func (b *Broker) Shutdown() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.mu.Lock()
	chans := make([]*channel, 0, len(b.channels))
	for _, ch := range b.channels {
		chans = append(chans, ch)
	}
	b.mu.Unlock()
	for _, ch := range chans {
		b.cancelSession(ch, bus.SessionDisconnected)
	}
	b.wg.Wait()
}

// ServeConn runs one client channel to completion: CONNECT handshake,
// heartbeat, inbound decode loop, and cleanup. It returns once the
// channel closes for any reason. Callers (cmd/gateway's HTTP upgrade
// handler) run this in its own goroutine per accepted connection.
func (b *Broker) ServeConn(ctx context.Context, conn Conn, remoteAddr string) error {
	if !b.connectLimiter.Allow() {
		_ = conn.WriteMessage(websocket.TextMessage, frame.Encode(frame.NewError("rate-limited", "too many connection attempts")))
		return conn.Close()
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	f, err := frame.Decode(append(raw, 0))
	if err != nil || f.Command != frame.CmdConnect {
		_ = conn.WriteMessage(websocket.TextMessage, frame.Encode(frame.NewError("protocol", "first frame must be CONNECT")))
		return conn.Close()
	}

	principal, err := b.authenticator.Authenticate(f.Headers, remoteAddr)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, frame.Encode(frame.NewError("auth-failed", err.Error())))
		return conn.Close()
	}

	sessionID := uuid.NewString()
	ch := newChannel(sessionID, conn, principal, b.cfg.WriterQueueSize)
	ch.touch()

	b.mu.Lock()
	b.channels[sessionID] = ch
	b.mu.Unlock()

	b.wg.Add(1)
	go func() { defer b.wg.Done(); ch.writerLoop() }()

	connected := frame.Frame{Command: frame.CmdConnected, Headers: frame.NewHeaders()}
	connected.Headers.Set("session-id", sessionID)
	connected.Headers.Set("role", string(principal.Role))
	ch.enqueue(connected, critical)

	b.publish(sessionID, bus.SessionConnected, remoteAddr, string(principal.Role))

	b.wg.Add(1)
	go func() { defer b.wg.Done(); b.heartbeatLoop(ch) }()

	b.readLoop(ctx, ch)

	b.mu.Lock()
	delete(b.channels, sessionID)
	b.mu.Unlock()
	return nil
}

func (b *Broker) readLoop(ctx context.Context, ch *channel) {
	violations := &frame.ViolationTracker{}
	for {
		select {
		case <-ch.closed:
			return
		case <-b.stop:
			b.cancelSession(ch, bus.SessionDisconnected)
			return
		default:
		}
		_, raw, err := ch.conn.ReadMessage()
		if err != nil {
			b.cancelSession(ch, bus.SessionDisconnected)
			return
		}
		ch.touch()
		f, err := frame.Decode(append(raw, 0))
		if err != nil {
			ch.enqueue(frame.NewError("protocol", err.Error()), critical)
			if violations.Record(time.Now()) {
				b.log.Warn("closing channel after repeated protocol violations", slog.String("session_id", ch.sessionID))
				b.cancelSession(ch, bus.SessionDisconnected)
				return
			}
			continue
		}

		switch f.Command {
		case frame.CmdDisconnect:
			b.cancelSession(ch, bus.SessionDisconnected)
			return
		case frame.CmdHeartbeat:
			continue
		case frame.CmdSubscribe:
			if topic, ok := f.Headers.Get("destination"); ok {
				ch.subscribe(topic)
			}
			continue
		case frame.CmdUnsubscribe:
			if topic, ok := f.Headers.Get("destination"); ok {
				ch.unsubscribe(topic)
			}
			continue
		case frame.CmdSend:
			select {
			case b.inbound <- inboundItem{ch: ch, f: f}:
			case <-ch.closed:
				return
			}
			// Backpressure: a full inbound queue blocks this read loop
			// (the select above), which transitively stalls reads from
			// the socket until the worker pool catches up.
		default:
			ch.enqueue(frame.NewError("protocol", "unrecognized command"), critical)
		}
	}
}

func (b *Broker) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case item := <-b.inbound:
			b.dispatch(item.ch, item.f)
		case <-b.stop:
			return
		}
	}
}

func (b *Broker) dispatch(ch *channel, f frame.Frame) {
	dest, ok := f.Headers.Get("destination")
	if !ok {
		ch.enqueue(frame.NewError("no-handler", "missing destination header"), critical)
		return
	}
	handler, ok := destinationHandlers[dest]
	if !ok {
		ch.enqueue(frame.NewError("no-handler", "unrecognized destination: "+dest), critical)
		return
	}
	if !b.policy.CanAccess(authz.Role(ch.principal.Role), authz.Destination(dest)) {
		ch.enqueue(frame.NewError("forbidden", "role "+string(ch.principal.Role)+" may not access "+dest), critical)
		return
	}
	handler(context.Background(), b, ch, f.Body)
}

func (b *Broker) heartbeatLoop(ch *channel) {
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	deadAfter := 2 * b.cfg.HeartbeatInterval
	for {
		select {
		case <-ticker.C:
			if ch.idleFor() > deadAfter {
				b.log.Info("declaring channel dead on heartbeat timeout", slog.String("session_id", ch.sessionID))
				b.cancelSession(ch, bus.SessionDisconnected)
				return
			}
			ch.enqueue(frame.NewHeartbeat(), droppable)
		case <-ch.closed:
			return
		}
	}
}

// cancelSession runs the cleanup spec.md §4.D requires for DISCONNECT,
// channel close, or heartbeat timeout: fire the cancel token, close the
// shell first, remove the registry entry, publish the lifecycle event.
func (b *Broker) cancelSession(ch *channel, eventType bus.LifecycleEventType) {
	b.orch.Cancel(ch.sessionID)
	ch.close()
	if err := b.registry.Remove(ch.sessionID); err != nil {
		b.log.Warn("registry remove failed during cancel", slog.String("session_id", ch.sessionID), slog.Any("error", err))
	}
	b.publish(ch.sessionID, eventType, "", string(ch.principal.Role))
}

func (b *Broker) publish(sessionID string, eventType bus.LifecycleEventType, remoteAddr, role string) {
	if b.publisher == nil {
		return
	}
	if err := b.publisher.Publish(bus.SessionLifecycleEvent{
		SessionID: sessionID, Type: eventType, RemoteAddr: remoteAddr, Role: role,
	}); err != nil {
		b.log.Warn("lifecycle publish failed", slog.Any("error", err))
	}
}

// broadcastTopic sends f to every channel currently subscribed to topic,
// e.g. /topic/session-lifecycle.
func (b *Broker) broadcastTopic(topic string, f frame.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.channels {
		if ch.isSubscribed(topic) {
			ch.enqueue(f, droppable)
		}
	}
}

// userQueueDestination encodes the /user/queue/<topic> -> per-session
// destination mapping spec.md §4.D specifies.
func userQueueDestination(sessionID, topic string) string {
	return "/queue/" + topic + "-user" + sessionID
}

// sendJSON marshals v as the frame body and enqueues a MESSAGE frame
// addressed to sessionID's per-session queue for topic.
func sendJSON(ch *channel, topic string, v any, p priority) {
	body, err := json.Marshal(v)
	if err != nil {
		body = []byte(`{}`)
	}
	h := frame.NewHeaders()
	h.Set("destination", userQueueDestination(ch.sessionID, topic))
	ch.enqueue(frame.Frame{Command: frame.CmdMessage, Headers: h, Body: body}, p)
}

// pipelineStateToResult converts a terminal pipeline.State into the
// {success, summary} payload for the deployment/result topic.
func pipelineStateToResult(state pipeline.State) (success bool, summary string) {
	switch state {
	case pipeline.StateCompleted:
		return true, "pipeline completed"
	case pipeline.StateCancelled:
		return false, "pipeline cancelled"
	default:
		return false, "pipeline failed"
	}
}
