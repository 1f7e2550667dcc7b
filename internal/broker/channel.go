package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lagoon-gateway/st-orchestrator/internal/authn"
	"github.com/lagoon-gateway/st-orchestrator/internal/frame"
)

// priority classifies an outbound frame for the writer-queue backpressure
// policy: critical frames are worth blocking the writer for, droppable
// ones are discarded outright once the queue is saturated.
type priority int

const (
	droppable priority = iota
	critical
)

// outboundItem pairs a frame with its drop priority on the way into a
// channel's writer queue.
type outboundItem struct {
	f frame.Frame
	p priority
}

// Conn abstracts the underlying duplex message transport a channel reads
// and writes frames over. *websocket.Conn satisfies this directly.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// channel is one connected client: its transport, its resolved principal,
// its per-client bounded writer queue, and the terminal shell stdin it
// may have open.
type channel struct {
	sessionID string
	conn      Conn
	principal authn.Principal

	writeQueue   chan outboundItem
	slowConsumer atomic.Bool
	dropped      atomic.Int64

	mu         sync.Mutex
	shellStdin writeCloser
	subscribed map[string]bool

	lastInbound atomic.Int64 // unix nanos

	closeOnce sync.Once
	closed    chan struct{}
}

// writeCloser is the subset of io.WriteCloser channel.shellStdin needs;
// named locally so channel.go has no direct sshtransport import.
type writeCloser interface {
	Write(p []byte) (int, error)
	Close() error
}

func newChannel(sessionID string, conn Conn, principal authn.Principal, writerQueueSize int) *channel {
	return &channel{
		sessionID:  sessionID,
		conn:       conn,
		principal:  principal,
		writeQueue: make(chan outboundItem, writerQueueSize),
		subscribed: map[string]bool{},
		closed:     make(chan struct{}),
	}
}

func (c *channel) touch() {
	c.lastInbound.Store(time.Now().UnixNano())
}

func (c *channel) idleFor() time.Duration {
	last := c.lastInbound.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// enqueue places f on the writer queue, applying spec.md's slow-consumer
// policy: a droppable frame that doesn't fit is discarded; a critical
// frame blocks the send until either the writer drains the queue or the
// channel closes, so stage transitions and terminal events are never
// silently lost.
func (c *channel) enqueue(f frame.Frame, p priority) {
	item := outboundItem{f: f, p: p}
	select {
	case c.writeQueue <- item:
		return
	default:
	}
	c.slowConsumer.Store(true)
	if p == droppable {
		c.dropped.Add(1)
		return
	}
	select {
	case c.writeQueue <- item:
	case <-c.closed:
	}
}

func (c *channel) setShellStdin(w writeCloser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shellStdin = w
}

func (c *channel) writeShellInput(p []byte) (int, error) {
	c.mu.Lock()
	w := c.shellStdin
	c.mu.Unlock()
	if w == nil {
		return 0, errNoShell
	}
	return w.Write(p)
}

func (c *channel) subscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[topic] = true
}

func (c *channel) unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribed, topic)
}

func (c *channel) isSubscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[topic]
}

// close marks the channel closed and releases its shell stdin, if any.
// Idempotent.
func (c *channel) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.shellStdin != nil {
			_ = c.shellStdin.Close()
			c.shellStdin = nil
		}
		c.mu.Unlock()
		_ = c.conn.Close()
	})
}

// writerLoop drains the writer queue to the transport until the channel
// closes, one write in flight at a time per spec.md §4.D's "one writer
// goroutine per client" serialization rule.
func (c *channel) writerLoop() {
	for {
		select {
		case item := <-c.writeQueue:
			if err := c.conn.WriteMessage(websocket.TextMessage, frame.Encode(item.f)); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}
