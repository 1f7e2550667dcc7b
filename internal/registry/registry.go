// Package registry tracks the live SSH sessions the gateway holds open on
// behalf of connected clients. It is the single owner of session teardown:
// nothing outside this package may call sshtransport.Session.Disconnect
// directly once a session has been Put here.
//
// The map/mutex shape follows internal/cache.Map, generalized from a
// TTL-expiring cache to an explicit-lifetime registry: entries never expire
// on their own, but an idle sweeper removes (and disconnects) sessions that
// have had no recorded activity for longer than the configured idle
// timeout.
package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lagoon-gateway/st-orchestrator/internal/sshtransport"
)

// defaultIdleTimeout is how long a session may sit without recorded
// activity before the sweeper reclaims it.
const defaultIdleTimeout = 30 * time.Minute

// defaultSweepInterval is how often the sweeper scans for idle entries.
const defaultSweepInterval = time.Minute

type entry struct {
	session    *sshtransport.Session
	lastActive time.Time
}

// Registry is a thread-safe, in-memory directory of session-id ->
// sshtransport.Session. Each key is also individually lockable so that two
// goroutines racing to remove/replace the same session don't interleave
// their disconnect/close calls.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	locks   map[string]*sync.Mutex

	idleTimeout   time.Duration
	sweepInterval time.Duration

	log *slog.Logger

	stop chan struct{}
	once sync.Once
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithIdleTimeout overrides the default 30-minute idle timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.idleTimeout = d }
}

// WithSweepInterval overrides the default one-minute sweep interval.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepInterval = d }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// New constructs a Registry and starts its idle sweeper goroutine. Call
// Close to stop the sweeper and disconnect every remaining session.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries:       map[string]*entry{},
		locks:         map[string]*sync.Mutex{},
		idleTimeout:   defaultIdleTimeout,
		sweepInterval: defaultSweepInterval,
		log:           slog.Default(),
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.sweepLoop()
	return r
}

// keyLock returns (creating if necessary) the per-key mutex used to
// serialize Put/Remove races on a single session id.
func (r *Registry) keyLock(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		r.locks[sessionID] = m
	}
	return m
}

// ErrDuplicateSession is returned by Put when sessionID already has a
// session registered. A second registration for the same id is a protocol
// violation (e.g. a repeated /app/terminal/open on one channel) — the
// first session is retained and the caller must reject the request rather
// than silently replace it.
var ErrDuplicateSession = errors.New("session already registered")

// Put registers sess under sessionID. It rejects a sessionID that already
// has a session registered, returning ErrDuplicateSession without
// touching the existing entry.
func (r *Registry) Put(sessionID string, sess *sshtransport.Session) error {
	lock := r.keyLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, existed := r.entries[sessionID]; existed {
		return ErrDuplicateSession
	}
	r.entries[sessionID] = &entry{session: sess, lastActive: time.Now()}
	return nil
}

// Get retrieves the session registered under sessionID and marks it active.
// The second return value is false if no session is registered.
func (r *Registry) Get(sessionID string) (*sshtransport.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return nil, false
	}
	e.lastActive = time.Now()
	return e.session, true
}

// Touch records activity on sessionID without retrieving the session,
// resetting its idle-sweep clock.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		e.lastActive = time.Now()
	}
}

// Remove disconnects and removes the session registered under sessionID.
// It is idempotent: removing an absent or already-removed session id is a
// no-op that returns nil. Disconnect errors are logged, not returned,
// matching the teacher's treatment of best-effort teardown on an already
// degraded connection.
func (r *Registry) Remove(sessionID string) error {
	lock := r.keyLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	e, ok := r.entries[sessionID]
	delete(r.entries, sessionID)
	delete(r.locks, sessionID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if err := e.session.Disconnect(); err != nil {
		r.log.Warn("disconnect during remove failed", "session_id", sessionID, "error", err)
	}
	return nil
}

// ForEach calls fn for every currently registered session id. fn must not
// call back into Put/Remove on the same Registry.
func (r *Registry) ForEach(fn func(sessionID string, sess *sshtransport.Session)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, e := range r.entries {
		fn(id, e.session)
	}
}

// Len returns the number of currently registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Registry) sweepOnce() {
	cutoff := time.Now().Add(-r.idleTimeout)
	var idle []string
	r.mu.RLock()
	for id, e := range r.entries {
		if e.lastActive.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range idle {
		r.log.Info("reclaiming idle session", "session_id", id)
		if err := r.Remove(id); err != nil {
			r.log.Warn("idle sweep remove failed", "session_id", id, "error", err)
		}
	}
}

// Close stops the sweeper and disconnects every remaining session.
// Idempotent.
func (r *Registry) Close() {
	r.once.Do(func() {
		close(r.stop)
	})
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		_ = r.Remove(id)
	}
}
