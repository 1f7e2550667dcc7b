// Package cmdcontext defines the typed, shared state a command pipeline
// carries through its run: the target SSH session, detected facts about
// the remote host, the progress sink, and the cancellation token.
//
// Mutation discipline (spec.md §5): commands record their findings with
// Set from inside Execute, which the pipeline runner calls on its single
// goroutine, one command at a time; a command never pokes a sibling
// command's state directly. Workers a command fans out to internally may
// only read.
package cmdcontext

import (
	"context"
	"sync"

	"github.com/lagoon-gateway/st-orchestrator/internal/registry"
	"github.com/lagoon-gateway/st-orchestrator/internal/sshtransport"
)

// Canonical shared-map keys. Values are plain structs, never
// getter-wrapped types: a command that wants OS_INFO does
// v, _ := cctx.Get(OSInfoKey) and then v.(OSInfo), not a method call.
const (
	OSInfoKey            = "OS_INFO"
	LocationInfoKey      = "LOCATION_INFO"
	DockerStatusKey      = "DOCKER_STATUS"
	DeploymentRequestKey = "DEPLOYMENT_REQUEST"
	ExternalAccessKey    = "EXTERNAL_ACCESS"
)

// InstalledKey and VersionKey build the per-tool keys CheckTool
// writes, e.g. InstalledKey("curl") == "CURL_INSTALLED".
func InstalledKey(tool string) string { return toUpper(tool) + "_INSTALLED" }
func VersionKey(tool string) string   { return toUpper(tool) + "_VERSION" }

func toUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

// OSInfo is the value DetectOs writes under OSInfoKey.
type OSInfo struct {
	ID              string
	VersionID       string
	Codename        string
	PkgMgr          string
	HasRoot         bool
	CPUCores        int
	MemMB           int
	DiskMB          int
}

// Package manager identifiers OSInfo.PkgMgr may hold.
const (
	PkgMgrApt     = "apt"
	PkgMgrYum     = "yum"
	PkgMgrDnf     = "dnf"
	PkgMgrPacman  = "pacman"
	PkgMgrApk     = "apk"
)

// LocationInfo is the value DetectLocation writes under LocationInfoKey.
type LocationInfo struct {
	CountryCode    string
	UseChinaMirror bool
	Method         string
}

// DockerStatus is the value CheckDocker writes under DockerStatusKey.
type DockerStatus struct {
	Installed      bool
	ServiceRunning bool
	Version        string
}

// DeploymentRequest is the caller-supplied value under
// DeploymentRequestKey.
type DeploymentRequest struct {
	ContainerName string
	Image         string
	Port          int
	DataPath      string
	Username      string
	Password      string
}

// ExternalAccess is the value ConfigureExternalAccess writes under
// ExternalAccessKey.
type ExternalAccess struct {
	URL      string
	Username string
	Password string
}

// ProgressEvent is a single progress notification emitted during a
// pipeline run, eventually forwarded to the client's
// `deployment/progress` queue.
type ProgressEvent struct {
	Stage   string
	Percent int
	Level   string // "info", "warn", or "error"
	Message string
}

// ProgressSink receives ProgressEvents as a pipeline executes.
type ProgressSink interface {
	Progress(ProgressEvent)
}

// ProgressSinkFunc adapts a function to ProgressSink.
type ProgressSinkFunc func(ProgressEvent)

// Progress implements ProgressSink.
func (f ProgressSinkFunc) Progress(e ProgressEvent) { f(e) }

// Context is the shared state threaded through one pipeline run. It is
// created fresh per startPipeline call; no Context is ever reused across
// sessions, which is what gives multi-tenant isolation (spec.md property
// 8) for free.
type Context struct {
	SessionID string

	// sessionLookup resolves the SshSession owned by SessionID through the
	// registry rather than holding a direct pointer, so the registry
	// remains the sole owner of teardown even from inside a running
	// pipeline.
	sessionLookup *registry.Registry

	mu     sync.Mutex
	shared map[string]any

	Progress ProgressSink

	cancelMu sync.Mutex
	cancelled bool
	cancelCh  chan struct{}
}

// New constructs a Context for sessionID, resolving its SshSession through
// reg on demand.
func New(sessionID string, reg *registry.Registry, sink ProgressSink) *Context {
	return &Context{
		SessionID:     sessionID,
		sessionLookup: reg,
		shared:        map[string]any{},
		Progress:      sink,
		cancelCh:      make(chan struct{}),
	}
}

// Session resolves the live SSH session for this context's SessionID, or
// reports false if it has been removed from the registry (disconnected,
// idle-swept, or cancelled).
func (c *Context) Session() (*sshtransport.Session, bool) {
	return c.sessionLookup.Get(c.SessionID)
}

// Get reads a shared value by key.
func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.shared[key]
	return v, ok
}

// Set writes a shared value by key. Commands call this from Execute to
// record their findings.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shared[key] = value
}

// Cancel fires the context's cancel token. Idempotent.
func (c *Context) Cancel() {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	if !c.cancelled {
		c.cancelled = true
		close(c.cancelCh)
	}
}

// Cancelled reports whether Cancel has been called.
func (c *Context) Cancelled() bool {
	select {
	case <-c.cancelCh:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when Cancel has been called, for use in
// select statements at command suspension points (spec.md §5: every
// suspension must be wired to the session's cancel token).
func (c *Context) Done() <-chan struct{} {
	return c.cancelCh
}

// WithCancel returns a context.Context that is cancelled when c.Cancel is
// called, for passing into sshtransport/HTTP calls that take a
// context.Context directly.
func (c *Context) WithCancel(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-c.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
