package commands

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/lagoon-gateway/st-orchestrator/internal/cmdcontext"
)

// flockRetryInterval is how often TryLockContext polls for the local host
// lock while waiting.
const flockRetryInterval = 50 * time.Millisecond

// hostLockDir holds the local lock files that serialize configuration
// commands targeting the same physical host across concurrent pipeline
// runs (two sessions can target the same server). This guards the
// gateway's own process from racing itself; the remote
// `flock /var/lock/st-orchestrator.lock` snippet each mutation wraps (see
// remoteFlockWrap) additionally guards against a second, independent
// gateway process mutating the same host.
var hostLockDir = filepath.Join(os.TempDir(), "st-orchestrator-hostlocks")

// withHostLock serializes fn against other goroutines in this process
// that are mutating configuration on the same host, using a local
// flock-backed file keyed by a hash of the host string.
func withHostLock(ctx context.Context, host string, fn func() error) error {
	if err := os.MkdirAll(hostLockDir, 0o700); err != nil {
		return fmt.Errorf("couldn't create host lock directory: %w", err)
	}
	sum := sha256.Sum256([]byte(host))
	path := filepath.Join(hostLockDir, hex.EncodeToString(sum[:8])+".lock")

	fl := flock.New(path)
	locked, err := fl.TryLockContext(ctx, flockRetryInterval)
	if err != nil {
		return fmt.Errorf("couldn't acquire host lock for %s: %w", host, err)
	}
	if !locked {
		return fmt.Errorf("couldn't acquire host lock for %s: timed out", host)
	}
	defer fl.Unlock()
	return fn()
}

// hostLockKey resolves the physical host withHostLock should serialize
// against: the address cctx's live SSH session actually dialed, not the
// session id. Two sessions targeting the same server get the same key
// here even though their session ids differ, which is the whole point of
// this lock; falling back to the session id when no session is resolvable
// degrades to a per-session guard rather than failing the caller outright.
func hostLockKey(cctx *cmdcontext.Context) string {
	if sess, ok := cctx.Session(); ok {
		return sess.Host()
	}
	return cctx.SessionID
}

// remoteFlockWrap wraps a remote shell command in the
// /var/lock/st-orchestrator.lock flock snippet spec.md §5 requires around
// mutation of /etc/docker/daemon.json and distribution repo source files.
// It runs entirely on the target host via the shell the gateway already
// execs through; no Go-side locking primitive applies to it.
func remoteFlockWrap(innerShellCommand string) string {
	return fmt.Sprintf(
		"flock /var/lock/st-orchestrator.lock -c %s",
		shellQuote(innerShellCommand),
	)
}

// shellQuote wraps s in single quotes for embedding in a remote shell
// command, escaping any single quotes it contains.
func shellQuote(s string) string {
	escaped := ""
	for _, r := range s {
		if r == '\'' {
			escaped += `'"'"'`
		} else {
			escaped += string(r)
		}
	}
	return "'" + escaped + "'"
}
