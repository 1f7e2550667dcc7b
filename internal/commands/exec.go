// Package commands implements the deployment command library: OS/location
// detection, tool probing, mirror configuration, Docker installation (the
// gap fix), container lifecycle, and external-access configuration. Every
// command drives the target exclusively through internal/sshtransport's
// Exec; none requires the interactive shell channel.
package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lagoon-gateway/st-orchestrator/internal/cmdcontext"
	"github.com/lagoon-gateway/st-orchestrator/internal/errkind"
)

// execTimeoutDefault is the per-call exec timeout unless a command
// overrides it (docker pull 15m, install steps 10m per spec.md §5).
const execTimeoutDefault = 30 * time.Second

// runRemote execs command on cctx's session, translating a transport
// error or non-zero exit into an *errkind.Error. stdout and stderr are
// trimmed of trailing CR/LF characters for convenience.
func runRemote(ctx context.Context, cctx *cmdcontext.Context, command string, timeout time.Duration) (stdout, stderr string, err error) {
	sess, ok := cctx.Session()
	if !ok {
		return "", "", errkind.New(errkind.Transport, false, fmt.Errorf("no active session for %s", cctx.SessionID))
	}
	if timeout == 0 {
		timeout = execTimeoutDefault
	}
	result, err := sess.Exec(ctx, command, nil, timeout)
	if err != nil {
		return "", "", err
	}
	stdout = strings.TrimRight(string(result.Stdout), "\r\n")
	stderr = strings.TrimRight(string(result.Stderr), "\r\n")
	if result.ExitCode != 0 {
		return stdout, stderr, errkind.RemoteExitCode(result.ExitCode, lastLine(stderr))
	}
	return stdout, stderr, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	return lines[len(lines)-1]
}

// emit is a small convenience wrapper around cctx.Progress.Progress for
// commands reporting sub-step detail beyond the pipeline runner's own
// starting/succeeded/failed bracketing events.
func emit(cctx *cmdcontext.Context, stage, level, message string) {
	cctx.Progress.Progress(cmdcontext.ProgressEvent{Stage: stage, Level: level, Message: message})
}
