// Package errkind classifies gateway errors into a closed set of kinds so
// that command, pipeline and broker code can decide retry and reporting
// behaviour without inspecting error strings.
package errkind

import "fmt"

// Kind enumerates the error categories defined for the orchestration
// gateway. Library errors (SSH, HTTP, archive) are translated into one of
// these at the component boundary rather than propagated as-is.
type Kind int

// Closed set of error kinds.
const (
	// Config indicates invalid caller input: missing host/user, unknown
	// task name. Never retryable.
	Config Kind = iota
	// Auth indicates an SSH or transport authentication failure. The
	// session is not retained.
	Auth
	// Transport indicates a network/SSH transport failure. Retryable for
	// reads at the SSH layer, not retryable for connect.
	Transport
	// RemoteExec indicates a remote command returned a non-zero exit
	// code.
	RemoteExec
	// Timeout indicates a per-step deadline was exceeded.
	Timeout
	// Cancelled indicates an orderly cancellation, not reported as a
	// failure to the user.
	Cancelled
	// Protocol indicates a malformed frame, unknown destination, or
	// oversize message.
	Protocol
	// Data indicates an import/export validation failure.
	Data
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case Auth:
		return "auth"
	case Transport:
		return "transport"
	case RemoteExec:
		return "remote-exec"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	case Protocol:
		return "protocol"
	case Data:
		return "data"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind and a retry disposition.
// Commands and transport calls construct these at their boundary instead of
// letting library-specific error types leak into the pipeline.
type Error struct {
	Kind      Kind
	Retryable bool
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs a classified error.
func New(k Kind, retryable bool, err error) *Error {
	return &Error{Kind: k, Retryable: retryable, Err: err}
}

// RemoteExitCode maps a remote command's non-zero exit code to a Kind and
// retry disposition. Package manager lock contention (exit 100 on apt,
// 7/11/35 on yum/dnf under concurrent transactions) is treated as transient;
// everything else is a hard failure.
func RemoteExitCode(exitCode int, stderrTail string) *Error {
	switch exitCode {
	case 100, 7, 11, 35:
		return New(RemoteExec, true,
			fmt.Errorf("transient package manager error (exit %d): %s", exitCode, stderrTail))
	default:
		return New(RemoteExec, false,
			fmt.Errorf("remote command failed (exit %d): %s", exitCode, stderrTail))
	}
}
