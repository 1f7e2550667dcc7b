// Package sshtransport implements the outbound SSH transport the gateway
// uses to reach target servers: connecting, opening a PTY shell channel,
// opening an SFTP subchannel, running discrete remote commands, and tearing
// everything down idempotently.
//
// The dial/auth shape follows the client pattern used throughout the
// retrieval pack for SSH-driven deployment tools (golang.org/x/crypto/ssh
// plus github.com/pkg/sftp), generalized to the gateway's per-session
// lifecycle and cancellation requirements.
package sshtransport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/lagoon-gateway/st-orchestrator/internal/errkind"
)

const (
	// connectTimeout bounds the TCP dial and SSH handshake.
	connectTimeout = 30 * time.Second
	// shellTimeout bounds acquisition of a PTY shell channel.
	shellTimeout = 10 * time.Second
	// execTimeoutDefault bounds a single exec call unless the caller
	// overrides it.
	execTimeoutDefault = 30 * time.Second
	// keepaliveInterval is how often the client pings the server-alive
	// check.
	keepaliveInterval = 30 * time.Second
	// keepaliveMaxMisses is the number of consecutive keepalive failures
	// tolerated before the session is considered dead.
	keepaliveMaxMisses = 3
)

// Credential carries the authentication material for a Connect call. Exactly
// one of Password or PrivateKeyPEM should be set; if both are set, key auth
// is tried first.
type Credential struct {
	Password      string
	PrivateKeyPEM []byte
	Passphrase    string
}

// authMethods converts a Credential into the ssh.AuthMethod list, preferring
// key-based auth when a private key is supplied.
func (c Credential) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(c.PrivateKeyPEM) > 0 {
		var signer ssh.Signer
		var err error
		if c.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(c.PrivateKeyPEM, []byte(c.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(c.PrivateKeyPEM)
		}
		if err != nil {
			return nil, fmt.Errorf("couldn't parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no usable credential supplied")
	}
	return methods, nil
}

// PTY describes the terminal geometry requested for an interactive shell.
type PTY struct {
	Term            string
	Cols, Rows      int
	WidthPx, HeightPx int
}

// DefaultPTY returns the PTY spec the gateway uses unless the client
// requests otherwise.
func DefaultPTY(cols, rows int) PTY {
	return PTY{Term: "xterm-256color", Cols: cols, Rows: rows}
}

// ExecResult carries the outcome of a single remote command execution.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Session owns one authenticated SSH transport connection, at most one open
// shell channel, and at most one open SFTP subchannel. disconnect() is
// idempotent and releases all three resources in shell -> sftp -> transport
// order regardless of which path triggers it. No method may be called after
// Disconnect; callers that look up a Session through the registry get
// ErrConnectionClosed instead.
type Session struct {
	client *ssh.Client
	addr   string

	mu         sync.Mutex
	shell      *ssh.Session
	shellOpen  bool
	sftpClient *sftp.Client

	closeOnce sync.Once
	closed    chan struct{}

	keepaliveCancel context.CancelFunc
}

// Connect dials host:port, authenticates as user with credential, and
// starts the keepalive loop. Host key verification follows the
// accept-on-first-contact policy spec.md §4.A documents as the source's
// hard-coded behaviour (StrictHostKeyChecking=no); implementers who need
// stronger guarantees can substitute a known_hosts callback here without
// changing the Session contract.
func Connect(ctx context.Context, host string, port int, user string, cred Credential) (*Session, error) {
	methods, err := cred.authMethods()
	if err != nil {
		return nil, errkind.New(errkind.Config, false, err)
	}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // accept-on-first-contact per spec
		Timeout:         connectTimeout,
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errkind.New(errkind.Transport, false, fmt.Errorf("couldn't dial %s: %w", addr, err))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		if isAuthErr(err) {
			return nil, errkind.New(errkind.Auth, false, fmt.Errorf("ssh auth failed: %w", err))
		}
		return nil, errkind.New(errkind.Transport, false, fmt.Errorf("ssh handshake failed: %w", err))
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	s := &Session{
		client: client,
		addr:   addr,
		closed: make(chan struct{}),
	}
	kaCtx, cancel := context.WithCancel(context.Background())
	s.keepaliveCancel = cancel
	go s.keepaliveLoop(kaCtx)
	return s, nil
}

// isAuthErr recognises the error golang.org/x/crypto/ssh returns when all
// auth methods are exhausted.
func isAuthErr(err error) bool {
	_, ok := err.(*ssh.ExitMissingError)
	if ok {
		return false
	}
	return err != nil && (err.Error() == "ssh: handshake failed: ssh: unable to authenticate, attempted methods [none], no supported methods remain" ||
		containsAuthFailure(err))
}

func containsAuthFailure(err error) bool {
	msg := err.Error()
	for _, needle := range []string{"unable to authenticate", "auth"} {
		if len(msg) >= len(needle) && indexOf(msg, needle) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(haystack, needle string) int {
	n := len(needle)
	for i := 0; i+n <= len(haystack); i++ {
		if haystack[i:i+n] == needle {
			return i
		}
	}
	return -1
}

// keepaliveLoop sends periodic server-alive probes. After keepaliveMaxMisses
// consecutive failures it tears the session down, which unblocks any
// in-flight shell read within ~keepaliveInterval.
func (s *Session) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			_, _, err := s.client.SendRequest("keepalive@st-orchestrator", true, nil)
			if err != nil {
				misses++
				if misses >= keepaliveMaxMisses {
					_ = s.Disconnect()
					return
				}
				continue
			}
			misses = 0
		}
	}
}

// ErrConnectionClosed is returned by any Session operation attempted after
// Disconnect has been called.
var ErrConnectionClosed = errkind.New(errkind.Transport, false, fmt.Errorf("connection closed"))

// Host returns the host:port this Session is connected to, the value
// Connect dialed. internal/commands uses it to serialize
// configuration-mutating commands against the physical host rather than
// against the (per-connection) session id.
func (s *Session) Host() string {
	return s.addr
}

func (s *Session) checkOpen() error {
	select {
	case <-s.closed:
		return ErrConnectionClosed
	default:
		return nil
	}
}

// OpenShell opens the session's one permitted interactive PTY shell
// channel and returns byte streams for input (to the remote) and output
// (from the remote, stdout+stderr merged as a real terminal would present
// them). Calling OpenShell twice on the same Session without an
// intervening CloseShell returns an error.
func (s *Session) OpenShell(ctx context.Context, pty PTY) (io.WriteCloser, io.Reader, error) {
	if err := s.checkOpen(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shellOpen {
		return nil, nil, errkind.New(errkind.Config, false, fmt.Errorf("shell channel already open"))
	}
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, nil, errkind.New(errkind.Transport, true, fmt.Errorf("couldn't open session channel: %w", err))
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	term := pty.Term
	if term == "" {
		term = "xterm-256color"
	}
	done := make(chan error, 1)
	go func() {
		done <- sess.RequestPty(term, pty.Rows, pty.Cols, modes)
	}()
	select {
	case err := <-done:
		if err != nil {
			_ = sess.Close()
			return nil, nil, errkind.New(errkind.Transport, true, fmt.Errorf("couldn't request pty: %w", err))
		}
	case <-time.After(shellTimeout):
		_ = sess.Close()
		return nil, nil, errkind.New(errkind.Timeout, true, fmt.Errorf("pty request timed out"))
	case <-ctx.Done():
		_ = sess.Close()
		return nil, nil, errkind.New(errkind.Cancelled, false, ctx.Err())
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, nil, errkind.New(errkind.Transport, true, fmt.Errorf("couldn't get stdin pipe: %w", err))
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, nil, errkind.New(errkind.Transport, true, fmt.Errorf("couldn't get stdout pipe: %w", err))
	}
	if err := sess.Shell(); err != nil {
		_ = sess.Close()
		return nil, nil, errkind.New(errkind.Transport, true, fmt.Errorf("couldn't start shell: %w", err))
	}
	s.shell = sess
	s.shellOpen = true
	return stdin, stdout, nil
}

// CloseShell closes the one open shell channel, if any. Idempotent.
func (s *Session) CloseShell() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.shellOpen {
		return nil
	}
	err := s.shell.Close()
	s.shell = nil
	s.shellOpen = false
	if err != nil && err != io.EOF {
		return fmt.Errorf("couldn't close shell channel: %w", err)
	}
	return nil
}

// Resize changes the PTY geometry of the currently open shell channel.
func (s *Session) Resize(cols, rows, wpx, hpx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.shellOpen {
		return errkind.New(errkind.Config, false, fmt.Errorf("no shell channel open"))
	}
	return s.shell.WindowChange(rows, cols)
}

// OpenSftp opens the session's SFTP subchannel. Calling it more than once
// returns the existing handle.
func (s *Session) OpenSftp() (*sftp.Client, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftpClient != nil {
		return s.sftpClient, nil
	}
	c, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, errkind.New(errkind.Transport, true, fmt.Errorf("couldn't open sftp subchannel: %w", err))
	}
	s.sftpClient = c
	return c, nil
}

// Exec runs command on the target over a fresh (non-PTY) session channel,
// optionally feeding stdinBytes, and returns stdout and stderr separately
// plus the exit code. It never uses the Session's shell channel, so it may run freely
// alongside an open interactive shell.
func (s *Session) Exec(ctx context.Context, command string, stdinBytes []byte, timeout time.Duration) (ExecResult, error) {
	if err := s.checkOpen(); err != nil {
		return ExecResult{}, err
	}
	if timeout == 0 {
		timeout = execTimeoutDefault
	}
	sess, err := s.client.NewSession()
	if err != nil {
		return ExecResult{}, errkind.New(errkind.Transport, true, fmt.Errorf("couldn't open exec channel: %w", err))
	}
	defer sess.Close()
	var stdout, stderr bufferWriter
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdinBytes != nil {
		sess.Stdin = newByteReader(stdinBytes)
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(command) }()
	select {
	case err := <-errCh:
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return ExecResult{}, errkind.New(errkind.Transport, true, fmt.Errorf("exec failed: %w", err))
			}
		}
		return ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: exitCode}, nil
	case <-runCtx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		if ctx.Err() != nil {
			return ExecResult{}, errkind.New(errkind.Cancelled, false, ctx.Err())
		}
		return ExecResult{}, errkind.New(errkind.Timeout, true, fmt.Errorf("exec timed out after %s: %s", timeout, command))
	}
}

// Disconnect idempotently closes the shell channel, then the SFTP
// subchannel, then the underlying transport. Safe to call concurrently and
// safe to call more than once.
func (s *Session) Disconnect() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.keepaliveCancel != nil {
			s.keepaliveCancel()
		}
		s.mu.Lock()
		if s.shellOpen {
			_ = s.shell.Close()
			s.shellOpen = false
		}
		if s.sftpClient != nil {
			_ = s.sftpClient.Close()
			s.sftpClient = nil
		}
		s.mu.Unlock()
		err = s.client.Close()
	})
	return err
}
