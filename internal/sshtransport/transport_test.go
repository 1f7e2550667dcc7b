package sshtransport_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"golang.org/x/crypto/ssh"

	"github.com/lagoon-gateway/st-orchestrator/internal/sshtransport"
)

var errWrongUser = errors.New("wrong user")

// startEchoServer spins up a minimal in-process SSH server accepting any
// password for "tester" and echoing exec commands back as stdout, for
// exercising Connect/Exec/Disconnect without a real network target.
func startEchoServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	assert.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "tester" {
				return nil, nil
			}
			return nil, errWrongUser
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handleConn(conn, cfg)
		}
	}()
	return ln.Addr().String(), func() { _ = ln.Close() }
}

func handleConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				switch req.Type {
				case "exec":
					_, _ = ch.Write([]byte("ok\n"))
					_, _ = ch.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
					if req.WantReply {
						_ = req.Reply(true, nil)
					}
					return
				case "pty-req", "shell", "window-change":
					if req.WantReply {
						_ = req.Reply(true, nil)
					}
				default:
					if req.WantReply {
						_ = req.Reply(false, nil)
					}
				}
			}
		}()
	}
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	assert.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	assert.NoError(t, err)
	return host, port
}

func TestConnectAuthFailure(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()
	host, port := splitHostPort(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := sshtransport.Connect(ctx, host, port, "wronguser", sshtransport.Credential{Password: "x"})
	assert.Error(t, err)
}

func TestConnectAndExec(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()
	host, port := splitHostPort(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := sshtransport.Connect(ctx, host, port, "tester", sshtransport.Credential{Password: "anything"})
	assert.NoError(t, err)
	defer sess.Disconnect()

	result, err := sess.Exec(ctx, "echo hi", nil, 2*time.Second)
	assert.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "ok\n", string(result.Stdout))
}

func TestDisconnectIdempotent(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()
	host, port := splitHostPort(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := sshtransport.Connect(ctx, host, port, "tester", sshtransport.Credential{Password: "anything"})
	assert.NoError(t, err)

	assert.NoError(t, sess.Disconnect())
	assert.NoError(t, sess.Disconnect())

	_, err = sess.Exec(ctx, "echo hi", nil, time.Second)
	assert.Error(t, err)
}

func TestOpenShellTwiceFails(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()
	host, port := splitHostPort(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := sshtransport.Connect(ctx, host, port, "tester", sshtransport.Credential{Password: "anything"})
	assert.NoError(t, err)
	defer sess.Disconnect()

	_, _, err = sess.OpenShell(ctx, sshtransport.DefaultPTY(80, 24))
	assert.NoError(t, err)

	_, _, err = sess.OpenShell(ctx, sshtransport.DefaultPTY(80, 24))
	assert.Error(t, err)

	assert.NoError(t, sess.CloseShell())
}
