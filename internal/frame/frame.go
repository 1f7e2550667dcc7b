// Package frame implements the text wire format exchanged between browser
// clients and the gateway over the message channel: a STOMP-style
// COMMAND/headers/body frame terminated by NUL.
//
// The grammar:
//
//	COMMAND LF
//	header-name ":" header-value LF
//	... more headers ...
//	LF
//	body-bytes
//	NUL
//
// Header names are case-insensitive; on duplicate header names the first
// occurrence wins. When a content-length header is present it must match
// the body length exactly.
package frame

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/lagoon-gateway/st-orchestrator/internal/errkind"
)

// Command is one of the fixed set of frame commands the channel
// understands.
type Command string

// Recognized frame commands.
const (
	CmdConnect     Command = "CONNECT"
	CmdConnected   Command = "CONNECTED"
	CmdSubscribe   Command = "SUBSCRIBE"
	CmdUnsubscribe Command = "UNSUBSCRIBE"
	CmdSend        Command = "SEND"
	CmdMessage     Command = "MESSAGE"
	CmdDisconnect  Command = "DISCONNECT"
	CmdError       Command = "ERROR"
	CmdHeartbeat   Command = "HEARTBEAT"
)

// MaxFrameBytes bounds a single encoded frame (headers + body), both text
// and binary, matching FRAME_MAX_BYTES's default.
const MaxFrameBytes = 2 * 1024 * 1024

const (
	lf  = '\n'
	nul = byte(0)
)

// Frame is one parsed channel message.
type Frame struct {
	Command Command
	Headers Headers
	Body    []byte
}

// Headers is an ordered, case-insensitive header set. Lookups normalize to
// lower-case; insertion preserves the first-seen value for a given key,
// matching the frame grammar's "duplicate headers: first wins" rule.
type Headers struct {
	order []string
	vals  map[string]string
}

// NewHeaders constructs an empty header set.
func NewHeaders() Headers {
	return Headers{vals: map[string]string{}}
}

// Set adds a header, ignoring the call if key was already set (first wins).
func (h *Headers) Set(key, value string) {
	if h.vals == nil {
		h.vals = map[string]string{}
	}
	lk := strings.ToLower(key)
	if _, exists := h.vals[lk]; exists {
		return
	}
	h.vals[lk] = value
	h.order = append(h.order, lk)
}

// Get retrieves a header value, case-insensitively.
func (h Headers) Get(key string) (string, bool) {
	v, ok := h.vals[strings.ToLower(key)]
	return v, ok
}

// Encode renders f as the wire byte sequence described in the package doc.
// Encode does not itself enforce MaxFrameBytes; callers validate before
// sending onto a transport that enforces it.
func Encode(f Frame) []byte {
	var buf bytes.Buffer
	buf.WriteString(string(f.Command))
	buf.WriteByte(lf)
	for _, k := range f.Headers.order {
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(f.Headers.vals[k])
		buf.WriteByte(lf)
	}
	buf.WriteByte(lf)
	buf.Write(f.Body)
	buf.WriteByte(nul)
	return buf.Bytes()
}

// Decode parses a single wire frame from raw, which must contain exactly
// one NUL-terminated frame (trailing bytes after the NUL are ignored).
// Decode returns a *errkind.Error with Kind Protocol on any grammar
// violation: missing command line, malformed header, or a content-length
// header that disagrees with the actual body length.
func Decode(raw []byte) (Frame, error) {
	if len(raw) > MaxFrameBytes {
		return Frame{}, errkind.New(errkind.Protocol, false, fmt.Errorf("frame exceeds max size %d bytes", MaxFrameBytes))
	}
	end := bytes.IndexByte(raw, nul)
	if end < 0 {
		return Frame{}, errkind.New(errkind.Protocol, false, fmt.Errorf("frame missing NUL terminator"))
	}
	data := raw[:end]

	cmdEnd := bytes.IndexByte(data, lf)
	if cmdEnd < 0 {
		return Frame{}, errkind.New(errkind.Protocol, false, fmt.Errorf("frame missing command line"))
	}
	cmd := Command(data[:cmdEnd])
	rest := data[cmdEnd+1:]

	headers := NewHeaders()
	pos := 0
	for {
		nlIdx := bytes.IndexByte(rest[pos:], lf)
		if nlIdx < 0 {
			return Frame{}, errkind.New(errkind.Protocol, false, fmt.Errorf("frame headers missing blank-line terminator"))
		}
		line := rest[pos : pos+nlIdx]
		pos += nlIdx + 1
		if len(line) == 0 {
			break
		}
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return Frame{}, errkind.New(errkind.Protocol, false, fmt.Errorf("malformed header line %q", line))
		}
		headers.Set(string(line[:colon]), string(line[colon+1:]))
	}
	body := rest[pos:]

	if cl, ok := headers.Get("content-length"); ok {
		n, err := strconv.Atoi(cl)
		if err != nil {
			return Frame{}, errkind.New(errkind.Protocol, false, fmt.Errorf("invalid content-length: %w", err))
		}
		if n != len(body) {
			return Frame{}, errkind.New(errkind.Protocol, false,
				fmt.Errorf("content-length %d does not match body length %d", n, len(body)))
		}
	}

	return Frame{Command: cmd, Headers: headers, Body: body}, nil
}

// NewError constructs an ERROR frame with `message` and `code` headers and
// an empty body, for sending back to a client that produced a protocol
// violation or routing failure.
func NewError(code, message string) Frame {
	h := NewHeaders()
	h.Set("message", message)
	h.Set("code", code)
	return Frame{Command: CmdError, Headers: h, Body: nil}
}

// NewHeartbeat returns the empty HEARTBEAT frame sent on the heartbeat
// timer.
func NewHeartbeat() Frame {
	return Frame{Command: CmdHeartbeat, Headers: NewHeaders()}
}
