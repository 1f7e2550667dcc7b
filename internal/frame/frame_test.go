package frame_test

import (
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/lagoon-gateway/st-orchestrator/internal/frame"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var testCases = map[string]struct {
		command frame.Command
		headers map[string]string
		body    []byte
	}{
		"connect with headers": {
			command: frame.CmdConnect,
			headers: map[string]string{"login": "alice", "passcode": "secret"},
			body:    nil,
		},
		"send with body": {
			command: frame.CmdSend,
			headers: map[string]string{"destination": "/app/terminal/input"},
			body:    []byte(`{"data":"aGVsbG8="}`),
		},
		"heartbeat": {
			command: frame.CmdHeartbeat,
			headers: nil,
			body:    nil,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(tt *testing.T) {
			h := frame.NewHeaders()
			for k, v := range tc.headers {
				h.Set(k, v)
			}
			original := frame.Frame{Command: tc.command, Headers: h, Body: tc.body}
			encoded := frame.Encode(original)
			decoded, err := frame.Decode(encoded)
			assert.NoError(tt, err)
			assert.Equal(tt, original.Command, decoded.Command)
			assert.Equal(tt, original.Body, decoded.Body)
			for k, v := range tc.headers {
				got, ok := decoded.Headers.Get(k)
				assert.True(tt, ok)
				assert.Equal(tt, v, got)
			}
		})
	}
}

func TestDecodeDuplicateHeaderFirstWins(t *testing.T) {
	raw := []byte("SEND\ndestination:/app/a\ndestination:/app/b\n\nbody\x00")
	f, err := frame.Decode(raw)
	assert.NoError(t, err)
	v, ok := f.Headers.Get("DESTINATION")
	assert.True(t, ok)
	assert.Equal(t, "/app/a", v)
}

func TestDecodeContentLengthMismatch(t *testing.T) {
	raw := []byte("SEND\ncontent-length:10\n\nshort\x00")
	_, err := frame.Decode(raw)
	assert.Error(t, err)
}

func TestDecodeMissingNul(t *testing.T) {
	raw := []byte("SEND\n\nbody")
	_, err := frame.Decode(raw)
	assert.Error(t, err)
}

func TestDecodeMalformedHeader(t *testing.T) {
	raw := []byte("SEND\nbadheaderline\n\nbody\x00")
	_, err := frame.Decode(raw)
	assert.Error(t, err)
}

func TestDecodeOversize(t *testing.T) {
	big := make([]byte, frame.MaxFrameBytes+1)
	_, err := frame.Decode(big)
	assert.Error(t, err)
}

func TestViolationTrackerClosesAfterFive(t *testing.T) {
	var vt frame.ViolationTracker
	base := time.Now()
	for i := 0; i < 4; i++ {
		assert.False(t, vt.Record(base.Add(time.Duration(i)*time.Second)))
	}
	assert.True(t, vt.Record(base.Add(4*time.Second)))
}

func TestViolationTrackerWindowExpires(t *testing.T) {
	var vt frame.ViolationTracker
	base := time.Now()
	for i := 0; i < 4; i++ {
		vt.Record(base.Add(time.Duration(i) * time.Second))
	}
	assert.False(t, vt.Record(base.Add(40*time.Second)))
}
