package sshtransport

import "bytes"

// bufferWriter is a minimal io.Writer adapter over bytes.Buffer, kept
// local so Exec doesn't need to import bytes at the call site.
type bufferWriter struct {
	buf bytes.Buffer
}

func (w *bufferWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *bufferWriter) Bytes() []byte {
	return w.buf.Bytes()
}

// newByteReader wraps a fixed byte slice as an io.Reader for feeding
// stdinBytes into an exec session.
func newByteReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
