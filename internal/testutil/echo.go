package testutil

import (
	"bytes"
	"io"
	"net"
	"testing"
)

// StartEchoServer starts a Server that copies every connection back to
// itself until the peer hangs up.
func StartEchoServer(t *testing.T) *Server {
	t.Helper()
	return StartServer(t, func(c net.Conn) {
		_, _ = io.Copy(c, c)
	})
}

// AssertEcho sends msg over rw and fails the test unless the same bytes
// come back.
func AssertEcho(t *testing.T, rw io.ReadWriter, msg []byte) {
	t.Helper()

	if _, err := rw.Write(msg); err != nil {
		t.Fatalf("echo write: %v", err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(rw, got); err != nil {
		t.Fatalf("echo read: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("echo mismatch: sent %q, got %q", msg, got)
	}
}
