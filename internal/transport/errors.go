package transport

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/die-net/securetunnel/internal/dialer"
)

var (
	// ErrUnauthorized is returned when the relay rejects the access token.
	ErrUnauthorized = errors.New("access token rejected")
	// ErrHandshake is returned when the protocol handshake fails after the
	// TCP connection was established.
	ErrHandshake = errors.New("handshake failed")
	// ErrClosed is reported by Conn.Err after a local Close.
	ErrClosed = errors.New("connection closed")
)

// Code classifies transport errors. Zero means success.
type Code int

const (
	CodeNone Code = iota
	CodeDial
	CodeHandshake
	CodeUnauthorized
	CodeCanceled
	CodeTimeout
	CodeClosed
	CodeUnknown
)

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "none"
	case CodeDial:
		return "dial"
	case CodeHandshake:
		return "handshake"
	case CodeUnauthorized:
		return "unauthorized"
	case CodeCanceled:
		return "canceled"
	case CodeTimeout:
		return "timeout"
	case CodeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CodeOf classifies err. Checks run from most to least specific.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNone
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrHandshake):
		return CodeHandshake
	case errors.Is(err, ErrClosed), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return CodeClosed
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return CodeDial
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeDial
	}
	var proxyErr *dialer.ProxyStatusError
	if errors.As(err, &proxyErr) {
		return CodeDial
	}
	return CodeUnknown
}
