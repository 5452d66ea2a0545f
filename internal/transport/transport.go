package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/die-net/securetunnel/internal/dialer"
)

// Mode is the role a tunnel endpoint plays.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeSource
	ModeDestination
)

func (m Mode) String() string {
	switch m {
	case ModeSource:
		return "source"
	case ModeDestination:
		return "destination"
	default:
		return "unknown"
	}
}

// ParseMode parses "source" or "destination", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "source":
		return ModeSource, nil
	case "destination":
		return ModeDestination, nil
	default:
		return ModeUnknown, fmt.Errorf("invalid tunnel mode: %q", s)
	}
}

// Endpoint identifies the relay and the credentials used to attach to it.
type Endpoint struct {
	// Host is the relay host, optionally with a port.
	Host string
	// AccessToken authorizes this side of the tunnel.
	AccessToken string
	Mode        Mode
}

// Metadata describes an established connection.
type Metadata struct {
	ConnectionID string
	Protocol     string
	RemoteAddr   string
}

// Transport opens connections to a relay.
type Transport interface {
	// Open establishes a connection to ep. It blocks until the connection
	// is ready, fails, or ctx is done. A non-nil Conn is returned only
	// together with a nil error.
	Open(ctx context.Context, ep Endpoint) (Conn, error)
}

// Conn is an established relay connection.
type Conn interface {
	Metadata() Metadata
	// Done is closed when the connection shuts down for any reason.
	Done() <-chan struct{}
	// Err reports why Done was closed. It is nil before that.
	Err() error
	// Close shuts the connection down and waits for its I/O to stop.
	// It is safe to call more than once.
	Close() error
}

// Config holds settings shared by the built-in transports.
type Config struct {
	// Dialer establishes the underlying TCP connection. If nil, a direct
	// dialer built from DialTimeout is used.
	Dialer dialer.Dialer
	// DialTimeout bounds the TCP connect.
	DialTimeout time.Duration
	// HandshakeTimeout bounds the TLS/WebSocket or SSH handshake.
	HandshakeTimeout time.Duration

	// InsecureSkipVerify disables TLS certificate verification (websocket).
	InsecureSkipVerify bool

	// HostKeyCallback verifies SSH relay host keys. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback
	// Signers are offered for SSH public key authentication in addition to
	// the access token.
	Signers []ssh.Signer

	Logger *zap.Logger
}

// New returns the transport named by kind.
//
// Supported kinds:
//   - "websocket", "wss": WebSocket over TLS
//   - "ws": WebSocket without TLS (local relays and tests)
//   - "ssh": SSH relay session
func New(kind string, cfg Config) (Transport, error) {
	if cfg.Dialer == nil {
		cfg.Dialer = dialer.NewDirectDialer(dialer.Config{DialTimeout: cfg.DialTimeout})
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	switch strings.ToLower(kind) {
	case "":
		return nil, errors.New("transport: missing kind")
	case "websocket", "wss":
		return NewWebSocket(cfg, true), nil
	case "ws":
		return NewWebSocket(cfg, false), nil
	case "ssh":
		return NewSSH(cfg), nil
	default:
		return nil, fmt.Errorf("transport: unsupported kind %q", kind)
	}
}
