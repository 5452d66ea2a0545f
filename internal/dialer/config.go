package dialer

import (
	"net"
	"time"
)

// Config holds dialing parameters shared by all dialers.
type Config struct {
	// DialTimeout bounds DNS lookup and TCP connect. Zero means no limit
	// beyond the caller's context.
	DialTimeout time.Duration
	// NegotiationTimeout bounds proxy negotiation (TLS to the proxy,
	// CONNECT, SOCKS5 handshake).
	NegotiationTimeout time.Duration
	// KeepAlive is applied to every direct TCP connection.
	KeepAlive net.KeepAliveConfig
	// UserTimeout sets TCP_USER_TIMEOUT where supported, so a dead relay
	// is detected even with unacknowledged data in flight. Zero leaves the
	// system default.
	UserTimeout time.Duration
}
