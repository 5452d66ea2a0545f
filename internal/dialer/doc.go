// Package dialer provides the outbound TCP dialers a tunnel transport uses
// to reach its relay.
//
// Dialers implement a small interface (DialContext) and either connect
// directly or go through an upstream proxy (HTTP CONNECT or SOCKS5), so a
// tunnel can be opened from networks that only allow proxied egress.
package dialer
