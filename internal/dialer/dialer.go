package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Upstream is a parsed upstream specification: how relay connections leave
// this host.
type Upstream struct {
	// Scheme is one of "direct", "http", "https" or "socks5".
	Scheme string
	// Addr is the proxy host:port with the scheme's default port applied.
	// It is empty for direct.
	Addr     string
	Username string
	Password string

	u *url.URL
}

// ParseUpstream parses an upstream URL.
//
// Supported forms:
//   - direct:// (also used when upstream is empty)
//   - http://[user:pass@]host[:port]
//   - https://[user:pass@]host[:port]
//   - socks5://[user:pass@]host[:port]
func ParseUpstream(upstream string) (Upstream, error) {
	if upstream == "" {
		return Upstream{Scheme: "direct"}, nil
	}

	u, err := url.Parse(upstream)
	if err != nil {
		return Upstream{}, fmt.Errorf("invalid upstream: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)

	if u.Path != "" && u.Path != "/" {
		return Upstream{}, errors.New("invalid upstream: path should be empty")
	}

	switch u.Scheme {
	case "":
		return Upstream{}, errors.New("invalid upstream: missing scheme")
	case "direct":
		return Upstream{Scheme: "direct"}, nil
	case "http", "https", "socks5":
	default:
		return Upstream{}, fmt.Errorf("invalid upstream scheme: %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return Upstream{}, fmt.Errorf("invalid upstream: missing %s proxy host", u.Scheme)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(host, defaultPortForScheme(u.Scheme))
	}

	up := Upstream{Scheme: u.Scheme, Addr: u.Host, u: u}
	if u.User != nil {
		up.Username = u.User.Username()
		up.Password, _ = u.User.Password()
	}
	return up, nil
}

// Direct reports whether connections are made without a proxy.
func (u Upstream) Direct() bool { return u.Scheme == "direct" }

// String returns the upstream URL with any password redacted, for logs.
func (u Upstream) String() string {
	if u.Direct() {
		return "direct://"
	}
	r := url.URL{Scheme: u.Scheme, Host: u.Addr}
	switch {
	case u.Password != "":
		r.User = url.UserPassword(u.Username, "xxxxx")
	case u.Username != "":
		r.User = url.User(u.Username)
	}
	return r.String()
}

// Dialer constructs the Dialer for u.
func (u Upstream) Dialer(cfg Config) (Dialer, error) {
	switch u.Scheme {
	case "direct":
		return NewDirectDialer(cfg), nil
	case "socks5":
		return NewSOCKS5ProxyDialer(cfg, u.Addr, u.Username, u.Password)
	case "http", "https":
		return NewHTTPProxyDialer(cfg, u.u, u.Username, u.Password)
	default:
		return nil, fmt.Errorf("invalid upstream scheme: %q", u.Scheme)
	}
}

// New parses upstream and constructs the matching Dialer.
func New(cfg Config, upstream string) (Dialer, error) {
	up, err := ParseUpstream(upstream)
	if err != nil {
		return nil, err
	}
	return up.Dialer(cfg)
}

func defaultPortForScheme(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	case "socks5":
		return "1080"
	default:
		return ""
	}
}
