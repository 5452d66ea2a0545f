package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ProxyStatusError reports a CONNECT request the proxy answered with a
// non-2xx status.
type ProxyStatusError struct {
	StatusCode int
	Status     string
}

func (e *ProxyStatusError) Error() string {
	return "http proxy refused connect: " + e.Status
}

// HTTPProxyDialer reaches the relay through an HTTP or HTTPS proxy using
// the CONNECT method.
type HTTPProxyDialer struct {
	cfg   Config
	proxy *url.URL
	auth  string
	tcp   Dialer
}

// NewHTTPProxyDialer returns a CONNECT dialer for the proxy at proxyURL.
// A non-empty username adds Basic Proxy-Authorization.
func NewHTTPProxyDialer(cfg Config, proxyURL *url.URL, username, password string) (*HTTPProxyDialer, error) {
	switch {
	case proxyURL == nil:
		return nil, errors.New("http proxy dialer: missing proxy url")
	case proxyURL.Scheme != "http" && proxyURL.Scheme != "https":
		return nil, fmt.Errorf("http proxy dialer: unsupported scheme: %q", proxyURL.Scheme)
	case proxyURL.Hostname() == "":
		return nil, errors.New("http proxy dialer: invalid proxy host")
	}

	d := &HTTPProxyDialer{cfg: cfg, proxy: proxyURL, tcp: NewDirectDialer(cfg)}
	if username != "" {
		d.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}
	return d, nil
}

// DialContext connects to address through the proxy. The TLS handshake to
// an HTTPS proxy and the CONNECT exchange share NegotiationTimeout, and
// canceling ctx before they finish closes the connection.
func (d *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("http proxy dial %s %s: unsupported network", network, address)
	}

	raw, err := d.tcp.DialContext(ctx, network, d.proxy.Host)
	if err != nil {
		return nil, fmt.Errorf("http proxy: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })
	defer stop()

	if d.cfg.NegotiationTimeout > 0 {
		_ = raw.SetDeadline(time.Now().Add(d.cfg.NegotiationTimeout))
	}

	c, err := d.negotiate(ctx, raw, address)
	if err != nil {
		_ = raw.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("http proxy connect: %w", ctxErr)
		}
		return nil, err
	}

	_ = raw.SetDeadline(time.Time{})
	if !stop() {
		return nil, fmt.Errorf("http proxy connect: %w", ctx.Err())
	}
	return c, nil
}

func (d *HTTPProxyDialer) negotiate(ctx context.Context, c net.Conn, address string) (net.Conn, error) {
	if d.proxy.Scheme == "https" {
		tc := tls.Client(c, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: d.proxy.Hostname()})
		if err := tc.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("http proxy tls handshake: %w", err)
		}
		c = tc
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if d.auth != "" {
		req.Header.Set("Proxy-Authorization", d.auth)
	}
	if err := req.Write(c); err != nil {
		return nil, fmt.Errorf("http proxy connect write: %w", err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("http proxy connect read: %w", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProxyStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	// Bytes past the response would be lost with br.
	if br.Buffered() > 0 {
		return nil, errors.New("http proxy connect: unexpected data after response")
	}
	return c, nil
}
