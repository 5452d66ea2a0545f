package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// WebSocketSubprotocol is the protocol version negotiated with the relay.
	WebSocketSubprotocol = "aws.iot.securetunneling-3.0"
	// AccessTokenHeader carries the access token on the upgrade request.
	AccessTokenHeader = "access-token"
)

// WebSocket opens tunnel connections as WebSocket sessions to
// <host>/tunnel?local-proxy-mode=<mode>.
type WebSocket struct {
	cfg    Config
	scheme string
	client *http.Client
}

// NewWebSocket returns a WebSocket transport. When secure is false the
// connection is made without TLS.
func NewWebSocket(cfg Config, secure bool) *WebSocket {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}

	tr := &http.Transport{
		DialContext: cfg.Dialer.DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // Opt-in for test relays.
		},
		TLSHandshakeTimeout: cfg.HandshakeTimeout,
		// Every attempt owns its connection; nothing may linger in a pool
		// after a failed upgrade.
		DisableKeepAlives: true,
	}

	return &WebSocket{
		cfg:    cfg,
		scheme: scheme,
		client: &http.Client{Transport: tr},
	}
}

// URL returns the tunnel URL for ep.
func (w *WebSocket) URL(ep Endpoint) string {
	u := url.URL{
		Scheme:   w.scheme,
		Host:     ep.Host,
		Path:     "/tunnel",
		RawQuery: url.Values{"local-proxy-mode": {ep.Mode.String()}}.Encode(),
	}
	return u.String()
}

// Open performs the WebSocket upgrade and starts draining frames.
func (w *WebSocket) Open(ctx context.Context, ep Endpoint) (Conn, error) {
	dialCtx := ctx
	if w.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, w.cfg.DialTimeout+w.cfg.HandshakeTimeout)
		defer cancel()
	}

	c, resp, err := websocket.Dial(dialCtx, w.URL(ep), &websocket.DialOptions{
		HTTPClient:   w.client,
		HTTPHeader:   http.Header{AccessTokenHeader: {ep.AccessToken}},
		Subprotocols: []string{WebSocketSubprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("websocket dial %s: %w", ep.Host, ctxErr)
		}
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("websocket dial %s: %w", ep.Host, ErrUnauthorized)
			}
			return nil, fmt.Errorf("websocket dial %s: %w: %s", ep.Host, ErrHandshake, resp.Status)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", ep.Host, err)
	}

	if c.Subprotocol() != WebSocketSubprotocol {
		_ = c.Close(websocket.StatusPolicyViolation, "unsupported protocol")
		return nil, fmt.Errorf("websocket dial %s: %w: relay selected protocol %q", ep.Host, ErrHandshake, c.Subprotocol())
	}

	readCtx, cancel := context.WithCancel(context.Background())
	wc := &webSocketConn{
		c: c,
		meta: Metadata{
			ConnectionID: uuid.NewString(),
			Protocol:     c.Subprotocol(),
			RemoteAddr:   ep.Host,
		},
		log:    w.cfg.Logger,
		ctx:    readCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go wc.readLoop()
	return wc, nil
}

type webSocketConn struct {
	c    *websocket.Conn
	meta Metadata
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	done    chan struct{}
	err     error
	readErr error
	closing atomic.Bool

	frames atomic.Uint64
	bytes  atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

func (c *webSocketConn) Metadata() Metadata    { return c.meta }
func (c *webSocketConn) Done() <-chan struct{} { return c.done }

func (c *webSocketConn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// readLoop drains incoming frames until the session ends. Reading is also
// what lets the library answer pings and complete the close handshake.
func (c *webSocketConn) readLoop() {
	defer close(c.done)

	for {
		_, r, err := c.c.Reader(c.ctx)
		if err != nil {
			c.readErr = err
			c.err = c.mapErr(err)
			return
		}
		n, err := io.Copy(io.Discard, r)
		c.frames.Add(1)
		c.bytes.Add(uint64(n))
		if err != nil {
			c.readErr = err
			c.err = c.mapErr(err)
			return
		}
	}
}

func (c *webSocketConn) mapErr(err error) error {
	if c.closing.Load() {
		return ErrClosed
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return fmt.Errorf("relay closed session: %w", io.EOF)
	}
	return err
}

func (c *webSocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)

		err := c.c.Close(websocket.StatusNormalClosure, "")
		<-c.done
		c.cancel()

		c.log.Debug("websocket session closed",
			zap.String("connection", c.meta.ConnectionID),
			zap.Uint64("frames", c.frames.Load()),
			zap.Uint64("bytes", c.bytes.Load()))

		// The reader may consume the peer's close reply before Close does.
		if err != nil && !isBenignCloseErr(err) && !isBenignCloseErr(c.readErr) {
			c.closeErr = fmt.Errorf("websocket close: %w", err)
		}
	})
	return c.closeErr
}

func isBenignCloseErr(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
