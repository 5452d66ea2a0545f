package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	internalssh "github.com/die-net/securetunnel/internal/ssh"
)

// SSH opens tunnel connections as SSH sessions to a relay. The tunnel mode
// is sent as the user name and the access token as the password.
type SSH struct {
	cfg Config
}

// NewSSH returns an SSH transport.
func NewSSH(cfg Config) *SSH {
	return &SSH{cfg: cfg}
}

// Open dials the relay and completes the SSH handshake. Canceling ctx
// closes the underlying connection, aborting the handshake.
func (s *SSH) Open(ctx context.Context, ep Endpoint) (Conn, error) {
	addr := ep.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	conn, err := s.cfg.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport dial: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	client, err := internalssh.NewClient(conn, internalssh.ClientConfig{
		Username:         ep.Mode.String(),
		Password:         ep.AccessToken,
		Signers:          s.cfg.Signers,
		HostKeyCallback:  s.cfg.HostKeyCallback,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
	}, addr)
	if !stop() {
		if client != nil {
			_ = client.Close()
		}
		return nil, fmt.Errorf("ssh transport %s: %w", addr, ctx.Err())
	}
	if err != nil {
		if internalssh.IsAuthError(err) {
			return nil, fmt.Errorf("ssh transport %s: %w: %w", addr, ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("ssh transport %s: %w: %w", addr, ErrHandshake, err)
	}

	sc := &sshConn{
		client: client,
		meta: Metadata{
			ConnectionID: uuid.NewString(),
			Protocol:     string(client.ServerVersion()),
			RemoteAddr:   client.RemoteAddr().String(),
		},
		done: make(chan struct{}),
	}
	go sc.wait()
	return sc, nil
}

type sshConn struct {
	client *ssh.Client
	meta   Metadata

	done    chan struct{}
	err     error
	closing atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

func (c *sshConn) Metadata() Metadata    { return c.meta }
func (c *sshConn) Done() <-chan struct{} { return c.done }

func (c *sshConn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *sshConn) wait() {
	defer close(c.done)

	err := c.client.Wait()
	switch {
	case c.closing.Load():
		c.err = ErrClosed
	case err == nil:
		c.err = fmt.Errorf("relay closed session: %w", ErrClosed)
	default:
		c.err = fmt.Errorf("relay session: %w", err)
	}
}

func (c *sshConn) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		err := c.client.Close()
		<-c.done
		if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
			c.closeErr = fmt.Errorf("ssh close: %w", err)
		}
	})
	return c.closeErr
}
