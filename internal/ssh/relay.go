package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Relay is a minimal SSH tunnel relay. It authenticates tunnel sessions
// and keeps them open until the client or the relay disconnects.
type Relay struct {
	config   *ssh.ServerConfig
	listener net.Listener
	log      *zap.Logger

	mu       sync.Mutex
	closed   bool
	sessions map[*ssh.ServerConn]struct{}
	wg       sync.WaitGroup
}

// RelayConfig holds configuration for the relay.
type RelayConfig struct {
	// HostKeys are the relay's private host key(s). At least one is required.
	HostKeys []ssh.Signer

	// PasswordCallback authenticates sessions. Use TokenAuth for the usual
	// token check.
	PasswordCallback func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error)

	Logger *zap.Logger
}

// NewRelay creates a relay listening on addr.
func NewRelay(addr string, cfg RelayConfig) (*Relay, error) {
	if cfg.PasswordCallback == nil {
		return nil, errors.New("ssh relay: password callback required")
	}
	if len(cfg.HostKeys) == 0 {
		return nil, errors.New("ssh relay: at least one host key required")
	}

	sshConfig := &ssh.ServerConfig{PasswordCallback: cfg.PasswordCallback}
	for _, key := range cfg.HostKeys {
		sshConfig.AddHostKey(key)
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh relay listen: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Relay{
		config:   sshConfig,
		listener: ln,
		log:      log,
		sessions: make(map[*ssh.ServerConn]struct{}),
	}, nil
}

// Addr returns the relay's listen address.
func (r *Relay) Addr() net.Addr {
	return r.listener.Addr()
}

// Serve accepts tunnel sessions until the relay is closed.
func (r *Relay) Serve() error {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("ssh relay accept: %w", err)
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		r.wg.Go(func() {
			r.handleConn(conn)
		})
		r.mu.Unlock()
	}
}

// Sessions returns the number of authenticated sessions currently held.
func (r *Relay) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Disconnect drops every current session, as a relay shutting down a tunnel
// would, and returns how many were dropped.
func (r *Relay) Disconnect() int {
	r.mu.Lock()
	conns := make([]*ssh.ServerConn, 0, len(r.sessions))
	for c := range r.sessions {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}

// Close stops accepting sessions, drops the current ones, and waits for
// their handlers to finish.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	err := r.listener.Close()
	r.Disconnect()
	r.wg.Wait()
	return err
}

func (r *Relay) handleConn(conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, r.config)
	if err != nil {
		r.log.Debug("relay handshake failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		return
	}
	defer sshConn.Close()

	if !r.track(sshConn) {
		return
	}
	defer r.untrack(sshConn)

	mode := ""
	if sshConn.Permissions != nil {
		mode = sshConn.Permissions.Extensions["mode"]
	}
	log := r.log.With(zap.Stringer("remote", sshConn.RemoteAddr()), zap.String("mode", mode))
	log.Info("relay session opened")

	go ssh.DiscardRequests(reqs)

	// Stream multiplexing is not offered; the session only carries the
	// tunnel's lifetime.
	for newChan := range chans {
		_ = newChan.Reject(ssh.Prohibited, "streams are not supported by this relay")
	}

	log.Info("relay session closed")
}

func (r *Relay) track(c *ssh.ServerConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.sessions[c] = struct{}{}
	return true
}

func (r *Relay) untrack(c *ssh.ServerConn) {
	r.mu.Lock()
	delete(r.sessions, c)
	r.mu.Unlock()
}

// ListenAndServe creates a relay on addr and serves until ctx is canceled.
func ListenAndServe(ctx context.Context, addr string, cfg RelayConfig) error {
	r, err := NewRelay(addr, cfg)
	if err != nil {
		return err
	}

	context.AfterFunc(ctx, func() {
		_ = r.Close()
	})

	r.log.Info("relay listening", zap.Stringer("addr", r.Addr()))
	return r.Serve()
}
