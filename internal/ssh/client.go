package ssh

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// ClientConfig holds configuration for establishing an SSH client connection.
type ClientConfig struct {
	// Username is the tunnel mode ("source" or "destination").
	Username string
	// Password carries the tunnel access token.
	Password string
	// Signers are offered for public key authentication before the password.
	Signers []ssh.Signer
	// HostKeyCallback verifies the relay's host key. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback
	// HandshakeTimeout is the deadline for the SSH handshake. Zero means no timeout.
	HandshakeTimeout time.Duration
}

// AuthMethods returns the ssh.AuthMethod slice for this configuration.
// Public key authentication is offered first if available, followed by password.
func (c *ClientConfig) AuthMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if len(c.Signers) > 0 {
		methods = append(methods, ssh.PublicKeys(c.Signers...))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	return methods
}

// NewClient establishes an SSH client connection over conn.
//
// The addr parameter is used for host key verification and should match the
// relay's address. If cfg.HandshakeTimeout is set, a deadline is applied
// during the handshake and cleared before returning.
//
// On error, conn is closed.
func NewClient(conn net.Conn, cfg ClientConfig, addr string) (*ssh.Client, error) {
	if cfg.Username == "" {
		_ = conn.Close()
		return nil, errors.New("ssh: missing username")
	}
	methods := cfg.AuthMethods()
	if len(methods) == 0 {
		_ = conn.Close()
		return nil, errors.New("ssh: missing password or key")
	}

	hostKeyCallback := cfg.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // Caller opted out of host key checking.
	}

	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
	}

	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}

	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}

	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}

	return ssh.NewClient(cc, chans, reqs), nil
}

// IsAuthError reports whether err is an SSH authentication failure.
func IsAuthError(err error) bool {
	var serverErr *ssh.ServerAuthError
	if errors.As(err, &serverErr) {
		return true
	}
	// The client reports exhausted auth methods as a plain error.
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}
