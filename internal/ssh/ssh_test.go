package ssh

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"
)

func mustGenerateKey(t *testing.T) ssh.Signer {
	t.Helper()

	key, err := GenerateHostKey()
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func startRelay(t *testing.T, token string) *Relay {
	t.Helper()

	r, err := NewRelay("127.0.0.1:0", RelayConfig{
		HostKeys:         []ssh.Signer{mustGenerateKey(t)},
		PasswordCallback: TokenAuth(token),
		Logger:           zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		_ = r.Serve()
	}()
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func dialRelay(t *testing.T, r *Relay, cfg ClientConfig) (*ssh.Client, error) {
	t.Helper()

	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(context.Background(), "tcp", r.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return NewClient(conn, cfg, r.Addr().String())
}

func waitSessions(t *testing.T, r *Relay, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for r.Sessions() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d sessions, have %d", want, r.Sessions())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelaySession(t *testing.T) {
	r := startRelay(t, "token")

	client, err := dialRelay(t, r, ClientConfig{
		Username:         "destination",
		Password:         "token",
		HandshakeTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	waitSessions(t, r, 1)

	// Channels are refused.
	if _, _, err := client.OpenChannel("session", nil); err == nil {
		t.Fatal("expected channel to be rejected")
	}

	_ = client.Close()
	waitSessions(t, r, 0)
}

func TestRelayDisconnect(t *testing.T) {
	r := startRelay(t, "token")

	client, err := dialRelay(t, r, ClientConfig{Username: "source", Password: "token"})
	if err != nil {
		t.Fatal(err)
	}
	waitSessions(t, r, 1)

	done := make(chan error, 1)
	go func() { done <- client.Wait() }()

	if n := r.Disconnect(); n != 1 {
		t.Fatalf("expected 1 session dropped, got %d", n)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not observe disconnect")
	}
	waitSessions(t, r, 0)
}

func TestRelayRejectsBadCredentials(t *testing.T) {
	r := startRelay(t, "token")

	tests := []struct {
		name string
		cfg  ClientConfig
	}{
		{name: "wrong token", cfg: ClientConfig{Username: "source", Password: "nope"}},
		{name: "wrong mode", cfg: ClientConfig{Username: "root", Password: "token"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dialRelay(t, r, tt.cfg)
			if err == nil {
				t.Fatal("expected handshake to fail")
			}
			if !IsAuthError(err) {
				t.Fatalf("expected auth error, got: %v", err)
			}
			// Clients only see exhausted auth methods as this message.
			if !strings.Contains(err.Error(), "unable to authenticate") {
				t.Fatalf("x/crypto auth failure text changed: %v", err)
			}
		})
	}
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  ClientConfig
		wantErr string
	}{
		{
			name:    "missing username",
			config:  ClientConfig{Password: "token"},
			wantErr: "missing username",
		},
		{
			name:    "missing auth method",
			config:  ClientConfig{Username: "source"},
			wantErr: "missing password or key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c1, c2 := net.Pipe()
			defer c2.Close()

			_, err := NewClient(c1, tt.config, "relay:22")
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestNewRelayValidation(t *testing.T) {
	t.Parallel()

	hostKey := mustGenerateKey(t)

	tests := []struct {
		name    string
		config  RelayConfig
		wantErr string
	}{
		{
			name:    "missing auth callback",
			config:  RelayConfig{HostKeys: []ssh.Signer{hostKey}},
			wantErr: "password callback required",
		},
		{
			name:    "missing host key",
			config:  RelayConfig{PasswordCallback: TokenAuth("t")},
			wantErr: "at least one host key required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewRelay("127.0.0.1:0", tt.config)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}
