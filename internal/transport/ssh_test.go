package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"

	internalssh "github.com/die-net/securetunnel/internal/ssh"
	"github.com/die-net/securetunnel/internal/testutil"
)

func startSSHRelay(t *testing.T) (*internalssh.Relay, ssh.PublicKey) {
	t.Helper()

	key, err := internalssh.GenerateHostKey()
	require.NoError(t, err)

	r, err := internalssh.NewRelay("127.0.0.1:0", internalssh.RelayConfig{
		HostKeys:         []ssh.Signer{key},
		PasswordCallback: internalssh.TokenAuth(testToken),
		Logger:           zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	go func() {
		_ = r.Serve()
	}()
	t.Cleanup(func() { _ = r.Close() })
	return r, key.PublicKey()
}

func newTestSSH(t *testing.T, hostKey ssh.PublicKey) Transport {
	t.Helper()

	cfg := Config{
		DialTimeout:      2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		Logger:           zaptest.NewLogger(t),
	}
	if hostKey != nil {
		cfg.HostKeyCallback = ssh.FixedHostKey(hostKey)
	}
	tr, err := New("ssh", cfg)
	require.NoError(t, err)
	return tr
}

func TestSSHOpenAndClose(t *testing.T) {
	t.Parallel()

	relay, hostKey := startSSHRelay(t)
	tr := newTestSSH(t, hostKey)

	conn, err := tr.Open(context.Background(), Endpoint{Host: relay.Addr().String(), AccessToken: testToken, Mode: ModeSource})
	require.NoError(t, err)

	meta := conn.Metadata()
	assert.NotEmpty(t, meta.ConnectionID)
	assert.Contains(t, meta.Protocol, "SSH-2.0")
	assert.Equal(t, relay.Addr().String(), meta.RemoteAddr)

	require.Eventually(t, func() bool { return relay.Sessions() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	<-conn.Done()
	assert.ErrorIs(t, conn.Err(), ErrClosed)
	require.Eventually(t, func() bool { return relay.Sessions() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSSHRelayDisconnect(t *testing.T) {
	t.Parallel()

	relay, hostKey := startSSHRelay(t)
	tr := newTestSSH(t, hostKey)

	conn, err := tr.Open(context.Background(), Endpoint{Host: relay.Addr().String(), AccessToken: testToken, Mode: ModeDestination})
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return relay.Sessions() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, relay.Disconnect())

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after relay disconnect")
	}
	assert.Error(t, conn.Err())
}

func TestSSHOpenErrors(t *testing.T) {
	t.Parallel()

	relay, _ := startSSHRelay(t)
	other, err := internalssh.GenerateHostKey()
	require.NoError(t, err)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		ctx     context.Context
		host    string
		token   string
		hostKey ssh.PublicKey
		want    Code
	}{
		{"bad token", context.Background(), relay.Addr().String(), "wrong", nil, CodeUnauthorized},
		{"host key mismatch", context.Background(), relay.Addr().String(), testToken, other.PublicKey(), CodeHandshake},
		{"canceled", canceled, relay.Addr().String(), testToken, nil, CodeCanceled},
		{"refused", context.Background(), testutil.ClosedPort(t), testToken, nil, CodeDial},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tr := newTestSSH(t, tt.hostKey)
			conn, err := tr.Open(tt.ctx, Endpoint{Host: tt.host, AccessToken: tt.token, Mode: ModeSource})
			require.Error(t, err)
			assert.Nil(t, conn)
			assert.Equal(t, tt.want, CodeOf(err), "err: %v", err)
		})
	}
}
