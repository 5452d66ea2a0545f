package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/securetunnel/internal/transport"
	"github.com/die-net/securetunnel/internal/transport/transporttest"
)

func TestBuildValidation(t *testing.T) {
	t.Parallel()

	rt := NewRuntime(RuntimeConfig{Transport: transporttest.NewFake()})
	bare := NewRuntime(RuntimeConfig{})

	tests := []struct {
		name  string
		b     *Builder
		field string
	}{
		{"missing runtime", NewBuilder(nil, testToken, transport.ModeSource, testEndpoint), "runtime"},
		{"missing endpoint", NewBuilder(rt, testToken, transport.ModeSource, " "), "endpoint"},
		{"missing token", NewBuilder(rt, "", transport.ModeSource, testEndpoint), "access token"},
		{"unknown mode", NewBuilder(rt, testToken, transport.ModeUnknown, testEndpoint), "mode"},
		{"negative timeout", NewBuilder(rt, testToken, transport.ModeSource, testEndpoint).WithConnectTimeout(-1), "connect timeout"},
		{"no transport", NewBuilder(bare, testToken, transport.ModeSource, testEndpoint), "transport"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := tt.b.Build()
			assert.Nil(t, c)
			require.ErrorIs(t, err, ErrConfiguration)
			var ce *ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}

	assert.Equal(t, 0, rt.Clients())
	require.NoError(t, rt.Close())
	require.NoError(t, bare.Close())
}

func TestBuildOverrides(t *testing.T) {
	t.Parallel()

	rt := NewRuntime(RuntimeConfig{})
	fake := transporttest.NewFake()

	c, err := NewBuilder(rt, testToken, transport.ModeDestination, testEndpoint).
		WithTransport(fake).
		WithLogger(testLogger(t)).
		Build()
	require.NoError(t, err)

	assert.Equal(t, transport.Endpoint{Host: testEndpoint, AccessToken: testToken, Mode: transport.ModeDestination}, c.Endpoint())
	assert.Same(t, fake, c.transport)

	other, err := NewBuilder(rt, testToken, transport.ModeDestination, testEndpoint).WithTransport(fake).Build()
	require.NoError(t, err)
	assert.NotEqual(t, c.ID(), other.ID())
	assert.Equal(t, 2, rt.Clients())

	require.NoError(t, c.Close())
	require.NoError(t, other.Close())
	require.NoError(t, rt.Close())
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, transport.CodeNone, ErrorCode(nil))
	assert.Equal(t, transport.CodeHandshake, ErrorCode(newTransportError("connect", transport.ErrHandshake)))
	assert.Equal(t, transport.CodeUnknown, ErrorCode(newTransportError("close", assert.AnError)))
	assert.Equal(t, transport.CodeUnknown, ErrorCode(assert.AnError))
}
