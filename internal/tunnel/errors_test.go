package tunnel

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/die-net/securetunnel/internal/transport"
)

func TestErrorMessagesArePrefixed(t *testing.T) {
	t.Parallel()

	for _, err := range []error{
		ErrInvalidState,
		ErrConfiguration,
		ErrClosed,
		ErrClientsOutstanding,
		&InvalidStateError{Op: "start", State: StateConnected},
		&ConfigurationError{Field: "endpoint", Reason: "missing"},
		newTransportError("connect", transport.ErrUnauthorized),
	} {
		assert.True(t, strings.HasPrefix(err.Error(), "tunnel: "), "%q", err.Error())
	}
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, fmt.Errorf("start: %w", &InvalidStateError{Op: "start", State: StateStopping}), ErrInvalidState)
	assert.ErrorIs(t, &ConfigurationError{Field: "mode", Reason: "unknown"}, ErrConfiguration)
	assert.NotErrorIs(t, &ConfigurationError{}, ErrInvalidState)

	terr := newTransportError("close", io.EOF)
	assert.ErrorIs(t, terr, io.EOF)
	assert.Equal(t, transport.CodeClosed, ErrorCode(terr))
	assert.Equal(t, transport.CodeUnknown, ErrorCode(errors.New("not from a transport")))
	assert.Equal(t, transport.CodeNone, ErrorCode(nil))
}
