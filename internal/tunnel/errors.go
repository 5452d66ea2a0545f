package tunnel

import (
	"errors"
	"fmt"

	"github.com/die-net/securetunnel/internal/transport"
)

var (
	// ErrInvalidState matches any *InvalidStateError.
	ErrInvalidState = errors.New("tunnel: operation not valid in current state")
	// ErrConfiguration matches any *ConfigurationError.
	ErrConfiguration = errors.New("tunnel: invalid client configuration")
	// ErrClosed is returned by operations on a closed Client or Runtime.
	ErrClosed = errors.New("tunnel: closed")
	// ErrClientsOutstanding is returned by Runtime.Close while clients
	// built from it are still open.
	ErrClientsOutstanding = errors.New("tunnel: clients still open")
)

// InvalidStateError is returned when Start, Stop or Close is called in a
// state that does not allow it. No transition happens.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("tunnel: %s not allowed while %s", e.Op, e.State)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// ConfigurationError is returned by Builder.Build for a missing or invalid
// setting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("tunnel: invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// TransportError is delivered through ConnectionFailure when opening or
// closing the relay connection fails.
type TransportError struct {
	// Op is "connect" or "close".
	Op   string
	Code transport.Code
	Err  error
}

func newTransportError(op string, err error) *TransportError {
	code := transport.CodeOf(err)
	if code == transport.CodeNone {
		code = transport.CodeUnknown
	}
	return &TransportError{Op: op, Code: code, Err: err}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("tunnel: %s (%s): %v", e.Op, e.Code, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrorCode returns the transport.Code carried by err. It is CodeNone for
// a nil error and CodeUnknown for errors that did not come from a
// transport.
func ErrorCode(err error) transport.Code {
	if err == nil {
		return transport.CodeNone
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Code
	}
	return transport.CodeOf(err)
}
