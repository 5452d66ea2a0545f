package tunnel

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/die-net/securetunnel/internal/transport"
)

// Builder collects the settings for a Client.
type Builder struct {
	rt             *Runtime
	endpoint       transport.Endpoint
	transport      transport.Transport
	connectTimeout time.Duration
	log            *zap.Logger
	handlers       Handlers
}

// NewBuilder starts building a client that attaches to the relay at
// endpoint with the given access token and mode.
func NewBuilder(rt *Runtime, accessToken string, mode transport.Mode, endpoint string) *Builder {
	return &Builder{
		rt: rt,
		endpoint: transport.Endpoint{
			Host:        endpoint,
			AccessToken: accessToken,
			Mode:        mode,
		},
	}
}

// WithTransport overrides the Runtime's default transport.
func (b *Builder) WithTransport(t transport.Transport) *Builder {
	b.transport = t
	return b
}

// WithConnectTimeout bounds each connect attempt. Zero means no bound
// beyond the transport's own timeouts.
func (b *Builder) WithConnectTimeout(d time.Duration) *Builder {
	b.connectTimeout = d
	return b
}

// WithLogger overrides the Runtime's logger.
func (b *Builder) WithLogger(log *zap.Logger) *Builder {
	b.log = log
	return b
}

// WithOnConnectionStarted sets the handler for a connect that succeeded.
func (b *Builder) WithOnConnectionStarted(fn func(*Client, ConnectionStartedData)) *Builder {
	b.handlers.OnConnectionStarted = fn
	return b
}

// WithOnConnectionFailure sets the handler for a failed connect or close.
func (b *Builder) WithOnConnectionFailure(fn func(*Client, error)) *Builder {
	b.handlers.OnConnectionFailure = fn
	return b
}

// WithOnConnectionShutdown sets the handler for an established connection ending.
func (b *Builder) WithOnConnectionShutdown(fn func(*Client)) *Builder {
	b.handlers.OnConnectionShutdown = fn
	return b
}

// WithOnStopped sets the handler called once per completed Stop.
func (b *Builder) WithOnStopped(fn func(*Client)) *Builder {
	b.handlers.OnStopped = fn
	return b
}

// Build validates the settings and returns a Client in StateStopped.
func (b *Builder) Build() (*Client, error) {
	if b.rt == nil {
		return nil, &ConfigurationError{Field: "runtime", Reason: "missing"}
	}
	if strings.TrimSpace(b.endpoint.Host) == "" {
		return nil, &ConfigurationError{Field: "endpoint", Reason: "missing"}
	}
	if b.endpoint.AccessToken == "" {
		return nil, &ConfigurationError{Field: "access token", Reason: "missing"}
	}
	if b.endpoint.Mode != transport.ModeSource && b.endpoint.Mode != transport.ModeDestination {
		return nil, &ConfigurationError{Field: "mode", Reason: "must be source or destination"}
	}
	if b.connectTimeout < 0 {
		return nil, &ConfigurationError{Field: "connect timeout", Reason: "negative"}
	}

	tr := b.transport
	if tr == nil {
		tr = b.rt.transport
	}
	if tr == nil {
		return nil, &ConfigurationError{Field: "transport", Reason: "none configured"}
	}

	log := b.log
	if log == nil {
		log = b.rt.log
	}

	id := uuid.NewString()
	c := &Client{
		id:             id,
		endpoint:       b.endpoint,
		transport:      tr,
		connectTimeout: b.connectTimeout,
		rt:             b.rt,
		log: log.With(
			zap.String("client", id),
			zap.String("endpoint", b.endpoint.Host),
			zap.Stringer("mode", b.endpoint.Mode)),
	}
	if err := b.rt.register(c); err != nil {
		return nil, err
	}
	c.events = newDispatcher(c, b.handlers, c.log)
	return c, nil
}
