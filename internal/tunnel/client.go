package tunnel

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/securetunnel/internal/transport"
)

var errNoConn = errors.New("transport returned neither connection nor error")

// Client is a secure tunnel client. Build one with a Builder.
//
// All methods are safe for concurrent use. Start and Stop return as soon
// as the transition has begun; results arrive through the Handlers.
type Client struct {
	id             string
	endpoint       transport.Endpoint
	transport      transport.Transport
	connectTimeout time.Duration
	rt             *Runtime
	log            *zap.Logger
	events         *dispatcher

	mu      sync.Mutex
	state   State
	gen     uint64
	attempt *attempt // non-nil iff state != StateStopped
	closed  bool
}

// attempt is one Start-to-Stopped cycle's hold on the transport.
type attempt struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc

	// opened is closed once Open has returned and conn is set.
	opened chan struct{}
	conn   transport.Conn

	// Guarded by Client.mu.
	established      bool
	shutdownReported bool
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Endpoint returns the relay endpoint the client connects to.
func (c *Client) Endpoint() transport.Endpoint { return c.endpoint }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Generation returns the current generation.
func (c *Client) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Start begins connecting to the relay. It requires StateStopped.
//
// The outcome is reported through OnConnectionStarted or
// OnConnectionFailure. A failed connect returns the client to
// StateStopped without an OnStopped call.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.state != StateStopped {
		return &InvalidStateError{Op: "start", State: c.state}
	}

	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{
		gen:    c.gen,
		ctx:    ctx,
		cancel: cancel,
		opened: make(chan struct{}),
	}
	c.attempt = a
	c.setState(StateConnecting)

	go c.connect(a)
	return nil
}

// Stop tears down the connection or pending connect. It requires
// StateConnecting or StateConnected. Exactly one OnStopped follows,
// preceded by OnConnectionShutdown if a connection had been established.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	switch c.state {
	case StateConnecting, StateConnected:
	default:
		return &InvalidStateError{Op: "stop", State: c.state}
	}

	a := c.attempt
	c.gen++
	c.setState(StateStopping)
	a.cancel()

	go c.teardown(a, c.gen)
	return nil
}

// Close releases the client's dispatcher and unregisters it from its
// Runtime. It is only valid in StateStopped. Events already queued are
// still delivered. Closing a closed client is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if c.state != StateStopped {
		s := c.state
		c.mu.Unlock()
		return &InvalidStateError{Op: "close", State: s}
	}
	c.closed = true
	c.mu.Unlock()

	c.events.close()
	c.rt.unregister(c)
	c.log.Debug("client closed")
	return nil
}

func (c *Client) connect(a *attempt) {
	ctx := a.ctx
	if c.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
	}

	conn, err := c.transport.Open(ctx, c.endpoint)
	switch {
	case err != nil && conn != nil:
		_ = conn.Close()
		conn = nil
	case err == nil && conn == nil:
		err = errNoConn
	}
	if conn != nil {
		c.rt.acquire()
	}

	a.conn = conn
	c.connected(a, err)
	close(a.opened)
}

// connected applies the outcome of Open.
func (c *Client) connected(a *attempt, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attempt != a || c.state != StateConnecting {
		// Stop got here first. The outcome keeps its own generation so
		// the dispatcher discards it; teardown releases the connection.
		ev := Event{Kind: EventConnectionStarted, Generation: a.gen}
		if err != nil {
			ev = Event{Kind: EventConnectionFailure, Generation: a.gen, Err: newTransportError("connect", err)}
		}
		c.events.post(ev, c.gen)
		return
	}

	if err != nil {
		a.cancel()
		c.attempt = nil
		c.setState(StateStopped)
		terr := newTransportError("connect", err)
		c.log.Debug("connect failed", zap.Uint64("generation", a.gen), zap.Stringer("code", terr.Code), zap.Error(err))
		c.events.post(Event{Kind: EventConnectionFailure, Generation: a.gen, Err: terr}, c.gen)
		return
	}

	a.established = true
	c.setState(StateConnected)
	c.events.post(Event{
		Kind:       EventConnectionStarted,
		Generation: a.gen,
		Started: ConnectionStartedData{
			Code:       transport.CodeNone,
			ClientID:   c.id,
			Generation: a.gen,
			Mode:       c.endpoint.Mode,
			Metadata:   a.conn.Metadata(),
		},
	}, c.gen)

	go c.watch(a)
}

// watch reports a connection that ends while the client still wants it.
func (c *Client) watch(a *attempt) {
	select {
	case <-a.conn.Done():
		c.lost(a, a.conn.Err())
	case <-a.ctx.Done():
	}
}

func (c *Client) lost(a *attempt, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attempt != a || c.state != StateConnected || a.shutdownReported {
		return
	}
	a.shutdownReported = true
	c.log.Info("connection shut down", zap.Uint64("generation", a.gen), zap.Error(err))
	c.events.post(Event{Kind: EventConnectionShutdown, Generation: a.gen}, c.gen)
}

// teardown finishes a Stop once the attempt's Open has returned.
func (c *Client) teardown(a *attempt, gen uint64) {
	<-a.opened

	var closeErr error
	if a.conn != nil {
		closeErr = a.conn.Close()
		c.rt.release()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempt = nil
	c.setState(StateStopped)

	if closeErr != nil {
		c.log.Warn("closing connection failed", zap.Uint64("generation", gen), zap.Error(closeErr))
		c.events.post(Event{Kind: EventConnectionFailure, Generation: gen, Err: newTransportError("close", closeErr)}, c.gen)
	}
	if a.established && !a.shutdownReported {
		a.shutdownReported = true
		c.events.post(Event{Kind: EventConnectionShutdown, Generation: gen}, c.gen)
	}
	c.events.post(Event{Kind: EventStopped, Generation: gen}, c.gen)
}

// setState moves to next. c.mu must be held.
func (c *Client) setState(next State) {
	if !validTransition(c.state, next) {
		c.log.DPanic("invalid state transition",
			zap.Stringer("from", c.state),
			zap.Stringer("to", next),
			zap.Uint64("generation", c.gen))
	}
	if ce := c.log.Check(zap.DebugLevel, "state transition"); ce != nil {
		ce.Write(zap.Stringer("from", c.state), zap.Stringer("to", next), zap.Uint64("generation", c.gen))
	}
	c.state = next
}
