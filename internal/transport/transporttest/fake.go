// Package transporttest provides an in-memory transport.Transport whose
// outcomes are controlled by tests.
package transporttest

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/die-net/securetunnel/internal/transport"
)

// ErrRefused is the default failure returned by a failing Fake.
var ErrRefused = errors.New("fake relay refused connection")

// Option configures a Fake.
type Option func(*Fake)

// FailWith makes every Open fail with err.
func FailWith(err error) Option {
	return func(f *Fake) {
		f.failErr = err
	}
}

// Manual makes every Open block until the test resolves it via Next.
func Manual() Option {
	return func(f *Fake) {
		f.manual = true
	}
}

// RandomDelay delays every automatic Open by up to max.
func RandomDelay(max time.Duration) Option {
	return func(f *Fake) {
		f.maxDelay = max
	}
}

// CloseError makes Conn.Close return err.
func CloseError(err error) Option {
	return func(f *Fake) {
		f.closeErr = err
	}
}

// Fake is a controllable transport.Transport. It counts every connection
// it hands out and every Close, so tests can check for leaked handles.
type Fake struct {
	failErr  error
	closeErr error
	manual   bool
	maxDelay time.Duration

	pending chan *PendingOpen

	attempts atomic.Int64
	opened   atomic.Int64
	closed   atomic.Int64

	mu   sync.Mutex
	last *Conn
}

// NewFake returns a Fake that succeeds immediately unless configured
// otherwise.
func NewFake(opts ...Option) *Fake {
	f := &Fake{pending: make(chan *PendingOpen, 64)}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Open implements transport.Transport.
func (f *Fake) Open(ctx context.Context, ep transport.Endpoint) (transport.Conn, error) {
	f.attempts.Add(1)

	if f.manual {
		return f.openManual(ctx, ep)
	}

	if f.maxDelay > 0 {
		t := time.NewTimer(rand.N(f.maxDelay))
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.failErr != nil {
		return nil, f.failErr
	}
	return f.newConn(ep), nil
}

func (f *Fake) openManual(ctx context.Context, ep transport.Endpoint) (transport.Conn, error) {
	p := &PendingOpen{
		Endpoint: ep,
		f:        f,
		ctx:      ctx,
		result:   make(chan openResult, 1),
	}

	select {
	case f.pending <- p:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-p.result:
		return r.conn, r.err
	case <-ctx.Done():
		p.mu.Lock()
		if p.resolved {
			// The test resolved it first; a connection that arrives after
			// cancellation is still handed to the caller to release.
			p.mu.Unlock()
			r := <-p.result
			return r.conn, r.err
		}
		p.resolved = true
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Next returns the next pending Open of a Manual fake.
func (f *Fake) Next(ctx context.Context) (*PendingOpen, error) {
	select {
	case p := <-f.pending:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Attempts returns the number of Open calls.
func (f *Fake) Attempts() int64 { return f.attempts.Load() }

// Opened returns the number of connections handed out.
func (f *Fake) Opened() int64 { return f.opened.Load() }

// Closed returns the number of connections closed.
func (f *Fake) Closed() int64 { return f.closed.Load() }

// Outstanding returns connections handed out but not yet closed.
func (f *Fake) Outstanding() int64 { return f.opened.Load() - f.closed.Load() }

// LastConn returns the most recently opened connection, or nil.
func (f *Fake) LastConn() *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *Fake) newConn(ep transport.Endpoint) *Conn {
	n := f.opened.Add(1)
	c := &Conn{
		f: f,
		meta: transport.Metadata{
			ConnectionID: "fake-" + strconv.FormatInt(n, 10),
			Protocol:     "fake",
			RemoteAddr:   ep.Host,
		},
		done: make(chan struct{}),
	}
	f.mu.Lock()
	f.last = c
	f.mu.Unlock()
	return c
}

type openResult struct {
	conn transport.Conn
	err  error
}

// PendingOpen is an Open call waiting for the test to decide its outcome.
type PendingOpen struct {
	Endpoint transport.Endpoint

	f        *Fake
	ctx      context.Context
	mu       sync.Mutex
	resolved bool
	result   chan openResult
}

// Context returns the context passed to Open.
func (p *PendingOpen) Context() context.Context { return p.ctx }

// Succeed completes the Open with a new connection. It returns false if
// the Open already gave up because its context was done.
func (p *PendingOpen) Succeed() (*Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return nil, false
	}
	p.resolved = true
	c := p.f.newConn(p.Endpoint)
	p.result <- openResult{conn: c}
	return c, true
}

// Fail completes the Open with err. It returns false if the Open already
// gave up.
func (p *PendingOpen) Fail(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return false
	}
	p.resolved = true
	p.result <- openResult{err: err}
	return true
}

// Conn is a fake transport connection.
type Conn struct {
	f    *Fake
	meta transport.Metadata

	done     chan struct{}
	stopOnce sync.Once
	err      error

	closeOnce sync.Once
	isClosed  atomic.Bool
}

func (c *Conn) Metadata() transport.Metadata { return c.meta }
func (c *Conn) Done() <-chan struct{}        { return c.done }

func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Drop simulates the relay ending the session with err.
func (c *Conn) Drop(err error) {
	c.shut(err)
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.shut(transport.ErrClosed)
		c.isClosed.Store(true)
		c.f.closed.Add(1)
	})
	return c.f.closeErr
}

// IsClosed reports whether Close was called.
func (c *Conn) IsClosed() bool { return c.isClosed.Load() }

func (c *Conn) shut(err error) {
	c.stopOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}
