package tunnel

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/die-net/securetunnel/internal/transport"
)

// RuntimeConfig configures a Runtime.
type RuntimeConfig struct {
	// Transport is used by clients whose Builder does not set one.
	Transport transport.Transport
	Logger    *zap.Logger
}

// Runtime is the shared context clients are built from. It holds the
// default transport and logger and tracks how many clients and relay
// connections are alive. Close it after every client has been closed.
type Runtime struct {
	transport transport.Transport
	log       *zap.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool

	handles atomic.Int64
}

// NewRuntime returns a Runtime.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Runtime{
		transport: cfg.Transport,
		log:       log,
		clients:   make(map[*Client]struct{}),
	}
}

// Clients returns the number of clients built and not yet closed.
func (r *Runtime) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// OpenHandles returns the number of relay connections currently held by
// clients of this Runtime.
func (r *Runtime) OpenHandles() int64 {
	return r.handles.Load()
}

// Close shuts the Runtime down. It fails with ErrClientsOutstanding while
// any client is still open, and is a no-op once it has succeeded.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	if n := len(r.clients); n > 0 {
		r.log.Warn("runtime close with open clients", zap.Int("clients", n))
		return ErrClientsOutstanding
	}
	r.closed = true
	if n := r.handles.Load(); n != 0 {
		r.log.Error("runtime closed with open handles", zap.Int64("handles", n))
	}
	return nil
}

func (r *Runtime) register(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.clients[c] = struct{}{}
	return nil
}

func (r *Runtime) unregister(c *Client) {
	r.mu.Lock()
	delete(r.clients, c)
	r.mu.Unlock()
}

func (r *Runtime) acquire() { r.handles.Add(1) }
func (r *Runtime) release() { r.handles.Add(-1) }
