package tunnel

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// dispatcher delivers a client's events to its handlers on a single
// goroutine, in posting order. Posting never blocks.
type dispatcher struct {
	client   *Client
	handlers Handlers
	log      *zap.Logger

	mu     sync.Mutex
	queue  []Event
	closed bool

	wake chan struct{}
	done chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func newDispatcher(c *Client, h Handlers, log *zap.Logger) *dispatcher {
	d := &dispatcher{
		client:   c,
		handlers: h,
		log:      log,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// post queues ev unless it is stale with respect to the current
// generation. It reports whether ev was queued.
func (d *dispatcher) post(ev Event, current uint64) bool {
	if ev.Generation != current {
		d.dropped.Add(1)
		d.log.Debug("dropping stale event",
			zap.Stringer("event", ev.Kind),
			zap.Uint64("generation", ev.Generation),
			zap.Uint64("current", current))
		return false
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.dropped.Add(1)
		d.log.Warn("event posted after close", zap.Stringer("event", ev.Kind))
		return false
	}
	d.queue = append(d.queue, ev)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// close stops accepting events. Queued events are still delivered.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)

	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-d.wake
			continue
		}

		for _, ev := range batch {
			d.deliver(ev)
		}
	}
}

func (d *dispatcher) deliver(ev Event) {
	c := d.client
	var name string
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event handler panicked",
				zap.String("handler", name),
				zap.Stringer("event", ev.Kind),
				zap.Uint64("generation", ev.Generation),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	switch ev.Kind {
	case EventConnectionStarted:
		name = "OnConnectionStarted"
		if h := d.handlers.OnConnectionStarted; h != nil {
			h(c, ev.Started)
		}
	case EventConnectionFailure:
		name = "OnConnectionFailure"
		if h := d.handlers.OnConnectionFailure; h != nil {
			h(c, ev.Err)
		}
	case EventConnectionShutdown:
		name = "OnConnectionShutdown"
		if h := d.handlers.OnConnectionShutdown; h != nil {
			h(c)
		}
	case EventStopped:
		name = "OnStopped"
		if h := d.handlers.OnStopped; h != nil {
			h(c)
		}
	}
	d.delivered.Add(1)
}
