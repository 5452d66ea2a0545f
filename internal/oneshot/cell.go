// Package oneshot provides a write-once result cell.
//
// A Cell is resolved at most once and can be read any number of times,
// blocking until it is resolved. It is the synchronous bridge for callers
// that wait on asynchronous tunnel events.
package oneshot

import (
	"context"
	"sync"
)

// Cell holds a single value of type T. The zero value is ready to use.
type Cell[T any] struct {
	mu   sync.Mutex
	set  bool
	val  T
	done chan struct{}
}

// New returns an empty Cell.
func New[T any]() *Cell[T] {
	return &Cell[T]{done: make(chan struct{})}
}

func (c *Cell[T]) doneLocked() chan struct{} {
	if c.done == nil {
		c.done = make(chan struct{})
	}
	return c.done
}

// Set stores v and wakes all waiters. Only the first call has an effect;
// it reports whether this call stored the value.
func (c *Cell[T]) Set(v T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set {
		return false
	}
	c.set = true
	c.val = v
	close(c.doneLocked())
	return true
}

// Done returns a channel that is closed once the Cell is set.
func (c *Cell[T]) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doneLocked()
}

// Peek returns the value and whether it has been set, without blocking.
func (c *Cell[T]) Peek() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val, c.set
}

// Wait blocks until the Cell is set or ctx is done.
func (c *Cell[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.Done():
		v, _ := c.Peek()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
