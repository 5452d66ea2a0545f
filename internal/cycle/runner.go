// Package cycle drives tunnel clients through repeated Start/Stop cycles
// and checks that no relay connection outlives its cycle.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/securetunnel/internal/oneshot"
	"github.com/die-net/securetunnel/internal/transport"
	"github.com/die-net/securetunnel/internal/tunnel"
)

// ErrHandleLeak is returned when connections remain open after all
// cycles have finished.
var ErrHandleLeak = errors.New("relay connections still open after run")

// stopGrace bounds the wait for Stopped after a cycle was abandoned.
const stopGrace = 10 * time.Second

// Runner runs Iterations cycles spread over Workers goroutines. Each cycle
// builds a client, starts it, waits for the connect outcome, stops it if
// it connected, waits for Stopped and closes it.
type Runner struct {
	Runtime  *tunnel.Runtime
	Endpoint transport.Endpoint

	Iterations int
	Workers    int
	// ConnectTimeout bounds each connect attempt inside the client.
	ConnectTimeout time.Duration
	// CycleTimeout bounds a whole cycle. Zero means no bound.
	CycleTimeout time.Duration

	Logger *zap.Logger
}

// Stats summarizes a run.
type Stats struct {
	Iterations int64
	Connected  int64
	Failed     int64
	Stopped    int64
}

type counters struct {
	iterations atomic.Int64
	connected  atomic.Int64
	failed     atomic.Int64
	stopped    atomic.Int64
}

func (c *counters) stats() Stats {
	return Stats{
		Iterations: c.iterations.Load(),
		Connected:  c.connected.Load(),
		Failed:     c.failed.Load(),
		Stopped:    c.stopped.Load(),
	}
}

// Run executes the cycles. It stops early on the first cycle that cannot
// complete, or when ctx is done.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	if r.Runtime == nil {
		return Stats{}, errors.New("cycle: missing runtime")
	}
	if r.Iterations <= 0 {
		return Stats{}, fmt.Errorf("cycle: iterations must be > 0, got %d", r.Iterations)
	}
	workers := max(r.Workers, 1)
	log := r.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var (
		next    atomic.Int64
		counter counters
	)
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for w := range workers {
		g.Go(func() error {
			wlog := log.With(zap.Int("worker", w))
			for {
				i := next.Add(1)
				if i > int64(r.Iterations) {
					return nil
				}
				if err := r.cycle(ctx, i, wlog, &counter); err != nil {
					return fmt.Errorf("cycle %d: %w", i, err)
				}
			}
		})
	}
	err := g.Wait()

	stats := counter.stats()
	if leaked := r.Runtime.OpenHandles(); leaked != 0 {
		err = errors.Join(err, fmt.Errorf("%w: %d", ErrHandleLeak, leaked))
	}

	log.Info("cycle run finished",
		zap.Int64("iterations", stats.Iterations),
		zap.Int64("connected", stats.Connected),
		zap.Int64("failed", stats.Failed),
		zap.Int64("stopped", stats.Stopped),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))
	return stats, err
}

func (r *Runner) cycle(ctx context.Context, i int64, log *zap.Logger, counter *counters) error {
	if r.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.CycleTimeout)
		defer cancel()
	}

	outcome := oneshot.New[error]()
	stopped := oneshot.New[struct{}]()

	c, err := tunnel.NewBuilder(r.Runtime, r.Endpoint.AccessToken, r.Endpoint.Mode, r.Endpoint.Host).
		WithConnectTimeout(r.ConnectTimeout).
		WithLogger(log).
		WithOnConnectionStarted(func(*tunnel.Client, tunnel.ConnectionStartedData) {
			outcome.Set(nil)
		}).
		WithOnConnectionFailure(func(_ *tunnel.Client, err error) {
			if !outcome.Set(err) {
				log.Warn("failure after connect outcome", zap.Int64("cycle", i), zap.Error(err))
			}
		}).
		WithOnStopped(func(*tunnel.Client) {
			stopped.Set(struct{}{})
		}).
		Build()
	if err != nil {
		return err
	}
	counter.iterations.Add(1)

	if err := c.Start(); err != nil {
		_ = c.Close()
		return err
	}

	connErr, err := outcome.Wait(ctx)
	if err != nil {
		return r.abandon(c, stopped, err)
	}
	if connErr != nil {
		counter.failed.Add(1)
		log.Debug("connect failed", zap.Int64("cycle", i), zap.Stringer("code", tunnel.ErrorCode(connErr)), zap.Error(connErr))
		return c.Close()
	}
	counter.connected.Add(1)

	if err := c.Stop(); err != nil {
		return err
	}
	if _, err := stopped.Wait(ctx); err != nil {
		return r.abandon(c, stopped, err)
	}
	counter.stopped.Add(1)
	return c.Close()
}

// abandon stops a cycle whose wait was cut short, so its connection is
// released before the run ends, and returns cause.
func (r *Runner) abandon(c *tunnel.Client, stopped *oneshot.Cell[struct{}], cause error) error {
	switch err := c.Stop(); {
	case err == nil:
	case errors.Is(err, tunnel.ErrInvalidState):
		if c.State() == tunnel.StateStopped {
			return errors.Join(cause, c.Close())
		}
		// Stopping: the earlier Stop still owes an OnStopped.
	default:
		return errors.Join(cause, err)
	}

	timer := time.NewTimer(stopGrace)
	defer timer.Stop()
	select {
	case <-stopped.Done():
	case <-timer.C:
		return errors.Join(cause, fmt.Errorf("client did not stop within %s", stopGrace))
	}
	return errors.Join(cause, c.Close())
}
