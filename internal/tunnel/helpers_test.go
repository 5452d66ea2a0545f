package tunnel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/die-net/securetunnel/internal/transport"
	"github.com/die-net/securetunnel/internal/transport/transporttest"
)

const (
	testEndpoint = "relay.example.test"
	testToken    = "token-for-tests"
	eventTimeout = 5 * time.Second
)

type record struct {
	kind    EventKind
	started ConnectionStartedData
	err     error
}

type recorder struct {
	ch chan record
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan record, 64)}
}

func (r *recorder) attach(b *Builder) *Builder {
	return b.
		WithOnConnectionStarted(func(_ *Client, d ConnectionStartedData) {
			r.ch <- record{kind: EventConnectionStarted, started: d}
		}).
		WithOnConnectionFailure(func(_ *Client, err error) {
			r.ch <- record{kind: EventConnectionFailure, err: err}
		}).
		WithOnConnectionShutdown(func(*Client) {
			r.ch <- record{kind: EventConnectionShutdown}
		}).
		WithOnStopped(func(*Client) {
			r.ch <- record{kind: EventStopped}
		})
}

func (r *recorder) expect(t *testing.T, kind EventKind) record {
	t.Helper()
	select {
	case rec := <-r.ch:
		require.Equal(t, kind, rec.kind, "expected %s, got %s", kind, rec.kind)
		return rec
	case <-time.After(eventTimeout):
		require.FailNow(t, "timed out waiting for event", "%s", kind)
	}
	return record{}
}

func (r *recorder) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case rec := <-r.ch:
		require.FailNow(t, "unexpected event", "%s (err %v)", rec.kind, rec.err)
	case <-time.After(wait):
	}
}

func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel), zaptest.WrapOptions(zap.Development()))
}

func newTestRuntime(t *testing.T, tr transport.Transport) *Runtime {
	t.Helper()
	rt := NewRuntime(RuntimeConfig{Transport: tr, Logger: testLogger(t)})
	t.Cleanup(func() {
		require.NoError(t, rt.Close())
	})
	return rt
}

func newTestClient(t *testing.T, rt *Runtime, rec *recorder) *Client {
	t.Helper()
	b := NewBuilder(rt, testToken, transport.ModeSource, testEndpoint)
	if rec != nil {
		rec.attach(b)
	}
	c, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.Eventually(t, func() bool { return c.State() == StateStopped }, eventTimeout, time.Millisecond)
		require.NoError(t, c.Close())
		<-c.events.done
	})
	return c
}

// gatedTransport ignores cancellation: Open returns only when the test
// sends a result, which lets tests hold a client in StateStopping.
type gatedTransport struct {
	entered chan struct{}
	results chan gateResult
}

type gateResult struct {
	conn transport.Conn
	err  error
}

func newGatedTransport() *gatedTransport {
	return &gatedTransport{
		entered: make(chan struct{}, 1),
		results: make(chan gateResult, 1),
	}
}

func (g *gatedTransport) Open(context.Context, transport.Endpoint) (transport.Conn, error) {
	g.entered <- struct{}{}
	r := <-g.results
	return r.conn, r.err
}

func (g *gatedTransport) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(eventTimeout):
		require.FailNow(t, "Open was not called")
	}
}

// connFrom returns a connection counted by f.
func connFrom(t *testing.T, f *transporttest.Fake) transport.Conn {
	t.Helper()
	conn, err := f.Open(context.Background(), transport.Endpoint{Host: testEndpoint})
	require.NoError(t, err)
	return conn
}
