package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testToken = "secret-token"

type wsRelay struct {
	srv      *httptest.Server
	sessions chan *websocket.Conn
	modes    chan string
}

// startWSRelay starts a WebSocket relay that checks the access token and
// offers the given subprotocols.
func startWSRelay(t *testing.T, tls bool, subprotocols ...string) *wsRelay {
	t.Helper()

	r := &wsRelay{
		sessions: make(chan *websocket.Conn, 4),
		modes:    make(chan string, 4),
	}
	h := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/tunnel" {
			http.NotFound(w, req)
			return
		}
		if req.Header.Get(AccessTokenHeader) != testToken {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, req, &websocket.AcceptOptions{Subprotocols: subprotocols})
		if err != nil {
			return
		}
		r.modes <- req.URL.Query().Get("local-proxy-mode")
		r.sessions <- c
		for {
			if _, _, err := c.Read(context.Background()); err != nil {
				return
			}
		}
	})

	if tls {
		r.srv = httptest.NewTLSServer(h)
	} else {
		r.srv = httptest.NewServer(h)
	}
	t.Cleanup(r.srv.Close)
	return r
}

func (r *wsRelay) host() string {
	u := r.srv.URL
	return u[strings.Index(u, "://")+3:]
}

func newTestWebSocket(t *testing.T, kind string) Transport {
	t.Helper()

	tr, err := New(kind, Config{
		DialTimeout:        2 * time.Second,
		HandshakeTimeout:   2 * time.Second,
		InsecureSkipVerify: true,
		Logger:             zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return tr
}

func TestWebSocketOpenAndClose(t *testing.T) {
	t.Parallel()

	for _, kind := range []string{"ws", "wss"} {
		t.Run(kind, func(t *testing.T) {
			t.Parallel()

			relay := startWSRelay(t, kind == "wss", WebSocketSubprotocol)
			tr := newTestWebSocket(t, kind)

			conn, err := tr.Open(context.Background(), Endpoint{Host: relay.host(), AccessToken: testToken, Mode: ModeDestination})
			require.NoError(t, err)
			assert.Equal(t, "destination", <-relay.modes)
			<-relay.sessions

			meta := conn.Metadata()
			assert.Equal(t, WebSocketSubprotocol, meta.Protocol)
			assert.NotEmpty(t, meta.ConnectionID)
			assert.Equal(t, relay.host(), meta.RemoteAddr)
			assert.NoError(t, conn.Err())

			require.NoError(t, conn.Close())
			require.NoError(t, conn.Close())
			select {
			case <-conn.Done():
			default:
				t.Fatal("Done not closed after Close")
			}
			assert.ErrorIs(t, conn.Err(), ErrClosed)
		})
	}
}

func TestWebSocketRelayCloses(t *testing.T) {
	t.Parallel()

	relay := startWSRelay(t, false, WebSocketSubprotocol)
	tr := newTestWebSocket(t, "ws")

	conn, err := tr.Open(context.Background(), Endpoint{Host: relay.host(), AccessToken: testToken, Mode: ModeSource})
	require.NoError(t, err)
	defer conn.Close()

	server := <-relay.sessions
	require.NoError(t, server.Write(context.Background(), websocket.MessageBinary, []byte("payload")))
	require.NoError(t, server.Close(websocket.StatusNormalClosure, "bye"))

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after relay close")
	}
	assert.ErrorIs(t, conn.Err(), io.EOF)
	assert.Equal(t, CodeClosed, CodeOf(conn.Err()))
}

func TestWebSocketOpenErrors(t *testing.T) {
	t.Parallel()

	good := startWSRelay(t, false, WebSocketSubprotocol)
	noProto := startWSRelay(t, false)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name  string
		ctx   context.Context
		host  string
		token string
		want  Code
	}{
		{"bad token", context.Background(), good.host(), "wrong", CodeUnauthorized},
		{"missing subprotocol", context.Background(), noProto.host(), testToken, CodeHandshake},
		{"canceled", canceled, good.host(), testToken, CodeCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tr := newTestWebSocket(t, "ws")
			conn, err := tr.Open(tt.ctx, Endpoint{Host: tt.host, AccessToken: tt.token, Mode: ModeSource})
			require.Error(t, err)
			assert.Nil(t, conn)
			assert.Equal(t, tt.want, CodeOf(err), "err: %v", err)
		})
	}
}

func TestWebSocketNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	tr := newTestWebSocket(t, "ws")
	_, err := tr.Open(context.Background(), Endpoint{
		Host:        strings.TrimPrefix(srv.URL, "http://"),
		AccessToken: testToken,
		Mode:        ModeSource,
	})
	require.ErrorIs(t, err, ErrHandshake)
	assert.Contains(t, err.Error(), "404")
}
