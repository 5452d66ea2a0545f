package dialer

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/die-net/securetunnel/internal/testutil"
)

func TestHTTPProxyDialerDialSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echo := testutil.StartEchoServer(t)

	var gotAuth string
	up := testutil.StartServer(t, func(c net.Conn) {
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		if req.Method != http.MethodConnect {
			return
		}
		gotAuth = req.Header.Get("Proxy-Authorization")
		_ = req.Body.Close()

		dst, err := net.Dial("tcp", req.Host)
		if err != nil {
			_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
			return
		}
		defer dst.Close()

		_, _ = io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n")

		go func() {
			_, _ = io.Copy(dst, br)
			_ = dst.Close()
		}()
		_, _ = io.Copy(c, dst)
	})

	u := &url.URL{Scheme: "http", Host: up.Addr()}
	f, err := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second}, u, "user", "pass")
	if err != nil {
		t.Fatal(err)
	}

	conn, err := f.DialContext(ctx, "tcp", echo.Addr())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, conn, []byte("hello"))
	_ = conn.Close()

	up.Close()
	if gotAuth != "Basic dXNlcjpwYXNz" {
		t.Fatalf("unexpected Proxy-Authorization %q", gotAuth)
	}
}

func TestHTTPProxyDialerDialNon2xx(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	up := testutil.StartServer(t, func(c net.Conn) {
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_ = req.Body.Close()

		_, _ = io.WriteString(c, "HTTP/1.1 403 Forbidden\r\n\r\n")
	})

	u := &url.URL{Scheme: "http", Host: up.Addr()}
	f, err := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second}, u, "", "")
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.DialContext(ctx, "tcp", "127.0.0.1:1")
	var statusErr *ProxyStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected ProxyStatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", statusErr.StatusCode, http.StatusForbidden)
	}

	up.Close()
}

func TestHTTPProxyDialerUnsupportedNetwork(t *testing.T) {
	t.Parallel()

	u := &url.URL{Scheme: "http", Host: "127.0.0.1:1"}
	f, err := NewHTTPProxyDialer(Config{}, u, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.DialContext(context.Background(), "udp", "127.0.0.1:1"); err == nil {
		t.Fatalf("expected error")
	}
}
