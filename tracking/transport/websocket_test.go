package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoServer upgrades, records the negotiated subprotocol and request
// headers, and echoes every message back.
func echoServer(t *testing.T) (*httptest.Server, chan http.Header, chan string) {
	t.Helper()

	headers := make(chan http.Header, 1)
	protocols := make(chan string, 1)
	upgrader := websocket.Upgrader{Subprotocols: []string{"v12.stomp"}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		protocols <- conn.Subprotocol()

		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return srv, headers, protocols
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketTransportRoundTrip(t *testing.T) {
	srv, headers, protocols := echoServer(t)

	tr := NewWebSocketTransport(wsURL(srv),
		WithHeaders(http.Header{"Authorization": []string{"Bearer token"}}),
		WithLogger(quietLogger()),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer tr.Close()

	if got := (<-headers).Get("Authorization"); got != "Bearer token" {
		t.Errorf("Authorization = %q", got)
	}
	if got := <-protocols; got != "v12.stomp" {
		t.Errorf("subprotocol = %q, want v12.stomp", got)
	}

	if err := tr.Send([]byte("CONNECT\n\n\x00")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	msg, err := tr.Receive()
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if string(msg) != "CONNECT\n\n\x00" {
		t.Errorf("Receive() = %q", msg)
	}

	if err := tr.Connect(ctx); err != nil {
		t.Errorf("second Connect() error = %v", err)
	}
}

func TestWebSocketTransportClose(t *testing.T) {
	srv, _, _ := echoServer(t)
	tr := NewWebSocketTransport(wsURL(srv), WithLogger(quietLogger()))

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	received := make(chan error, 1)
	go func() {
		_, err := tr.Receive()
		received <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	select {
	case err := <-received:
		if err == nil {
			t.Fatal("Receive() returned nil error after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock Receive")
	}

	if err := tr.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send() after Close error = %v, want ErrNotConnected", err)
	}
}

func TestWebSocketTransportConnectFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	tr := NewWebSocketTransport(wsURL(srv), WithLogger(quietLogger()))
	if err := tr.Connect(context.Background()); err == nil {
		t.Fatal("Connect() to a non-websocket endpoint succeeded")
	}
	if _, err := tr.Receive(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Receive() error = %v, want ErrNotConnected", err)
	}
}

func TestWebSocketTransportConnectHonoursContext(t *testing.T) {
	srv, _, _ := echoServer(t)
	tr := NewWebSocketTransport(wsURL(srv), WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := tr.Connect(ctx); err == nil {
		t.Fatal("Connect() with a cancelled context succeeded")
	}
}
