package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ermn/tracking.go/debug"

	"github.com/gorilla/websocket"
)

// Subprotocols offered during the WebSocket handshake.
var Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

var ErrNotConnected = errors.New("transport: not connected")

type WebSocketTransport struct {
	mu               sync.Mutex
	conn             *websocket.Conn
	url              string
	dialer           *websocket.Dialer
	headers          http.Header
	connected        bool
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	compression      bool
	logger           *slog.Logger
}

type WebSocketOption func(*WebSocketTransport)

func WithHeaders(headers http.Header) WebSocketOption {
	return func(t *WebSocketTransport) {
		for k, v := range headers {
			t.headers[k] = v
		}
	}
}

func WithHandshakeTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.handshakeTimeout = timeout
	}
}

func WithWriteTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.writeTimeout = timeout
	}
}

func WithCompression(enabled bool) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.compression = enabled
	}
}

func WithLogger(logger *slog.Logger) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.logger = logger
	}
}

func NewWebSocketTransport(url string, opts ...WebSocketOption) *WebSocketTransport {
	t := &WebSocketTransport{
		url:              url,
		dialer:           websocket.DefaultDialer,
		headers:          make(http.Header),
		handshakeTimeout: 10 * time.Second,
		writeTimeout:     10 * time.Second,
		logger:           slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	debug.Printf(t.logger, "websocket connecting", "url", t.url)

	dialer := *t.dialer
	dialer.HandshakeTimeout = t.handshakeTimeout
	dialer.Subprotocols = Subprotocols
	dialer.EnableCompression = t.compression

	conn, resp, err := dialer.DialContext(ctx, t.url, t.headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		debug.Printf(t.logger, "websocket connect failed", "url", t.url, "error", err)
		return err
	}

	debug.Printf(t.logger, "websocket connected", "url", t.url, "subprotocol", conn.Subprotocol())
	t.conn = conn
	t.connected = true

	return nil
}

func (t *WebSocketTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.conn == nil {
		return ErrNotConnected
	}

	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}

	debug.Printf(t.logger, "websocket send", "bytes", len(data))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive blocks until the next message arrives. Only one goroutine may call
// it at a time; Close unblocks it.
func (t *WebSocketTransport) Receive() ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()

	if !connected || conn == nil {
		return nil, ErrNotConnected
	}

	_, message, err := conn.ReadMessage()
	if err != nil {
		debug.Printf(t.logger, "websocket read error", "error", err)
		return nil, err
	}

	debug.Printf(t.logger, "websocket receive", "bytes", len(message))
	return message, nil
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.conn == nil {
		return nil
	}

	debug.Printf(t.logger, "websocket closing", "url", t.url)

	err := t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	if err != nil {
		debug.Printf(t.logger, "websocket close message failed", "error", err)
	}

	err = t.conn.Close()
	t.connected = false
	t.conn = nil

	return err
}
