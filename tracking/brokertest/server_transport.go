package brokertest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ermn/tracking.go/debug"
	"github.com/ermn/tracking.go/tracking/transport"

	"github.com/gorilla/websocket"
)

var errClosed = errors.New("brokertest: connection closed")

// serverTransport is the broker side of one client connection.
type serverTransport interface {
	Read() ([]byte, error)
	Write([]byte) error
	Close() error
	ID() string

	// abort drops the connection without any goodbye.
	abort() error
}

type wsServerTransport struct {
	id           string
	conn         *websocket.Conn
	sendCh       chan []byte
	closeCh      chan struct{}
	writeWg      sync.WaitGroup
	writeTimeout time.Duration
	mu           sync.Mutex
	closed       bool
	logger       *slog.Logger
}

func newWSServerTransport(id string, conn *websocket.Conn, bufferSize int, logger *slog.Logger) *wsServerTransport {
	t := &wsServerTransport{
		id:           id,
		conn:         conn,
		sendCh:       make(chan []byte, bufferSize),
		closeCh:      make(chan struct{}),
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}

	t.writeWg.Add(1)
	go t.writePump()

	return t
}

func (t *wsServerTransport) writePump() {
	defer t.writeWg.Done()

	for {
		select {
		case <-t.closeCh:
			return
		case message := <-t.sendCh:
			t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				debug.Printf(t.logger, "broker write failed", "conn_id", t.id, "error", err)
				go t.Close()
				return
			}
		}
	}
}

func (t *wsServerTransport) Read() ([]byte, error) {
	_, message, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return message, nil
}

func (t *wsServerTransport) Write(data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return errClosed
	}

	select {
	case t.sendCh <- data:
		return nil
	case <-t.closeCh:
		return errClosed
	default:
		debug.Printf(t.logger, "broker send buffer full, closing", "conn_id", t.id)
		go t.Close()
		return errClosed
	}
}

func (t *wsServerTransport) Close() error {
	return t.close(true)
}

func (t *wsServerTransport) abort() error {
	return t.close(false)
}

func (t *wsServerTransport) close(graceful bool) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closeCh)
	t.mu.Unlock()

	t.writeWg.Wait()

	if graceful {
		t.flush()
		t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
	}

	return t.conn.Close()
}

// flush writes frames still queued when the pump stopped, so an ERROR frame
// reaches the client before the close.
func (t *wsServerTransport) flush() {
	for {
		select {
		case message := <-t.sendCh:
			t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (t *wsServerTransport) ID() string {
	return t.id
}

// pollServerTransport queues outbound frames until the client polls and
// feeds frames posted to /send into Read.
type pollServerTransport struct {
	id           string
	pending      []string
	incoming     chan []byte
	closeCh      chan struct{}
	mu           sync.Mutex
	closed       bool
	lastActivity time.Time
}

func newPollServerTransport(id string, bufferSize int) *pollServerTransport {
	return &pollServerTransport{
		id:           id,
		incoming:     make(chan []byte, bufferSize),
		closeCh:      make(chan struct{}),
		lastActivity: time.Now(),
	}
}

// expired reports whether the client has stopped polling.
func (t *pollServerTransport) expired(timeout time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastActivity) > timeout
}

func (t *pollServerTransport) Read() ([]byte, error) {
	select {
	case msg := <-t.incoming:
		return msg, nil
	case <-t.closeCh:
		return nil, errClosed
	}
}

func (t *pollServerTransport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errClosed
	}

	t.pending = append(t.pending, string(data))
	return nil
}

func (t *pollServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		t.closed = true
		close(t.closeCh)
	}
	return nil
}

func (t *pollServerTransport) abort() error {
	t.mu.Lock()
	t.pending = nil
	t.mu.Unlock()
	return t.Close()
}

func (t *pollServerTransport) ID() string {
	return t.id
}

func (t *pollServerTransport) handlePoll(w http.ResponseWriter, _ *http.Request) {
	t.mu.Lock()
	// Frames queued before the close are still handed out once.
	if t.closed && len(t.pending) == 0 {
		t.mu.Unlock()
		http.Error(w, "session closed", http.StatusGone)
		return
	}
	messages := t.pending
	t.pending = nil
	t.lastActivity = time.Now()
	t.mu.Unlock()

	if messages == nil {
		messages = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messages)
}

func (t *pollServerTransport) handleSend(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	select {
	case t.incoming <- data:
		w.WriteHeader(http.StatusOK)
	case <-t.closeCh:
		http.Error(w, "session closed", http.StatusGone)
	default:
		http.Error(w, "message queue full", http.StatusServiceUnavailable)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    transport.Subprotocols,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}
