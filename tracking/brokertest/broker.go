// Package brokertest runs an in-process STOMP broker that behaves like the
// platform's tracking endpoint. It serves WebSocket and long-polling clients
// on one handler and is used by tests and by `tracker serve`.
package brokertest

import (
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ermn/tracking.go/tracking"
	"github.com/ermn/tracking.go/tracking/stomp"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Broker struct {
	mu       sync.RWMutex
	conns    map[string]*stompConn
	sessions map[string]*pollServerTransport
	updates  []tracking.Envelope

	topics *topicManager

	token          string
	heartbeatSend  time.Duration
	heartbeatRecv  time.Duration
	muteHeartbeats bool
	recordUpdates  bool
	bufferSize     int
	sessionTimeout time.Duration
	logger         *slog.Logger

	connects   atomic.Int64
	rejected   atomic.Int64
	messageSeq atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once
}

type Option func(*Broker)

// WithToken requires CONNECT frames to carry "Authorization: Bearer token".
func WithToken(token string) Option {
	return func(b *Broker) {
		b.token = token
	}
}

// WithHeartbeat sets the heart-beat intervals the broker offers.
func WithHeartbeat(send, recv time.Duration) Option {
	return func(b *Broker) {
		b.heartbeatSend = send
		b.heartbeatRecv = recv
	}
}

// WithMutedHeartbeats makes the broker offer heart-beats but never send
// them, which looks like a stalled connection to the client.
func WithMutedHeartbeats() Option {
	return func(b *Broker) {
		b.muteHeartbeats = true
	}
}

// WithRecordUpdates keeps every update received on the update destination
// for Updates. Recording is off by default so a long-running broker does not
// grow without bound.
func WithRecordUpdates() Option {
	return func(b *Broker) {
		b.recordUpdates = true
	}
}

func WithBufferSize(size int) Option {
	return func(b *Broker) {
		b.bufferSize = size
	}
}

// WithSessionTimeout sets how long a long-polling session may go without a
// poll before it is closed.
func WithSessionTimeout(d time.Duration) Option {
	return func(b *Broker) {
		b.sessionTimeout = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

func New(opts ...Option) *Broker {
	b := &Broker{
		conns:          make(map[string]*stompConn),
		sessions:       make(map[string]*pollServerTransport),
		topics:         newTopicManager(),
		heartbeatSend:  4 * time.Second,
		heartbeatRecv:  4 * time.Second,
		bufferSize:     256,
		sessionTimeout: 60 * time.Second,
		logger:         slog.Default(),
		stop:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(b)
	}

	b.logger = b.logger.With("component", "brokertest")

	go b.cleanupSessions()

	return b
}

func (b *Broker) cleanupSessions() {
	ticker := time.NewTicker(b.sessionTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
		}

		b.mu.RLock()
		var expired []*stompConn
		for id, t := range b.sessions {
			if t.expired(b.sessionTimeout) {
				expired = append(expired, b.conns[id])
			}
		}
		b.mu.RUnlock()

		for _, c := range expired {
			if c != nil {
				b.logger.Info("long-polling session expired", "conn_id", c.id)
				c.close()
			}
		}
	}
}

func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		b.handleWebSocket(w, r)
		return
	}
	b.handleLongPolling(w, r)
}

func (b *Broker) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	c := newStompConn(id, b, newWSServerTransport(id, conn, b.bufferSize, b.logger))
	b.add(c, nil)

	go c.serve()
}

func (b *Broker) handleLongPolling(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")

	switch path.Base(r.URL.Path) {
	case "connect":
		b.handlePollConnect(w, r)
	case "poll":
		if t := b.session(sessionID); t != nil {
			t.handlePoll(w, r)
			return
		}
		http.Error(w, "session not found", http.StatusNotFound)
	case "send":
		if t := b.session(sessionID); t != nil {
			t.handleSend(w, r)
			return
		}
		http.Error(w, "session not found", http.StatusNotFound)
	case "disconnect":
		b.mu.RLock()
		c := b.conns[sessionID]
		b.mu.RUnlock()
		if c != nil {
			c.close()
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "unknown endpoint", http.StatusNotFound)
	}
}

func (b *Broker) handlePollConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := uuid.NewString()
	t := newPollServerTransport(id, b.bufferSize)
	c := newStompConn(id, b, t)
	b.add(c, t)

	go c.serve()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"sessionId":%q}`, id)
}

func (b *Broker) session(id string) *pollServerTransport {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions[id]
}

func (b *Broker) add(c *stompConn, t *pollServerTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.conns[c.id] = c
	if t != nil {
		b.sessions[c.id] = t
	}
}

func (b *Broker) remove(c *stompConn) {
	b.mu.Lock()
	delete(b.conns, c.id)
	b.mu.Unlock()

	b.topics.leaveAll(c.id)

	// Long-polling sessions linger briefly so the client can collect a final
	// ERROR frame before it sees 410 Gone.
	time.AfterFunc(time.Second, func() {
		b.mu.Lock()
		delete(b.sessions, c.id)
		b.mu.Unlock()
	})
}

func (b *Broker) record(env tracking.Envelope) {
	if !b.recordUpdates {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, env)
}

// Publish sends body to every subscriber of bookingID's topic and returns how
// many subscriptions received it.
func (b *Broker) Publish(bookingID int64, body []byte) int {
	return b.publish(tracking.TopicDestination(bookingID), body)
}

// PublishEnvelope encodes env and publishes it on its booking's topic.
func (b *Broker) PublishEnvelope(env tracking.Envelope) (int, error) {
	body, err := tracking.EncodeEnvelope(env)
	if err != nil {
		return 0, err
	}
	return b.Publish(env.BookingID, body), nil
}

func (b *Broker) publish(destination string, body []byte) int {
	members := b.topics.members(destination)

	delivered := 0
	for _, m := range members {
		frame := stomp.New(stomp.CommandMessage,
			stomp.HeaderDestination, destination,
			stomp.HeaderSubscription, m.id,
			stomp.HeaderMessageID, strconv.FormatUint(b.messageSeq.Add(1), 10),
			stomp.HeaderContentType, "application/json",
		)
		frame.Body = body
		if err := m.conn.write(frame); err != nil {
			b.logger.Warn("publish failed", "conn_id", m.conn.id, "destination", destination, "error", err)
			continue
		}
		delivered++
	}

	return delivered
}

// DropAll severs every connection without a goodbye, simulating a network
// failure. It returns how many connections were dropped.
func (b *Broker) DropAll() int {
	b.mu.RLock()
	conns := make([]*stompConn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	for _, c := range conns {
		c.drop()
	}

	b.logger.Info("dropped all connections", "count", len(conns))
	return len(conns)
}

// Connections returns the number of open client connections.
func (b *Broker) Connections() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// Subscribers returns the number of subscriptions on bookingID's topic.
func (b *Broker) Subscribers(bookingID int64) int {
	return b.topics.count(tracking.TopicDestination(bookingID))
}

// ConnectCount returns how many STOMP handshakes have completed.
func (b *Broker) ConnectCount() int {
	return int(b.connects.Load())
}

// RejectedCount returns how many CONNECT frames failed the token check.
func (b *Broker) RejectedCount() int {
	return int(b.rejected.Load())
}

// Updates returns the position updates received on the update destination.
// It is empty unless the broker was built with WithRecordUpdates.
func (b *Broker) Updates() []tracking.Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()

	updates := make([]tracking.Envelope, len(b.updates))
	copy(updates, b.updates)
	return updates
}

// Close disconnects every client and stops the session janitor.
func (b *Broker) Close() {
	b.stopOnce.Do(func() { close(b.stop) })

	b.mu.RLock()
	conns := make([]*stompConn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}
