package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ermn/tracking.go/debug"
	"github.com/ermn/tracking.go/tracking/stomp"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultHeartbeat      = 4 * time.Second
	DefaultConnectTimeout = 10 * time.Second

	// sendBufferSize bounds the frames queued for one connection's writer.
	sendBufferSize = 256

	acceptVersions  = "1.2,1.1,1.0"
	contentTypeJSON = "application/json"
)

type Transport interface {
	Connect(ctx context.Context) error
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// TransportFactory builds a fresh transport for every connection attempt.
type TransportFactory func() Transport

// Client is the connection manager and subscription registry for one
// tracking endpoint. The zero value is not usable; use NewClient.
type Client struct {
	mu       sync.Mutex
	id       string
	factory  TransportFactory
	handlers map[Event][]func(data any)
	registry *registry

	state   State
	session *session

	tokenSource    TokenSource
	host           string
	reconnectDelay time.Duration
	heartbeat      time.Duration
	connectTimeout time.Duration
	resubscribe    bool
	now            func() time.Time

	logger  *slog.Logger
	metrics *Metrics
}

// session spans one EnsureConnected..Disconnect cycle, across reconnects.
type session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	token  string

	mu       sync.Mutex
	conn     Transport
	out      chan outbound
	lastRead atomic.Int64
}

// outbound is one encoded frame waiting for the connection's writer. sub is
// set on SUBSCRIBE frames so a failed write can put it back in the queue.
type outbound struct {
	data []byte
	sub  *subscription
}

func (s *session) setConn(conn Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn != nil && s.ctx.Err() != nil {
		return false
	}
	s.conn = conn
	return true
}

func (s *session) takeConn() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn := s.conn
	s.conn = nil
	s.out = nil
	return conn
}

// open starts a fresh outbound queue for the current connection.
func (s *session) open(size int) chan outbound {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.out = make(chan outbound, size)
	return s.out
}

// enqueue hands item to the writer without blocking.
func (s *session) enqueue(item outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.out == nil {
		return ErrNotConnected
	}
	select {
	case s.out <- item:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (s *session) send(f *stomp.Frame) error {
	return s.enqueue(outbound{data: stomp.Encode(f)})
}

// stop detaches out from the session and returns whatever was still queued.
// current reports whether out was still the session's live queue.
func (s *session) stop(out chan outbound) (left []outbound, current bool) {
	s.mu.Lock()
	current = s.out == out
	if current {
		s.out = nil
	}
	s.mu.Unlock()

	for {
		select {
		case item := <-out:
			left = append(left, item)
		default:
			return left, current
		}
	}
}

// abort closes the current connection so the session reconnects.
func (s *session) abort() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		go conn.Close()
	}
}

func (s *session) touch() {
	s.lastRead.Store(time.Now().UnixNano())
}

func (s *session) idle() time.Duration {
	return time.Since(time.Unix(0, s.lastRead.Load()))
}

type ClientOption func(*Client)

func WithTokenSource(src TokenSource) ClientOption {
	return func(c *Client) {
		c.tokenSource = src
	}
}

func WithReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.reconnectDelay = d
	}
}

// WithHeartbeat sets the interval offered in both directions. Zero turns
// heart-beating off.
func WithHeartbeat(d time.Duration) ClientOption {
	return func(c *Client) {
		c.heartbeat = d
	}
}

func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.connectTimeout = d
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithResubscribe re-attaches live subscriptions after a reconnect. Without
// it, subscriptions attached when the connection drops stay silent until the
// caller subscribes again.
func WithResubscribe(enabled bool) ClientOption {
	return func(c *Client) {
		c.resubscribe = enabled
	}
}

// WithHost sets the CONNECT host header.
func WithHost(host string) ClientOption {
	return func(c *Client) {
		c.host = host
	}
}

// WithClock replaces the clock used to stamp outgoing updates.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

func NewClient(factory TransportFactory, opts ...ClientOption) *Client {
	client := &Client{
		id:             generateID(),
		factory:        factory,
		handlers:       make(map[Event][]func(data any)),
		registry:       newRegistry(),
		host:           "/",
		reconnectDelay: DefaultReconnectDelay,
		heartbeat:      DefaultHeartbeat,
		connectTimeout: DefaultConnectTimeout,
		now:            time.Now,
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(client)
	}

	client.logger = client.logger.With("component", "tracking", "client_id", client.id)

	return client
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Subscriptions returns how many subscriptions are pending or attached.
func (c *Client) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.registry.count()
}

// EnsureConnected starts a session if none exists. It returns immediately;
// the connection is established in the background and retried every
// reconnect delay until it succeeds or Disconnect is called. Calls made while
// a session exists, connecting or connected, do nothing.
func (c *Client) EnsureConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureConnectedLocked()
}

func (c *Client) ensureConnectedLocked() {
	if c.session != nil {
		return
	}

	var token string
	if c.tokenSource != nil {
		token = c.tokenSource()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:     generateID(),
		ctx:    ctx,
		cancel: cancel,
		token:  token,
	}

	c.session = s
	c.state = StateConnecting
	c.metrics.setState(c.state)

	debug.Printf(c.logger, "session started", "session_id", s.id, "authenticated", token != "")

	go c.run(s)
}

// Disconnect ends the session, stops reconnecting and forgets every
// subscription. Forgotten callbacks are never invoked again. It does not
// wait for background goroutines and is safe to call from a callback.
func (c *Client) Disconnect() {
	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return
	}

	wasConnected := c.state == StateConnected
	c.session = nil
	c.state = StateDisconnected
	forgotten := c.registry.reset()
	c.metrics.setState(c.state)
	c.metrics.setSubscriptions(0)
	c.mu.Unlock()

	for _, sub := range forgotten {
		sub.deactivate()
	}

	s.cancel()
	if conn := s.takeConn(); conn != nil {
		go func() {
			if wasConnected {
				if err := conn.Send(stomp.Encode(stomp.New(stomp.CommandDisconnect))); err != nil {
					debug.Printf(c.logger, "disconnect frame not sent", "error", err)
				}
			}
			conn.Close()
		}()
	}

	c.logger.Info("tracking disconnected", "session_id", s.id, "forgotten_subscriptions", len(forgotten))

	if wasConnected {
		c.triggerEvent(EventDisconnect, nil)
	}
}

// Subscribe registers onMessage for position updates of bookingID and
// ensures a connection. If the client is not yet connected the
// subscription is queued and attached, in request order, once it is.
// Subscribing twice to the same booking yields two independent
// subscriptions.
func (c *Client) Subscribe(bookingID int64, onMessage func(Envelope)) CancelFunc {
	sub := newSubscription(bookingID, onMessage)

	c.mu.Lock()
	if c.state == StateConnected {
		c.attachLocked(sub)
	} else {
		c.registry.enqueue(sub)
		debug.Printf(c.logger, "subscription deferred", "booking_id", bookingID, "subscription_id", sub.id)
		c.ensureConnectedLocked()
	}
	c.metrics.setSubscriptions(c.registry.count())
	c.mu.Unlock()

	return func() { c.cancel(sub) }
}

// attachLocked queues sub's SUBSCRIBE frame and records it as live. Frames
// are queued under c.mu so drained subscriptions keep their order. If the
// frame cannot be queued sub goes back to pending; a full queue also drops
// the connection so the reconnect attaches it.
func (c *Client) attachLocked(sub *subscription) {
	frame := stomp.New(stomp.CommandSubscribe,
		stomp.HeaderID, sub.id,
		stomp.HeaderDestination, sub.destination,
		stomp.HeaderAck, "auto",
	)
	err := c.session.enqueue(outbound{data: stomp.Encode(frame), sub: sub})
	if err != nil {
		c.registry.requeue(sub)
		c.logger.Warn("subscribe deferred until reconnect", "booking_id", sub.bookingID, "error", err)
		if errors.Is(err, ErrSendBufferFull) {
			c.session.abort()
		}
		return
	}

	c.registry.attach(sub)
	debug.Printf(c.logger, "subscription attached", "booking_id", sub.bookingID, "subscription_id", sub.id)
}

func (c *Client) cancel(sub *subscription) {
	if !sub.deactivate() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	defer func() { c.metrics.setSubscriptions(c.registry.count()) }()

	if c.registry.removePending(sub) {
		debug.Printf(c.logger, "pending subscription cancelled", "booking_id", sub.bookingID)
		return
	}

	if c.registry.detach(sub.id) == nil {
		return
	}

	if c.state != StateConnected || c.session == nil {
		return
	}

	frame := stomp.New(stomp.CommandUnsubscribe, stomp.HeaderID, sub.id)
	if err := c.session.send(frame); err != nil {
		debug.Printf(c.logger, "unsubscribe frame not sent", "booking_id", sub.bookingID, "error", err)
	}
}

// SendUpdate publishes a driver position. It is fire-and-forget: the update
// is dropped while the client is not connected or its send buffer is full.
// It never waits for the network.
func (c *Client) SendUpdate(bookingID int64, latitude, longitude float64, opts ...UpdateOption) {
	c.mu.Lock()
	s := c.session
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || s == nil {
		c.metrics.inc(updatesDropped)
		debug.Printf(c.logger, "update dropped", "booking_id", bookingID, "error", ErrNotConnected)
		return
	}

	env := NewEnvelope(bookingID, latitude, longitude, c.now(), opts...)
	body, err := EncodeEnvelope(env)
	if err != nil {
		c.metrics.inc(updatesDropped)
		c.logger.Warn("update not encodable", "booking_id", bookingID, "error", err)
		return
	}

	frame := stomp.New(stomp.CommandSend,
		stomp.HeaderDestination, UpdateDestination,
		stomp.HeaderContentType, contentTypeJSON,
	)
	frame.Body = body

	if err := s.send(frame); err != nil {
		c.metrics.inc(updatesDropped)
		c.logger.Warn("update dropped", "booking_id", bookingID, "error", err)
		return
	}

	c.metrics.inc(updatesSent)
}

func (c *Client) On(event Event, handler func(data any)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[event] = append(c.handlers[event], handler)
}

func (c *Client) Off(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.handlers, event)
}

func (c *Client) triggerEvent(event Event, data any) {
	c.mu.Lock()
	handlers := c.handlers[event]
	c.mu.Unlock()

	for _, handler := range handlers {
		go handler(data)
	}
}

// run drives one session: connect, serve until the connection fails, wait
// the reconnect delay, repeat. It returns once the session is cancelled.
func (c *Client) run(s *session) {
	for {
		err := c.serve(s)
		if s.ctx.Err() != nil {
			return
		}

		c.connectionLost(s, err)

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

// serve makes one connection attempt and reads from it until it fails.
func (c *Client) serve(s *session) error {
	conn := c.factory()

	if err := conn.Connect(s.ctx); err != nil {
		c.metrics.inc(connectFailures)
		return fmt.Errorf("dial: %w", err)
	}
	if !s.setConn(conn) {
		conn.Close()
		return s.ctx.Err()
	}
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
			s.out = nil
		}
		s.mu.Unlock()
		conn.Close()
	}()

	send, recv, err := c.handshake(s, conn)
	if err != nil {
		c.metrics.inc(connectFailures)
		return err
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	out, ok := c.connected(s)
	if !ok {
		return s.ctx.Err()
	}
	go c.writeLoop(ctx, s, conn, out)

	var timedOut atomic.Bool
	if send > 0 {
		go c.heartbeatLoop(ctx, s, send)
	}
	if recv > 0 {
		go c.watchdog(ctx, s, conn, recv, &timedOut)
	}

	err = c.readLoop(s, conn)
	if timedOut.Load() {
		return ErrHeartbeatTimeout
	}
	return err
}

// handshake sends CONNECT and waits for CONNECTED, returning the negotiated
// heart-beat intervals.
func (c *Client) handshake(s *session, conn Transport) (send, recv time.Duration, err error) {
	connect := stomp.New(stomp.CommandConnect,
		stomp.HeaderAcceptVersion, acceptVersions,
		stomp.HeaderHost, c.host,
		stomp.HeaderHeartBeat, stomp.FormatHeartbeat(c.heartbeat, c.heartbeat),
	)
	if s.token != "" {
		connect.Header.Set(stomp.HeaderAuthorization, "Bearer "+s.token)
	}

	if err := conn.Send(stomp.Encode(connect)); err != nil {
		return 0, 0, fmt.Errorf("send connect: %w", err)
	}

	var expired atomic.Bool
	timer := time.AfterFunc(c.connectTimeout, func() {
		expired.Store(true)
		conn.Close()
	})
	defer timer.Stop()

	for {
		data, err := conn.Receive()
		if err != nil {
			if expired.Load() {
				return 0, 0, fmt.Errorf("%w: no CONNECTED within %s", ErrConnectRejected, c.connectTimeout)
			}
			return 0, 0, fmt.Errorf("await connected: %w", err)
		}

		frame, err := stomp.Decode(data)
		if errors.Is(err, stomp.ErrHeartbeat) {
			continue
		}
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrProtocol, err)
		}

		switch frame.Command {
		case stomp.CommandConnected:
			serverSend, serverRecv, err := stomp.ParseHeartbeat(frame.Header.Get(stomp.HeaderHeartBeat))
			if err != nil {
				c.logger.Warn("ignoring server heart-beat header", "error", err)
			}
			send, recv = stomp.Negotiate(c.heartbeat, c.heartbeat, serverSend, serverRecv)
			s.touch()
			debug.Printf(c.logger, "stomp handshake complete",
				"version", frame.Header.Get(stomp.HeaderVersion), "send", send, "recv", recv)
			return send, recv, nil
		case stomp.CommandError:
			return 0, 0, fmt.Errorf("%w: %s", ErrConnectRejected, frame.Header.Get(stomp.HeaderMessage))
		default:
			return 0, 0, fmt.Errorf("%w: unexpected %s before CONNECTED", ErrProtocol, frame.Command)
		}
	}
}

// connected marks s live, opens its outbound queue and drains the pending
// subscriptions into it. It reports false if s was superseded while
// connecting.
func (c *Client) connected(s *session) (chan outbound, bool) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return nil, false
	}

	c.state = StateConnected
	pending := c.registry.drain()
	out := s.open(sendBufferSize + len(pending))
	for _, sub := range pending {
		c.attachLocked(sub)
	}
	c.metrics.setState(c.state)
	c.mu.Unlock()

	c.metrics.inc(connects)
	c.logger.Info("tracking connected", "session_id", s.id, "attached", len(pending))
	c.triggerEvent(EventConnect, nil)

	return out, true
}

// connectionLost moves the client back to connecting after an attempt or an
// established connection failed.
func (c *Client) connectionLost(s *session, err error) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}

	wasConnected := c.state == StateConnected
	c.state = StateConnecting
	var lost []*subscription
	if wasConnected {
		lost = c.registry.detachAll(c.resubscribe)
	}
	c.metrics.setState(c.state)
	c.metrics.setSubscriptions(c.registry.count())
	c.mu.Unlock()

	if !wasConnected {
		c.logger.Warn("tracking connect failed", "session_id", s.id, "error", err, "retry_in", c.reconnectDelay)
		c.triggerEvent(EventError, err)
		return
	}

	c.metrics.inc(drops)
	c.logger.Warn("tracking connection lost",
		"session_id", s.id,
		"error", err,
		"subscriptions", len(lost),
		"resubscribe", c.resubscribe,
		"retry_in", c.reconnectDelay,
	)
	c.triggerEvent(EventDisconnect, err)
}

// writeLoop is the only writer on conn once the session is connected.
func (c *Client) writeLoop(ctx context.Context, s *session, conn Transport, out chan outbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-out:
			if err := conn.Send(item.data); err != nil {
				c.writeFailed(s, conn, out, item, err)
				return
			}
		}
	}
}

// writeFailed stops the queue, returns every SUBSCRIBE that never reached the
// server to the pending queue and closes conn so the session reconnects.
func (c *Client) writeFailed(s *session, conn Transport, out chan outbound, failed outbound, err error) {
	requeued := 0
	c.mu.Lock()
	// Queues are opened under c.mu, so a current queue means no later
	// connection has attached these subscriptions.
	left, current := s.stop(out)
	unsent := append(left, failed)
	if current && c.session == s {
		for _, item := range unsent {
			if item.sub != nil && c.registry.unattach(item.sub) {
				requeued++
			}
		}
	}
	c.mu.Unlock()

	c.logger.Warn("tracking write failed", "session_id", s.id, "error", err, "unsent", len(unsent), "requeued", requeued)
	conn.Close()
}

// heartbeatLoop queues a heart-beat every interval. A full queue already
// keeps the server's read side busy, so the beat is skipped.
func (c *Client) heartbeatLoop(ctx context.Context, s *session, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.enqueue(outbound{data: stomp.Heartbeat})
			if errors.Is(err, ErrNotConnected) {
				return
			}
			if err != nil {
				debug.Printf(c.logger, "heart-beat skipped", "error", err)
			}
		}
	}
}

// watchdog closes conn once nothing has been read for twice the negotiated
// interval, which unblocks the read loop.
func (c *Client) watchdog(ctx context.Context, s *session, conn Transport, interval time.Duration, timedOut *atomic.Bool) {
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.idle() > 2*interval {
				timedOut.Store(true)
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop(s *session, conn Transport) error {
	for {
		data, err := conn.Receive()
		if err != nil {
			return err
		}
		s.touch()

		frame, err := stomp.Decode(data)
		if errors.Is(err, stomp.ErrHeartbeat) {
			continue
		}
		if err != nil {
			c.logger.Warn("dropping malformed frame", "bytes", len(data), "error", err)
			c.triggerEvent(EventError, fmt.Errorf("%w: %v", ErrProtocol, err))
			continue
		}

		switch frame.Command {
		case stomp.CommandMessage:
			c.dispatch(frame)
		case stomp.CommandError:
			msg := frame.Header.Get(stomp.HeaderMessage)
			c.logger.Error("tracking server error", "message", msg, "body", string(frame.Body))
			return fmt.Errorf("%w: %s", ErrProtocol, msg)
		case stomp.CommandReceipt:
			debug.Printf(c.logger, "receipt", "receipt_id", frame.Header.Get(stomp.HeaderReceiptID))
		default:
			debug.Printf(c.logger, "ignoring frame", "command", frame.Command)
		}
	}
}

// dispatch routes a MESSAGE to its subscription on the read goroutine.
func (c *Client) dispatch(frame *stomp.Frame) {
	id := frame.Header.Get(stomp.HeaderSubscription)
	destination := frame.Header.Get(stomp.HeaderDestination)

	c.mu.Lock()
	sub := c.registry.lookup(id)
	c.mu.Unlock()

	if sub == nil {
		debug.Printf(c.logger, "message for unknown subscription", "subscription_id", id, "destination", destination)
		return
	}
	if destination != "" && destination != sub.destination {
		c.logger.Warn("message destination mismatch", "subscription_id", id, "destination", destination, "want", sub.destination)
		return
	}

	env, err := DecodeEnvelope(frame.Body)
	if err != nil {
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			decodeErr.Destination = sub.destination
		}
		c.metrics.inc(decodeErrors)
		c.logger.Warn("dropping undecodable position", "booking_id", sub.bookingID, "error", err)
		c.triggerEvent(EventError, err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("subscription callback panicked", "booking_id", sub.bookingID, "panic", r)
		}
	}()

	if sub.deliver(env) {
		c.metrics.inc(delivered)
	}
}
