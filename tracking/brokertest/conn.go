package brokertest

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ermn/tracking.go/debug"
	"github.com/ermn/tracking.go/tracking"
	"github.com/ermn/tracking.go/tracking/stomp"
)

// stompConn speaks the broker side of STOMP over one server transport.
type stompConn struct {
	id        string
	broker    *Broker
	transport serverTransport
	logger    *slog.Logger

	mu        sync.Mutex
	connected bool
	closed    bool
	done      chan struct{}
}

func newStompConn(id string, b *Broker, t serverTransport) *stompConn {
	return &stompConn{
		id:        id,
		broker:    b,
		transport: t,
		logger:    b.logger.With("conn_id", id),
		done:      make(chan struct{}),
	}
}

// serve reads frames until the transport fails or the client disconnects.
func (c *stompConn) serve() {
	defer c.broker.remove(c)

	for {
		data, err := c.transport.Read()
		if err != nil {
			debug.Printf(c.logger, "broker read ended", "error", err)
			c.close()
			return
		}

		frame, err := stomp.Decode(data)
		if errors.Is(err, stomp.ErrHeartbeat) {
			continue
		}
		if err != nil {
			c.fail("malformed frame", err.Error())
			return
		}

		if !c.handle(frame) {
			return
		}
	}
}

// handle processes one frame and reports whether the connection stays open.
func (c *stompConn) handle(frame *stomp.Frame) bool {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		if frame.Command != stomp.CommandConnect && frame.Command != stomp.CommandStomp {
			c.fail("expected CONNECT", frame.Command)
			return false
		}
		return c.handleConnect(frame)
	}

	switch frame.Command {
	case stomp.CommandSubscribe:
		id := frame.Header.Get(stomp.HeaderID)
		destination := frame.Header.Get(stomp.HeaderDestination)
		if id == "" || destination == "" {
			c.fail("SUBSCRIBE needs id and destination", "")
			return false
		}
		c.broker.topics.subscribe(destination, member{conn: c, id: id})
		debug.Printf(c.logger, "broker subscribe", "destination", destination, "subscription_id", id)
	case stomp.CommandUnsubscribe:
		c.broker.topics.unsubscribe(c, frame.Header.Get(stomp.HeaderID))
	case stomp.CommandSend:
		c.handleSend(frame)
	case stomp.CommandDisconnect:
		if receipt := frame.Header.Get(stomp.HeaderReceipt); receipt != "" {
			c.write(stomp.New(stomp.CommandReceipt, stomp.HeaderReceiptID, receipt))
		}
		c.close()
		return false
	default:
		c.fail("unsupported command", frame.Command)
		return false
	}

	return true
}

func (c *stompConn) handleConnect(frame *stomp.Frame) bool {
	if c.broker.token != "" {
		if frame.Header.Get(stomp.HeaderAuthorization) != "Bearer "+c.broker.token {
			c.broker.rejected.Add(1)
			c.fail("unauthorized", "")
			return false
		}
	}

	clientSend, clientRecv, err := stomp.ParseHeartbeat(frame.Header.Get(stomp.HeaderHeartBeat))
	if err != nil {
		c.fail("bad heart-beat header", err.Error())
		return false
	}
	send, _ := stomp.Negotiate(c.broker.heartbeatSend, c.broker.heartbeatRecv, clientSend, clientRecv)

	connected := stomp.New(stomp.CommandConnected,
		stomp.HeaderVersion, "1.2",
		stomp.HeaderHeartBeat, stomp.FormatHeartbeat(c.broker.heartbeatSend, c.broker.heartbeatRecv),
	)
	if err := c.write(connected); err != nil {
		c.close()
		return false
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.broker.connects.Add(1)
	c.logger.Info("broker client connected", "heartbeat", send)

	if send > 0 && !c.broker.muteHeartbeats {
		go c.heartbeatLoop(send)
	}
	return true
}

// handleSend mirrors the backend controller: updates published to the
// update destination are re-broadcast on the booking's topic.
func (c *stompConn) handleSend(frame *stomp.Frame) {
	destination := frame.Header.Get(stomp.HeaderDestination)

	switch {
	case destination == tracking.UpdateDestination:
		env, err := tracking.DecodeEnvelope(frame.Body)
		if err != nil {
			c.logger.Warn("broker dropping update", "error", err)
			return
		}
		c.broker.record(env)
		c.broker.Publish(env.BookingID, frame.Body)
	case strings.HasPrefix(destination, tracking.TopicPrefix):
		c.broker.publish(destination, frame.Body)
	default:
		debug.Printf(c.logger, "broker ignoring send", "destination", destination)
	}
}

func (c *stompConn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.transport.Write(stomp.Heartbeat); err != nil {
				return
			}
		}
	}
}

func (c *stompConn) write(frame *stomp.Frame) error {
	return c.transport.Write(stomp.Encode(frame))
}

// fail sends an ERROR frame and closes, as a STOMP server must.
func (c *stompConn) fail(message, detail string) {
	frame := stomp.New(stomp.CommandError, stomp.HeaderMessage, message)
	if detail != "" {
		frame.Body = []byte(detail)
	}
	c.write(frame)
	c.logger.Warn("broker closing connection", "message", message, "detail", detail)
	c.close()
}

func (c *stompConn) close() {
	c.shutdown(false)
}

func (c *stompConn) drop() {
	c.shutdown(true)
}

func (c *stompConn) shutdown(abort bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	if abort {
		c.transport.abort()
	} else {
		c.transport.Close()
	}
}
