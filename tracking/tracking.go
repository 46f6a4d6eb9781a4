// Package tracking is the live-position client of the emergency response
// platform. A Client owns one STOMP session to the tracking endpoint, keeps a
// registry of per-booking subscriptions on it, and publishes driver position
// updates.
package tracking

import (
	"errors"
	"strconv"
)

type Event string

const (
	EventConnect    Event = "connect"
	EventDisconnect Event = "disconnect"
	EventError      Event = "error"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	// TopicPrefix is the broker prefix of server-published destinations.
	TopicPrefix = "/topic/"

	// UpdateDestination receives position updates published by drivers.
	UpdateDestination = "/app/tracking/update"
)

// Topic names the per-booking position stream. The server-side publisher
// derives the same name, so the format must not change.
func Topic(bookingID int64) string {
	return "tracking/" + strconv.FormatInt(bookingID, 10)
}

// TopicDestination is the STOMP destination of Topic.
func TopicDestination(bookingID int64) string {
	return TopicPrefix + Topic(bookingID)
}

// CancelFunc detaches one subscription. It may be called any number of times
// and from inside the subscription's own callback.
type CancelFunc func()

// TokenSource returns the bearer credential presented when a session is
// created.
type TokenSource func() string

// StaticToken always presents token.
func StaticToken(token string) TokenSource {
	return func() string { return token }
}

var (
	ErrNotConnected     = errors.New("not connected")
	ErrInvalidEnvelope  = errors.New("invalid position envelope")
	ErrConnectRejected  = errors.New("connect rejected")
	ErrHeartbeatTimeout = errors.New("heart-beat timeout")
	ErrProtocol         = errors.New("protocol error")
	ErrSendBufferFull   = errors.New("send buffer full")
)
