// Package stomp adapts the go-stomp frame codec to transports that carry one
// STOMP frame per message, such as WebSocket or a long-polling entry.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

type Frame = frame.Frame

const (
	CommandConnect     = frame.CONNECT
	CommandStomp       = frame.STOMP
	CommandConnected   = frame.CONNECTED
	CommandSend        = frame.SEND
	CommandSubscribe   = frame.SUBSCRIBE
	CommandUnsubscribe = frame.UNSUBSCRIBE
	CommandDisconnect  = frame.DISCONNECT
	CommandMessage     = frame.MESSAGE
	CommandReceipt     = frame.RECEIPT
	CommandError       = frame.ERROR
)

const (
	HeaderAcceptVersion = frame.AcceptVersion
	HeaderVersion       = frame.Version
	HeaderHost          = frame.Host
	HeaderHeartBeat     = frame.HeartBeat
	HeaderDestination   = frame.Destination
	HeaderID            = frame.Id
	HeaderSubscription  = frame.Subscription
	HeaderMessageID     = frame.MessageId
	HeaderContentType   = frame.ContentType
	HeaderContentLength = frame.ContentLength
	HeaderReceipt       = frame.Receipt
	HeaderReceiptID     = frame.ReceiptId
	HeaderMessage       = frame.Message
	HeaderAck           = frame.Ack

	// HeaderAuthorization carries the bearer token on CONNECT, as the
	// backend's channel interceptor expects.
	HeaderAuthorization = "Authorization"
)

var (
	// ErrHeartbeat is returned by Decode for payloads made only of EOLs.
	ErrHeartbeat = errors.New("stomp: heart-beat")
	ErrMalformed = errors.New("stomp: malformed frame")
)

// Heartbeat is the single EOL a peer writes to keep the connection alive.
var Heartbeat = []byte("\n")

func New(command string, headers ...string) *Frame {
	return frame.New(command, headers...)
}

// Encode serialises f. content-length is set whenever the frame has a body.
func Encode(f *Frame) []byte {
	if len(f.Body) > 0 {
		f.Header.Set(HeaderContentLength, strconv.Itoa(len(f.Body)))
	}

	var buf bytes.Buffer
	// Writing to a bytes.Buffer cannot fail.
	frame.NewWriter(&buf).Write(f)
	return buf.Bytes()
}

// Decode parses the single frame in data. A payload holding nothing but EOLs
// is a heart-beat.
func Decode(data []byte) (*Frame, error) {
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return nil, ErrHeartbeat
	}

	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f == nil {
		return nil, ErrHeartbeat
	}
	return f, nil
}

// FormatHeartbeat renders a heart-beat header value in milliseconds.
func FormatHeartbeat(send, recv time.Duration) string {
	return strconv.FormatInt(send.Milliseconds(), 10) + "," + strconv.FormatInt(recv.Milliseconds(), 10)
}

// ParseHeartbeat reads "cx,cy". An absent header means no heart-beating.
func ParseHeartbeat(value string) (send, recv time.Duration, err error) {
	if value == "" {
		return 0, 0, nil
	}
	send, recv, err = frame.ParseHeartBeat(value)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: heart-beat %q: %v", ErrMalformed, value, err)
	}
	return send, recv, nil
}

// Negotiate returns the intervals at which the client must send heart-beats
// and may expect them from the server. Zero disables that direction.
func Negotiate(clientSend, clientRecv, serverSend, serverRecv time.Duration) (send, recv time.Duration) {
	if clientSend > 0 && serverRecv > 0 {
		send = max(clientSend, serverRecv)
	}
	if clientRecv > 0 && serverSend > 0 {
		recv = max(clientRecv, serverSend)
	}
	return send, recv
}
