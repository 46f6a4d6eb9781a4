package sink

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ermn/tracking.go/tracking"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
)

type MQTTConfig struct {
	BrokerURL   string
	TopicPrefix string
	QoS         byte
}

type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Disconnect(ctx context.Context) error
}

type connection interface {
	publisher
	AwaitConnection(ctx context.Context) error
}

// mqttDisconnectTimeout bounds the teardown of a connection that never came up.
const mqttDisconnectTimeout = 5 * time.Second

// MQTTSink republishes positions to {prefix}/tracking/{bookingId} over
// MQTT 5.
type MQTTSink struct {
	name   string
	cm     publisher
	prefix string
	qos    byte
}

func NewMQTTSink(ctx context.Context, name string, cfg MQTTConfig, logger *slog.Logger) (*MQTTSink, error) {
	serverURL, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("mqtt invalid URL: %w", err)
	}

	clientCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{serverURL},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         60,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			logger.Info("mqtt connection up", "sink", name)
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connect failed", "sink", name, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "tracker-" + name + "-" + uuid.NewString()[:8],
		},
	}

	cm, err := autopaho.NewConnection(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connection: %w", err)
	}
	if err := awaitConnection(ctx, cm); err != nil {
		return nil, err
	}

	return newMQTTSink(name, cm, cfg.TopicPrefix, cfg.QoS), nil
}

// awaitConnection waits for the first connection and stops cm's retry loop
// if it never arrives.
func awaitConnection(ctx context.Context, cm connection) error {
	if err := cm.AwaitConnection(ctx); err != nil {
		dctx, cancel := context.WithTimeout(context.Background(), mqttDisconnectTimeout)
		defer cancel()
		cm.Disconnect(dctx)
		return fmt.Errorf("mqtt await connection: %w", err)
	}
	return nil
}

func newMQTTSink(name string, cm publisher, prefix string, qos byte) *MQTTSink {
	return &MQTTSink{
		name:   name,
		cm:     cm,
		prefix: strings.TrimSuffix(prefix, "/"),
		qos:    qos,
	}
}

func (s *MQTTSink) Name() string { return s.name }

func (s *MQTTSink) topic(bookingID int64) string {
	t := "tracking/" + strconv.FormatInt(bookingID, 10)
	if s.prefix == "" {
		return t
	}
	return s.prefix + "/" + t
}

func (s *MQTTSink) Write(ctx context.Context, env tracking.Envelope) error {
	payload, err := tracking.EncodeEnvelope(env)
	if err != nil {
		return err
	}

	_, err = s.cm.Publish(ctx, &paho.Publish{
		Topic:   s.topic(env.BookingID),
		QoS:     s.qos,
		Payload: payload,
		Properties: &paho.PublishProperties{
			ContentType: "application/json",
		},
	})
	return err
}

func (s *MQTTSink) Close() error {
	return s.cm.Disconnect(context.Background())
}
