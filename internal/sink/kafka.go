package sink

import (
	"context"
	"strconv"
	"time"

	"github.com/ermn/tracking.go/tracking"

	"github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink appends positions to a topic keyed by booking id, so each
// booking's updates stay ordered within one partition.
type KafkaSink struct {
	name   string
	writer messageWriter
}

func NewKafkaSink(name string, cfg KafkaConfig) *KafkaSink {
	return newKafkaSink(name, &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	})
}

func newKafkaSink(name string, w messageWriter) *KafkaSink {
	return &KafkaSink{name: name, writer: w}
}

func (s *KafkaSink) Name() string { return s.name }

func (s *KafkaSink) Write(ctx context.Context, env tracking.Envelope) error {
	value, err := tracking.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(env.BookingID, 10)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
