// Package sink forwards position updates received by `tracker watch` to
// downstream systems.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ermn/tracking.go/internal/config"
	"github.com/ermn/tracking.go/tracking"
)

type Sink interface {
	Name() string
	Write(ctx context.Context, env tracking.Envelope) error
	Close() error
}

// Fanout writes every envelope to all of its sinks. One sink failing does
// not stop the others.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, logger: logger.With("component", "sink")}
}

func (f *Fanout) Name() string { return "fanout" }

func (f *Fanout) Write(ctx context.Context, env tracking.Envelope) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Write(ctx, env); err != nil {
			f.logger.Warn("sink write failed", "sink", s.Name(), "booking_id", env.BookingID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Len() int {
	return len(f.sinks)
}

// Build connects every configured sink. On failure the sinks already built
// are closed.
func Build(ctx context.Context, cfgs []config.SinkConfig, logger *slog.Logger) (*Fanout, error) {
	sinks := make([]Sink, 0, len(cfgs))
	for _, cfg := range cfgs {
		s, err := build(ctx, cfg, logger)
		if err != nil {
			for _, built := range sinks {
				built.Close()
			}
			return nil, fmt.Errorf("sink %s: %w", cfg.DisplayName(), err)
		}
		logger.Info("sink ready", "sink", s.Name(), "type", cfg.Type)
		sinks = append(sinks, s)
	}
	return NewFanout(logger, sinks...), nil
}

func build(ctx context.Context, cfg config.SinkConfig, logger *slog.Logger) (Sink, error) {
	name := cfg.DisplayName()
	switch cfg.Type {
	case "log":
		return NewLogSink(name, logger), nil
	case "redis":
		ttl, err := time.ParseDuration(cfg.Get("ttl", "10m"))
		if err != nil {
			return nil, fmt.Errorf("ttl: %w", err)
		}
		db, err := strconv.Atoi(cfg.Get("db", "0"))
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		return NewRedisSink(ctx, name, RedisConfig{
			Addr:      cfg.Get("addr", "localhost:6379"),
			Password:  cfg.Get("password", ""),
			DB:        db,
			KeyPrefix: cfg.Get("key_prefix", DefaultRedisKeyPrefix),
			TTL:       ttl,
		})
	case "mqtt":
		qos, err := strconv.ParseUint(cfg.Get("qos", "1"), 10, 8)
		if err != nil || qos > 2 {
			return nil, fmt.Errorf("%w: qos must be 0, 1 or 2", config.ErrInvalid)
		}
		return NewMQTTSink(ctx, name, MQTTConfig{
			BrokerURL:   cfg.Get("url", "mqtt://localhost:1883"),
			TopicPrefix: cfg.Get("prefix", "ems"),
			QoS:         byte(qos),
		}, logger)
	case "kafka":
		return NewKafkaSink(name, KafkaConfig{
			Brokers: strings.Split(cfg.Get("brokers", "localhost:9092"), ","),
			Topic:   cfg.Get("topic", "tracking.positions"),
		}), nil
	default:
		return nil, fmt.Errorf("%w: unknown sink type %q", config.ErrInvalid, cfg.Type)
	}
}
