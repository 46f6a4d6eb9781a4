package sink

import (
	"context"
	"log/slog"

	"github.com/ermn/tracking.go/tracking"
)

// LogSink writes each position as a structured log record.
type LogSink struct {
	name   string
	logger *slog.Logger
}

func NewLogSink(name string, logger *slog.Logger) *LogSink {
	return &LogSink{name: name, logger: logger.With("sink", name)}
}

func (s *LogSink) Name() string { return s.name }

func (s *LogSink) Write(ctx context.Context, env tracking.Envelope) error {
	attrs := []any{
		"booking_id", env.BookingID,
		"latitude", env.Latitude,
		"longitude", env.Longitude,
		"timestamp", env.Timestamp,
	}
	if env.Speed != nil {
		attrs = append(attrs, "speed", *env.Speed)
	}
	if env.Heading != nil {
		attrs = append(attrs, "heading", *env.Heading)
	}
	if !env.Valid() {
		attrs = append(attrs, "out_of_range", true)
	}
	s.logger.InfoContext(ctx, "position", attrs...)
	return nil
}

func (s *LogSink) Close() error { return nil }
