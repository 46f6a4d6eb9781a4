package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ermn/tracking.go/internal/config"
	"github.com/ermn/tracking.go/internal/sink"
	"github.com/ermn/tracking.go/tracking"
)

func runWatch(ctx context.Context, args []string) error {
	var common commonFlags
	var bookings []int64

	fs := newFlagSet("watch")
	fs.Int64SliceVarP(&bookings, "booking", "b", nil, "booking id to follow (repeatable)")
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(bookings) == 0 {
		return errors.New("at least one --booking is required")
	}

	cfg, logger, err := common.setup()
	if err != nil {
		return err
	}

	out, err := openSinks(ctx, cfg.Sinks, logger)
	if err != nil {
		return err
	}
	defer out.Close()

	reg := newRegistry()
	client, err := newClient(cfg, logger, reg)
	if err != nil {
		return err
	}
	serveMetrics(ctx, cfg, reg, client, logger)

	cancels := make([]tracking.CancelFunc, 0, len(bookings))
	for _, id := range bookings {
		bookingID := id
		cancels = append(cancels, client.Subscribe(bookingID, func(env tracking.Envelope) {
			if env.BookingID != bookingID {
				logger.Warn("update for another booking on topic", "topic", tracking.Topic(bookingID), "booking_id", env.BookingID)
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			out.Write(writeCtx, env)
		}))
		logger.Info("watching booking", "booking_id", bookingID, "topic", tracking.Topic(bookingID))
	}

	client.EnsureConnected()

	<-ctx.Done()

	for _, cancel := range cancels {
		cancel()
	}
	client.Disconnect()
	logger.Info("stopped watching", "bookings", len(bookings))
	return nil
}

// openSinks builds the configured sinks. Without any, positions are logged.
func openSinks(ctx context.Context, cfgs []config.SinkConfig, logger *slog.Logger) (*sink.Fanout, error) {
	out, err := sink.Build(ctx, cfgs, logger)
	if err != nil {
		return nil, err
	}
	if out.Len() > 0 {
		return out, nil
	}
	out.Close()
	return sink.NewFanout(logger, sink.NewLogSink("stdout", logger)), nil
}
