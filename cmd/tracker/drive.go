package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ermn/tracking.go/internal/api"
	"github.com/ermn/tracking.go/tracking"
)

// driveInterval matches how often a driver's app reports its position.
const driveInterval = 5 * time.Second

func runDrive(ctx context.Context, args []string) error {
	var common commonFlags
	var (
		bookingID   int64
		ambulanceID int64
		fromFlag    string
		toFlag      string
		steps       int
		interval    time.Duration
		offline     bool
	)

	fs := newFlagSet("drive")
	fs.Int64VarP(&bookingID, "booking", "b", 0, "booking id to broadcast for")
	fs.Int64VarP(&ambulanceID, "ambulance", "a", 0, "ambulance id whose stored location is updated")
	fs.StringVar(&fromFlag, "from", "", "start position as lat,lng")
	fs.StringVar(&toFlag, "to", "", "end position as lat,lng")
	fs.IntVar(&steps, "steps", 24, "number of updates between start and end")
	fs.DurationVar(&interval, "interval", driveInterval, "time between updates")
	fs.BoolVar(&offline, "offline", false, "skip the REST API and always broadcast")
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if bookingID <= 0 {
		return errors.New("--booking is required")
	}
	from, err := parsePoint(fromFlag)
	if err != nil {
		return err
	}
	to, err := parsePoint(toFlag)
	if err != nil {
		return err
	}

	cfg, logger, err := common.setup()
	if err != nil {
		return err
	}

	reg := newRegistry()
	client, err := newClient(cfg, logger, reg)
	if err != nil {
		return err
	}
	serveMetrics(ctx, cfg, reg, client, logger)
	client.EnsureConnected()
	defer client.Disconnect()

	d := &driver{
		bookingID:   bookingID,
		ambulanceID: ambulanceID,
		client:      client,
		logger:      logger.With("booking_id", bookingID),
	}
	if !offline {
		d.api = api.New(cfg.API.BaseURL, cfg.API.Timeout,
			api.WithTokenSource(cfg.TokenSource()),
			api.WithLogger(logger),
		)
	}

	return d.drive(ctx, newRoute(from, to, steps, interval), interval)
}

// driver mirrors a driver's app: store the ambulance location, then
// broadcast it while the booking is being served.
type driver struct {
	bookingID   int64
	ambulanceID int64
	client      *tracking.Client
	api         *api.Client
	logger      *slog.Logger
}

func (d *driver) drive(ctx context.Context, r *route, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for !r.done() {
		pos, speed, heading := r.next()
		d.tick(ctx, pos, speed, heading)

		if r.done() {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}

	d.logger.Info("route complete")
	return nil
}

func (d *driver) tick(ctx context.Context, pos point, speed, heading float64) {
	if d.api != nil {
		if d.ambulanceID > 0 {
			if _, err := d.api.UpdateAmbulanceLocation(ctx, d.ambulanceID, pos.Lat, pos.Lng); err != nil {
				d.logger.Warn("failed to update location", "error", err)
				return
			}
		}

		booking, err := d.api.GetBooking(ctx, d.bookingID)
		if err != nil {
			d.logger.Warn("failed to fetch booking", "error", err)
			return
		}
		if !booking.Trackable() {
			d.logger.Info("booking not trackable, skipping broadcast", "status", booking.Status)
			return
		}
	}

	d.client.SendUpdate(d.bookingID, pos.Lat, pos.Lng,
		tracking.WithSpeed(speed),
		tracking.WithHeading(heading),
	)
	d.logger.Debug("position sent",
		"latitude", pos.Lat,
		"longitude", pos.Lng,
		"connected", d.client.Connected(),
	)
}
