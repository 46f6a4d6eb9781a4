// Package api is a small client for the dispatch REST API used by
// `tracker drive`.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ermn/tracking.go/tracking"
)

var ErrUnexpectedStatus = errors.New("unexpected status")

type BookingStatus string

const (
	StatusRequested BookingStatus = "REQUESTED"
	StatusAssigned  BookingStatus = "ASSIGNED"
	StatusEnRoute   BookingStatus = "EN_ROUTE"
	StatusArrived   BookingStatus = "ARRIVED"
	StatusCompleted BookingStatus = "COMPLETED"
	StatusCancelled BookingStatus = "CANCELLED"
)

type Ambulance struct {
	ID               int64    `json:"id"`
	VehicleNumber    string   `json:"vehicleNumber"`
	Available        bool     `json:"isAvailable"`
	CurrentLatitude  *float64 `json:"currentLatitude"`
	CurrentLongitude *float64 `json:"currentLongitude"`
}

type Booking struct {
	ID                   int64         `json:"id"`
	Status               BookingStatus `json:"status"`
	Ambulance            *Ambulance    `json:"ambulance"`
	PickupLatitude       float64       `json:"pickupLatitude"`
	PickupLongitude      float64       `json:"pickupLongitude"`
	DestinationLatitude  *float64      `json:"destinationLatitude"`
	DestinationLongitude *float64      `json:"destinationLongitude"`
}

// Trackable reports whether the ambulance should be broadcasting its
// position for this booking.
func (b Booking) Trackable() bool {
	return b.Status == StatusAssigned || b.Status == StatusEnRoute
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func WithTokenSource(ts tracking.TokenSource) Option {
	return func(c *Client) {
		c.token = ts
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

type Client struct {
	baseURL string
	http    *http.Client
	token   tracking.TokenSource
	logger  *slog.Logger
}

// New returns a client for baseURL, which already carries the /api prefix.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		token:   tracking.StaticToken(""),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "api")
	return c
}

type locationRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// UpdateAmbulanceLocation stores the ambulance's current position.
func (c *Client) UpdateAmbulanceLocation(ctx context.Context, ambulanceID int64, latitude, longitude float64) (*Ambulance, error) {
	var out Ambulance
	path := "/ambulances/" + strconv.FormatInt(ambulanceID, 10) + "/location"
	if err := c.do(ctx, http.MethodPut, path, locationRequest{latitude, longitude}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetBooking(ctx context.Context, bookingID int64) (*Booking, error) {
	var out Booking
	if err := c.do(ctx, http.MethodGet, "/bookings/"+strconv.FormatInt(bookingID, 10), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Debug("api request failed", "method", method, "path", path, "status", resp.StatusCode)
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrUnexpectedStatus, method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
