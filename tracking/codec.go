package tracking

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Envelope is one position update for a booking. Coordinates are degrees;
// out-of-range values are carried through untouched.
type Envelope struct {
	BookingID int64    `json:"bookingId"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Timestamp string   `json:"timestamp"`
	Speed     *float64 `json:"speed,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
}

// Valid reports whether the coordinates lie inside the WGS84 ranges.
func (e Envelope) Valid() bool {
	return e.Latitude >= -90 && e.Latitude <= 90 &&
		e.Longitude >= -180 && e.Longitude <= 180
}

// timestampLayouts are tried in order by Time. The backend serialises a
// zone-less local date-time, browsers send RFC 3339 with a zone.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// Time parses Timestamp. Zone-less values are read as UTC.
func (e Envelope) Time() (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, e.Timestamp); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrInvalidEnvelope, e.Timestamp)
}

// timestampLayout matches the millisecond ISO-8601 form browsers produce.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// DecodeError reports a payload that could not be turned into an Envelope.
type DecodeError struct {
	Destination string
	Size        int
	Err         error
}

func (e *DecodeError) Error() string {
	if e.Destination != "" {
		return fmt.Sprintf("decode %d bytes from %s: %v", e.Size, e.Destination, e.Err)
	}
	return fmt.Sprintf("decode %d bytes: %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// wireEnvelope uses pointers so missing required fields can be told apart
// from zero values.
type wireEnvelope struct {
	BookingID *int64          `json:"bookingId"`
	Latitude  *float64        `json:"latitude"`
	Longitude *float64        `json:"longitude"`
	Timestamp json.RawMessage `json:"timestamp"`
	Speed     *float64        `json:"speed"`
	Heading   *float64        `json:"heading"`
}

func EncodeEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a wire payload. bookingId, latitude, longitude and
// timestamp are required.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, &DecodeError{Size: len(data), Err: fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)}
	}

	var missing []string
	if w.BookingID == nil {
		missing = append(missing, "bookingId")
	}
	if w.Latitude == nil {
		missing = append(missing, "latitude")
	}
	if w.Longitude == nil {
		missing = append(missing, "longitude")
	}
	ts, ok := decodeTimestamp(w.Timestamp)
	if !ok {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return Envelope{}, &DecodeError{
			Size: len(data),
			Err:  fmt.Errorf("%w: missing %s", ErrInvalidEnvelope, strings.Join(missing, ", ")),
		}
	}

	return Envelope{
		BookingID: *w.BookingID,
		Latitude:  *w.Latitude,
		Longitude: *w.Longitude,
		Timestamp: ts,
		Speed:     w.Speed,
		Heading:   w.Heading,
	}, nil
}

// decodeTimestamp accepts a string or the array form [y,m,d,h,mi,s,ns]
// Jackson writes for a LocalDateTime when date-as-timestamp is on.
func decodeTimestamp(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	var parts []int
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) < 3 {
		return "", false
	}
	for len(parts) < 7 {
		parts = append(parts, 0)
	}
	t := time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], parts[6], time.UTC)
	return t.Format("2006-01-02T15:04:05.999999999"), true
}

type UpdateOption func(*Envelope)

func WithSpeed(speed float64) UpdateOption {
	return func(e *Envelope) {
		e.Speed = &speed
	}
}

func WithHeading(heading float64) UpdateOption {
	return func(e *Envelope) {
		e.Heading = &heading
	}
}

// NewEnvelope stamps a position update with now.
func NewEnvelope(bookingID int64, latitude, longitude float64, now time.Time, opts ...UpdateOption) Envelope {
	e := Envelope{
		BookingID: bookingID,
		Latitude:  latitude,
		Longitude: longitude,
		Timestamp: FormatTimestamp(now),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}
