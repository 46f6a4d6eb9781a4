package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/ermn/tracking.go/internal/config"
)

func TestParsePoint(t *testing.T) {
	p, err := parsePoint("6.9271, 79.8612")
	if err != nil {
		t.Fatalf("parsePoint failed: %v", err)
	}
	if p.Lat != 6.9271 || p.Lng != 79.8612 {
		t.Errorf("Unexpected point %+v", p)
	}

	for _, bad := range []string{"", "6.9", "north,east", "91,0", "0,181"} {
		if _, err := parsePoint(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestDistanceAndBearing(t *testing.T) {
	origin := point{0, 0}
	north := point{1, 0}
	east := point{0, 1}

	// One degree of latitude is roughly 111.2 km.
	if d := distance(origin, north); math.Abs(d-111195) > 50 {
		t.Errorf("Expected ~111195m, got %.0f", d)
	}
	if b := bearing(origin, north); math.Abs(b) > 1e-9 {
		t.Errorf("Expected bearing 0, got %f", b)
	}
	if b := bearing(origin, east); math.Abs(b-90) > 1e-9 {
		t.Errorf("Expected bearing 90, got %f", b)
	}
	if b := bearing(north, origin); math.Abs(b-180) > 1e-9 {
		t.Errorf("Expected bearing 180, got %f", b)
	}
}

func TestRouteWalksToDestination(t *testing.T) {
	from := point{6.90, 79.85}
	to := point{6.92, 79.87}
	r := newRoute(from, to, 4, 5*time.Second)

	var last point
	n := 0
	for !r.done() {
		var speed float64
		last, speed, _ = r.next()
		if speed <= 0 {
			t.Errorf("Step %d: expected positive speed, got %f", n, speed)
		}
		n++
	}
	if n != 4 {
		t.Errorf("Expected 4 steps, got %d", n)
	}
	if math.Abs(last.Lat-to.Lat) > 1e-12 || math.Abs(last.Lng-to.Lng) > 1e-12 {
		t.Errorf("Expected to end at %+v, got %+v", to, last)
	}
}

func TestPollingURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ws://localhost:8080/ws/tracking/", "http://localhost:8080/ws/tracking"},
		{"wss://ems.example/ws/tracking", "https://ems.example/ws/tracking"},
		{"http://localhost:8080/poll", "http://localhost:8080/poll"},
	}
	for _, tt := range tests {
		got, err := pollingURL(tt.in)
		if err != nil {
			t.Fatalf("pollingURL(%q) failed: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("pollingURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := pollingURL("ftp://host/x"); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Expected ErrInvalid for ftp scheme, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger("debug", "json"); err != nil {
		t.Errorf("newLogger failed: %v", err)
	}
	if _, err := newLogger("loud", "text"); err == nil {
		t.Error("Expected error for unknown level")
	}
	if _, err := newLogger("info", "xml"); err == nil {
		t.Error("Expected error for unknown format")
	}
}

func TestOpenSinksFallsBackToLog(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	out, err := openSinks(context.Background(), nil, logger)
	if err != nil {
		t.Fatalf("openSinks failed: %v", err)
	}
	defer out.Close()

	if out.Len() != 1 {
		t.Fatalf("Expected the stdout fallback, got %d sinks", out.Len())
	}
}
