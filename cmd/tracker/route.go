package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const earthRadiusMeters = 6371000.0

type point struct {
	Lat, Lng float64
}

func parsePoint(s string) (point, error) {
	lat, lng, ok := strings.Cut(s, ",")
	if !ok {
		return point{}, fmt.Errorf("point %q: want lat,lng", s)
	}
	var p point
	var err error
	if p.Lat, err = strconv.ParseFloat(strings.TrimSpace(lat), 64); err != nil {
		return point{}, fmt.Errorf("point %q: %w", s, err)
	}
	if p.Lng, err = strconv.ParseFloat(strings.TrimSpace(lng), 64); err != nil {
		return point{}, fmt.Errorf("point %q: %w", s, err)
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return point{}, fmt.Errorf("point %q: out of range", s)
	}
	return p, nil
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// distance is the haversine distance in meters.
func distance(a, b point) float64 {
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(a.Lat))*math.Cos(radians(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// bearing is the initial heading from a to b in degrees clockwise from north.
func bearing(a, b point) float64 {
	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dLng := radians(b.Lng - a.Lng)
	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// route walks a straight line between two points in fixed steps.
type route struct {
	from, to point
	steps    int
	step     int
	interval time.Duration
}

func newRoute(from, to point, steps int, interval time.Duration) *route {
	if steps < 1 {
		steps = 1
	}
	return &route{from: from, to: to, steps: steps, interval: interval}
}

func (r *route) done() bool {
	return r.step >= r.steps
}

// next advances one step and returns the new position with the speed in
// m/s and heading needed to cover it in one interval.
func (r *route) next() (pos point, speed, heading float64) {
	prev := r.at(r.step)
	if r.step < r.steps {
		r.step++
	}
	pos = r.at(r.step)

	if r.interval > 0 {
		speed = distance(prev, pos) / r.interval.Seconds()
	}
	heading = bearing(r.from, r.to)
	return pos, speed, heading
}

func (r *route) at(step int) point {
	f := float64(step) / float64(r.steps)
	return point{
		Lat: r.from.Lat + (r.to.Lat-r.from.Lat)*f,
		Lng: r.from.Lng + (r.to.Lng-r.from.Lng)*f,
	}
}
