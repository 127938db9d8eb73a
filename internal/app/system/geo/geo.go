// Package geo holds the plausibility checks applied to driver position
// reports. A heartbeat that claims a position far from the previous report,
// or one that implies an impossible speed, is rejected before it touches the
// live status row — this is an anti-spoofing filter, not navigation math.
package geo

import (
	"math"
	"time"
)

// earthRadiusMeters is the mean Earth radius used by the haversine formula.
const earthRadiusMeters = 6371000.0

// Plausibility limits for a campus bus. MaxJumpMeters bounds a single hop
// regardless of elapsed time; MaxSpeedKMH bounds sustained movement.
const (
	DefaultMaxJumpMeters = 5000.0
	DefaultMaxSpeedKMH   = 120.0
)

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DistanceMeters returns the haversine great-circle distance between two
// points in meters.
func DistanceMeters(a, b Point) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	dPhi := (b.Lat - a.Lat) * math.Pi / 180
	dLambda := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c
}

// Checker validates position updates against jump and speed limits.
// The zero value is not usable; construct with NewChecker.
type Checker struct {
	maxJumpMeters float64
	maxSpeedMPS   float64
}

// NewChecker builds a Checker. Non-positive limits fall back to the defaults.
func NewChecker(maxJumpMeters, maxSpeedKMH float64) *Checker {
	if maxJumpMeters <= 0 {
		maxJumpMeters = DefaultMaxJumpMeters
	}
	if maxSpeedKMH <= 0 {
		maxSpeedKMH = DefaultMaxSpeedKMH
	}
	return &Checker{
		maxJumpMeters: maxJumpMeters,
		maxSpeedMPS:   maxSpeedKMH * 1000 / 3600,
	}
}

// PlausibleMove reports whether moving from prev to next over the elapsed
// duration is physically plausible. A non-positive elapsed duration only
// passes if the positions are effectively identical (GPS jitter allowance).
func (c *Checker) PlausibleMove(prev, next Point, elapsed time.Duration) bool {
	dist := DistanceMeters(prev, next)
	if dist > c.maxJumpMeters {
		return false
	}
	if elapsed <= 0 {
		return dist < 50 // jitter allowance for same-instant reports
	}
	return dist/elapsed.Seconds() <= c.maxSpeedMPS
}
