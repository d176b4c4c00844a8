// Package location holds the location sample type consumed by the ride
// recorder and the contract of whatever supplies it.
package location

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"time"
)

// EarthRadius is the mean Earth radius in meters.
const EarthRadius = 6371008.8

// ErrInvalidPoint is returned for coordinates outside the WGS84 range.
var ErrInvalidPoint = errors.New("location: invalid point")

// Point is one location fix.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  *float64  `json:"altitude,omitempty"` // meters
	Accuracy  float64   `json:"accuracy"`           // meters, horizontal
}

// Validate checks the coordinate ranges of p.
func (p Point) Validate() error {
	switch {
	case math.IsNaN(p.Latitude) || p.Latitude < -90 || p.Latitude > 90:
		return fmt.Errorf("%w: latitude %v", ErrInvalidPoint, p.Latitude)
	case math.IsNaN(p.Longitude) || p.Longitude < -180 || p.Longitude > 180:
		return fmt.Errorf("%w: longitude %v", ErrInvalidPoint, p.Longitude)
	case math.IsNaN(p.Accuracy) || p.Accuracy < 0:
		return fmt.Errorf("%w: accuracy %v", ErrInvalidPoint, p.Accuracy)
	case p.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidPoint)
	}
	return nil
}

// Source supplies location fixes. Like sensor sources, the sequence ends
// silently on cancellation and with one error when the feed goes away.
type Source interface {
	Locations(ctx context.Context) iter.Seq2[Point, error]
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}

// PathLength sums the distances between consecutive points.
func PathLength(points []Point) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += Distance(points[i-1], points[i])
	}
	return total
}
