// Package ride records rides: it fuses location fixes and sensor readings
// into an in-memory Session while recording is active and finalizes the
// session into an immutable Ride on stop.
package ride

import (
	"errors"
	"fmt"
	"time"

	"ridelink/internal/location"
	"ridelink/internal/sensor"
)

// Ride is a finished, persisted ride. Only HealthDataSynced ever changes
// after the ride is written.
type Ride struct {
	ID               string           `json:"id"`
	StartedAt        time.Time        `json:"started_at"`
	EndedAt          time.Time        `json:"ended_at"`
	Locations        []location.Point `json:"locations"`
	HeartRate        []sensor.Reading `json:"heart_rate"`
	Glucose          []sensor.Reading `json:"glucose"`
	Heading          []sensor.Reading `json:"heading"`
	HealthDataSynced bool             `json:"health_data_synced"`
}

// ErrInvalidRide is returned by Validate.
var ErrInvalidRide = errors.New("ride: invalid ride")

// Samples returns the readings of kind.
func (r *Ride) Samples(kind sensor.Kind) []sensor.Reading {
	switch kind {
	case sensor.HeartRate:
		return r.HeartRate
	case sensor.Glucose:
		return r.Glucose
	case sensor.Heading:
		return r.Heading
	default:
		return nil
	}
}

func (r *Ride) setSamples(kind sensor.Kind, s []sensor.Reading) {
	switch kind {
	case sensor.HeartRate:
		r.HeartRate = s
	case sensor.Glucose:
		r.Glucose = s
	case sensor.Heading:
		r.Heading = s
	}
}

// Validate checks the structural invariants of r.
func (r *Ride) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRide)
	}
	if r.EndedAt.Before(r.StartedAt) {
		return fmt.Errorf("%w: ended %s before it started %s", ErrInvalidRide, r.EndedAt, r.StartedAt)
	}
	for i := 1; i < len(r.Locations); i++ {
		if r.Locations[i].Timestamp.Before(r.Locations[i-1].Timestamp) {
			return fmt.Errorf("%w: locations out of order at %d", ErrInvalidRide, i)
		}
	}
	for _, kind := range sensor.Kinds {
		s := r.Samples(kind)
		for i := range s {
			if s[i].Kind != kind {
				return fmt.Errorf("%w: %s sample in %s sequence", ErrInvalidRide, s[i].Kind, kind)
			}
			if i > 0 && s[i].Timestamp.Before(s[i-1].Timestamp) {
				return fmt.Errorf("%w: %s samples out of order at %d", ErrInvalidRide, kind, i)
			}
		}
	}
	return nil
}

// Summary condenses a ride for listings.
type Summary struct {
	ID               string        `json:"id"`
	StartedAt        time.Time     `json:"started_at"`
	EndedAt          time.Time     `json:"ended_at"`
	Duration         time.Duration `json:"duration"`
	DistanceMeters   float64       `json:"distance_m"`
	AvgHeartRate     float64       `json:"avg_heart_rate,omitempty"`
	MaxHeartRate     float64       `json:"max_heart_rate,omitempty"`
	Locations        int           `json:"locations"`
	HeartRateSamples int           `json:"heart_rate_samples"`
	GlucoseSamples   int           `json:"glucose_samples"`
	HeadingSamples   int           `json:"heading_samples"`
	HealthDataSynced bool          `json:"health_data_synced"`
}

// Summarize computes the summary of r.
func (r *Ride) Summarize() Summary {
	s := Summary{
		ID:               r.ID,
		StartedAt:        r.StartedAt,
		EndedAt:          r.EndedAt,
		Duration:         r.EndedAt.Sub(r.StartedAt),
		DistanceMeters:   location.PathLength(r.Locations),
		Locations:        len(r.Locations),
		HeartRateSamples: len(r.HeartRate),
		GlucoseSamples:   len(r.Glucose),
		HeadingSamples:   len(r.Heading),
		HealthDataSynced: r.HealthDataSynced,
	}
	if len(r.HeartRate) > 0 {
		var sum float64
		for _, hr := range r.HeartRate {
			sum += hr.Value
			if hr.Value > s.MaxHeartRate {
				s.MaxHeartRate = hr.Value
			}
		}
		s.AvgHeartRate = sum / float64(len(r.HeartRate))
	}
	return s
}
