package ride

import (
	"slices"
	"sort"
	"time"

	"ridelink/internal/location"
	"ridelink/internal/sensor"
)

// Session is the ride being recorded. It is owned by the recorder's owner
// goroutine and never shared.
type Session struct {
	ID        string
	StartedAt time.Time
	Locations []location.Point
	Samples   map[sensor.Kind][]sensor.Reading
}

func newSession(id string, startedAt time.Time) *Session {
	return &Session{
		ID:        id,
		StartedAt: startedAt,
		Samples:   make(map[sensor.Kind][]sensor.Reading),
	}
}

// AddReading inserts r after every sample with a timestamp not later than
// its own.
func (s *Session) AddReading(r sensor.Reading) {
	seq := s.Samples[r.Kind]
	i := sort.Search(len(seq), func(i int) bool { return seq[i].Timestamp.After(r.Timestamp) })
	s.Samples[r.Kind] = slices.Insert(seq, i, r)
}

// AddLocation inserts p in timestamp order.
func (s *Session) AddLocation(p location.Point) {
	i := sort.Search(len(s.Locations), func(i int) bool { return s.Locations[i].Timestamp.After(p.Timestamp) })
	s.Locations = slices.Insert(s.Locations, i, p)
}

// Counts returns the number of samples per kind.
func (s *Session) Counts() map[sensor.Kind]int {
	out := make(map[sensor.Kind]int, len(s.Samples))
	for k, v := range s.Samples {
		out[k] = len(v)
	}
	return out
}

// Finalize converts the session into an unsynced Ride ending at endedAt,
// clamped so it never ends before it started.
func (s *Session) Finalize(endedAt time.Time) Ride {
	if endedAt.Before(s.StartedAt) {
		endedAt = s.StartedAt
	}
	r := Ride{
		ID:        s.ID,
		StartedAt: s.StartedAt,
		EndedAt:   endedAt,
		Locations: nonNil(s.Locations),
	}
	for _, kind := range sensor.Kinds {
		r.setSamples(kind, nonNil(s.Samples[kind]))
	}
	return r
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
