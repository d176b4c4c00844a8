// Package export renders stored rides as FIT activity files.
package export

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"time"

	"github.com/tormoder/fit"

	"ridelink/internal/location"
	"ridelink/internal/ride"
)

// ErrEmptyRide is returned for a ride with neither locations nor heart rate.
var ErrEmptyRide = errors.New("export: ride has no locations or heart rate")

// instant is one FIT record: a location, a heart-rate sample, or both when
// they share a timestamp.
type instant struct {
	at  time.Time
	loc *location.Point
	hr  *float64
}

// instants merges locations and heart-rate samples by timestamp. Both inputs
// are already ordered, which the merge relies on.
func instants(r *ride.Ride) []instant {
	out := make([]instant, 0, len(r.Locations)+len(r.HeartRate))
	for i := range r.Locations {
		out = append(out, instant{at: r.Locations[i].Timestamp, loc: &r.Locations[i]})
	}
	for i := range r.HeartRate {
		out = append(out, instant{at: r.HeartRate[i].Timestamp, hr: &r.HeartRate[i].Value})
	}
	slices.SortStableFunc(out, func(a, b instant) int { return a.at.Compare(b.at) })

	merged := out[:0]
	for _, in := range out {
		if n := len(merged); n > 0 && merged[n-1].at.Equal(in.at) {
			last := &merged[n-1]
			if last.loc == nil && in.loc != nil {
				last.loc = in.loc
				continue
			}
			if last.hr == nil && in.hr != nil {
				last.hr = in.hr
				continue
			}
		}
		merged = append(merged, in)
	}
	return merged
}

// Activity builds the FIT file of r: one record per location or heart-rate
// instant, one session and the activity message.
func Activity(r *ride.Ride) (*fit.File, error) {
	points := instants(r)
	if len(points) == 0 {
		return nil, ErrEmptyRide
	}

	f, err := fit.NewFile(fit.FileTypeActivity, fit.NewHeader(fit.V20, true))
	if err != nil {
		return nil, fmt.Errorf("new fit file: %w", err)
	}
	f.FileId.Manufacturer = fit.ManufacturerDevelopment
	f.FileId.TimeCreated = r.EndedAt

	act, err := f.Activity()
	if err != nil {
		return nil, fmt.Errorf("activity file: %w", err)
	}

	var (
		distance float64
		prev     *location.Point
	)
	for _, in := range points {
		rec := fit.NewRecordMsg()
		rec.Timestamp = in.at
		if in.loc != nil {
			if prev != nil {
				distance += location.Distance(*prev, *in.loc)
			}
			prev = in.loc
			rec.PositionLat = fit.NewLatitudeDegrees(in.loc.Latitude)
			rec.PositionLong = fit.NewLongitudeDegrees(in.loc.Longitude)
			if in.loc.Altitude != nil {
				rec.Altitude = scale16(*in.loc.Altitude, 5, 500)
			}
			rec.Distance = scale32(distance, 100)
		}
		if in.hr != nil {
			rec.HeartRate = uint8(math.Round(math.Max(0, math.Min(*in.hr, 254))))
		}
		act.Records = append(act.Records, rec)
	}

	sum := r.Summarize()
	elapsed := scale32(sum.Duration.Seconds(), 1000)

	session := fit.NewSessionMsg()
	session.Timestamp = r.EndedAt
	session.StartTime = r.StartedAt
	session.Sport = fit.SportCycling
	session.TotalElapsedTime = elapsed
	session.TotalTimerTime = elapsed
	session.TotalDistance = scale32(sum.DistanceMeters, 100)
	if sum.HeartRateSamples > 0 {
		session.AvgHeartRate = uint8(math.Round(sum.AvgHeartRate))
		session.MaxHeartRate = uint8(math.Round(sum.MaxHeartRate))
	}
	act.Sessions = append(act.Sessions, session)

	act.Activity = fit.NewActivityMsg()
	act.Activity.Timestamp = r.EndedAt
	act.Activity.TotalTimerTime = elapsed
	act.Activity.NumSessions = 1

	return f, nil
}

// WriteFIT encodes r as a FIT activity to w.
func WriteFIT(w io.Writer, r *ride.Ride) error {
	f, err := Activity(r)
	if err != nil {
		return err
	}
	if err := fit.Encode(w, f, binary.LittleEndian); err != nil {
		return fmt.Errorf("encode fit: %w", err)
	}
	return nil
}

func scale16(v, scale, offset float64) uint16 {
	return uint16(math.Round(math.Max(0, math.Min((v+offset)*scale, math.MaxUint16-1))))
}

func scale32(v, scale float64) uint32 {
	return uint32(math.Round(math.Max(0, math.Min(v*scale, math.MaxUint32-1))))
}
