// Package sensorproxy reads the platform compass exposed by iio-sensor-proxy
// on D-Bus and presents it as a heading sensor.Source.
package sensorproxy

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"ridelink/internal/link"
	"ridelink/internal/logging"
	"ridelink/internal/sensor"
	"ridelink/internal/stream"
)

// DeviceID identifies readings produced by this source.
const DeviceID = "iio-sensor-proxy"

// Config configures a Source.
type Config struct {
	Proxy     Proxy
	Buffer    int
	Anomalies sensor.AnomalySink
	Logger    *slog.Logger
	Now       func() time.Time
}

// Source is the heading source backed by iio-sensor-proxy. Its state is
// Connected while the compass is claimed.
type Source struct {
	cfg     Config
	states  *stream.Feed[link.State]
	claimed atomic.Bool
}

var _ sensor.Source = (*Source)(nil)

// New creates a Source.
func New(cfg Config) (*Source, error) {
	if cfg.Proxy == nil {
		return nil, errors.New("sensorproxy: nil proxy")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("sensorproxy")
	}
	if cfg.Anomalies == nil {
		cfg.Anomalies = sensor.NewAnomalies(cfg.Logger)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Source{cfg: cfg, states: stream.NewFeed(link.Disconnected, 16)}, nil
}

func (s *Source) Kind() sensor.Kind { return sensor.Heading }

func (s *Source) States(ctx context.Context) iter.Seq[link.State] {
	return s.states.Seq(ctx)
}

// State returns the synthetic connection state.
func (s *Source) State() link.State { return s.states.Current() }

type sample struct {
	heading float64
	at      time.Time
}

// Readings claims the compass for the lifetime of the iteration and yields
// the current heading followed by every change.
func (s *Source) Readings(ctx context.Context) iter.Seq2[sensor.Reading, error] {
	return func(yield func(sensor.Reading, error) bool) {
		if !s.claimed.CompareAndSwap(false, true) {
			yield(sensor.Reading{}, fmt.Errorf("%w: compass", link.ErrStreamClaimed))
			return
		}
		defer s.claimed.Store(false)

		proxy := s.cfg.Proxy
		has, err := proxy.HasCompass()
		if err == nil && !has {
			err = errors.New("no compass present")
		}
		if err != nil {
			yield(sensor.Reading{}, fmt.Errorf("%w: %v", link.ErrTransportUnavailable, err))
			return
		}

		buf := stream.NewBuffer[sample](s.cfg.Buffer)
		stop, lost, err := proxy.Watch(func(h float64) {
			buf.Push(sample{heading: h, at: s.cfg.Now()})
		})
		if err != nil {
			yield(sensor.Reading{}, fmt.Errorf("%w: %v", link.ErrTransportUnavailable, err))
			return
		}
		defer stop()

		if err := proxy.ClaimCompass(); err != nil {
			yield(sensor.Reading{}, fmt.Errorf("%w: claim compass: %v", link.ErrTransportUnavailable, err))
			return
		}
		s.states.Publish(link.Connected)
		defer func() {
			if err := proxy.ReleaseCompass(); err != nil {
				s.cfg.Logger.Debug("release compass", "error", err)
			}
			s.states.Publish(link.Disconnected)
		}()

		if h, err := proxy.CompassHeading(); err == nil {
			buf.Push(sample{heading: h, at: s.cfg.Now()})
		} else {
			s.cfg.Logger.Debug("read initial heading", "error", err)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-lost:
				yield(sensor.Reading{}, fmt.Errorf("%w: bus connection closed", link.ErrLinkLost))
				return
			case smp := <-buf.C():
				h, err := sensor.WrapHeading(smp.heading)
				if err != nil {
					s.cfg.Anomalies.Report(sensor.Anomaly{
						Kind:     sensor.Heading,
						DeviceID: DeviceID,
						At:       smp.at,
						Err:      fmt.Errorf("%w: %w", sensor.ErrMalformedPayload, err),
					})
					continue
				}
				r := sensor.Reading{Timestamp: smp.at, Kind: sensor.Heading, Value: h, DeviceID: DeviceID}
				if !yield(r, nil) {
					return
				}
			}
		}
	}
}
