package healthbridge

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"ridelink/internal/link"
	"ridelink/internal/location"
	"ridelink/internal/stream"
)

// LocationTopic carries location fixes.
func LocationTopic(prefix string) string {
	return prefix + "/location"
}

type wirePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  *float64  `json:"altitude"`
	Accuracy  float64   `json:"accuracy"`
}

// LocationFeed is the location collaborator backed by the bridge.
type LocationFeed struct {
	cfg     Config
	topic   string
	claimed atomic.Bool
}

var _ location.Source = (*LocationFeed)(nil)

// NewLocationFeed creates a LocationFeed.
func NewLocationFeed(cfg Config) (*LocationFeed, error) {
	if err := cfg.setDefaults("location"); err != nil {
		return nil, err
	}
	if _, err := compileSchemas(); err != nil {
		return nil, err
	}
	return &LocationFeed{cfg: cfg, topic: LocationTopic(cfg.TopicPrefix)}, nil
}

// Locations subscribes to the location topic for the lifetime of the
// iteration. Invalid fixes are logged and skipped.
func (f *LocationFeed) Locations(ctx context.Context) iter.Seq2[location.Point, error] {
	return func(yield func(location.Point, error) bool) {
		if !f.claimed.CompareAndSwap(false, true) {
			yield(location.Point{}, fmt.Errorf("%w: %s", link.ErrStreamClaimed, f.topic))
			return
		}
		defer f.claimed.Store(false)

		buf := stream.NewBuffer[[]byte](f.cfg.Buffer)
		lost := make(chan struct{}, 1)
		unwatch := f.cfg.Broker.Watch(func(connected bool) {
			if !connected {
				select {
				case lost <- struct{}{}:
				default:
				}
			}
		})
		defer unwatch()

		if !f.cfg.Broker.Connected() {
			yield(location.Point{}, fmt.Errorf("%w: broker offline", link.ErrTransportUnavailable))
			return
		}
		if err := f.cfg.Broker.Subscribe(f.topic, f.cfg.QoS, func(p []byte) { buf.Push(p) }); err != nil {
			yield(location.Point{}, fmt.Errorf("%w: %v", link.ErrTransportUnavailable, err))
			return
		}
		defer func() {
			if err := f.cfg.Broker.Unsubscribe(f.topic); err != nil {
				f.cfg.Logger.Debug("unsubscribe", "topic", f.topic, "error", err)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-lost:
				yield(location.Point{}, fmt.Errorf("%w: broker connection lost", link.ErrLinkLost))
				return
			case p := <-buf.C():
				pt, err := decodePoint(p)
				if err != nil {
					f.cfg.Logger.Warn("dropping location fix", "error", err)
					continue
				}
				if !yield(pt, nil) {
					return
				}
			}
		}
	}
}

func decodePoint(payload []byte) (location.Point, error) {
	var w wirePoint
	if err := decodeValidated(locationSchema, payload, &w); err != nil {
		return location.Point{}, err
	}
	pt := location.Point{
		Timestamp: w.Timestamp,
		Latitude:  w.Latitude,
		Longitude: w.Longitude,
		Altitude:  w.Altitude,
		Accuracy:  w.Accuracy,
	}
	return pt, pt.Validate()
}
