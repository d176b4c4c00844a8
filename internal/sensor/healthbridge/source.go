// Package healthbridge adapts the platform health service, reached through an
// MQTT bridge, to the sensor and location contracts. The bridge publishes
// typed JSON readings per sensor type; nothing is decoded from binary.
package healthbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"ridelink/internal/link"
	"ridelink/internal/logging"
	"ridelink/internal/sensor"
	"ridelink/internal/stream"
)

// DefaultTopicPrefix is used when Config leaves TopicPrefix empty.
const DefaultTopicPrefix = "ridelink/health"

// Config configures a Source or a LocationFeed.
type Config struct {
	Broker      Broker
	TopicPrefix string
	QoS         byte

	// Buffer bounds the backlog between the broker callback and the consumer.
	Buffer int

	Anomalies sensor.AnomalySink
	Logger    *slog.Logger
	Now       func() time.Time

	// OnDropped, when set, receives the backlog discarded by backpressure
	// each time a subscription ends.
	OnDropped func(kind sensor.Kind, n uint64)
}

func (c *Config) setDefaults(component string) error {
	if c.Broker == nil {
		return errors.New("healthbridge: nil broker")
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = DefaultTopicPrefix
	}
	c.TopicPrefix = strings.TrimSuffix(c.TopicPrefix, "/")
	if c.Logger == nil {
		c.Logger = logging.Component(component)
	}
	if c.Anomalies == nil {
		c.Anomalies = sensor.NewAnomalies(c.Logger)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// Topic returns the topic carrying readings of kind.
func Topic(prefix string, kind sensor.Kind) string {
	return prefix + "/" + string(kind)
}

// ScanTopic is where glucose scan requests are published.
func ScanTopic(prefix string) string {
	return prefix + "/" + string(sensor.Glucose) + "/scan"
}

type wireReading struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	DeviceID  string    `json:"device_id"`
}

type message struct {
	payload []byte
	at      time.Time
}

// Source streams one sensor kind from the bridge. Its state is synthetic:
// Connected while a subscription is live, Disconnected otherwise.
type Source struct {
	cfg     Config
	kind    sensor.Kind
	topic   string
	states  *stream.Feed[link.State]
	claimed atomic.Bool
}

var (
	_ sensor.Source  = (*Source)(nil)
	_ sensor.Scanner = (*Source)(nil)
)

// NewSource creates a Source for kind.
func NewSource(kind sensor.Kind, cfg Config) (*Source, error) {
	if _, err := sensor.Characteristic(kind); err != nil {
		return nil, err
	}
	if err := cfg.setDefaults("healthbridge"); err != nil {
		return nil, err
	}
	cfg.Logger = cfg.Logger.With("kind", string(kind))
	if _, err := compileSchemas(); err != nil {
		return nil, err
	}
	return &Source{
		cfg:    cfg,
		kind:   kind,
		topic:  Topic(cfg.TopicPrefix, kind),
		states: stream.NewFeed(link.Disconnected, 16),
	}, nil
}

func (s *Source) Kind() sensor.Kind { return s.kind }

func (s *Source) States(ctx context.Context) iter.Seq[link.State] {
	return s.states.Seq(ctx)
}

// State returns the synthetic connection state.
func (s *Source) State() link.State { return s.states.Current() }

// Readings subscribes to the kind's topic for the lifetime of the iteration.
// Only one iteration may be active at a time.
func (s *Source) Readings(ctx context.Context) iter.Seq2[sensor.Reading, error] {
	return func(yield func(sensor.Reading, error) bool) {
		if !s.claimed.CompareAndSwap(false, true) {
			yield(sensor.Reading{}, fmt.Errorf("%w: %s", link.ErrStreamClaimed, s.topic))
			return
		}
		defer s.claimed.Store(false)

		buf := stream.NewBuffer[message](s.cfg.Buffer)
		lost := make(chan struct{}, 1)
		unwatch := s.cfg.Broker.Watch(func(connected bool) {
			if !connected {
				select {
				case lost <- struct{}{}:
				default:
				}
			}
		})
		defer unwatch()

		if !s.cfg.Broker.Connected() {
			yield(sensor.Reading{}, fmt.Errorf("%w: broker offline", link.ErrTransportUnavailable))
			return
		}
		err := s.cfg.Broker.Subscribe(s.topic, s.cfg.QoS, func(p []byte) {
			buf.Push(message{payload: p, at: s.cfg.Now()})
		})
		if err != nil {
			yield(sensor.Reading{}, fmt.Errorf("%w: %v", link.ErrTransportUnavailable, err))
			return
		}
		s.states.Publish(link.Connected)
		s.cfg.Logger.Info("subscribed", "topic", s.topic)

		defer func() {
			if err := s.cfg.Broker.Unsubscribe(s.topic); err != nil {
				s.cfg.Logger.Debug("unsubscribe", "topic", s.topic, "error", err)
			}
			s.states.Publish(link.Disconnected)
			if n := buf.Dropped(); n > 0 {
				s.cfg.Logger.Warn("readings dropped by backpressure", "count", n)
				if s.cfg.OnDropped != nil {
					s.cfg.OnDropped(s.kind, n)
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-lost:
				yield(sensor.Reading{}, fmt.Errorf("%w: broker connection lost", link.ErrLinkLost))
				return
			case m := <-buf.C():
				r, ok := s.decode(m)
				if !ok {
					continue
				}
				if !yield(r, nil) {
					return
				}
			}
		}
	}
}

func (s *Source) decode(m message) (sensor.Reading, bool) {
	var w wireReading
	err := decodeValidated(readingSchema, m.payload, &w)
	var v float64
	if err == nil {
		v, err = sensor.Normalize(s.kind, w.Value)
	}
	if err != nil {
		s.cfg.Anomalies.Report(sensor.Anomaly{
			Kind:     s.kind,
			DeviceID: w.DeviceID,
			At:       m.at,
			Err:      fmt.Errorf("%w: %w", sensor.ErrMalformedPayload, err),
		})
		return sensor.Reading{}, false
	}
	return sensor.Reading{Timestamp: w.Timestamp, Kind: s.kind, Value: v, DeviceID: w.DeviceID}, true
}

type scanRequest struct {
	RequestedAt time.Time `json:"requested_at"`
}

// Scan publishes a glucose scan request. It does not wait for the reading.
func (s *Source) Scan(ctx context.Context) error {
	if s.kind != sensor.Glucose {
		return fmt.Errorf("%w: %s over health bridge", sensor.ErrScanUnsupported, s.kind)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(scanRequest{RequestedAt: s.cfg.Now().UTC()})
	if err != nil {
		return err
	}
	if err := s.cfg.Broker.Publish(ScanTopic(s.cfg.TopicPrefix), s.cfg.QoS, payload); err != nil {
		return fmt.Errorf("request glucose scan: %w", err)
	}
	return nil
}
