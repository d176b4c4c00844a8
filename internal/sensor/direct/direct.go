// Package direct adapts a GATT sensor reached over a direct wireless link to
// the sensor.Source contract.
package direct

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"ridelink/internal/link"
	"ridelink/internal/logging"
	"ridelink/internal/sensor"
)

// Config configures a Source.
type Config struct {
	Kind     sensor.Kind
	DeviceID string

	// Machine owns the link to DeviceID. It must be configured to enable
	// notifications on the measurement characteristic of Kind.
	Machine *link.Machine

	Anomalies sensor.AnomalySink
	Logger    *slog.Logger
	Now       func() time.Time

	// OnDropped, when set, receives the number of notifications discarded
	// by backpressure each time a Readings iteration ends.
	OnDropped func(kind sensor.Kind, n uint64)
}

// Source decodes the measurement notifications of one device.
type Source struct {
	kind     sensor.Kind
	deviceID string
	machine  *link.Machine
	char     string
	decode   sensor.Decoder

	anomalies sensor.AnomalySink
	logger    *slog.Logger
	now       func() time.Time
	onDropped func(sensor.Kind, uint64)
}

var (
	_ sensor.Source    = (*Source)(nil)
	_ sensor.Scanner   = (*Source)(nil)
	_ sensor.Connector = (*Source)(nil)
)

// New validates cfg and builds a Source.
func New(cfg Config) (*Source, error) {
	if cfg.Machine == nil {
		return nil, errors.New("direct: nil link machine")
	}
	if err := link.ValidateDeviceID(cfg.DeviceID); err != nil {
		return nil, err
	}
	char, err := sensor.Characteristic(cfg.Kind)
	if err != nil {
		return nil, err
	}
	decode, err := sensor.DecoderFor(cfg.Kind)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("direct")
	}
	logger = logger.With("kind", string(cfg.Kind), "device", cfg.DeviceID)
	anomalies := cfg.Anomalies
	if anomalies == nil {
		anomalies = sensor.NewAnomalies(logger)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Source{
		kind:      cfg.Kind,
		deviceID:  cfg.DeviceID,
		machine:   cfg.Machine,
		char:      char,
		decode:    decode,
		anomalies: anomalies,
		logger:    logger,
		now:       now,
		onDropped: cfg.OnDropped,
	}, nil
}

// MeasurementCharacteristics returns the characteristics a machine serving
// kind must enable.
func MeasurementCharacteristics(kind sensor.Kind) ([]string, error) {
	char, err := sensor.Characteristic(kind)
	if err != nil {
		return nil, err
	}
	return []string{char}, nil
}

func (s *Source) Kind() sensor.Kind { return s.kind }

// DeviceID returns the device this source reads from.
func (s *Source) DeviceID() string { return s.deviceID }

func (s *Source) States(ctx context.Context) iter.Seq[link.State] {
	return s.machine.States(ctx)
}

func (s *Source) State() link.State { return s.machine.State() }

func (s *Source) Connect(ctx context.Context) error {
	return s.machine.Connect(ctx, s.deviceID)
}

func (s *Source) Disconnect() { s.machine.Disconnect() }

// Readings connects if needed, claims the notification stream and yields
// decoded readings until ctx ends, the consumer stops or the link goes down.
func (s *Source) Readings(ctx context.Context) iter.Seq2[sensor.Reading, error] {
	return func(yield func(sensor.Reading, error) bool) {
		if err := s.machine.Connect(ctx, s.deviceID); err != nil {
			if ctx.Err() == nil {
				yield(sensor.Reading{}, fmt.Errorf("connect %s: %w", s.deviceID, err))
			}
			return
		}
		st, err := s.machine.Claim()
		if err != nil {
			if errors.Is(err, link.ErrNotConnected) {
				// Lost between Connect and Claim.
				if cause := s.machine.Err(); cause != nil {
					err = cause
				}
			}
			yield(sensor.Reading{}, err)
			return
		}
		defer func() {
			if n := st.Dropped(); n > 0 && s.onDropped != nil {
				s.onDropped(s.kind, n)
			}
			st.Release()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-st.Done():
				err := st.Err()
				if err == nil {
					err = link.ErrLinkLost
				}
				yield(sensor.Reading{}, err)
				return
			case n := <-st.C():
				r, ok := s.reading(n)
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

func (s *Source) reading(n link.Notification) (sensor.Reading, bool) {
	if !sensor.SameUUID(n.Characteristic, s.char) {
		return sensor.Reading{}, false
	}
	at := n.ReceivedAt
	if at.IsZero() {
		at = s.now()
	}
	v, err := s.decode(n.Payload)
	if err != nil {
		s.anomalies.Report(sensor.Anomaly{Kind: s.kind, DeviceID: s.deviceID, At: at, Err: err})
		return sensor.Reading{}, false
	}
	return sensor.Reading{Timestamp: at, Kind: s.kind, Value: v, DeviceID: s.deviceID}, true
}

// Scan asks a glucose meter to report its last stored record. The record
// arrives on Readings.
func (s *Source) Scan(ctx context.Context) error {
	if s.kind != sensor.Glucose {
		return fmt.Errorf("%w: %s over direct link", sensor.ErrScanUnsupported, s.kind)
	}
	if err := s.machine.Write(ctx, sensor.RecordAccessControlPoint, sensor.RACPReportLastRecord); err != nil {
		return fmt.Errorf("request last glucose record: %w", err)
	}
	s.logger.Debug("requested last stored record")
	return nil
}
