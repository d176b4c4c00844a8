// Package sensor defines the normalized reading model shared by every sensor
// transport: sensor kinds, readings, the Source contract adapters implement,
// numeric normalization, GATT payload decoders and anomaly signalling.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"ridelink/internal/link"
)

// Kind identifies a sensor kind.
type Kind string

const (
	HeartRate Kind = "heart_rate"
	Glucose   Kind = "glucose"
	Heading   Kind = "heading"
)

// Kinds lists every supported kind in display order.
var Kinds = []Kind{HeartRate, Glucose, Heading}

// ParseKind accepts the canonical name and a few common spellings.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "heart_rate", "heartrate", "hr":
		return HeartRate, nil
	case "glucose", "bg":
		return Glucose, nil
	case "heading", "compass":
		return Heading, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Unit returns the unit values of k are expressed in.
func (k Kind) Unit() string {
	switch k {
	case HeartRate:
		return "bpm"
	case Glucose:
		return "mmol/L"
	case Heading:
		return "deg"
	default:
		return ""
	}
}

// Reading is one normalized sample. Readings are values and are never
// modified after an adapter emits them.
type Reading struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	Value     float64   `json:"value"`
	DeviceID  string    `json:"device_id"`
}

var (
	// ErrMalformedPayload marks a single payload that could not be decoded.
	ErrMalformedPayload = errors.New("sensor: malformed payload")
	// ErrOutOfRange marks a decoded value outside the plausible range of its kind.
	ErrOutOfRange = errors.New("sensor: value out of range")
	// ErrUnknownKind is returned for an unsupported sensor kind.
	ErrUnknownKind = errors.New("sensor: unknown kind")
	// ErrScanUnsupported is returned by Scan on sources that cannot be poked.
	ErrScanUnsupported = errors.New("sensor: scan not supported")
)

// Source is a transport-specific adapter producing one kind of reading.
type Source interface {
	Kind() Kind

	// Readings subscribes to the transport for the lifetime of the
	// iteration. Malformed payloads are reported as anomalies and skipped.
	// The sequence ends silently when ctx is done or the consumer stops,
	// and ends with a single non-nil error when the transport goes away.
	Readings(ctx context.Context) iter.Seq2[Reading, error]

	// States reports the connection state of the source, current state first.
	States(ctx context.Context) iter.Seq[link.State]
}

// Scanner is implemented by sources that need an explicit poke before a
// reading is produced. Scan only sends the request; the resulting reading,
// if any, arrives on Readings.
type Scanner interface {
	Scan(ctx context.Context) error
}

// Connector is implemented by sources that own a direct link which can be
// brought up and down on request.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect()
	State() link.State
}
