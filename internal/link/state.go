// Package link owns the lifecycle of a wireless connection to one sensor
// device: the Disconnected/Connecting/Connected state machine, the transport
// boundary it drives, and the single notification stream of a live link.
package link

import (
	"errors"
	"fmt"
	"time"
	"unicode"
)

// State is the connection state of one managed device.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "disconnected":
		*s = Disconnected
	case "connecting":
		*s = Connecting
	case "connected":
		*s = Connected
	default:
		return fmt.Errorf("unknown link state %q", b)
	}
	return nil
}

// allowedTransitions lists every edge of the state machine.
var allowedTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Disconnected},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	// ErrInvalidDevice is returned by Connect for a malformed device identifier.
	ErrInvalidDevice = errors.New("link: invalid device identifier")
	// ErrTransportUnavailable means the transport is absent, disabled or cannot see the device.
	ErrTransportUnavailable = errors.New("link: transport unavailable")
	// ErrHandshakeTimeout means the handshake did not finish in time.
	ErrHandshakeTimeout = errors.New("link: handshake timeout")
	// ErrLinkLost means an established link dropped.
	ErrLinkLost = errors.New("link: link lost")
	// ErrDisconnected means the link was closed by an explicit Disconnect.
	ErrDisconnected = errors.New("link: disconnected")
	// ErrDeviceBusy means the machine is bound to another device.
	ErrDeviceBusy = errors.New("link: machine busy with another device")
	// ErrNotConnected is returned by operations that need a live link.
	ErrNotConnected = errors.New("link: not connected")
	// ErrStreamClaimed means another consumer already holds the notification stream.
	ErrStreamClaimed = errors.New("link: notification stream already claimed")
)

// MaxDeviceIDLen bounds device identifiers (addresses or advertised names).
const MaxDeviceIDLen = 64

// ValidateDeviceID checks that id can name a device on any transport.
func ValidateDeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDevice)
	}
	if len(id) > MaxDeviceIDLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidDevice, MaxDeviceIDLen)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains whitespace or control characters", ErrInvalidDevice, id)
		}
	}
	return nil
}

// Notification is one raw payload received on a notification characteristic.
type Notification struct {
	Characteristic string
	Payload        []byte
	ReceivedAt     time.Time
}
