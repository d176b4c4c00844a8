package link

import "context"

// Transport is the direct wireless link boundary.
type Transport interface {
	// Available reports whether the transport can reach deviceID right now.
	// It must return quickly; a non-nil error keeps the machine Disconnected.
	Available(deviceID string) error

	// Dial performs the handshake with deviceID. ctx carries the handshake
	// deadline.
	Dial(ctx context.Context, deviceID string) (Conn, error)
}

// Conn is an established link to one device.
type Conn interface {
	// EnableNotifications subscribes fn to a notification characteristic.
	// fn may be called from transport goroutines.
	EnableNotifications(characteristic string, fn func(Notification)) error

	DisableNotifications(characteristic string) error

	// Write sends payload to a writable characteristic.
	Write(characteristic string, payload []byte) error

	// Lost is closed when the transport detects that the link dropped. A nil
	// channel means the transport cannot detect link loss.
	Lost() <-chan struct{}

	Close() error
}
