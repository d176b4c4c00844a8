// Package linktest provides an in-memory link.Transport for tests.
package linktest

import (
	"context"
	"errors"
	"sync"
	"time"

	"ridelink/internal/link"
)

// Transport is a scriptable link.Transport.
type Transport struct {
	mu          sync.Mutex
	dials       int
	unavailable map[string]error
	dialErr     error
	gate        chan struct{}
	conns       []*Conn
	dialed      chan *Conn
}

// NewTransport returns a transport on which every device is present and every
// handshake succeeds immediately.
func NewTransport() *Transport {
	return &Transport{
		unavailable: make(map[string]error),
		dialed:      make(chan *Conn, 16),
	}
}

// SetUnavailable makes Available fail for deviceID.
func (t *Transport) SetUnavailable(deviceID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unavailable[deviceID] = err
}

// FailDial makes subsequent handshakes fail with err. nil restores success.
func (t *Transport) FailDial(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErr = err
}

// Hold makes subsequent handshakes block until Release is called or the
// handshake context ends.
func (t *Transport) Hold() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gate = make(chan struct{})
}

// Release unblocks held handshakes.
func (t *Transport) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gate != nil {
		close(t.gate)
		t.gate = nil
	}
}

// Dials returns how many handshakes were started.
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// Dialed delivers every connection as soon as its handshake succeeds.
func (t *Transport) Dialed() <-chan *Conn {
	return t.dialed
}

// Last returns the most recent connection, or nil.
func (t *Transport) Last() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

func (t *Transport) Available(deviceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err, ok := t.unavailable[deviceID]; ok {
		if err == nil {
			err = link.ErrTransportUnavailable
		}
		return err
	}
	return nil
}

func (t *Transport) Dial(ctx context.Context, deviceID string) (link.Conn, error) {
	t.mu.Lock()
	t.dials++
	gate, dialErr := t.gate, t.dialErr
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}

	c := &Conn{
		DeviceID: deviceID,
		handlers: make(map[string]func(link.Notification)),
		lost:     make(chan struct{}),
	}
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	select {
	case t.dialed <- c:
	default:
	}
	return c, nil
}

// Write is one payload written through Conn.Write.
type Write struct {
	Characteristic string
	Payload        []byte
}

// Conn is a fake link.Conn.
type Conn struct {
	DeviceID string

	mu        sync.Mutex
	handlers  map[string]func(link.Notification)
	enableErr error
	writes    []Write
	closed    bool
	lost      chan struct{}
	lostOnce  sync.Once
}

// FailEnable makes EnableNotifications fail.
func (c *Conn) FailEnable(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enableErr = err
}

func (c *Conn) EnableNotifications(char string, fn func(link.Notification)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enableErr != nil {
		return c.enableErr
	}
	c.handlers[char] = fn
	return nil
}

func (c *Conn) DisableNotifications(char string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, char)
	return nil
}

func (c *Conn) Write(char string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("linktest: write on closed conn")
	}
	c.writes = append(c.writes, Write{Characteristic: char, Payload: append([]byte(nil), payload...)})
	return nil
}

// Writes returns everything written so far.
func (c *Conn) Writes() []Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Write(nil), c.writes...)
}

func (c *Conn) Lost() <-chan struct{} {
	return c.lost
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Subscribed reports whether char currently has a notification handler.
func (c *Conn) Subscribed(char string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[char]
	return ok
}

// Notify delivers payload on char as if it arrived at at. It reports
// whether a handler was subscribed.
func (c *Conn) Notify(char string, payload []byte, at time.Time) bool {
	c.mu.Lock()
	fn := c.handlers[char]
	c.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(link.Notification{Characteristic: char, Payload: payload, ReceivedAt: at})
	return true
}

// Drop simulates link loss.
func (c *Conn) Drop() {
	c.lostOnce.Do(func() { close(c.lost) })
}
