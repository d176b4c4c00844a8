// Package ble implements link.Transport on top of the host Bluetooth LE
// adapter using tinygo.org/x/bluetooth.
package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"ridelink/internal/link"
	"ridelink/internal/logging"
)

// DefaultScanTimeout bounds the discovery scan of a single Dial.
const DefaultScanTimeout = 10 * time.Second

var errNotFound = errors.New("ble: device not found")

// Config configures a Transport.
type Config struct {
	ScanTimeout time.Duration
	Logger      *slog.Logger
}

// Transport dials sensors through the default Bluetooth adapter. Only one
// discovery scan runs at a time; the adapter cannot scan concurrently.
type Transport struct {
	adapter *bluetooth.Adapter
	cfg     Config
	logger  *slog.Logger

	enableOnce sync.Once
	enableErr  error

	scanMu sync.Mutex

	mu    sync.Mutex
	conns map[string]*conn
}

// New returns a Transport for the default adapter. The adapter is enabled
// lazily on first use.
func New(cfg Config) *Transport {
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = DefaultScanTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("ble")
	}
	return &Transport{
		adapter: bluetooth.DefaultAdapter,
		cfg:     cfg,
		logger:  logger,
		conns:   make(map[string]*conn),
	}
}

func (t *Transport) enable() error {
	t.enableOnce.Do(func() {
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = fmt.Errorf("%w: enable adapter: %v", link.ErrTransportUnavailable, err)
			return
		}
		t.adapter.SetConnectHandler(t.onConnect)
		t.logger.Info("adapter enabled")
	})
	return t.enableErr
}

// onConnect turns adapter disconnect events into link loss.
func (t *Transport) onConnect(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	key := normalizeAddress(device.Address.String())
	t.mu.Lock()
	c := t.conns[key]
	delete(t.conns, key)
	t.mu.Unlock()
	if c != nil {
		t.logger.Debug("adapter reported disconnect", "address", key)
		c.markLost()
	}
}

// Available reports whether the adapter is powered and usable.
func (t *Transport) Available(deviceID string) error {
	return t.enable()
}

// Dial scans for deviceID, matched by address or advertised local name,
// connects, and discovers its characteristics.
func (t *Transport) Dial(ctx context.Context, deviceID string) (link.Conn, error) {
	if err := t.enable(); err != nil {
		return nil, err
	}

	addr, err := t.scan(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", deviceID, err)
	}

	c := &conn{
		transport: t,
		key:       normalizeAddress(addr.String()),
		device:    device,
		chars:     make(map[string]bluetooth.DeviceCharacteristic),
		lost:      make(chan struct{}),
	}
	t.mu.Lock()
	t.conns[c.key] = c
	t.mu.Unlock()

	if err := c.discover(); err != nil {
		c.Close()
		return nil, fmt.Errorf("discover %s: %w", deviceID, err)
	}
	if err := ctx.Err(); err != nil {
		c.Close()
		return nil, err
	}

	t.logger.Info("connected", "device", deviceID, "address", c.key, "characteristics", len(c.chars))
	return c, nil
}

func (t *Transport) scan(ctx context.Context, deviceID string) (bluetooth.Address, error) {
	t.scanMu.Lock()
	defer t.scanMu.Unlock()

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ScanTimeout)
	defer cancel()

	found := make(chan bluetooth.Address, 1)
	done := make(chan error, 1)
	go func() {
		done <- t.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			if !matchesDevice(deviceID, r.Address.String(), r.LocalName()) {
				return
			}
			select {
			case found <- r.Address:
			default:
			}
			a.StopScan()
		})
	}()

	select {
	case addr := <-found:
		<-done
		return addr, nil
	case err := <-done:
		select {
		case addr := <-found:
			return addr, nil
		default:
		}
		return bluetooth.Address{}, scanError(parent, deviceID, err)
	case <-ctx.Done():
		if err := t.adapter.StopScan(); err != nil {
			t.logger.Debug("stop scan", "error", err)
		}
		<-done
		select {
		case addr := <-found:
			return addr, nil
		default:
		}
		return bluetooth.Address{}, scanError(parent, deviceID, ctx.Err())
	}
}

// scanError classifies a scan that ended without finding deviceID. A device
// that is absent or did not advertise within the scan timeout is unavailable;
// an expired handshake deadline is passed through for the machine to report.
func scanError(parent context.Context, deviceID string, err error) error {
	if perr := parent.Err(); perr != nil {
		return fmt.Errorf("scan for %s: %w", deviceID, perr)
	}
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		err = errNotFound
	}
	return fmt.Errorf("%w: scan for %s: %w", link.ErrTransportUnavailable, deviceID, err)
}

func (t *Transport) forget(c *conn) {
	t.mu.Lock()
	if t.conns[c.key] == c {
		delete(t.conns, c.key)
	}
	t.mu.Unlock()
}

// matchesDevice reports whether a scan result identifies deviceID.
func matchesDevice(deviceID, address, localName string) bool {
	if deviceID == "" {
		return false
	}
	if normalizeAddress(deviceID) == normalizeAddress(address) {
		return true
	}
	return localName != "" && localName == deviceID
}

func normalizeAddress(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "-", ":"))
}

// normalizeUUID accepts 16-bit ("2a37") and 128-bit identifiers.
func normalizeUUID(s string) (string, error) {
	s = strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if len(s) == 4 {
		s = "0000" + s + "-0000-1000-8000-00805f9b34fb"
	}
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		return "", fmt.Errorf("parse uuid %q: %w", s, err)
	}
	return u.String(), nil
}

type conn struct {
	transport *Transport
	key       string
	device    bluetooth.Device

	mu    sync.Mutex
	chars map[string]bluetooth.DeviceCharacteristic

	lost     chan struct{}
	lostOnce sync.Once
}

func (c *conn) discover() error {
	services, err := c.device.DiscoverServices(nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, svc := range services {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return fmt.Errorf("service %s: %w", svc.UUID().String(), err)
		}
		for _, ch := range chars {
			c.chars[ch.UUID().String()] = ch
		}
	}
	return nil
}

func (c *conn) characteristic(id string) (bluetooth.DeviceCharacteristic, error) {
	key, err := normalizeUUID(id)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.chars[key]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("characteristic %s not offered by device", key)
	}
	return ch, nil
}

func (c *conn) EnableNotifications(characteristic string, fn func(link.Notification)) error {
	ch, err := c.characteristic(characteristic)
	if err != nil {
		return err
	}
	return ch.EnableNotifications(func(buf []byte) {
		fn(link.Notification{
			Characteristic: characteristic,
			Payload:        append([]byte(nil), buf...),
			ReceivedAt:     time.Now(),
		})
	})
}

func (c *conn) DisableNotifications(characteristic string) error {
	ch, err := c.characteristic(characteristic)
	if err != nil {
		return err
	}
	return ch.EnableNotifications(nil)
}

func (c *conn) Write(characteristic string, payload []byte) error {
	ch, err := c.characteristic(characteristic)
	if err != nil {
		return err
	}
	_, err = ch.WriteWithoutResponse(payload)
	return err
}

func (c *conn) Lost() <-chan struct{} {
	return c.lost
}

func (c *conn) markLost() {
	c.lostOnce.Do(func() { close(c.lost) })
}

func (c *conn) Close() error {
	c.transport.forget(c)
	err := c.device.Disconnect()
	c.markLost()
	return err
}
