package sensorproxy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

// iio-sensor-proxy names.
const (
	BusName         = "net.hadess.SensorProxy"
	CompassPath     = dbus.ObjectPath("/net/hadess/SensorProxy/Compass")
	CompassIface    = "net.hadess.SensorProxy.Compass"
	propertiesIface = "org.freedesktop.DBus.Properties"
)

// Proxy is the compass half of iio-sensor-proxy.
type Proxy interface {
	HasCompass() (bool, error)
	ClaimCompass() error
	ReleaseCompass() error
	CompassHeading() (float64, error)

	// Watch calls fn with every CompassHeading change. lost is closed when
	// the bus connection goes away. stop ends the watch.
	Watch(fn func(heading float64)) (stop func(), lost <-chan struct{}, err error)
}

// DBusProxy implements Proxy over a private bus connection.
type DBusProxy struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

var _ Proxy = (*DBusProxy)(nil)

// Connect opens a private connection to the system or session bus.
func Connect(bus string) (*DBusProxy, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	switch bus {
	case "", "system":
		conn, err = dbus.ConnectSystemBus()
	case "session":
		conn, err = dbus.ConnectSessionBus()
	default:
		return nil, fmt.Errorf("sensorproxy: unknown bus %q", bus)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s bus: %w", bus, err)
	}
	return &DBusProxy{conn: conn, obj: conn.Object(BusName, CompassPath)}, nil
}

func (p *DBusProxy) HasCompass() (bool, error) {
	v, err := p.obj.GetProperty(CompassIface + ".HasCompass")
	if err != nil {
		return false, err
	}
	has, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("HasCompass has type %s", v.Signature())
	}
	return has, nil
}

func (p *DBusProxy) ClaimCompass() error {
	return p.obj.Call(CompassIface+".ClaimCompass", 0).Err
}

func (p *DBusProxy) ReleaseCompass() error {
	return p.obj.Call(CompassIface+".ReleaseCompass", 0).Err
}

func (p *DBusProxy) CompassHeading() (float64, error) {
	v, err := p.obj.GetProperty(CompassIface + ".CompassHeading")
	if err != nil {
		return 0, err
	}
	h, ok := v.Value().(float64)
	if !ok {
		return 0, fmt.Errorf("CompassHeading has type %s", v.Signature())
	}
	return h, nil
}

func (p *DBusProxy) Watch(fn func(float64)) (func(), <-chan struct{}, error) {
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(CompassPath),
		dbus.WithMatchInterface(propertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := p.conn.AddMatchSignal(match...); err != nil {
		return nil, nil, fmt.Errorf("add match: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	p.conn.Signal(signals)

	done := make(chan struct{})
	lost := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig, ok := <-signals:
				if !ok {
					close(lost)
					return
				}
				if h, ok := headingFromSignal(sig); ok {
					fn(h)
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			p.conn.RemoveSignal(signals)
			_ = p.conn.RemoveMatchSignal(match...)
		})
	}
	return stop, lost, nil
}

// headingFromSignal extracts CompassHeading from a PropertiesChanged signal.
func headingFromSignal(sig *dbus.Signal) (float64, bool) {
	if sig == nil || sig.Path != CompassPath || sig.Name != propertiesIface+".PropertiesChanged" || len(sig.Body) < 2 {
		return 0, false
	}
	if iface, _ := sig.Body[0].(string); iface != CompassIface {
		return 0, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return 0, false
	}
	v, ok := changed["CompassHeading"]
	if !ok {
		return 0, false
	}
	h, ok := v.Value().(float64)
	return h, ok
}

// Close closes the bus connection.
func (p *DBusProxy) Close() error {
	if p.conn == nil {
		return errors.New("sensorproxy: not connected")
	}
	return p.conn.Close()
}
