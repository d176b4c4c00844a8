package link

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"ridelink/internal/logging"
	"ridelink/internal/stream"
)

// DefaultHandshakeTimeout bounds Dial when Config leaves it unset.
const DefaultHandshakeTimeout = 15 * time.Second

// Config configures a Machine.
type Config struct {
	// Characteristics are enabled for notifications once the handshake succeeds.
	Characteristics []string

	HandshakeTimeout time.Duration

	// NotifyBuffer bounds the notification backlog of a connection.
	NotifyBuffer int

	Logger *slog.Logger
}

// Machine tracks the connection state of one device and is the only code
// that changes it.
type Machine struct {
	transport Transport
	cfg       Config
	logger    *slog.Logger
	states    *stream.Feed[State]

	mu       sync.Mutex
	state    State
	deviceID string
	lastErr  error
	attempt  *attempt
	conn     Conn
	pipe     *pipe

	// onTransition observes every requested transition, valid or not.
	onTransition func(from, to State)
}

// NewMachine creates a Disconnected machine driving transport.
func NewMachine(transport Transport, cfg Config) *Machine {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.NotifyBuffer <= 0 {
		cfg.NotifyBuffer = stream.DefaultSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("link")
	}
	return &Machine{
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		states:    stream.NewFeed(Disconnected, 16),
		state:     Disconnected,
	}
}

// State returns a snapshot of the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// DeviceID returns the device the machine is bound to, or "" when Disconnected.
func (m *Machine) DeviceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Disconnected {
		return ""
	}
	return m.deviceID
}

// Err returns why the machine last became Disconnected. It is nil before the
// first failure and after a successful connect.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// States yields the current state, then every change, until ctx is done or
// the consumer stops. Each iteration is an independent subscription.
func (m *Machine) States(ctx context.Context) iter.Seq[State] {
	return m.states.Seq(ctx)
}

// Connect brings the link to deviceID up. While a handshake with the same
// device is in flight the caller joins it instead of starting another one,
// and every joined caller gets the same result. ctx only bounds how long the
// caller waits; the handshake itself is bounded by the configured timeout.
func (m *Machine) Connect(ctx context.Context, deviceID string) error {
	if err := ValidateDeviceID(deviceID); err != nil {
		return err
	}

	m.mu.Lock()
	switch m.state {
	case Connected:
		bound := m.deviceID
		m.mu.Unlock()
		if bound != deviceID {
			return fmt.Errorf("%w: connected to %s", ErrDeviceBusy, bound)
		}
		return nil
	case Connecting:
		bound, a := m.deviceID, m.attempt
		m.mu.Unlock()
		if bound != deviceID {
			return fmt.Errorf("%w: connecting to %s", ErrDeviceBusy, bound)
		}
		return a.wait(ctx)
	}

	if err := m.transport.Available(deviceID); err != nil {
		m.mu.Unlock()
		if errors.Is(err, ErrTransportUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrTransportUnavailable, deviceID, err)
	}

	hctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
	a := &attempt{done: make(chan struct{}), cancel: cancel}
	m.attempt = a
	m.deviceID = deviceID
	m.lastErr = nil
	m.setState(Connecting)
	m.mu.Unlock()

	go m.handshake(hctx, a, deviceID)
	return a.wait(ctx)
}

func (m *Machine) handshake(ctx context.Context, a *attempt, deviceID string) {
	defer a.cancel()

	p := newPipe(m.cfg.NotifyBuffer)
	conn, err := m.transport.Dial(ctx, deviceID)
	if err == nil {
		err = m.enable(conn, p)
	}
	if err != nil && !errors.Is(err, ErrTransportUnavailable) &&
		(ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded)) {
		err = fmt.Errorf("%w: %s after %s", ErrHandshakeTimeout, deviceID, m.cfg.HandshakeTimeout)
	}

	m.mu.Lock()
	if m.attempt != a {
		// Disconnect won the race and already settled the attempt.
		m.mu.Unlock()
		if conn != nil {
			m.teardown(conn, p, ErrDisconnected)
		}
		return
	}
	m.attempt = nil

	if err != nil {
		m.lastErr = err
		m.setState(Disconnected)
		m.mu.Unlock()
		if conn != nil {
			m.teardown(conn, p, err)
		}
		m.logger.Warn("handshake failed", "device", deviceID, "error", err)
		a.finish(err)
		return
	}

	m.conn = conn
	m.pipe = p
	m.setState(Connected)
	m.mu.Unlock()

	m.logger.Info("link up", "device", deviceID)
	a.finish(nil)
	go m.watch(conn, p)
}

func (m *Machine) enable(conn Conn, p *pipe) error {
	for _, char := range m.cfg.Characteristics {
		if err := conn.EnableNotifications(char, p.push); err != nil {
			return fmt.Errorf("enable notifications %s: %w", char, err)
		}
	}
	return nil
}

// watch turns a transport-reported link loss into Connected -> Disconnected.
func (m *Machine) watch(conn Conn, p *pipe) {
	select {
	case <-conn.Lost():
	case <-p.lost:
		return
	}

	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	device := m.deviceID
	m.conn = nil
	m.pipe = nil
	m.lastErr = ErrLinkLost
	m.setState(Disconnected)
	m.mu.Unlock()

	m.logger.Warn("link lost", "device", device)
	m.teardown(conn, p, ErrLinkLost)
}

// Disconnect closes the link from any state. An in-flight handshake is
// abandoned and its waiters receive ErrDisconnected.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	switch m.state {
	case Connecting:
		a := m.attempt
		m.attempt = nil
		m.lastErr = ErrDisconnected
		m.setState(Disconnected)
		m.mu.Unlock()
		a.cancel()
		a.finish(ErrDisconnected)
	case Connected:
		conn, p := m.conn, m.pipe
		m.conn = nil
		m.pipe = nil
		m.lastErr = ErrDisconnected
		m.setState(Disconnected)
		m.mu.Unlock()
		m.teardown(conn, p, ErrDisconnected)
	default:
		m.mu.Unlock()
	}
}

// teardown closes the stream first so that nothing buffered is delivered
// after the state has left Connected.
func (m *Machine) teardown(conn Conn, p *pipe, cause error) {
	if discarded := p.close(cause); discarded > 0 {
		m.logger.Debug("discarded buffered notifications", "count", discarded)
	}
	for _, char := range m.cfg.Characteristics {
		if err := conn.DisableNotifications(char); err != nil {
			m.logger.Debug("disable notifications", "characteristic", char, "error", err)
		}
	}
	if err := conn.Close(); err != nil {
		m.logger.Warn("close link", "error", err)
	}
}

// Write sends payload to characteristic on the connected device.
func (m *Machine) Write(ctx context.Context, characteristic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Write(characteristic, payload); err != nil {
		return fmt.Errorf("write %s: %w", characteristic, err)
	}
	return nil
}

// Claim hands the caller the notification stream of the current connection.
// Only one claim may be held per connection.
func (m *Machine) Claim() (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Connected {
		return nil, ErrNotConnected
	}
	if !m.pipe.claim() {
		return nil, ErrStreamClaimed
	}
	return &Stream{p: m.pipe}, nil
}

// setState must be called with m.mu held.
func (m *Machine) setState(to State) {
	from := m.state
	if m.onTransition != nil {
		m.onTransition(from, to)
	}
	if !CanTransition(from, to) {
		m.logger.Error("rejected state transition", "from", from, "to", to)
		return
	}
	m.state = to
	m.states.Publish(to)
	m.logger.Debug("state", "device", m.deviceID, "from", from, "to", to)
}

type attempt struct {
	done   chan struct{}
	once   sync.Once
	err    error
	cancel context.CancelFunc
}

func (a *attempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

func (a *attempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
