package healthbridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"ridelink/internal/logging"
)

// Broker is the slice of an MQTT client the bridge needs.
type Broker interface {
	// Subscribe routes every message on topic to fn until Unsubscribe.
	Subscribe(topic string, qos byte, fn func(payload []byte)) error
	Unsubscribe(topic string) error
	Publish(topic string, qos byte, payload []byte) error
	Connected() bool

	// Watch registers fn for connection changes. The returned function
	// unregisters it.
	Watch(fn func(connected bool)) func()
}

// ClientConfig configures a paho-backed Client.
type ClientConfig struct {
	Broker         string // tcp://host:1883, ssl://host:8883, ws://...
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// ErrBrokerTimeout is returned when the broker does not acknowledge in time.
var ErrBrokerTimeout = errors.New("healthbridge: broker timeout")

// Client implements Broker over github.com/eclipse/paho.mqtt.golang. It
// restores subscriptions after an automatic reconnect.
type Client struct {
	client  mqtt.Client
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	subs     map[string]subscription
	watchers map[uint64]func(bool)
	next     uint64
}

type subscription struct {
	qos byte
	fn  func([]byte)
}

var _ Broker = (*Client)(nil)

// Dial connects to the broker and waits for the CONNACK.
func Dial(cfg ClientConfig) (*Client, error) {
	if cfg.Broker == "" {
		return nil, errors.New("healthbridge: broker address is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("ridelinkd-%d", time.Now().Unix())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("healthbridge")
	}

	c := &Client{
		timeout:  cfg.ConnectTimeout,
		logger:   logger,
		subs:     make(map[string]subscription),
		watchers: make(map[uint64]func(bool)),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = c.onConnect
	opts.OnConnectionLost = c.onConnectionLost

	c.client = mqtt.NewClient(opts)
	logger.Info("connecting to broker", "broker", cfg.Broker, "client_id", cfg.ClientID)

	if err := c.wait(c.client.Connect()); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Broker, err)
	}
	return c, nil
}

func (c *Client) wait(token mqtt.Token) error {
	if !token.WaitTimeout(c.timeout) {
		return ErrBrokerTimeout
	}
	return token.Error()
}

func (c *Client) onConnect(client mqtt.Client) {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, s := range c.subs {
		subs[topic] = s
	}
	c.mu.Unlock()

	for topic, s := range subs {
		if err := c.wait(client.Subscribe(topic, s.qos, handler(s.fn))); err != nil {
			c.logger.Warn("resubscribe failed", "topic", topic, "error", err)
		}
	}
	c.logger.Info("broker connected", "subscriptions", len(subs))
	c.notify(true)
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.logger.Warn("broker connection lost, will auto-reconnect", "error", err)
	c.notify(false)
}

func (c *Client) notify(connected bool) {
	c.mu.Lock()
	fns := make([]func(bool), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

func handler(fn func([]byte)) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		fn(msg.Payload())
	}
}

func (c *Client) Subscribe(topic string, qos byte, fn func([]byte)) error {
	if err := c.wait(c.client.Subscribe(topic, qos, handler(fn))); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, fn: fn}
	c.mu.Unlock()
	c.logger.Debug("subscribed", "topic", topic)
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()
	if !c.client.IsConnected() {
		return nil
	}
	if err := c.wait(c.client.Unsubscribe(topic)); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

func (c *Client) Publish(topic string, qos byte, payload []byte) error {
	if err := c.wait(c.client.Publish(topic, qos, false, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *Client) Connected() bool {
	return c.client.IsConnectionOpen()
}

func (c *Client) Watch(fn func(bool)) func() {
	c.mu.Lock()
	id := c.next
	c.next++
	c.watchers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
		})
	}
}

// Close disconnects, allowing 250ms for in-flight work.
func (c *Client) Close() {
	c.client.Disconnect(250)
}
