// Package live fans readings, link states and recorder events out to
// WebSocket clients of the daemon and, when configured, to a Redis pub/sub
// channel that other processes can subscribe to.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ridelink/internal/link"
	"ridelink/internal/logging"
	"ridelink/internal/sensor"
	"ridelink/internal/stream"
)

// DefaultChannel is the Redis channel envelopes are published on.
const DefaultChannel = "ridelink:live"

// Event types carried by Envelope.Type.
const (
	EventReading   = "reading"
	EventState     = "state"
	EventAnomaly   = "anomaly"
	EventRecording = "recording"
)

// Envelope is one message of the live feed.
type Envelope struct {
	Type      string          `json:"type"`
	At        time.Time       `json:"at"`
	Kind      sensor.Kind     `json:"kind,omitempty"`
	Reading   *sensor.Reading `json:"reading,omitempty"`
	State     *link.State     `json:"state,omitempty"`
	Error     string          `json:"error,omitempty"`
	Recording *bool           `json:"recording,omitempty"`
	RideID    string          `json:"ride_id,omitempty"`
}

// Config configures a Hub.
type Config struct {
	// Redis is optional. Without it the feed stays in-process.
	Redis   *redis.Client
	Channel string

	// ClientBuffer bounds each client's backlog; the oldest message is
	// dropped when a client falls behind.
	ClientBuffer int

	Logger *slog.Logger
	Now    func() time.Time
}

// Client is one feed consumer.
type Client struct {
	buf  *stream.Buffer[[]byte]
	done chan struct{}
	once sync.Once
}

// C returns the client's messages.
func (c *Client) C() <-chan []byte { return c.buf.C() }

// Done is closed when the client is unregistered.
func (c *Client) Done() <-chan struct{} { return c.done }

// Dropped returns how many messages this client missed.
func (c *Client) Dropped() uint64 { return c.buf.Dropped() }

// Hub is the live feed. Publishing never blocks.
type Hub struct {
	cfg     Config
	mu      sync.RWMutex
	clients map[*Client]struct{}
	outbox  *stream.Buffer[[]byte]
}

// NewHub creates a Hub.
func NewHub(cfg Config) *Hub {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = stream.DefaultSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("live")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Hub{
		cfg:     cfg,
		clients: make(map[*Client]struct{}),
		outbox:  stream.NewBuffer[[]byte](cfg.ClientBuffer * 4),
	}
}

// Register adds a client.
func (h *Hub) Register() *Client {
	c := &Client{
		buf:  stream.NewBuffer[[]byte](h.cfg.ClientBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// Unregister removes a client and closes its Done channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

// Clients returns the number of registered clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish delivers env to every client and queues it for Redis.
func (h *Hub) Publish(env Envelope) {
	if env.At.IsZero() {
		env.At = h.cfg.Now()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		h.cfg.Logger.Error("encode envelope", "type", env.Type, "error", err)
		return
	}

	h.mu.RLock()
	for c := range h.clients {
		c.buf.Push(payload)
	}
	h.mu.RUnlock()

	if h.cfg.Redis != nil {
		h.outbox.Push(payload)
	}
}

// PublishReading publishes a forwarded reading.
func (h *Hub) PublishReading(r sensor.Reading) {
	h.Publish(Envelope{Type: EventReading, At: r.Timestamp, Kind: r.Kind, Reading: &r})
}

// PublishState publishes a link state change of kind.
func (h *Hub) PublishState(kind sensor.Kind, s link.State) {
	h.Publish(Envelope{Type: EventState, Kind: kind, State: &s})
}

// PublishAnomaly publishes an anomaly.
func (h *Hub) PublishAnomaly(a sensor.Anomaly) {
	env := Envelope{Type: EventAnomaly, At: a.At, Kind: a.Kind}
	if a.Err != nil {
		env.Error = a.Err.Error()
	}
	h.Publish(env)
}

// PublishRecording publishes a recorder start or stop.
func (h *Hub) PublishRecording(on bool, rideID string) {
	h.Publish(Envelope{Type: EventRecording, Recording: &on, RideID: rideID})
}

// Run forwards queued envelopes to Redis until ctx is done. It returns
// immediately when no Redis client is configured.
func (h *Hub) Run(ctx context.Context) error {
	if h.cfg.Redis == nil {
		return nil
	}
	logger := h.cfg.Logger.With("channel", h.cfg.Channel)
	logger.Info("publishing live feed to redis")

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-h.outbox.C():
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := h.cfg.Redis.Publish(pctx, h.cfg.Channel, payload).Err()
			cancel()
			if err != nil && ctx.Err() == nil {
				logger.Warn("redis publish", "error", err)
			}
		}
	}
}

// Subscribe yields the envelopes published on channel by any hub. The
// sequence ends when ctx is done or the consumer stops, and with an error
// when the subscription fails.
func Subscribe(ctx context.Context, rdb *redis.Client, channel string) iter.Seq2[Envelope, error] {
	return func(yield func(Envelope, error) bool) {
		if channel == "" {
			channel = DefaultChannel
		}
		ps := rdb.Subscribe(ctx, channel)
		defer ps.Close()

		if _, err := ps.Receive(ctx); err != nil {
			if ctx.Err() == nil {
				yield(Envelope{}, fmt.Errorf("subscribe %s: %w", channel, err))
			}
			return
		}

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					if !yield(Envelope{}, fmt.Errorf("decode envelope: %w", err)) {
						return
					}
					continue
				}
				if !yield(env, nil) {
					return
				}
			}
		}
	}
}
