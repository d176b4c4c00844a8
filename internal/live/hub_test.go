package live

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridelink/internal/link"
	"ridelink/internal/sensor"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func receive(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case msg := <-c.C():
		var env Envelope
		require.NoError(t, json.Unmarshal(msg, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return Envelope{}
	}
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(Config{Logger: quiet()})
	a := hub.Register()
	b := hub.Register()
	defer hub.Unregister(a)
	defer hub.Unregister(b)
	assert.Equal(t, 2, hub.Clients())

	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	hub.PublishReading(sensor.Reading{Timestamp: at, Kind: sensor.HeartRate, Value: 131, DeviceID: "HR-1"})

	for _, c := range []*Client{a, b} {
		env := receive(t, c)
		assert.Equal(t, EventReading, env.Type)
		assert.True(t, at.Equal(env.At))
		require.NotNil(t, env.Reading)
		assert.Equal(t, 131.0, env.Reading.Value)
		assert.Equal(t, "HR-1", env.Reading.DeviceID)
	}
}

func TestHubEnvelopeTypes(t *testing.T) {
	hub := NewHub(Config{Logger: quiet()})
	c := hub.Register()
	defer hub.Unregister(c)

	hub.PublishState(sensor.Glucose, link.Connected)
	hub.PublishAnomaly(sensor.Anomaly{Kind: sensor.Heading, Err: errors.New("bad frame")})
	hub.PublishRecording(true, "ride-1")

	env := receive(t, c)
	assert.Equal(t, EventState, env.Type)
	assert.Equal(t, sensor.Glucose, env.Kind)
	require.NotNil(t, env.State)
	assert.Equal(t, link.Connected, *env.State)
	assert.False(t, env.At.IsZero())

	env = receive(t, c)
	assert.Equal(t, EventAnomaly, env.Type)
	assert.Equal(t, "bad frame", env.Error)

	env = receive(t, c)
	assert.Equal(t, EventRecording, env.Type)
	require.NotNil(t, env.Recording)
	assert.True(t, *env.Recording)
	assert.Equal(t, "ride-1", env.RideID)
}

func TestSlowClientDropsOldest(t *testing.T) {
	hub := NewHub(Config{ClientBuffer: 2, Logger: quiet()})
	c := hub.Register()
	defer hub.Unregister(c)

	for i := range 5 {
		hub.PublishReading(sensor.Reading{Kind: sensor.HeartRate, Value: float64(i)})
	}
	assert.Equal(t, uint64(3), c.Dropped())
	assert.Equal(t, 3.0, receive(t, c).Reading.Value)
	assert.Equal(t, 4.0, receive(t, c).Reading.Value)
}

func TestUnregisterClosesDone(t *testing.T) {
	hub := NewHub(Config{Logger: quiet()})
	c := hub.Register()
	hub.Unregister(c)
	hub.Unregister(c)

	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}
	assert.Zero(t, hub.Clients())
}

// =============================================================================
// Redis
// =============================================================================

func TestRunWithoutRedisReturns(t *testing.T) {
	hub := NewHub(Config{Logger: quiet()})
	assert.NoError(t, hub.Run(context.Background()))
}

func TestHubPublishesToRedis(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()

	hub := NewHub(Config{Redis: rdb, Channel: "test:live", Logger: quiet()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	got := make(chan Envelope, 1)
	go func() {
		for env, err := range Subscribe(ctx, rdb, "test:live") {
			if err != nil {
				continue
			}
			got <- env
			return
		}
	}()

	require.Eventually(t, func() bool {
		return s.PubSubNumSub("test:live")["test:live"] == 1
	}, time.Second, 10*time.Millisecond)

	hub.PublishState(sensor.HeartRate, link.Connecting)

	select {
	case env := <-got:
		assert.Equal(t, EventState, env.Type)
		assert.Equal(t, sensor.HeartRate, env.Kind)
		assert.Equal(t, link.Connecting, *env.State)
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope from redis")
	}
}

func TestSubscribeReportsDecodeErrors(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		for _, err := range Subscribe(ctx, rdb, "") {
			if err != nil {
				errs <- err
				return
			}
		}
	}()
	require.Eventually(t, func() bool {
		return s.PubSubNumSub(DefaultChannel)[DefaultChannel] == 1
	}, time.Second, 10*time.Millisecond)

	s.Publish(DefaultChannel, "{not json")
	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "decode envelope")
	case <-time.After(2 * time.Second):
		t.Fatal("no decode error")
	}
}

// =============================================================================
// WebSocket
// =============================================================================

func TestServeWS(t *testing.T) {
	hub := NewHub(Config{Logger: quiet()})
	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	hub.PublishReading(sensor.Reading{Kind: sensor.Heading, Value: 270})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, EventReading, env.Type)
	assert.Equal(t, 270.0, env.Reading.Value)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 10*time.Millisecond)
}

func httpHandler(h *Hub) http.Handler { return http.HandlerFunc(h.ServeWS) }
