package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tormoder/fit"

	"ridelink/internal/api"
	"ridelink/internal/config"
	"ridelink/internal/location"
	"ridelink/internal/repository"
	"ridelink/internal/ride"
	"ridelink/internal/sensor"
	"ridelink/internal/store"
)

var t0 = time.Date(2026, 6, 14, 7, 30, 0, 0, time.UTC)

func sampleRide(id string) ride.Ride {
	return ride.Ride{
		ID:        id,
		StartedAt: t0,
		EndedAt:   t0.Add(10 * time.Minute),
		Locations: []location.Point{
			{Timestamp: t0, Latitude: 47, Longitude: 8},
			{Timestamp: t0.Add(time.Second), Latitude: 47.001, Longitude: 8},
		},
		HeartRate: []sensor.Reading{
			{Timestamp: t0, Kind: sensor.HeartRate, Value: 130, DeviceID: "HR-1"},
		},
	}
}

func newDaemon(t *testing.T) (*client, *store.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rides := store.NewMemory()
	repo, err := repository.New(repository.Sources{})
	require.NoError(t, err)
	rec, err := ride.NewRecorder(ride.Config{Sensors: repo, Store: rides, Logger: logger})
	require.NoError(t, err)

	router, err := api.NewRouter(api.Config{Recorder: rec, Sensors: repo, Rides: rides, Logger: logger})
	require.NoError(t, err)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return newClient(srv.URL), rides
}

func TestNewClientBase(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:7878/api/v1", newClient("127.0.0.1:7878").base)
	assert.Equal(t, "https://ride.local/api/v1", newClient("https://ride.local/").base)
}

func TestClientRideLifecycle(t *testing.T) {
	c, _ := newDaemon(t)
	ctx := context.Background()

	id, err := c.Start(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = c.Start(ctx)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Recorder.Recording)
	assert.Equal(t, id, st.Recorder.RideID)

	stopped, err := c.Stop(ctx)
	require.NoError(t, err)
	assert.True(t, stopped.Saved)
	assert.Equal(t, id, stopped.Ride.ID)

	list, err := c.Summaries(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	n, err := c.UnsyncedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, c.MarkSynced(ctx, id))
	n, err = c.UnsyncedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestClientErrors(t *testing.T) {
	c, _ := newDaemon(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Contains(t, apiErr.Message, "not found")

	_, err = c.Connect(ctx, "heart_rate")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = c.Stop(ctx)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	down := newClient("127.0.0.1:1")
	_, err = down.Status(ctx)
	assert.ErrorIs(t, err, errDaemonDown)
}

func TestExportThroughDaemon(t *testing.T) {
	c, rides := newDaemon(t)
	ctx := context.Background()
	require.NoError(t, rides.Save(ctx, sampleRide("r1")))

	r, err := c.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, r.Locations, 2)

	out := filepath.Join(t.TempDir(), "r1.fit")
	require.NoError(t, writeFIT(out, &r))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	f, err := fit.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	activity, err := f.Activity()
	require.NoError(t, err)
	assert.Len(t, activity.Records, 2)
}

func TestWriteFITRemovesPartialFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "empty.fit")
	empty := ride.Ride{ID: "empty", StartedAt: t0, EndedAt: t0}
	require.Error(t, writeFIT(out, &empty))
	_, err := os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}

func TestRidesFallsBackToStore(t *testing.T) {
	t.Setenv("RIDELINK_DATA_DIR", t.TempDir())
	cfg := config.DefaultConfig()
	cfg.API.Listen = "127.0.0.1:1"
	cfg.Storage.Type = string(store.TypeSQLite)
	cfg.Storage.Path = filepath.Join(t.TempDir(), "rides.db")
	ctx := context.Background()

	src, done, err := rides(ctx, cfg)
	require.NoError(t, err)
	defer done()

	local, ok := src.(storeRides)
	require.True(t, ok)
	require.NoError(t, local.Save(ctx, sampleRide("r1")))

	list, err := src.Summaries(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "r1", list[0].ID)

	require.NoError(t, src.MarkSynced(ctx, "r1"))
	n, err := src.UnsyncedCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRidesMemoryStoreNeedsDaemon(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.API.Listen = "127.0.0.1:1"
	cfg.Storage.Type = string(store.TypeMemory)

	_, _, err := rides(context.Background(), cfg)
	assert.ErrorIs(t, err, errDaemonDown)
}

func TestPrintRides(t *testing.T) {
	var buf bytes.Buffer
	printRides(&buf, nil)
	assert.Equal(t, "No rides recorded.\n", buf.String())

	buf.Reset()
	r := sampleRide("r1")
	r.HealthDataSynced = true
	printRides(&buf, []ride.Summary{r.Summarize()})
	out := buf.String()
	assert.Contains(t, out, "r1")
	assert.Contains(t, out, "10m0s")
	assert.Contains(t, out, "111 m")
	assert.Contains(t, out, "yes")
	assert.Contains(t, out, "1 rides")
}

func TestPrintStatus(t *testing.T) {
	n := 2
	var buf bytes.Buffer
	printStatus(&buf, api.StatusResponse{
		Recorder: ride.Status{Recording: true, RideID: "r9", Kinds: []sensor.Kind{sensor.HeartRate},
			Samples: map[sensor.Kind]int{sensor.HeartRate: 42}},
		Links:    []api.LinkStatus{{Kind: sensor.HeartRate}},
		Unsynced: &n,
	})
	out := buf.String()
	assert.Contains(t, out, "Recording: YES (r9")
	assert.Contains(t, out, "42 samples")
	assert.Contains(t, out, "heart_rate disconnected")
	assert.Contains(t, out, "Unsynced rides: 2")
}

func TestFormatDistance(t *testing.T) {
	assert.Equal(t, "850 m", formatDistance(850))
	assert.Equal(t, "12.35 km", formatDistance(12345))
}
