package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridelink/internal/config"
	"ridelink/internal/link"
	"ridelink/internal/link/linktest"
	"ridelink/internal/live"
	"ridelink/internal/logging"
	"ridelink/internal/metrics"
	"ridelink/internal/repository"
	"ridelink/internal/ride"
	"ridelink/internal/sensor"
	"ridelink/internal/sensor/direct"
	"ridelink/internal/store"
)

func quietLogger(t *testing.T) *logging.Logger {
	t.Helper()
	cfg := logging.DefaultConfig()
	cfg.Writer = io.Discard
	l, err := logging.New(cfg)
	require.NoError(t, err)
	return l
}

func TestLockIsExclusive(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no advisory lock on windows")
	}
	path := filepath.Join(t.TempDir(), "ridelinkd.lock")

	f, err := acquireLock(path)
	require.NoError(t, err)

	_, err = acquireLock(path)
	require.ErrorIs(t, err, errAlreadyRunning)

	releaseLock(f)
	f, err = acquireLock(path)
	require.NoError(t, err)
	releaseLock(f)
}

func TestObservedStoreMetricsAndJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	journal, err := logging.OpenJournal(path)
	require.NoError(t, err)

	m := metrics.NewRideMetrics(metrics.NewRegistry("test", ""))
	s := &observedStore{Store: store.NewMemory(), metrics: m, journal: journal, logger: quietLogger(t).Logger}
	ctx := context.Background()

	now := time.Date(2026, 6, 14, 7, 0, 0, 0, time.UTC)
	r := ride.Ride{ID: "r1", StartedAt: now, EndedAt: now.Add(time.Minute)}
	require.NoError(t, s.Save(ctx, r))
	assert.Error(t, s.Save(ctx, r))
	assert.Equal(t, uint64(1), m.RidesSaved.Value())
	assert.Equal(t, uint64(1), m.RideSaveErrors.Value())

	require.NoError(t, s.MarkSynced(ctx, "r1"))
	assert.ErrorIs(t, s.MarkSynced(ctx, "missing"), store.ErrNotFound)

	require.NoError(t, journal.Close())
	events, err := logging.ReadJournal(path)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, logging.EventRideSynced, events[0].Type)
	assert.Equal(t, "r1", events[0].RideID)
}

func TestBuildSensorsWithoutTransports(t *testing.T) {
	t.Setenv("RIDELINK_DATA_DIR", t.TempDir())
	cfg := config.DefaultConfig()
	m := metrics.NewRideMetrics(metrics.NewRegistry("test", ""))

	set, err := buildSensors(cfg, sensor.NewAnomalies(nil), m, quietLogger(t))
	require.NoError(t, err)
	defer set.Close()

	repo, err := repository.New(set.sources)
	require.NoError(t, err)
	assert.Empty(t, repo.Kinds())
	assert.Nil(t, set.locations)
	assert.Nil(t, set.broker)
}

func TestBuildSensorsDirectLink(t *testing.T) {
	t.Setenv("RIDELINK_DATA_DIR", t.TempDir())
	cfg := config.DefaultConfig()
	cfg.Sensors.HeartRate = config.SensorConfig{Transport: config.TransportBLE, DeviceID: "HR-1", Buffer: 8}
	m := metrics.NewRideMetrics(metrics.NewRegistry("test", ""))

	set, err := buildSensors(cfg, sensor.NewAnomalies(nil), m, quietLogger(t))
	require.NoError(t, err)
	defer set.Close()

	repo, err := repository.New(set.sources)
	require.NoError(t, err)
	assert.Equal(t, []sensor.Kind{sensor.HeartRate}, repo.Kinds())
	assert.Equal(t, link.Disconnected, repo.State(sensor.HeartRate))

	conn, err := repo.Connector(sensor.HeartRate)
	require.NoError(t, err)
	assert.Equal(t, link.Disconnected, conn.State())
	require.Len(t, set.direct, 1)
}

func TestApplyReload(t *testing.T) {
	t.Setenv("RIDELINK_DATA_DIR", t.TempDir())
	repo, err := repository.New(repository.Sources{})
	require.NoError(t, err)
	rec, err := ride.NewRecorder(ride.Config{Sensors: repo, Store: store.NewMemory()})
	require.NoError(t, err)
	logger := quietLogger(t)

	old := config.DefaultConfig()
	next := old.Clone()
	next.Logging.Level = "debug"
	next.Sensors.Heading.Transport = config.TransportDBus
	next.Recorder.Kinds = []string{"heading"}

	applyReload(logger, rec, old, next)
	assert.Equal(t, "debug", logging.LevelString(logger.Level()))
	assert.Equal(t, []sensor.Kind{sensor.Heading}, rec.Kinds())
}

func TestWatchLinkReturnsForUnconfiguredKind(t *testing.T) {
	repo, err := repository.New(repository.Sources{})
	require.NoError(t, err)
	m := metrics.NewRideMetrics(metrics.NewRegistry("test", ""))
	hub := live.NewHub(live.Config{Logger: quietLogger(t).Logger})

	done := make(chan struct{})
	go func() {
		defer close(done)
		watchLink(context.Background(), repo, sensor.Glucose, "", m, hub, nil, quietLogger(t).Logger)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchLink did not return")
	}
}

// lockedBuffer is a bytes.Buffer safe for a logger and a reader.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func heartRateRepo(t *testing.T) (*repository.Repository, *direct.Source) {
	t.Helper()
	chars, err := direct.MeasurementCharacteristics(sensor.HeartRate)
	require.NoError(t, err)
	m := link.NewMachine(linktest.NewTransport(), link.Config{Characteristics: chars, Logger: quietLogger(t).Logger})
	t.Cleanup(m.Disconnect)
	hr, err := direct.New(direct.Config{Kind: sensor.HeartRate, DeviceID: "HR-1", Machine: m, Logger: quietLogger(t).Logger})
	require.NoError(t, err)
	repo, err := repository.New(repository.Sources{HeartRate: hr})
	require.NoError(t, err)
	return repo, hr
}

func TestWatchLinkJournalsConnections(t *testing.T) {
	repo, hr := heartRateRepo(t)
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	journal, err := logging.OpenJournal(path)
	require.NoError(t, err)
	defer journal.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchLink(ctx, repo, sensor.HeartRate, "HR-1", metrics.NewRideMetrics(metrics.NewRegistry("test", "")),
			live.NewHub(live.Config{Logger: quietLogger(t).Logger}), journal, quietLogger(t).Logger)
	}()

	journaled := func(n int) func() bool {
		return func() bool {
			events, err := logging.ReadJournal(path)
			return err == nil && len(events) == n
		}
	}
	require.NoError(t, hr.Connect(ctx))
	require.Eventually(t, journaled(1), 2*time.Second, 5*time.Millisecond)
	hr.Disconnect()
	require.Eventually(t, journaled(2), 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	events, err := logging.ReadJournal(path)
	require.NoError(t, err)
	assert.Equal(t, logging.EventDeviceConnected, events[0].Type)
	assert.Equal(t, logging.EventDeviceDisconnect, events[1].Type)
	assert.Equal(t, "HR-1", events[1].DeviceID)
	assert.Equal(t, "heart_rate", events[1].Details["kind"])
}

func TestWatchLinkLogsJournalFailures(t *testing.T) {
	repo, hr := heartRateRepo(t)
	journal, err := logging.OpenJournal(filepath.Join(t.TempDir(), "journal.jsonl"))
	require.NoError(t, err)
	require.NoError(t, journal.Close())

	var out lockedBuffer
	logger := slog.New(slog.NewTextHandler(&out, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchLink(ctx, repo, sensor.HeartRate, "HR-1", metrics.NewRideMetrics(metrics.NewRegistry("test", "")),
			live.NewHub(live.Config{Logger: quietLogger(t).Logger}), journal, logger)
	}()

	require.NoError(t, hr.Connect(ctx))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "journal write failed")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, out.String(), string(logging.EventDeviceConnected))
	cancel()
	<-done
}
