package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tormoder/fit"

	"ridelink/internal/health"
	"ridelink/internal/link"
	"ridelink/internal/location"
	"ridelink/internal/metrics"
	"ridelink/internal/repository"
	"ridelink/internal/ride"
	"ridelink/internal/sensor"
	"ridelink/internal/store"
)

type fakeRecorder struct {
	active  string
	saveErr error
}

func (f *fakeRecorder) Start(ctx context.Context) (string, error) {
	if f.active != "" {
		return "", ride.ErrAlreadyRecording
	}
	f.active = "ride-new"
	return f.active, nil
}

func (f *fakeRecorder) Stop(ctx context.Context) (ride.Ride, error) {
	if f.active == "" {
		return ride.Ride{}, ride.ErrNotRecording
	}
	r := ride.Ride{ID: f.active, StartedAt: t0, EndedAt: t0.Add(time.Minute)}
	f.active = ""
	if f.saveErr != nil {
		return r, fmt.Errorf("save ride %s: %w", r.ID, f.saveErr)
	}
	return r, nil
}

func (f *fakeRecorder) Status() ride.Status {
	return ride.Status{Recording: f.active != "", RideID: f.active, Kinds: []sensor.Kind{sensor.HeartRate}}
}

type fakeConnector struct {
	state link.State
	err   error
}

func (f *fakeConnector) Connect(ctx context.Context) error {
	if f.err != nil {
		return f.err
	}
	f.state = link.Connected
	return nil
}
func (f *fakeConnector) Disconnect()       { f.state = link.Disconnected }
func (f *fakeConnector) State() link.State { return f.state }

type fakeSensors struct {
	hr      *fakeConnector
	scanErr error
	scans   int
}

func (f *fakeSensors) Kinds() []sensor.Kind { return []sensor.Kind{sensor.HeartRate, sensor.Glucose} }

func (f *fakeSensors) State(kind sensor.Kind) link.State {
	if kind == sensor.HeartRate {
		return f.hr.state
	}
	return link.Connected
}

func (f *fakeSensors) Connector(kind sensor.Kind) (sensor.Connector, error) {
	switch kind {
	case sensor.HeartRate:
		return f.hr, nil
	case sensor.Glucose:
		return nil, fmt.Errorf("%w: %s", repository.ErrNoDirectLink, kind)
	default:
		return nil, fmt.Errorf("%w: %s", repository.ErrNoSource, kind)
	}
}

func (f *fakeSensors) ScanSensor(ctx context.Context) error {
	f.scans++
	return f.scanErr
}

// brokenRides fails every call with an unavailable store.
type brokenRides struct{ store.Store }

func (brokenRides) UnsyncedCount(context.Context) (int, error) {
	return 0, fmt.Errorf("%w: count: %w", store.ErrUnavailable, errors.New("database is locked"))
}

var t0 = time.Date(2026, 6, 14, 7, 30, 0, 0, time.UTC)

type harness struct {
	router   *gin.Engine
	recorder *fakeRecorder
	sensors  *fakeSensors
	rides    *store.Memory
	checker  *health.Checker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := &harness{
		recorder: &fakeRecorder{},
		sensors:  &fakeSensors{hr: &fakeConnector{}},
		rides:    store.NewMemory(),
		checker:  health.NewChecker(),
	}
	h.checker.RegisterFunc("store", true, health.PingCheck("store", h.rides.Ping))
	h.checker.SetReady(true)

	reg := metrics.NewRegistry("ridelink", "")
	metrics.NewRideMetrics(reg).SetRecording(true)

	router, err := NewRouter(Config{
		Recorder: h.recorder,
		Sensors:  h.sensors,
		Rides:    h.rides,
		Health:   h.checker,
		Metrics:  reg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	h.router = router
	return h
}

func (h *harness) do(method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func (h *harness) seed(t *testing.T, id string, start time.Time, synced bool) ride.Ride {
	t.Helper()
	r := ride.Ride{
		ID:        id,
		StartedAt: start,
		EndedAt:   start.Add(10 * time.Minute),
		Locations: []location.Point{
			{Timestamp: start, Latitude: 47, Longitude: 8},
			{Timestamp: start.Add(time.Second), Latitude: 47.001, Longitude: 8},
		},
		HeartRate: []sensor.Reading{
			{Timestamp: start, Kind: sensor.HeartRate, Value: 120, DeviceID: "HR-1"},
		},
		Glucose:          []sensor.Reading{},
		Heading:          []sensor.Reading{},
		HealthDataSynced: synced,
	}
	require.NoError(t, h.rides.Save(context.Background(), r))
	return r
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewRouterRequiresComponents(t *testing.T) {
	_, err := NewRouter(Config{})
	assert.Error(t, err)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		store.ErrNotFound:                         http.StatusNotFound,
		repository.ErrNoSource:                    http.StatusNotFound,
		sensor.ErrUnknownKind:                     http.StatusBadRequest,
		link.ErrInvalidDevice:                     http.StatusBadRequest,
		ride.ErrAlreadyRecording:                  http.StatusConflict,
		ride.ErrNotRecording:                      http.StatusConflict,
		link.ErrDeviceBusy:                        http.StatusConflict,
		repository.ErrNoDirectLink:                http.StatusUnprocessableEntity,
		sensor.ErrScanUnsupported:                 http.StatusUnprocessableEntity,
		link.ErrHandshakeTimeout:                  http.StatusGatewayTimeout,
		link.ErrTransportUnavailable:              http.StatusServiceUnavailable,
		store.ErrUnavailable:                      http.StatusServiceUnavailable,
		errors.New("something else"):              http.StatusInternalServerError,
		fmt.Errorf("wrap: %w", store.ErrNotFound): http.StatusNotFound,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}

// =============================================================================
// Probes
// =============================================================================

func TestProbesAndMetrics(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/readyz").Code)

	rec := h.do(http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ridelink_recording 1")

	h.checker.RegisterFunc("store", true, health.PingCheck("store", func(context.Context) error {
		return store.ErrUnavailable
	}))
	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodGet, "/readyz").Code)
}

func TestRequestIDHeader(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/api/v1/status")
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set(headerRequestID, "abc-123")
	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(headerRequestID))
}

// =============================================================================
// Status, devices and scan
// =============================================================================

func TestStatus(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a", t0, false)
	h.seed(t, "b", t0.Add(time.Hour), true)

	resp := decode[StatusResponse](t, h.do(http.MethodGet, "/api/v1/status"))
	assert.False(t, resp.Recorder.Recording)
	require.NotNil(t, resp.Unsynced)
	assert.Equal(t, 1, *resp.Unsynced)
	assert.Equal(t, []LinkStatus{
		{Kind: sensor.HeartRate, State: link.Disconnected},
		{Kind: sensor.Glucose, State: link.Connected},
	}, resp.Links)
}

func TestStatusSurvivesStoreOutage(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router, err := NewRouter(Config{
		Recorder: &fakeRecorder{},
		Sensors:  &fakeSensors{hr: &fakeConnector{}},
		Rides:    brokenRides{store.NewMemory()},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[StatusResponse](t, rec)
	assert.Nil(t, resp.Unsynced)
	assert.Contains(t, resp.Error, "database is locked")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/rides/unsynced/count", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestConnectDisconnect(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/v1/devices/hr/connect")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, LinkStatus{Kind: sensor.HeartRate, State: link.Connected}, decode[LinkStatus](t, rec))

	rec = h.do(http.MethodPost, "/api/v1/devices/heart_rate/disconnect")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, link.Disconnected, decode[LinkStatus](t, rec).State)

	h.sensors.hr.err = fmt.Errorf("connect HR-1: %w", link.ErrHandshakeTimeout)
	assert.Equal(t, http.StatusGatewayTimeout, h.do(http.MethodPost, "/api/v1/devices/hr/connect").Code)

	assert.Equal(t, http.StatusUnprocessableEntity, h.do(http.MethodPost, "/api/v1/devices/glucose/connect").Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/api/v1/devices/heading/connect").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/v1/devices/cadence/connect").Code)
}

func TestScan(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/api/v1/sensors/glucose/scan").Code)
	assert.Equal(t, 1, h.sensors.scans)

	h.sensors.scanErr = sensor.ErrScanUnsupported
	assert.Equal(t, http.StatusUnprocessableEntity, h.do(http.MethodPost, "/api/v1/sensors/glucose/scan").Code)
}

// =============================================================================
// Rides
// =============================================================================

func TestStartStopRide(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/api/v1/rides/stop").Code)

	rec := h.do(http.MethodPost, "/api/v1/rides/start")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "ride-new", decode[map[string]string](t, rec)["id"])
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/api/v1/rides/start").Code)

	rec = h.do(http.MethodPost, "/api/v1/rides/stop")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[StopRideResponse](t, rec)
	assert.True(t, resp.Saved)
	assert.Equal(t, "ride-new", resp.Ride.ID)
	assert.Equal(t, time.Minute, resp.Ride.Duration)
}

func TestStopRideSaveFailureIsAccepted(t *testing.T) {
	h := newHarness(t)
	h.recorder.saveErr = store.ErrUnavailable
	h.do(http.MethodPost, "/api/v1/rides/start")

	rec := h.do(http.MethodPost, "/api/v1/rides/stop")
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[StopRideResponse](t, rec)
	assert.False(t, resp.Saved)
	assert.Contains(t, resp.SaveError, "unavailable")
}

func TestListAndGetRides(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "later", t0.Add(time.Hour), false)
	h.seed(t, "earlier", t0, false)

	rec := h.do(http.MethodGet, "/api/v1/rides")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]ride.Summary](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, "earlier", list[0].ID)
	assert.Equal(t, "later", list[1].ID)
	assert.InDelta(t, 111, list[0].DistanceMeters, 1)

	rec = h.do(http.MethodGet, "/api/v1/rides/earlier")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[RideResponse](t, rec)
	assert.Equal(t, "earlier", got.ID)
	assert.Len(t, got.Locations, 2)
	assert.Equal(t, 120.0, got.Summary.AvgHeartRate)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/v1/rides/missing").Code)
}

func TestListRidesEmpty(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/api/v1/rides")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestMarkSyncedAndCount(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a", t0, false)
	h.seed(t, "b", t0.Add(time.Hour), false)

	count := func() int {
		rec := h.do(http.MethodGet, "/api/v1/rides/unsynced/count")
		require.Equal(t, http.StatusOK, rec.Code)
		return decode[map[string]int](t, rec)["count"]
	}
	assert.Equal(t, 2, count())

	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/v1/rides/a/synced").Code)
	assert.Equal(t, 1, count())

	// Idempotent.
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/v1/rides/a/synced").Code)
	assert.Equal(t, 1, count())

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/api/v1/rides/zzz/synced").Code)
}

func TestExportFIT(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a", t0, false)

	rec := h.do(http.MethodGet, "/api/v1/rides/a/export.fit")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `a.fit`)

	f, err := fit.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	act, err := f.Activity()
	require.NoError(t, err)
	assert.Len(t, act.Records, 2)

	require.NoError(t, h.rides.Save(context.Background(), ride.Ride{
		ID: "empty", StartedAt: t0, EndedAt: t0,
		Locations: []location.Point{}, HeartRate: []sensor.Reading{},
		Glucose: []sensor.Reading{}, Heading: []sensor.Reading{},
	}))
	assert.Equal(t, http.StatusUnprocessableEntity, h.do(http.MethodGet, "/api/v1/rides/empty/export.fit").Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/v1/rides/nope/export.fit").Code)
}
