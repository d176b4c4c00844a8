package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridelink/internal/link"
	"ridelink/internal/sensor"
)

func TestLabelsString(t *testing.T) {
	assert.Equal(t, "", Labels(nil).String())
	assert.Equal(t, `{a="1",b="x\"y"}`, Labels{"b": `x"y`, "a": "1"}.String())
}

func TestRegisterReturnsSameSeries(t *testing.T) {
	r := NewRegistry("test", "")
	a := r.RegisterCounter("events_total", "Events", Labels{"kind": "a"})
	b := r.RegisterCounter("events_total", "Events", Labels{"kind": "b"})
	again := r.RegisterCounter("events_total", "Events", Labels{"kind": "a"})

	assert.Same(t, a, again)
	assert.NotSame(t, a, b)

	a.Inc()
	b.Add(3)
	assert.Equal(t, uint64(1), r.GetCounter("events_total", Labels{"kind": "a"}).Value())
	assert.Equal(t, uint64(3), r.GetCounter("events_total", Labels{"kind": "b"}).Value())
	assert.Nil(t, r.GetCounter("events_total", nil))
}

func TestHistogramBuckets(t *testing.T) {
	h := NewHistogram("h", "", nil, []float64{1, 0.1})
	h.Observe(0.05)
	h.Observe(0.1)
	h.Observe(0.5)
	h.Observe(7)

	counts, sum, count := h.cumulative()
	assert.Equal(t, []uint64{2, 3, 4}, counts)
	assert.InDelta(t, 7.65, sum, 1e-9)
	assert.Equal(t, uint64(4), count)
	assert.InDelta(t, 7.65/4, h.Mean(), 1e-9)
}

func TestWritePrometheus(t *testing.T) {
	r := NewRegistry("ridelink", "")
	r.RegisterCounter("readings_total", "Readings", Labels{"kind": "glucose"}).Add(2)
	r.RegisterCounter("readings_total", "Readings", Labels{"kind": "heart_rate"}).Add(5)
	r.RegisterGauge("recording", "Recording", nil).Set(1)
	r.RegisterHistogram("save_seconds", "Saves", nil, []float64{0.5}).Observe(0.25)

	var b strings.Builder
	require.NoError(t, r.WritePrometheus(&b))
	out := b.String()

	assert.Equal(t, 1, strings.Count(out, "# TYPE ridelink_readings_total counter"))
	assert.Contains(t, out, `ridelink_readings_total{kind="glucose"} 2`)
	assert.Contains(t, out, `ridelink_readings_total{kind="heart_rate"} 5`)
	assert.Contains(t, out, "ridelink_recording 1")
	assert.Contains(t, out, `ridelink_save_seconds_bucket{le="0.5"} 1`)
	assert.Contains(t, out, `ridelink_save_seconds_bucket{le="+Inf"} 1`)
	assert.Contains(t, out, "ridelink_save_seconds_count 1")
	assert.Less(t, strings.Index(out, `kind="glucose"`), strings.Index(out, `kind="heart_rate"`))
}

func TestHTTPHandler(t *testing.T) {
	r := NewRegistry("ridelink", "")
	r.RegisterGauge("recording", "Recording", nil).Set(1)

	rec := httptest.NewRecorder()
	r.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "ridelink_recording 1")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/json")
	rec = httptest.NewRecorder()
	r.HTTPHandler().ServeHTTP(rec, req)
	assert.JSONEq(t, `{"ridelink_recording": 1}`, rec.Body.String())
}

func TestReset(t *testing.T) {
	r := NewRegistry("", "")
	c := r.RegisterCounter("c", "", nil)
	h := r.RegisterHistogram("h", "", nil, nil)
	c.Inc()
	h.Observe(1)
	r.Reset()
	assert.Zero(t, c.Value())
	assert.Zero(t, h.Count())
}

// =============================================================================
// RideMetrics
// =============================================================================

func TestRideMetrics(t *testing.T) {
	m := NewRideMetrics(NewRegistry("ridelink", ""))

	m.RecordReading(sensor.Reading{Kind: sensor.HeartRate})
	m.RecordReading(sensor.Reading{Kind: sensor.HeartRate})
	m.RecordReading(sensor.Reading{Kind: "cadence"})
	m.RecordAnomaly(sensor.Anomaly{Kind: sensor.Glucose})
	m.RecordDropped(sensor.Heading, 7)
	m.RecordSave(10*time.Millisecond, nil)
	m.RecordSave(time.Millisecond, errors.New("disk full"))
	m.SetRecording(true)
	m.SetLinkState(sensor.HeartRate, link.Connected)

	assert.Equal(t, uint64(2), m.Readings(sensor.HeartRate))
	assert.Equal(t, uint64(0), m.Readings(sensor.Glucose))
	assert.Equal(t, uint64(7), m.Dropped(sensor.Heading))
	assert.Equal(t, uint64(1), m.RidesSaved.Value())
	assert.Equal(t, uint64(1), m.RideSaveErrors.Value())
	assert.Equal(t, int64(1), m.Recording.Value())
	assert.Equal(t, link.Connected, m.LinkState(sensor.HeartRate))
	assert.Equal(t, link.Disconnected, m.LinkState(sensor.Glucose))

	var b strings.Builder
	require.NoError(t, m.Registry().WritePrometheus(&b))
	out := b.String()
	assert.Contains(t, out, `ridelink_readings_total{kind="heart_rate"} 2`)
	assert.Contains(t, out, `ridelink_anomalies_total{kind="glucose"} 1`)
	assert.Contains(t, out, `ridelink_dropped_total{kind="heading"} 7`)
	assert.Contains(t, out, `ridelink_link_state{kind="heart_rate"} 2`)
	assert.Contains(t, out, "ridelink_rides_saved_total 1")
	assert.Contains(t, out, "ridelink_ride_save_errors_total 1")
	assert.NotContains(t, out, "cadence")
}
