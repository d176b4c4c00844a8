package metrics

import (
	"time"

	"ridelink/internal/link"
	"ridelink/internal/sensor"
)

// RideMetrics holds the daemon's series. Per-kind series exist for every
// sensor kind from the start so that scrapes always see all of them.
type RideMetrics struct {
	registry *Registry

	readings  map[sensor.Kind]*Counter
	anomalies map[sensor.Kind]*Counter
	dropped   map[sensor.Kind]*Counter
	linkState map[sensor.Kind]*Gauge

	RidesSaved     *Counter
	RideSaveErrors *Counter
	Recording      *Gauge
	UnsyncedRides  *Gauge
	UptimeSeconds  *Gauge
	SaveDuration   *Histogram
	started        time.Time
}

// NewRideMetrics registers the daemon's series in registry, or in the
// default registry when nil.
func NewRideMetrics(registry *Registry) *RideMetrics {
	if registry == nil {
		registry = Default()
	}

	m := &RideMetrics{
		registry:  registry,
		readings:  make(map[sensor.Kind]*Counter, len(sensor.Kinds)),
		anomalies: make(map[sensor.Kind]*Counter, len(sensor.Kinds)),
		dropped:   make(map[sensor.Kind]*Counter, len(sensor.Kinds)),
		linkState: make(map[sensor.Kind]*Gauge, len(sensor.Kinds)),
		started:   time.Now(),
	}

	for _, kind := range sensor.Kinds {
		l := Labels{"kind": string(kind)}
		m.readings[kind] = registry.RegisterCounter("readings_total",
			"Readings forwarded into ride sessions", l)
		m.anomalies[kind] = registry.RegisterCounter("anomalies_total",
			"Payloads dropped as malformed or out of range, and streams lost mid-ride", l)
		m.dropped[kind] = registry.RegisterCounter("dropped_total",
			"Readings discarded by backpressure before reaching a consumer", l)
		m.linkState[kind] = registry.RegisterGauge("link_state",
			"Connection state per sensor kind (0 disconnected, 1 connecting, 2 connected)", l)
	}

	m.RidesSaved = registry.RegisterCounter("rides_saved_total", "Rides persisted to the store", nil)
	m.RideSaveErrors = registry.RegisterCounter("ride_save_errors_total", "Failed ride saves", nil)
	m.Recording = registry.RegisterGauge("recording", "1 while a ride is being recorded", nil)
	m.UnsyncedRides = registry.RegisterGauge("unsynced_rides", "Rides not yet synced to the health store", nil)
	m.UptimeSeconds = registry.RegisterGauge("uptime_seconds", "Seconds since the daemon started", nil)
	m.SaveDuration = registry.RegisterHistogram("ride_save_duration_seconds",
		"Duration of ride saves in seconds", nil, DurationBuckets)

	return m
}

// Registry returns the registry the series live in.
func (m *RideMetrics) Registry() *Registry { return m.registry }

// RecordReading counts one forwarded reading.
func (m *RideMetrics) RecordReading(r sensor.Reading) {
	if c, ok := m.readings[r.Kind]; ok {
		c.Inc()
	}
}

// RecordAnomaly counts one anomaly.
func (m *RideMetrics) RecordAnomaly(a sensor.Anomaly) {
	if c, ok := m.anomalies[a.Kind]; ok {
		c.Inc()
	}
}

// RecordDropped adds n discarded readings of kind.
func (m *RideMetrics) RecordDropped(kind sensor.Kind, n uint64) {
	if c, ok := m.dropped[kind]; ok {
		c.Add(n)
	}
}

// RecordSave counts a save attempt.
func (m *RideMetrics) RecordSave(d time.Duration, err error) {
	m.SaveDuration.ObserveDuration(d)
	if err != nil {
		m.RideSaveErrors.Inc()
		return
	}
	m.RidesSaved.Inc()
}

// SetRecording sets the recording gauge.
func (m *RideMetrics) SetRecording(on bool) {
	if on {
		m.Recording.Set(1)
		return
	}
	m.Recording.Set(0)
}

// SetLinkState records the state of kind's source.
func (m *RideMetrics) SetLinkState(kind sensor.Kind, s link.State) {
	if g, ok := m.linkState[kind]; ok {
		g.Set(int64(s))
	}
}

// LinkState returns the last recorded state of kind.
func (m *RideMetrics) LinkState(kind sensor.Kind) link.State {
	if g, ok := m.linkState[kind]; ok {
		return link.State(g.Value())
	}
	return link.Disconnected
}

// Readings returns the reading count for kind.
func (m *RideMetrics) Readings(kind sensor.Kind) uint64 {
	if c, ok := m.readings[kind]; ok {
		return c.Value()
	}
	return 0
}

// Dropped returns the backpressure drop count for kind.
func (m *RideMetrics) Dropped(kind sensor.Kind) uint64 {
	if c, ok := m.dropped[kind]; ok {
		return c.Value()
	}
	return 0
}

// UpdateUptime refreshes the uptime gauge.
func (m *RideMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(m.started).Seconds()))
}
