package sensor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ridelink/internal/logging"
	"ridelink/internal/stream"
)

// Anomaly describes a payload that was dropped from a stream, or a stream
// that ended while a consumer still wanted it.
type Anomaly struct {
	Kind     Kind      `json:"kind"`
	DeviceID string    `json:"device_id,omitempty"`
	At       time.Time `json:"at"`
	Err      error     `json:"-"`
}

func (a Anomaly) String() string {
	return fmt.Sprintf("%s anomaly from %q at %s: %v", a.Kind, a.DeviceID, a.At.Format(time.RFC3339Nano), a.Err)
}

// AnomalySink receives anomalies. Implementations must not block.
type AnomalySink interface {
	Report(Anomaly)
}

// Anomalies is the process-wide anomaly signal. Each report is logged once,
// counted per kind and broadcast to subscribers.
type Anomalies struct {
	logger *slog.Logger

	// OnReport, when set, is invoked synchronously for every report.
	OnReport func(Anomaly)

	mu     sync.Mutex
	counts map[Kind]uint64
	subs   map[uint64]*stream.Buffer[Anomaly]
	next   uint64
}

// NewAnomalies creates an empty signal logging through logger, or through
// the sensor component logger when logger is nil.
func NewAnomalies(logger *slog.Logger) *Anomalies {
	if logger == nil {
		logger = logging.Component("sensor")
	}
	return &Anomalies{
		logger: logger,
		counts: make(map[Kind]uint64),
		subs:   make(map[uint64]*stream.Buffer[Anomaly]),
	}
}

// Report records a.
func (s *Anomalies) Report(a Anomaly) {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	s.logger.Warn("sensor anomaly",
		"kind", string(a.Kind),
		"device", a.DeviceID,
		"at", a.At,
		"error", a.Err)

	s.mu.Lock()
	s.counts[a.Kind]++
	for _, b := range s.subs {
		b.Push(a)
	}
	hook := s.OnReport
	s.mu.Unlock()

	if hook != nil {
		hook(a)
	}
}

// Count returns how many anomalies were reported for kind.
func (s *Anomalies) Count(kind Kind) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[kind]
}

// Total returns the number of anomalies reported for every kind.
func (s *Anomalies) Total() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n uint64
	for _, c := range s.counts {
		n += c
	}
	return n
}

// Subscribe returns a buffer receiving every later report. The returned
// function unsubscribes.
func (s *Anomalies) Subscribe(size int) (*stream.Buffer[Anomaly], func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := stream.NewBuffer[Anomaly](size)
	id := s.next
	s.next++
	s.subs[id] = b

	var once sync.Once
	return b, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// SinkFunc adapts a function to AnomalySink.
type SinkFunc func(Anomaly)

// Report calls f(a).
func (f SinkFunc) Report(a Anomaly) { f(a) }
