package ride

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"ridelink/internal/link"
	"ridelink/internal/location"
	"ridelink/internal/logging"
	"ridelink/internal/sensor"
)

// DefaultMailbox bounds the queue between forwarders and the owner goroutine.
const DefaultMailbox = 256

// DefaultResubscribeDelay is the pause between a lost stream and the next
// subscription attempt.
const DefaultResubscribeDelay = time.Second

var (
	// ErrAlreadyRecording is returned by Start while a ride is active.
	ErrAlreadyRecording = errors.New("ride: already recording")
	// ErrNotRecording is returned by Stop when no ride is active.
	ErrNotRecording = errors.New("ride: not recording")
)

// Sensors is the sensor facade the recorder subscribes to.
type Sensors interface {
	Readings(ctx context.Context, kind sensor.Kind) iter.Seq2[sensor.Reading, error]
}

// LinkStates is implemented by sensor facades that report link states. The
// recorder uses it to resubscribe a kind once its link is connected again.
type LinkStates interface {
	States(ctx context.Context, kind sensor.Kind) (iter.Seq[link.State], error)
}

// Saver persists finished rides.
type Saver interface {
	Save(ctx context.Context, r Ride) error
}

// Hooks observe the recorder. Every hook is optional and must not block.
type Hooks struct {
	OnReading   func(sensor.Reading)
	OnSave      func(r Ride, err error)
	OnRecording func(recording bool, rideID string)
}

// Config configures a Recorder.
type Config struct {
	Sensors   Sensors
	Locations location.Source // optional
	Store     Saver

	// Kinds are subscribed for every ride. SetKinds changes them for the
	// next ride.
	Kinds   []sensor.Kind
	Mailbox int

	// ResubscribeDelay defaults to DefaultResubscribeDelay.
	ResubscribeDelay time.Duration

	Anomalies sensor.AnomalySink
	Journal   *logging.Journal
	Hooks     Hooks
	Logger    *slog.Logger
	Clock     func() time.Time
	NewID     func() string
}

// Recorder turns live streams into rides. Start and Stop are safe for
// concurrent use; the session itself is only touched by the owner goroutine.
type Recorder struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	kinds   []sensor.Kind
	active  *recording
	pending []Ride
}

type message struct {
	reading  *sensor.Reading
	location *location.Point
}

type snapshot struct {
	samples   map[sensor.Kind]int
	locations int
}

type recording struct {
	id        string
	startedAt time.Time
	kinds     []sensor.Kind
	session   *Session

	cancel     context.CancelFunc
	forwarders sync.WaitGroup
	mailbox    chan message
	queries    chan chan snapshot
	done       chan struct{}
}

// NewRecorder validates cfg and returns an idle Recorder.
func NewRecorder(cfg Config) (*Recorder, error) {
	if cfg.Sensors == nil {
		return nil, errors.New("ride: nil sensors")
	}
	if cfg.Store == nil {
		return nil, errors.New("ride: nil store")
	}
	if cfg.Mailbox <= 0 {
		cfg.Mailbox = DefaultMailbox
	}
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = DefaultResubscribeDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("recorder")
	}
	if cfg.Anomalies == nil {
		cfg.Anomalies = sensor.NewAnomalies(cfg.Logger)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Recorder{cfg: cfg, logger: cfg.Logger, kinds: slices.Clone(cfg.Kinds)}, nil
}

// SetKinds changes the kinds subscribed by the next ride.
func (r *Recorder) SetKinds(kinds []sensor.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = slices.Clone(kinds)
}

// Kinds returns the kinds the next ride will subscribe to.
func (r *Recorder) Kinds() []sensor.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.kinds)
}

// Start begins a ride and returns its ID. The subscriptions live until Stop,
// independently of ctx.
func (r *Recorder) Start(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return "", ErrAlreadyRecording
	}

	runCtx, cancel := context.WithCancel(context.Background())
	session := newSession(r.cfg.NewID(), r.cfg.Clock())
	rec := &recording{
		id:        session.ID,
		startedAt: session.StartedAt,
		kinds:     slices.Clone(r.kinds),
		session:   session,
		cancel:    cancel,
		mailbox:   make(chan message, r.cfg.Mailbox),
		queries:   make(chan chan snapshot),
		done:      make(chan struct{}),
	}

	go r.own(rec)
	for _, kind := range rec.kinds {
		rec.forwarders.Add(1)
		go r.forwardReadings(runCtx, rec, kind)
	}
	if r.cfg.Locations != nil {
		rec.forwarders.Add(1)
		go r.forwardLocations(runCtx, rec)
	}
	r.active = rec

	r.logger.Info("ride started", "ride_id", rec.id, "kinds", rec.kinds)
	r.journal(logging.JournalEvent{Type: logging.EventRideStarted, RideID: rec.id})
	if h := r.cfg.Hooks.OnRecording; h != nil {
		h(true, rec.id)
	}
	return rec.id, nil
}

// own is the only goroutine that touches rec.session.
func (r *Recorder) own(rec *recording) {
	defer close(rec.done)
	for {
		select {
		case m, ok := <-rec.mailbox:
			if !ok {
				return
			}
			switch {
			case m.reading != nil:
				rec.session.AddReading(*m.reading)
			case m.location != nil:
				rec.session.AddLocation(*m.location)
			}
		case q := <-rec.queries:
			q <- snapshot{samples: rec.session.Counts(), locations: len(rec.session.Locations)}
		}
	}
}

func (r *Recorder) forwardReadings(ctx context.Context, rec *recording, kind sensor.Kind) {
	defer rec.forwarders.Done()
	for {
		err := r.forwardStream(ctx, rec, kind)
		if err == nil || ctx.Err() != nil {
			return
		}
		r.streamEnded(ctx, rec, kind, err)
		if !r.awaitLink(ctx, kind, err) {
			return
		}
		r.logger.Info("resubscribing sensor stream", "ride_id", rec.id, "kind", string(kind))
	}
}

// forwardStream copies one subscription into the mailbox and returns the
// error that ended it, or nil when it ended without one.
func (r *Recorder) forwardStream(ctx context.Context, rec *recording, kind sensor.Kind) error {
	for rd, err := range r.cfg.Sensors.Readings(ctx, kind) {
		if err != nil {
			return err
		}
		if rd.Kind != kind {
			continue
		}
		select {
		case rec.mailbox <- message{reading: &rd}:
		case <-ctx.Done():
			return nil
		}
		if h := r.cfg.Hooks.OnReading; h != nil {
			h(rd)
		}
	}
	return nil
}

// awaitLink blocks until the link of kind is connected again. It reports
// false when the stream cannot come back: the facade has no link states, the
// failure was not a link failure, or ctx ended first.
func (r *Recorder) awaitLink(ctx context.Context, kind sensor.Kind, cause error) bool {
	ls, ok := r.cfg.Sensors.(LinkStates)
	if !ok || !linkFailure(cause) {
		return false
	}
	t := time.NewTimer(r.cfg.ResubscribeDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return false
	}
	states, err := ls.States(ctx, kind)
	if err != nil {
		return false
	}
	for st := range states {
		if st == link.Connected {
			return ctx.Err() == nil
		}
	}
	return false
}

func linkFailure(err error) bool {
	for _, target := range []error{
		link.ErrLinkLost,
		link.ErrDisconnected,
		link.ErrNotConnected,
		link.ErrHandshakeTimeout,
		link.ErrTransportUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (r *Recorder) forwardLocations(ctx context.Context, rec *recording) {
	defer rec.forwarders.Done()
	for pt, err := range r.cfg.Locations.Locations(ctx) {
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("location stream ended", "ride_id", rec.id, "error", err)
			}
			return
		}
		select {
		case rec.mailbox <- message{location: &pt}:
		case <-ctx.Done():
			return
		}
	}
}

// streamEnded reports a sensor stream that failed mid-ride. Recording goes on
// with the remaining streams.
func (r *Recorder) streamEnded(ctx context.Context, rec *recording, kind sensor.Kind, err error) {
	if ctx.Err() != nil {
		return
	}
	r.logger.Warn("sensor stream ended", "ride_id", rec.id, "kind", string(kind), "error", err)
	r.cfg.Anomalies.Report(sensor.Anomaly{Kind: kind, At: r.cfg.Clock(), Err: err})
}

// Stop ends the active ride, saves it and returns it. When the save fails the
// ride is returned together with the error and kept in Pending.
func (r *Recorder) Stop(ctx context.Context) (Ride, error) {
	r.mu.Lock()
	rec := r.active
	r.active = nil
	r.mu.Unlock()
	if rec == nil {
		return Ride{}, ErrNotRecording
	}

	rec.cancel()
	rec.forwarders.Wait()
	close(rec.mailbox)
	<-rec.done

	ride := rec.session.Finalize(r.cfg.Clock())
	if h := r.cfg.Hooks.OnRecording; h != nil {
		h(false, rec.id)
	}

	if err := r.save(ctx, ride); err != nil {
		r.mu.Lock()
		r.pending = append(r.pending, ride)
		r.mu.Unlock()
		return ride, err
	}
	return ride, nil
}

func (r *Recorder) save(ctx context.Context, ride Ride) error {
	err := r.cfg.Store.Save(ctx, ride)
	if h := r.cfg.Hooks.OnSave; h != nil {
		h(ride, err)
	}
	if err != nil {
		r.logger.Error("ride save failed", "ride_id", ride.ID, "error", err)
		r.journal(logging.JournalEvent{Type: logging.EventRideSaveFailed, RideID: ride.ID, Error: err.Error()})
		return fmt.Errorf("save ride %s: %w", ride.ID, err)
	}
	r.logger.Info("ride saved",
		"ride_id", ride.ID,
		"duration", ride.EndedAt.Sub(ride.StartedAt),
		"locations", len(ride.Locations),
		"heart_rate", len(ride.HeartRate),
		"glucose", len(ride.Glucose),
		"heading", len(ride.Heading))
	r.journal(logging.JournalEvent{Type: logging.EventRideSaved, RideID: ride.ID})
	return nil
}

// Pending returns rides whose save failed, oldest first.
func (r *Recorder) Pending() []Ride {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.pending)
}

// FlushPending retries every pending ride and returns the joined errors of
// those that still fail.
func (r *Recorder) FlushPending(ctx context.Context) error {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	var (
		failed []Ride
		errs   []error
	)
	for _, ride := range batch {
		if err := ctx.Err(); err != nil {
			failed = append(failed, ride)
			errs = append(errs, err)
			continue
		}
		if err := r.save(ctx, ride); err != nil {
			failed = append(failed, ride)
			errs = append(errs, err)
		}
	}

	if len(failed) > 0 {
		r.mu.Lock()
		r.pending = append(failed, r.pending...)
		r.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Status describes the recorder.
type Status struct {
	Recording bool                `json:"recording"`
	RideID    string              `json:"ride_id,omitempty"`
	StartedAt time.Time           `json:"started_at,omitempty"`
	Duration  time.Duration       `json:"duration,omitempty"`
	Kinds     []sensor.Kind       `json:"kinds"`
	Samples   map[sensor.Kind]int `json:"samples,omitempty"`
	Locations int                 `json:"locations"`
	Pending   int                 `json:"pending"`
}

// Status returns a snapshot of the recorder.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	rec := r.active
	st := Status{Kinds: slices.Clone(r.kinds), Pending: len(r.pending)}
	r.mu.Unlock()
	if rec == nil {
		return st
	}

	st.Recording = true
	st.RideID = rec.id
	st.StartedAt = rec.startedAt
	st.Kinds = rec.kinds
	st.Duration = r.cfg.Clock().Sub(rec.startedAt)

	reply := make(chan snapshot, 1)
	select {
	case rec.queries <- reply:
		snap := <-reply
		st.Samples = snap.samples
		st.Locations = snap.locations
	case <-rec.done:
	}
	return st
}

// Recording reports whether a ride is active.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

func (r *Recorder) journal(ev logging.JournalEvent) {
	if err := r.cfg.Journal.Record(ev); err != nil {
		r.logger.Warn("journal write failed", "error", err)
	}
}
