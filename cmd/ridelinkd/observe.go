package main

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"ridelink/internal/config"
	"ridelink/internal/link"
	"ridelink/internal/live"
	"ridelink/internal/logging"
	"ridelink/internal/metrics"
	"ridelink/internal/repository"
	"ridelink/internal/ride"
	"ridelink/internal/sensor"
	"ridelink/internal/store"
)

// observedStore times saves and journals sync marks.
type observedStore struct {
	store.Store
	metrics *metrics.RideMetrics
	journal *logging.Journal
	logger  *slog.Logger
}

func (s *observedStore) Save(ctx context.Context, r ride.Ride) error {
	start := time.Now()
	err := s.Store.Save(ctx, r)
	s.metrics.RecordSave(time.Since(start), err)
	return err
}

func (s *observedStore) MarkSynced(ctx context.Context, id string) error {
	if err := s.Store.MarkSynced(ctx, id); err != nil {
		return err
	}
	s.record(logging.JournalEvent{Type: logging.EventRideSynced, RideID: id})
	return nil
}

func (s *observedStore) record(ev logging.JournalEvent) {
	recordJournal(s.journal, s.logger, ev)
}

func recordJournal(journal *logging.Journal, logger *slog.Logger, ev logging.JournalEvent) {
	if journal == nil {
		return
	}
	if err := journal.Record(ev); err != nil {
		logger.Warn("journal write failed", "event", ev.Type, "error", err)
	}
}

// watchLink mirrors the link state of kind into metrics, the live feed and
// the journal until ctx is done.
func watchLink(ctx context.Context, repo *repository.Repository, kind sensor.Kind, deviceID string, m *metrics.RideMetrics, hub *live.Hub, journal *logging.Journal, logger *slog.Logger) {
	states, err := repo.States(ctx, kind)
	if err != nil {
		return
	}
	details := map[string]string{"kind": string(kind)}
	prev := link.Disconnected
	for s := range states {
		m.SetLinkState(kind, s)
		hub.PublishState(kind, s)

		if s != prev {
			switch {
			case s == link.Connected:
				recordJournal(journal, logger, logging.JournalEvent{Type: logging.EventDeviceConnected, DeviceID: deviceID, Details: details})
			case s == link.Disconnected && prev == link.Connected:
				recordJournal(journal, logger, logging.JournalEvent{Type: logging.EventDeviceDisconnect, DeviceID: deviceID, Details: details})
			}
		}
		prev = s
	}
}

// housekeep retries pending rides every flush interval and refreshes the
// store-derived gauges.
func housekeep(ctx context.Context, recorder *ride.Recorder, rides store.Store, m *metrics.RideMetrics, flush time.Duration, logger *slog.Logger) {
	if flush <= 0 {
		flush = time.Minute
	}
	flushTicker := time.NewTicker(flush)
	defer flushTicker.Stop()
	gaugeTicker := time.NewTicker(housekeepInterval)
	defer gaugeTicker.Stop()

	refresh := func() {
		m.UpdateUptime()
		n, err := rides.UnsyncedCount(ctx)
		if err != nil {
			logger.Debug("unsynced count unavailable", "error", err)
			return
		}
		m.UnsyncedRides.Set(int64(n))
	}
	refresh()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gaugeTicker.C:
			refresh()
		case <-flushTicker.C:
			pending := len(recorder.Pending())
			if pending == 0 {
				continue
			}
			if err := recorder.FlushPending(ctx); err != nil {
				logger.Warn("pending rides still unsaved", "count", len(recorder.Pending()), "error", err)
				continue
			}
			logger.Info("pending rides saved", "count", pending)
			refresh()
		}
	}
}

// applyReload applies the settings that can change without a restart: the
// log level and the kinds recorded by the next ride.
func applyReload(logger *logging.Logger, recorder *ride.Recorder, old, next *config.Config) {
	if old.Logging.Level != next.Logging.Level {
		if level, err := logging.ParseLevel(next.Logging.Level); err == nil {
			logger.SetLevel(level)
			logger.Info("log level changed", "level", next.Logging.Level)
		}
	}

	kinds, err := next.RecorderKinds()
	if err != nil {
		logger.Warn("recorder kinds not applied", "error", err)
	} else if !slices.Equal(kinds, recorder.Kinds()) {
		recorder.SetKinds(kinds)
		logger.Info("recorder kinds changed", "kinds", kinds)
	}

	if old.Sensors != next.Sensors || old.Storage != next.Storage || old.API != next.API ||
		old.MQTT != next.MQTT || old.Location != next.Location {
		logger.Warn("restart required to apply transport changes")
	}
}
