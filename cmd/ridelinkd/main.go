// ridelinkd records rides from heart-rate, glucose and heading sensors.
//
// It owns the sensor links, the ride recorder and the ride store, and serves
// the control API used by ridectl:
//
//	ridelinkd                       Run with the default configuration file
//	ridelinkd -config <path>        Run with another configuration file
//	ridelinkd -version              Print the version and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"ridelink/internal/api"
	"ridelink/internal/config"
	"ridelink/internal/health"
	"ridelink/internal/link"
	"ridelink/internal/live"
	"ridelink/internal/logging"
	"ridelink/internal/metrics"
	"ridelink/internal/repository"
	"ridelink/internal/ride"
	"ridelink/internal/sensor"
	"ridelink/internal/store"
)

var version = "dev"

const (
	stopTimeout       = 15 * time.Second
	housekeepInterval = 15 * time.Second
	minFreeDisk       = 64 << 20
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: "+config.ConfigPath()+")")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("ridelinkd", version)
		return
	}

	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}
	if err := run(path); err != nil {
		fmt.Fprintf(os.Stderr, "ridelinkd: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	defer loader.Close()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	lock, err := acquireLock(filepath.Join(config.DataDir(), "ridelinkd.lock"))
	if err != nil {
		return err
	}
	defer releaseLock(lock)

	logCfg, err := cfg.LogConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	logging.SetDefault(logger)
	defer logger.Close()

	crash := &logging.CrashHandler{
		Dir:     logging.DefaultCrashDir(),
		Version: version,
		Logger:  logger.WithComponent("crash").Logger,
	}

	var journal *logging.Journal
	if cfg.Logging.JournalPath != "" {
		journal, err = logging.OpenJournal(cfg.Logging.JournalPath)
		if err != nil {
			return err
		}
		defer journal.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("ridelinkd starting", "version", version, "config", path, "pid", os.Getpid())

	registry := metrics.Default()
	rideMetrics := metrics.NewRideMetrics(registry)

	var rdb *redis.Client
	if cfg.Live.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Live.RedisAddr})
		defer rdb.Close()
	}
	hub := live.NewHub(live.Config{
		Redis:        rdb,
		Channel:      cfg.Live.Channel,
		ClientBuffer: cfg.Live.ClientBuffer,
		Logger:       logger.WithComponent("live").Logger,
	})

	anomalies := sensor.NewAnomalies(logger.WithComponent("sensor").Logger)
	anomalies.OnReport = func(a sensor.Anomaly) {
		rideMetrics.RecordAnomaly(a)
		hub.PublishAnomaly(a)
	}

	sensors, err := buildSensors(cfg, anomalies, rideMetrics, logger)
	if err != nil {
		return err
	}
	defer sensors.Close()

	repo, err := repository.New(sensors.sources)
	if err != nil {
		return err
	}

	backend, err := store.New(ctx, store.Options{
		Type:        store.Type(cfg.Storage.Type),
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: cfg.BusyTimeout(),
		MaxConns:    int32(cfg.Storage.MaxConnections),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()
	rides := &observedStore{Store: backend, metrics: rideMetrics, journal: journal, logger: logger.WithComponent("store").Logger}

	kinds, err := cfg.RecorderKinds()
	if err != nil {
		return err
	}
	recorder, err := ride.NewRecorder(ride.Config{
		Sensors:   repo,
		Locations: sensors.locations,
		Store:     rides,
		Kinds:     kinds,
		Mailbox:   cfg.Recorder.Mailbox,
		Anomalies: anomalies,
		Journal:   journal,
		Hooks: ride.Hooks{
			OnReading: func(r sensor.Reading) {
				rideMetrics.RecordReading(r)
				hub.PublishReading(r)
			},
			OnRecording: func(on bool, rideID string) {
				rideMetrics.SetRecording(on)
				hub.PublishRecording(on, rideID)
			},
		},
		Logger: logger.WithComponent("recorder").Logger,
	})
	if err != nil {
		return err
	}

	checker := health.NewChecker()
	checker.RegisterFunc("store", true, health.PingCheck("store", rides.Ping))
	if cfg.Storage.Type == string(store.TypeSQLite) {
		checker.RegisterFunc("disk", false, health.DiskSpaceCheck(filepath.Dir(cfg.Storage.Path), minFreeDisk))
	}
	if sensors.broker != nil {
		checker.RegisterFunc("broker", false, health.ConnectedCheck("broker", sensors.broker.Connected))
	}
	if rdb != nil {
		checker.RegisterFunc("redis", false, health.PingCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}
	for _, kind := range repo.Kinds() {
		checker.RegisterFunc("link."+string(kind), false, health.LinkCheck(
			func() link.State { return repo.State(kind) },
			func() bool {
				st := recorder.Status()
				return st.Recording && slices.Contains(st.Kinds, kind)
			},
		))
	}

	loader.OnChange(func(old, next *config.Config) {
		applyReload(logger, recorder, old, next)
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	supervise := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			var err error
			if crash.Go(name, func() { err = fn(gctx) }) {
				return fmt.Errorf("%s panicked", name)
			}
			return err
		})
	}

	if cfg.API.Enabled {
		router, err := api.NewRouter(api.Config{
			Recorder: recorder,
			Sensors:  repo,
			Rides:    rides,
			Health:   checker,
			Metrics:  metricsFor(cfg, registry),
			Live:     hub,
			Logger:   logger.WithComponent("api").Logger,
		})
		if err != nil {
			return err
		}
		server := api.NewServer(cfg.API.Listen, router, logger.WithComponent("api").Logger)
		supervise("api", server.Run)
	}
	supervise("live", hub.Run)
	supervise("housekeeping", func(ctx context.Context) error {
		housekeep(ctx, recorder, rides, rideMetrics, cfg.FlushInterval(), logger.Logger)
		return nil
	})
	linkLogger := logger.WithComponent("link").Logger
	for _, kind := range repo.Kinds() {
		supervise("link."+string(kind), func(ctx context.Context) error {
			watchLink(ctx, repo, kind, cfg.Sensor(kind).DeviceID, rideMetrics, hub, journal, linkLogger)
			return nil
		})
	}
	supervise("config", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-loader.Errors():
				logger.Warn("config reload rejected", "error", err)
			}
		}
	})

	checker.SetReady(true)
	logger.Info("ridelinkd ready", "kinds", repo.Kinds(), "store", cfg.Storage.Type, "api", cfg.API.Listen)

	err = g.Wait()
	checker.SetReady(false)
	logger.Info("ridelinkd shutting down")

	shutdown(recorder, logger.Logger)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func metricsFor(cfg *config.Config, registry *metrics.Registry) *metrics.Registry {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return registry
}

// shutdown saves the active ride, if any, before the store is closed.
func shutdown(recorder *ride.Recorder, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if recorder.Recording() {
		r, err := recorder.Stop(ctx)
		if err != nil {
			logger.Error("save active ride on shutdown", "ride_id", r.ID, "error", err)
		}
	}
	if n := len(recorder.Pending()); n > 0 {
		if err := recorder.FlushPending(ctx); err != nil {
			logger.Error("rides left unsaved", "count", len(recorder.Pending()), "error", err)
		}
	}
}
