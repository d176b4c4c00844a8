// Package api is the daemon's local HTTP control surface. ridectl and the
// health-store sync collaborator use it; dashboards watch the live feed.
package api

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridelink/internal/health"
	"ridelink/internal/link"
	"ridelink/internal/live"
	"ridelink/internal/logging"
	"ridelink/internal/metrics"
	"ridelink/internal/ride"
	"ridelink/internal/sensor"
)

// Recorder is the ride recorder as seen by the API.
type Recorder interface {
	Start(ctx context.Context) (string, error)
	Stop(ctx context.Context) (ride.Ride, error)
	Status() ride.Status
}

// Sensors is the sensor facade as seen by the API.
type Sensors interface {
	Kinds() []sensor.Kind
	State(kind sensor.Kind) link.State
	Connector(kind sensor.Kind) (sensor.Connector, error)
	ScanSensor(ctx context.Context) error
}

// Rides is the read and sync side of the ride store.
type Rides interface {
	All(ctx context.Context) iter.Seq2[ride.Ride, error]
	Get(ctx context.Context, id string) (ride.Ride, error)
	UnsyncedCount(ctx context.Context) (int, error)
	MarkSynced(ctx context.Context, id string) error
}

// Config wires the API to the daemon's components. Health, Metrics and Live
// are optional; their routes are omitted when nil.
type Config struct {
	Recorder Recorder
	Sensors  Sensors
	Rides    Rides

	Health  *health.Checker
	Metrics *metrics.Registry
	Live    *live.Hub

	Logger *slog.Logger
}

// Handler holds the route handlers.
type Handler struct {
	cfg    Config
	logger *slog.Logger
}

// NewRouter builds the gin engine serving every route.
func NewRouter(cfg Config) (*gin.Engine, error) {
	if cfg.Recorder == nil || cfg.Sensors == nil || cfg.Rides == nil {
		return nil, errors.New("api: recorder, sensors and rides are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("api")
	}
	h := &Handler{cfg: cfg, logger: cfg.Logger}

	r := gin.New()
	r.Use(requestID(), accessLog(cfg.Logger), recovery(cfg.Logger))

	if cfg.Health != nil {
		r.GET("/healthz", gin.WrapH(cfg.Health.LivenessHandler()))
		r.GET("/readyz", gin.WrapH(cfg.Health.ReadinessHandler()))
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.HTTPHandler()))
	}

	v1 := r.Group("/api/v1")
	v1.GET("/status", h.Status)

	v1.POST("/devices/:kind/connect", h.Connect)
	v1.POST("/devices/:kind/disconnect", h.Disconnect)
	v1.POST("/sensors/glucose/scan", h.Scan)

	v1.POST("/rides/start", h.StartRide)
	v1.POST("/rides/stop", h.StopRide)
	v1.GET("/rides", h.ListRides)
	v1.GET("/rides/unsynced/count", h.UnsyncedCount)
	v1.GET("/rides/:id", h.GetRide)
	v1.POST("/rides/:id/synced", h.MarkSynced)
	v1.GET("/rides/:id/export.fit", h.ExportFIT)

	if cfg.Live != nil {
		v1.GET("/live", gin.WrapF(cfg.Live.ServeWS))
	}
	return r, nil
}

// Server runs the router until its context ends.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates a Server listening on addr.
func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Component("api")
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		logger: logger,
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.srv.Addr)
		errc <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
