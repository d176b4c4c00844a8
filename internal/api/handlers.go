package api

import (
	"bytes"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridelink/internal/export"
	"ridelink/internal/link"
	"ridelink/internal/repository"
	"ridelink/internal/ride"
	"ridelink/internal/sensor"
	"ridelink/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, errorResponse{Error: msg})
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, repository.ErrNoSource):
		return http.StatusNotFound
	case errors.Is(err, sensor.ErrUnknownKind),
		errors.Is(err, link.ErrInvalidDevice),
		errors.Is(err, ride.ErrInvalidRide):
		return http.StatusBadRequest
	case errors.Is(err, ride.ErrAlreadyRecording),
		errors.Is(err, ride.ErrNotRecording),
		errors.Is(err, link.ErrDeviceBusy),
		errors.Is(err, store.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, repository.ErrNoDirectLink),
		errors.Is(err, sensor.ErrScanUnsupported),
		errors.Is(err, export.ErrEmptyRide):
		return http.StatusUnprocessableEntity
	case errors.Is(err, link.ErrHandshakeTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, link.ErrTransportUnavailable),
		errors.Is(err, link.ErrLinkLost),
		errors.Is(err, link.ErrDisconnected):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed", "path", c.FullPath(), "error", err)
	}
	writeError(c, status, err.Error())
}

// LinkStatus is the connection state of one configured kind.
type LinkStatus struct {
	Kind  sensor.Kind `json:"kind"`
	State link.State  `json:"state"`
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Recorder ride.Status  `json:"recorder"`
	Links    []LinkStatus `json:"links"`
	Unsynced *int         `json:"unsynced,omitempty"`
	Error    string       `json:"store_error,omitempty"`
}

// Status reports the recorder, every link and the unsynced count. A store
// outage leaves the count out rather than failing the whole report.
func (h *Handler) Status(c *gin.Context) {
	resp := StatusResponse{Recorder: h.cfg.Recorder.Status(), Links: []LinkStatus{}}
	for _, kind := range h.cfg.Sensors.Kinds() {
		resp.Links = append(resp.Links, LinkStatus{Kind: kind, State: h.cfg.Sensors.State(kind)})
	}
	if n, err := h.cfg.Rides.UnsyncedCount(c.Request.Context()); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Unsynced = &n
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) connector(c *gin.Context) (sensor.Kind, sensor.Connector, bool) {
	kind, err := sensor.ParseKind(c.Param("kind"))
	if err != nil {
		h.fail(c, err)
		return "", nil, false
	}
	conn, err := h.cfg.Sensors.Connector(kind)
	if err != nil {
		h.fail(c, err)
		return "", nil, false
	}
	return kind, conn, true
}

// Connect brings up the direct link of a kind and waits for the handshake.
func (h *Handler) Connect(c *gin.Context) {
	kind, conn, ok := h.connector(c)
	if !ok {
		return
	}
	if err := conn.Connect(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, LinkStatus{Kind: kind, State: conn.State()})
}

// Disconnect tears down the direct link of a kind.
func (h *Handler) Disconnect(c *gin.Context) {
	kind, conn, ok := h.connector(c)
	if !ok {
		return
	}
	conn.Disconnect()
	c.JSON(http.StatusOK, LinkStatus{Kind: kind, State: conn.State()})
}

// Scan sends a glucose scan request. The reading arrives on the live feed.
func (h *Handler) Scan(c *gin.Context) {
	if err := h.cfg.Sensors.ScanSensor(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "requested"})
}

// StartRide starts recording.
func (h *Handler) StartRide(c *gin.Context) {
	id, err := h.cfg.Recorder.Start(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// StopRideResponse is the body of POST /api/v1/rides/stop.
type StopRideResponse struct {
	Ride      ride.Summary `json:"ride"`
	Saved     bool         `json:"saved"`
	SaveError string       `json:"save_error,omitempty"`
}

// StopRide stops recording. A failed save still returns the ride, which the
// daemon keeps pending and retries.
func (h *Handler) StopRide(c *gin.Context) {
	r, err := h.cfg.Recorder.Stop(c.Request.Context())
	if errors.Is(err, ride.ErrNotRecording) {
		h.fail(c, err)
		return
	}
	resp := StopRideResponse{Ride: r.Summarize(), Saved: err == nil}
	if err != nil {
		resp.SaveError = err.Error()
		c.JSON(http.StatusAccepted, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ListRides returns every stored ride's summary in start order.
func (h *Handler) ListRides(c *gin.Context) {
	out := []ride.Summary{}
	for r, err := range h.cfg.Rides.All(c.Request.Context()) {
		if err != nil {
			h.fail(c, err)
			return
		}
		out = append(out, r.Summarize())
	}
	c.JSON(http.StatusOK, out)
}

// RideResponse is the body of GET /api/v1/rides/:id.
type RideResponse struct {
	ride.Ride
	Summary ride.Summary `json:"summary"`
}

// GetRide returns one ride with its samples.
func (h *Handler) GetRide(c *gin.Context) {
	r, err := h.cfg.Rides.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, RideResponse{Ride: r, Summary: r.Summarize()})
}

// UnsyncedCount returns the live count of rides not yet synced.
func (h *Handler) UnsyncedCount(c *gin.Context) {
	n, err := h.cfg.Rides.UnsyncedCount(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

// MarkSynced flags a ride as synced to the health store.
func (h *Handler) MarkSynced(c *gin.Context) {
	id := c.Param("id")
	if err := h.cfg.Rides.MarkSynced(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "health_data_synced": true})
}

// ExportFIT renders a ride as a FIT activity.
func (h *Handler) ExportFIT(c *gin.Context) {
	id := c.Param("id")
	r, err := h.cfg.Rides.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	var buf bytes.Buffer
	if err := export.WriteFIT(&buf, &r); err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+id+`.fit"`)
	c.Data(http.StatusOK, "application/vnd.ant.fit", buf.Bytes())
}
