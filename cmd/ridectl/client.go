package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ridelink/internal/api"
	"ridelink/internal/ride"
	"ridelink/internal/store"
)

// errDaemonDown is returned when nothing answers on the API address.
var errDaemonDown = errors.New("ridelinkd is not running")

// rideSource is where the history commands read rides from: the daemon when
// it is up, the store file otherwise.
type rideSource interface {
	Summaries(ctx context.Context) ([]ride.Summary, error)
	Get(ctx context.Context, id string) (ride.Ride, error)
	UnsyncedCount(ctx context.Context) (int, error)
	MarkSynced(ctx context.Context, id string) error
}

// client talks to the ridelinkd control API.
type client struct {
	base string
	http *http.Client
}

func newClient(addr string) *client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &client{
		base: strings.TrimRight(base, "/") + "/api/v1",
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError carries the status and message of a failed request.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

func (c *client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errDaemonDown, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *client) Status(ctx context.Context) (api.StatusResponse, error) {
	var s api.StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", &s)
	return s, err
}

func (c *client) Start(ctx context.Context) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/rides/start", &resp)
	return resp.ID, err
}

func (c *client) Stop(ctx context.Context) (api.StopRideResponse, error) {
	var resp api.StopRideResponse
	err := c.do(ctx, http.MethodPost, "/rides/stop", &resp)
	return resp, err
}

func (c *client) Connect(ctx context.Context, kind string) (api.LinkStatus, error) {
	var resp api.LinkStatus
	err := c.do(ctx, http.MethodPost, "/devices/"+kind+"/connect", &resp)
	return resp, err
}

func (c *client) Disconnect(ctx context.Context, kind string) (api.LinkStatus, error) {
	var resp api.LinkStatus
	err := c.do(ctx, http.MethodPost, "/devices/"+kind+"/disconnect", &resp)
	return resp, err
}

func (c *client) Scan(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/sensors/glucose/scan", nil)
}

func (c *client) Summaries(ctx context.Context) ([]ride.Summary, error) {
	var out []ride.Summary
	err := c.do(ctx, http.MethodGet, "/rides", &out)
	return out, err
}

func (c *client) Get(ctx context.Context, id string) (ride.Ride, error) {
	var resp api.RideResponse
	if err := c.do(ctx, http.MethodGet, "/rides/"+id, &resp); err != nil {
		return ride.Ride{}, err
	}
	return resp.Ride, nil
}

func (c *client) UnsyncedCount(ctx context.Context) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, "/rides/unsynced/count", &resp)
	return resp.Count, err
}

func (c *client) MarkSynced(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/rides/"+id+"/synced", nil)
}

// storeRides reads rides straight from the configured store.
type storeRides struct {
	store.Store
}

func (s storeRides) Summaries(ctx context.Context) ([]ride.Summary, error) {
	return store.Summaries(ctx, s.Store)
}
