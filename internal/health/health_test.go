package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridelink/internal/link"
)

func healthy(context.Context) CheckResult   { return CheckResult{Status: StatusHealthy} }
func unhealthy(context.Context) CheckResult { return CheckResult{Status: StatusUnhealthy} }

func TestOverallStatus(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, healthy)
	c.RegisterFunc("broker", false, healthy)
	assert.Equal(t, StatusUnknown, c.OverallStatus())

	c.Check(context.Background())
	assert.Equal(t, StatusHealthy, c.OverallStatus())

	c.RegisterFunc("broker", false, unhealthy)
	c.Check(context.Background())
	assert.Equal(t, StatusDegraded, c.OverallStatus())

	c.RegisterFunc("store", true, unhealthy)
	c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())

	c.Unregister("store")
	assert.Equal(t, StatusDegraded, c.OverallStatus())
	assert.Equal(t, []string{"broker"}, c.Names())
}

func TestCheckRecoversPanicAndTimeout(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("boom", false, func(context.Context) CheckResult { panic("kaboom") })
	c.Register(&Component{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["boom"].Status)
	assert.Equal(t, "kaboom", results["boom"].Error)
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)

	got, ok := c.GetResult("slow")
	require.True(t, ok)
	assert.Equal(t, StatusUnhealthy, got.Status)
}

func TestCheckComponent(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, healthy)

	res, ok := c.CheckComponent(context.Background(), "store")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, res.Status)

	_, ok = c.CheckComponent(context.Background(), "missing")
	assert.False(t, ok)
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, healthy)

	get := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		return rec
	}

	assert.Equal(t, http.StatusServiceUnavailable, get().Code)

	c.SetReady(true)
	rec := get()
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Contains(t, resp.Components, "store")

	c.RegisterFunc("store", true, unhealthy)
	assert.Equal(t, http.StatusServiceUnavailable, get().Code)
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker().LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}

// =============================================================================
// Checks
// =============================================================================

func TestPingCheck(t *testing.T) {
	ok := PingCheck("store", func(context.Context) error { return nil })(context.Background())
	assert.Equal(t, StatusHealthy, ok.Status)

	bad := PingCheck("store", func(context.Context) error { return errors.New("locked") })(context.Background())
	assert.Equal(t, StatusUnhealthy, bad.Status)
	assert.Equal(t, "locked", bad.Error)
}

func TestConnectedCheck(t *testing.T) {
	up := true
	check := ConnectedCheck("broker", func() bool { return up })
	assert.Equal(t, StatusHealthy, check(context.Background()).Status)
	up = false
	assert.Equal(t, StatusDegraded, check(context.Background()).Status)
}

func TestLinkCheck(t *testing.T) {
	state := link.Disconnected
	wanted := false
	check := LinkCheck(func() link.State { return state }, func() bool { return wanted })

	assert.Equal(t, StatusHealthy, check(context.Background()).Status)

	wanted = true
	res := check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, "disconnected", res.Details["state"])

	state = link.Connected
	assert.Equal(t, StatusHealthy, check(context.Background()).Status)
}

func TestDiskSpaceCheck(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("statfs is unix only")
	}
	dir := t.TempDir()
	assert.Equal(t, StatusHealthy, DiskSpaceCheck(dir, 1)(context.Background()).Status)
	assert.Equal(t, StatusDegraded, DiskSpaceCheck(dir, ^uint64(0))(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, DiskSpaceCheck(filepath.Join(dir, "nope"), 1)(context.Background()).Status)
}

func TestFileExistsCheck(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, StatusHealthy, FileExistsCheck(dir)(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, FileExistsCheck(filepath.Join(dir, "x"))(context.Background()).Status)
}
