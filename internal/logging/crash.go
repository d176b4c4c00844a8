package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"
)

// CrashReport describes a recovered panic.
type CrashReport struct {
	Timestamp    time.Time `json:"timestamp"`
	Version      string    `json:"version,omitempty"`
	Goroutine    string    `json:"goroutine"`
	GOOS         string    `json:"goos"`
	GOARCH       string    `json:"goarch"`
	NumGoroutine int       `json:"num_goroutine"`
	PanicValue   string    `json:"panic_value"`
	StackTrace   string    `json:"stack_trace"`
}

// CrashHandler recovers panics in long-running goroutines, logs them and
// writes a JSON crash dump.
type CrashHandler struct {
	Dir     string
	Version string
	Logger  *slog.Logger

	// OnCrash runs after the dump is written.
	OnCrash func(CrashReport)
}

// DefaultCrashDir returns the platform crash dump directory.
func DefaultCrashDir() string {
	return filepath.Join(filepath.Dir(defaultLogPath()), "crashes")
}

// Go runs fn, recovering and reporting a panic instead of crashing the
// process. It returns true if fn panicked.
func (h *CrashHandler) Go(name string, fn func()) (panicked bool) {
	defer func() {
		if v := recover(); v != nil {
			panicked = true
			h.handle(name, v)
		}
	}()
	fn()
	return false
}

func (h *CrashHandler) handle(name string, v any) {
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.Version,
		Goroutine:    name,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprint(v),
		StackTrace:   string(debug.Stack()),
	}

	logger := h.Logger
	if logger == nil {
		logger = Default().Logger
	}
	path, err := h.write(report)
	if err != nil {
		logger.Error("panic recovered", "goroutine", name, "panic", report.PanicValue, "dump_error", err)
	} else {
		logger.Error("panic recovered", "goroutine", name, "panic", report.PanicValue, "dump", path)
	}

	if h.OnCrash != nil {
		h.OnCrash(report)
	}
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	dir := h.Dir
	if dir == "" {
		dir = DefaultCrashDir()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("crash-%s-%s.json", report.Goroutine, report.Timestamp.Format("20060102-150405.000000")))
	return path, os.WriteFile(path, data, 0640)
}
