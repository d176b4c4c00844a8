package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JournalEventType identifies a ride lifecycle event.
type JournalEventType string

const (
	EventRideStarted      JournalEventType = "ride_started"
	EventRideSaved        JournalEventType = "ride_saved"
	EventRideSaveFailed   JournalEventType = "ride_save_failed"
	EventRideSynced       JournalEventType = "ride_synced"
	EventDeviceConnected  JournalEventType = "device_connected"
	EventDeviceDisconnect JournalEventType = "device_disconnected"
)

// JournalEvent is one line of the journal.
type JournalEvent struct {
	Time     time.Time         `json:"time"`
	Type     JournalEventType  `json:"type"`
	RideID   string            `json:"ride_id,omitempty"`
	DeviceID string            `json:"device_id,omitempty"`
	Error    string            `json:"error,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
}

// Journal is an append-only JSON Lines record of ride lifecycle events.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	now  func() time.Time
}

// OpenJournal opens (or creates) the journal at path.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{file: f, w: bufio.NewWriter(f), now: time.Now}, nil
}

// Record appends ev, stamping it with the current time when unset. A nil
// Journal discards events.
func (j *Journal) Record(ev JournalEvent) error {
	if j == nil {
		return nil
	}
	if ev.Time.IsZero() {
		ev.Time = j.now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode journal event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return j.w.Flush()
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// ReadJournal returns every event stored at path.
func ReadJournal(path string) ([]JournalEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []JournalEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev JournalEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return events, fmt.Errorf("decode journal line %d: %w", len(events)+1, err)
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}
