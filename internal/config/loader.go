package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DebounceDelay coalesces bursts of writes into one reload.
const DebounceDelay = 100 * time.Millisecond

// Loader handles configuration loading, watching, and hot-reloading.
type Loader struct {
	path     string
	config   *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange []func(old, new *Config)
	ctx      context.Context
	cancel   context.CancelFunc
	errChan  chan error
}

// NewLoader creates a loader for path.
func NewLoader(path string) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:    path,
		errChan: make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Path returns the watched file.
func (l *Loader) Path() string { return l.path }

// Load reads, overrides and validates the configuration file.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	l.config = cfg
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Watch starts watching the configuration file. Valid changes replace the
// current configuration and invoke the OnChange callbacks; invalid ones are
// reported on Errors and leave the current configuration in place.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	l.watcher = watcher

	// Editors replace files on save, so watch the directory.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	var debounceTimer *time.Timer

	for {
		select {
		case <-l.ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(DebounceDelay, l.reload)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

func (l *Loader) reload() {
	if l.ctx.Err() != nil {
		return
	}

	newCfg, err := loadConfigFromFile(l.path)
	if err != nil {
		l.report(fmt.Errorf("reload config: %w", err))
		return
	}
	newCfg.ApplyEnvOverrides()
	if err := newCfg.Validate(); err != nil {
		l.report(fmt.Errorf("validate new config: %w", err))
		return
	}

	l.mu.Lock()
	oldCfg := l.config
	l.config = newCfg
	callbacks := append([]func(old, new *Config){}, l.onChange...)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(oldCfg, newCfg)
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errChan <- err:
	default:
	}
}

// OnChange registers a callback invoked after every successful reload.
func (l *Loader) OnChange(cb func(old, new *Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, cb)
}

// Errors returns a channel for errors that occur while watching.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Close stops the watcher and releases resources.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// loadConfigFromFile reads and parses a config file based on its extension.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()

	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	return cfg, nil
}

// autoDetectAndParse tries TOML, then JSON, then YAML.
func autoDetectAndParse(data []byte, cfg *Config) error {
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

// LoadOrCreate loads path, writing a commented default file first if it
// does not exist. The boolean reports whether the file was created.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		return cfg, true, nil
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// Merge returns a copy of dst with every non-zero field of src applied.
// Booleans cannot be told apart from "unset" and are left to the full file.
func Merge(dst, src *Config) *Config {
	result := dst.Clone()

	if src.Version > 0 {
		result.Version = src.Version
	}

	mergeString(&result.Storage.Type, src.Storage.Type)
	mergeString(&result.Storage.Path, src.Storage.Path)
	mergeString(&result.Storage.DSN, src.Storage.DSN)
	mergeInt(&result.Storage.BusyTimeoutMs, src.Storage.BusyTimeoutMs)
	mergeInt(&result.Storage.MaxConnections, src.Storage.MaxConnections)

	mergeInt(&result.Link.HandshakeTimeoutMs, src.Link.HandshakeTimeoutMs)
	mergeInt(&result.Link.NotifyBuffer, src.Link.NotifyBuffer)

	mergeSensor(&result.Sensors.HeartRate, src.Sensors.HeartRate)
	mergeSensor(&result.Sensors.Glucose, src.Sensors.Glucose)
	mergeSensor(&result.Sensors.Heading, src.Sensors.Heading)

	mergeInt(&result.BLE.ScanTimeoutMs, src.BLE.ScanTimeoutMs)

	mergeString(&result.MQTT.Broker, src.MQTT.Broker)
	mergeString(&result.MQTT.ClientID, src.MQTT.ClientID)
	mergeString(&result.MQTT.TopicPrefix, src.MQTT.TopicPrefix)
	mergeString(&result.MQTT.Username, src.MQTT.Username)
	mergeString(&result.MQTT.Password, src.MQTT.Password)
	mergeInt(&result.MQTT.QoS, src.MQTT.QoS)
	mergeInt(&result.MQTT.ConnectTimeoutMs, src.MQTT.ConnectTimeoutMs)

	mergeString(&result.DBus.Bus, src.DBus.Bus)
	mergeString(&result.Location.Transport, src.Location.Transport)

	if len(src.Recorder.Kinds) > 0 {
		result.Recorder.Kinds = append([]string{}, src.Recorder.Kinds...)
	}
	mergeInt(&result.Recorder.Mailbox, src.Recorder.Mailbox)
	mergeInt(&result.Recorder.FlushIntervalSec, src.Recorder.FlushIntervalSec)

	mergeString(&result.API.Listen, src.API.Listen)

	mergeString(&result.Live.RedisAddr, src.Live.RedisAddr)
	mergeString(&result.Live.Channel, src.Live.Channel)
	mergeInt(&result.Live.ClientBuffer, src.Live.ClientBuffer)

	mergeString(&result.Logging.Level, src.Logging.Level)
	mergeString(&result.Logging.Format, src.Logging.Format)
	mergeString(&result.Logging.Output, src.Logging.Output)
	mergeString(&result.Logging.FilePath, src.Logging.FilePath)
	mergeInt(&result.Logging.MaxSizeMB, src.Logging.MaxSizeMB)
	mergeInt(&result.Logging.MaxBackups, src.Logging.MaxBackups)
	mergeInt(&result.Logging.MaxAgeDays, src.Logging.MaxAgeDays)
	mergeString(&result.Logging.JournalPath, src.Logging.JournalPath)

	return result
}

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func mergeInt(dst *int, src int) {
	if src > 0 {
		*dst = src
	}
}

func mergeSensor(dst *SensorConfig, src SensorConfig) {
	mergeString(&dst.Transport, src.Transport)
	mergeString(&dst.DeviceID, src.DeviceID)
	mergeInt(&dst.Buffer, src.Buffer)
}
