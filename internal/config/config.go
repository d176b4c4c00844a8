// Package config handles configuration loading, validation, and hot reload
// for ridelinkd and ridectl.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"ridelink/internal/logging"
	"ridelink/internal/sensor"
)

// Version is the current configuration schema version.
const Version = 1

// Transport names accepted in sensors.<kind>.transport and location.transport.
const (
	TransportNone = "none"
	TransportBLE  = "ble"
	TransportMQTT = "mqtt"
	TransportDBus = "dbus"
)

// Config holds the complete daemon configuration.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	Storage  StorageConfig  `toml:"storage" json:"storage" yaml:"storage"`
	Link     LinkConfig     `toml:"link" json:"link" yaml:"link"`
	Sensors  SensorsConfig  `toml:"sensors" json:"sensors" yaml:"sensors"`
	BLE      BLEConfig      `toml:"ble" json:"ble" yaml:"ble"`
	MQTT     MQTTConfig     `toml:"mqtt" json:"mqtt" yaml:"mqtt"`
	DBus     DBusConfig     `toml:"dbus" json:"dbus" yaml:"dbus"`
	Location LocationConfig `toml:"location" json:"location" yaml:"location"`
	Recorder RecorderConfig `toml:"recorder" json:"recorder" yaml:"recorder"`
	API      APIConfig      `toml:"api" json:"api" yaml:"api"`
	Live     LiveConfig     `toml:"live" json:"live" yaml:"live"`
	Logging  LoggingConfig  `toml:"logging" json:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `toml:"metrics" json:"metrics" yaml:"metrics"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Type is the backend: "sqlite", "postgres" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// DSN is the postgres connection string.
	DSN string `toml:"dsn" json:"dsn" yaml:"dsn"`

	BusyTimeoutMs  int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
}

// LinkConfig tunes every direct wireless link.
type LinkConfig struct {
	HandshakeTimeoutMs int `toml:"handshake_timeout_ms" json:"handshake_timeout_ms" yaml:"handshake_timeout_ms"`

	// NotifyBuffer bounds the notification queue of a claimed stream.
	NotifyBuffer int `toml:"notify_buffer" json:"notify_buffer" yaml:"notify_buffer"`
}

// SensorsConfig selects the source of each sensor kind.
type SensorsConfig struct {
	HeartRate SensorConfig `toml:"heart_rate" json:"heart_rate" yaml:"heart_rate"`
	Glucose   SensorConfig `toml:"glucose" json:"glucose" yaml:"glucose"`
	Heading   SensorConfig `toml:"heading" json:"heading" yaml:"heading"`
}

// SensorConfig configures one sensor kind.
type SensorConfig struct {
	// Transport is "ble", "mqtt", "dbus" or "none".
	Transport string `toml:"transport" json:"transport" yaml:"transport"`

	// DeviceID is the BLE address or local name. Only used by "ble".
	DeviceID string `toml:"device_id" json:"device_id" yaml:"device_id"`

	// Buffer bounds the reading queue of the adapter.
	Buffer int `toml:"buffer" json:"buffer" yaml:"buffer"`
}

// Enabled reports whether the kind has a source.
func (s SensorConfig) Enabled() bool {
	return s.Transport != "" && s.Transport != TransportNone
}

type BLEConfig struct {
	ScanTimeoutMs int `toml:"scan_timeout_ms" json:"scan_timeout_ms" yaml:"scan_timeout_ms"`
}

// MQTTConfig configures the health bridge broker connection.
type MQTTConfig struct {
	Broker           string `toml:"broker" json:"broker" yaml:"broker"`
	ClientID         string `toml:"client_id" json:"client_id" yaml:"client_id"`
	TopicPrefix      string `toml:"topic_prefix" json:"topic_prefix" yaml:"topic_prefix"`
	Username         string `toml:"username" json:"username" yaml:"username"`
	Password         string `toml:"password" json:"password" yaml:"password"`
	QoS              int    `toml:"qos" json:"qos" yaml:"qos"`
	ConnectTimeoutMs int    `toml:"connect_timeout_ms" json:"connect_timeout_ms" yaml:"connect_timeout_ms"`
}

type DBusConfig struct {
	// Bus is "system" or "session".
	Bus string `toml:"bus" json:"bus" yaml:"bus"`
}

type LocationConfig struct {
	// Transport is "mqtt" or "none".
	Transport string `toml:"transport" json:"transport" yaml:"transport"`
}

// RecorderConfig configures ride recording.
type RecorderConfig struct {
	// Kinds are recorded on every ride. Empty means every configured kind.
	Kinds []string `toml:"kinds" json:"kinds" yaml:"kinds"`

	Mailbox int `toml:"mailbox" json:"mailbox" yaml:"mailbox"`

	// FlushIntervalSec is how often rides whose save failed are retried.
	FlushIntervalSec int `toml:"flush_interval_sec" json:"flush_interval_sec" yaml:"flush_interval_sec"`
}

type APIConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" json:"listen" yaml:"listen"`
}

// LiveConfig configures the live feed.
type LiveConfig struct {
	// RedisAddr enables Redis fan-out when set.
	RedisAddr    string `toml:"redis_addr" json:"redis_addr" yaml:"redis_addr"`
	Channel      string `toml:"channel" json:"channel" yaml:"channel"`
	ClientBuffer int    `toml:"client_buffer" json:"client_buffer" yaml:"client_buffer"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level       string `toml:"level" json:"level" yaml:"level"`
	Format      string `toml:"format" json:"format" yaml:"format"`
	Output      string `toml:"output" json:"output" yaml:"output"`
	FilePath    string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB   int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups  int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays  int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress    bool   `toml:"compress" json:"compress" yaml:"compress"`
	JournalPath string `toml:"journal_path" json:"journal_path" yaml:"journal_path"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Type:           "sqlite",
			Path:           filepath.Join(dir, "rides.db"),
			BusyTimeoutMs:  5000,
			MaxConnections: 4,
		},
		Link: LinkConfig{
			HandshakeTimeoutMs: 15000,
			NotifyBuffer:       64,
		},
		Sensors: SensorsConfig{
			HeartRate: SensorConfig{Transport: TransportNone, Buffer: 64},
			Glucose:   SensorConfig{Transport: TransportNone, Buffer: 16},
			Heading:   SensorConfig{Transport: TransportNone, Buffer: 64},
		},
		BLE: BLEConfig{ScanTimeoutMs: 10000},
		MQTT: MQTTConfig{
			Broker:           "tcp://127.0.0.1:1883",
			ClientID:         "ridelinkd",
			TopicPrefix:      "ridelink/health",
			QoS:              1,
			ConnectTimeoutMs: 10000,
		},
		DBus:     DBusConfig{Bus: "system"},
		Location: LocationConfig{Transport: TransportNone},
		Recorder: RecorderConfig{
			Kinds:            []string{},
			Mailbox:          256,
			FlushIntervalSec: 60,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:7878",
		},
		Live: LiveConfig{
			Channel:      "ridelink:live",
			ClientBuffer: 64,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "text",
			Output:      "stderr",
			FilePath:    filepath.Join(dir, "logs", "ridelinkd.log"),
			MaxSizeMB:   20,
			MaxBackups:  5,
			MaxAgeDays:  14,
			Compress:    true,
			JournalPath: filepath.Join(dir, "journal.jsonl"),
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// ConfigPath returns the first existing config file found by FindConfigFile,
// or config.toml in the platform config directory.
func ConfigPath() string {
	if path := FindConfigFile(); path != "" {
		return path
	}
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// DataDir returns the base data directory, honouring RIDELINK_DATA_DIR.
func DataDir() string {
	if envDir := os.Getenv("RIDELINK_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from path. A missing file yields the defaults.
// The format follows the extension: TOML, JSON or YAML.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Logging.JournalPath)}
	if c.Storage.Type == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies RIDELINK_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	setString("RIDELINK_STORAGE_TYPE", &c.Storage.Type)
	setString("RIDELINK_STORAGE_PATH", &c.Storage.Path)
	setString("RIDELINK_STORAGE_DSN", &c.Storage.DSN)

	setString("RIDELINK_HEART_RATE_TRANSPORT", &c.Sensors.HeartRate.Transport)
	setString("RIDELINK_HEART_RATE_DEVICE", &c.Sensors.HeartRate.DeviceID)
	setString("RIDELINK_GLUCOSE_TRANSPORT", &c.Sensors.Glucose.Transport)
	setString("RIDELINK_GLUCOSE_DEVICE", &c.Sensors.Glucose.DeviceID)
	setString("RIDELINK_HEADING_TRANSPORT", &c.Sensors.Heading.Transport)
	setString("RIDELINK_HEADING_DEVICE", &c.Sensors.Heading.DeviceID)

	// Broker credentials belong in the environment rather than the file.
	setString("RIDELINK_MQTT_BROKER", &c.MQTT.Broker)
	setString("RIDELINK_MQTT_USERNAME", &c.MQTT.Username)
	setString("RIDELINK_MQTT_PASSWORD", &c.MQTT.Password)

	setString("RIDELINK_API_LISTEN", &c.API.Listen)
	setString("RIDELINK_LIVE_REDIS_ADDR", &c.Live.RedisAddr)

	setString("RIDELINK_LOG_LEVEL", &c.Logging.Level)
	setString("RIDELINK_LOG_PATH", &c.Logging.FilePath)

	if v := os.Getenv("RIDELINK_LINK_HANDSHAKE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Link.HandshakeTimeoutMs = n
		}
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:  c.Version,
		Storage:  c.Storage,
		Link:     c.Link,
		Sensors:  c.Sensors,
		BLE:      c.BLE,
		MQTT:     c.MQTT,
		DBus:     c.DBus,
		Location: c.Location,
		Recorder: c.Recorder,
		API:      c.API,
		Live:     c.Live,
		Logging:  c.Logging,
		Metrics:  c.Metrics,
	}
	clone.Recorder.Kinds = append([]string{}, c.Recorder.Kinds...)
	return clone
}

// Sensor returns the configuration of kind.
func (c *Config) Sensor(kind sensor.Kind) SensorConfig {
	switch kind {
	case sensor.HeartRate:
		return c.Sensors.HeartRate
	case sensor.Glucose:
		return c.Sensors.Glucose
	case sensor.Heading:
		return c.Sensors.Heading
	default:
		return SensorConfig{Transport: TransportNone}
	}
}

// RecorderKinds resolves recorder.kinds. An empty list selects every
// configured kind.
func (c *Config) RecorderKinds() ([]sensor.Kind, error) {
	if len(c.Recorder.Kinds) == 0 {
		var out []sensor.Kind
		for _, k := range sensor.Kinds {
			if c.Sensor(k).Enabled() {
				out = append(out, k)
			}
		}
		return out, nil
	}
	out := make([]sensor.Kind, 0, len(c.Recorder.Kinds))
	for _, name := range c.Recorder.Kinds {
		k, err := sensor.ParseKind(name)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Link.HandshakeTimeoutMs) * time.Millisecond
}

func (c *Config) ScanTimeout() time.Duration {
	return time.Duration(c.BLE.ScanTimeoutMs) * time.Millisecond
}

func (c *Config) BrokerConnectTimeout() time.Duration {
	return time.Duration(c.MQTT.ConnectTimeoutMs) * time.Millisecond
}

func (c *Config) BusyTimeout() time.Duration {
	return time.Duration(c.Storage.BusyTimeoutMs) * time.Millisecond
}

func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Recorder.FlushIntervalSec) * time.Second
}

// LogConfig converts the logging section for logging.New.
func (c *Config) LogConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	out := logging.DefaultConfig()
	out.Level = level
	out.Format = format
	out.Output = c.Logging.Output
	out.FilePath = c.Logging.FilePath
	out.MaxSize = int64(c.Logging.MaxSizeMB)
	out.MaxBackups = c.Logging.MaxBackups
	out.MaxAge = c.Logging.MaxAgeDays
	out.Compress = c.Logging.Compress
	return out, nil
}
