package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"ridelink/internal/sensor"
)

// ErrInvalidConfig matches every ValidationErrors value.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields lists the invalid field names.
func (e ValidationErrors) Fields() []string {
	out := make([]string, len(e))
	for i, err := range e {
		out[i] = err.Field
	}
	return out
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// ValidateConfig checks every section and returns ValidationErrors or nil.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs.add("version", "unsupported version %d (current: %d)", c.Version, Version)
	}

	validateStorage(&errs, &c.Storage)
	validateLink(&errs, &c.Link, &c.BLE)
	validateSensors(&errs, c)
	validateMQTT(&errs, c)
	validateRecorder(&errs, c)
	validateAPI(&errs, &c.API, &c.Live)
	validateLogging(&errs, &c.Logging)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateStorage(errs *ValidationErrors, s *StorageConfig) {
	switch s.Type {
	case "sqlite":
		if s.Path == "" {
			errs.add("storage.path", "path is required for sqlite")
		}
	case "postgres":
		if s.DSN == "" {
			errs.add("storage.dsn", "dsn is required for postgres")
		}
	case "memory":
	default:
		errs.add("storage.type", "invalid storage type: %s (valid: sqlite, postgres, memory)", s.Type)
	}
	if s.BusyTimeoutMs < 0 {
		errs.add("storage.busy_timeout_ms", "busy timeout cannot be negative")
	}
	if s.MaxConnections < 1 || s.MaxConnections > 100 {
		errs.add("storage.max_connections", "value must be between 1 and 100")
	}
}

func validateLink(errs *ValidationErrors, l *LinkConfig, b *BLEConfig) {
	if l.HandshakeTimeoutMs < 100 {
		errs.add("link.handshake_timeout_ms", "handshake timeout must be at least 100ms")
	}
	if l.NotifyBuffer < 1 {
		errs.add("link.notify_buffer", "buffer must be at least 1")
	}
	if b.ScanTimeoutMs < 100 {
		errs.add("ble.scan_timeout_ms", "scan timeout must be at least 100ms")
	}
}

func validateSensors(errs *ValidationErrors, c *Config) {
	for _, kind := range sensor.Kinds {
		s := c.Sensor(kind)
		field := "sensors." + string(kind)

		switch s.Transport {
		case TransportNone, "":
		case TransportBLE:
			if s.DeviceID == "" {
				errs.add(field+".device_id", "device_id is required for ble")
			}
		case TransportMQTT:
		case TransportDBus:
			if kind != sensor.Heading {
				errs.add(field+".transport", "dbus only provides heading")
			}
		default:
			errs.add(field+".transport", "invalid transport: %s (valid: ble, mqtt, dbus, none)", s.Transport)
		}
		if s.Buffer < 1 {
			errs.add(field+".buffer", "buffer must be at least 1")
		}
	}

	switch c.Location.Transport {
	case TransportNone, "", TransportMQTT:
	default:
		errs.add("location.transport", "invalid transport: %s (valid: mqtt, none)", c.Location.Transport)
	}

	switch c.DBus.Bus {
	case "system", "session":
	default:
		errs.add("dbus.bus", "invalid bus: %s (valid: system, session)", c.DBus.Bus)
	}
}

func validateMQTT(errs *ValidationErrors, c *Config) {
	used := c.Location.Transport == TransportMQTT
	for _, kind := range sensor.Kinds {
		used = used || c.Sensor(kind).Transport == TransportMQTT
	}
	if !used {
		return
	}

	m := &c.MQTT
	if u, err := url.Parse(m.Broker); err != nil || u.Host == "" {
		errs.add("mqtt.broker", "invalid broker url: %s", m.Broker)
	}
	if m.ClientID == "" {
		errs.add("mqtt.client_id", "client id is required")
	}
	if m.TopicPrefix == "" || strings.ContainsAny(m.TopicPrefix, "#+") {
		errs.add("mqtt.topic_prefix", "topic prefix must be a non-empty topic without wildcards")
	}
	if m.QoS < 0 || m.QoS > 2 {
		errs.add("mqtt.qos", "value must be between 0 and 2")
	}
	if m.ConnectTimeoutMs < 100 {
		errs.add("mqtt.connect_timeout_ms", "connect timeout must be at least 100ms")
	}
}

func validateRecorder(errs *ValidationErrors, c *Config) {
	for i, name := range c.Recorder.Kinds {
		kind, err := sensor.ParseKind(name)
		if err != nil {
			errs.add(fmt.Sprintf("recorder.kinds[%d]", i), "%v", err)
			continue
		}
		if !c.Sensor(kind).Enabled() {
			errs.add(fmt.Sprintf("recorder.kinds[%d]", i), "%s has no configured source", kind)
		}
	}
	if c.Recorder.Mailbox < 1 {
		errs.add("recorder.mailbox", "mailbox must be at least 1")
	}
	if c.Recorder.FlushIntervalSec < 1 {
		errs.add("recorder.flush_interval_sec", "flush interval must be at least 1s")
	}
}

func validateAPI(errs *ValidationErrors, a *APIConfig, l *LiveConfig) {
	if a.Enabled {
		if _, _, err := net.SplitHostPort(a.Listen); err != nil {
			errs.add("api.listen", "invalid listen address: %s", a.Listen)
		}
	}
	if l.RedisAddr != "" {
		if _, _, err := net.SplitHostPort(l.RedisAddr); err != nil {
			errs.add("live.redis_addr", "invalid redis address: %s", l.RedisAddr)
		}
		if l.Channel == "" {
			errs.add("live.channel", "channel is required with redis_addr")
		}
	}
	if l.ClientBuffer < 1 {
		errs.add("live.client_buffer", "buffer must be at least 1")
	}
}

func validateLogging(errs *ValidationErrors, l *LoggingConfig) {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs.add("logging.level", "invalid log level: %s (valid: debug, info, warn, error)", l.Level)
	}

	switch l.Format {
	case "text", "json":
	default:
		errs.add("logging.format", "invalid log format: %s (valid: text, json)", l.Format)
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs.add("logging.file_path", "file path is required when output is '%s'", l.Output)
		}
	default:
		errs.add("logging.output", "invalid log output: %s (valid: stdout, stderr, file, both)", l.Output)
	}

	if l.MaxSizeMB < 1 {
		errs.add("logging.max_size_mb", "max size must be at least 1 MB")
	}
	if l.MaxBackups < 0 {
		errs.add("logging.max_backups", "max backups cannot be negative")
	}
	if l.MaxAgeDays < 0 {
		errs.add("logging.max_age_days", "max age cannot be negative")
	}
}
