package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridelink/internal/logging"
	"ridelink/internal/sensor"
)

func withDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("RIDELINK_DATA_DIR", dir)
	return dir
}

func TestDefaultConfigIsValid(t *testing.T) {
	dir := withDataDir(t)
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, Version, cfg.Version)
	assert.Equal(t, filepath.Join(dir, "rides.db"), cfg.Storage.Path)
	assert.Equal(t, 15*time.Second, cfg.HandshakeTimeout())
	assert.Equal(t, time.Minute, cfg.FlushInterval())

	kinds, err := cfg.RecorderKinds()
	require.NoError(t, err)
	assert.Empty(t, kinds)
}

func isolateConfigDirs(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "xdg"))
	t.Setenv("APPDATA", filepath.Join(home, "appdata"))
	withDataDir(t)
	t.Chdir(t.TempDir())
}

func TestConfigPath(t *testing.T) {
	isolateConfigDirs(t)
	path := ConfigPath()
	assert.Equal(t, "config.toml", filepath.Base(path))
	assert.Contains(t, path, "ridelink")
}

func TestConfigPathFindsWorkingDirectoryFile(t *testing.T) {
	isolateConfigDirs(t)
	require.NoError(t, os.WriteFile("config.yaml", []byte("storage:\n  type: memory\n"), 0o600))

	assert.Equal(t, "config.yaml", ConfigPath())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Type)

	cfg, created, err := LoadOrCreate("")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "memory", cfg.Storage.Type)
}

func TestConfigPathPrefersWorkingDirectory(t *testing.T) {
	isolateConfigDirs(t)
	dir := PlatformConfigDir()
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{}`), 0o600))
	assert.Equal(t, filepath.Join(dir, "config.json"), ConfigPath())

	require.NoError(t, os.WriteFile("config.toml", []byte(""), 0o600))
	assert.Equal(t, "config.toml", ConfigPath())
}

// =============================================================================
// Loading
// =============================================================================

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	withDataDir(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Storage, cfg.Storage)
}

func TestLoadFormats(t *testing.T) {
	withDataDir(t)
	files := map[string]string{
		"config.toml": `
version = 1
[sensors.heart_rate]
transport = "ble"
device_id = "HR-1"
[recorder]
kinds = ["heart_rate"]
`,
		"config.json": `{
  "version": 1,
  "sensors": {"heart_rate": {"transport": "ble", "device_id": "HR-1", "buffer": 64}},
  "recorder": {"kinds": ["heart_rate"], "mailbox": 256, "flush_interval_sec": 60}
}`,
		"config.yaml": `
version: 1
sensors:
  heart_rate:
    transport: ble
    device_id: HR-1
recorder:
  kinds: [heart_rate]
`,
	}

	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

			cfg, err := Load(path)
			require.NoError(t, err)
			require.NoError(t, cfg.Validate())
			assert.Equal(t, TransportBLE, cfg.Sensors.HeartRate.Transport)
			assert.Equal(t, "HR-1", cfg.Sensors.HeartRate.DeviceID)
			// Unset fields keep their defaults.
			assert.Equal(t, "sqlite", cfg.Storage.Type)

			kinds, err := cfg.RecorderKinds()
			require.NoError(t, err)
			assert.Equal(t, []sensor.Kind{sensor.HeartRate}, kinds)
		})
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[storage\ntype = "), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	withDataDir(t)
	t.Setenv("RIDELINK_STORAGE_TYPE", "memory")
	t.Setenv("RIDELINK_HEART_RATE_TRANSPORT", "ble")
	t.Setenv("RIDELINK_HEART_RATE_DEVICE", "AA:BB:CC:DD:EE:FF")
	t.Setenv("RIDELINK_MQTT_PASSWORD", "hunter2")
	t.Setenv("RIDELINK_LOG_LEVEL", "debug")
	t.Setenv("RIDELINK_LINK_HANDSHAKE_TIMEOUT_MS", "2500")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", cfg.Sensors.HeartRate.DeviceID)
	assert.Equal(t, "hunter2", cfg.MQTT.Password)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 2500*time.Millisecond, cfg.HandshakeTimeout())
	assert.NoError(t, cfg.Validate())
}

// =============================================================================
// Validation
// =============================================================================

func TestValidationCollectsFields(t *testing.T) {
	withDataDir(t)
	cfg := DefaultConfig()
	cfg.Storage.Type = "bolt"
	cfg.Sensors.HeartRate.Transport = TransportBLE
	cfg.Sensors.Glucose.Transport = TransportDBus
	cfg.Sensors.Heading.Transport = "serial"
	cfg.Recorder.Kinds = []string{"cadence"}
	cfg.Logging.Level = "loud"
	cfg.API.Listen = "not-an-address"

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.ElementsMatch(t, []string{
		"storage.type",
		"sensors.heart_rate.device_id",
		"sensors.glucose.transport",
		"sensors.heading.transport",
		"recorder.kinds[0]",
		"logging.level",
		"api.listen",
	}, verrs.Fields())
}

func TestValidationMQTTOnlyWhenUsed(t *testing.T) {
	withDataDir(t)
	cfg := DefaultConfig()
	cfg.MQTT.Broker = "::bad::"
	assert.NoError(t, cfg.Validate())

	cfg.Location.Transport = TransportMQTT
	err := cfg.Validate()
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, []string{"mqtt.broker"}, verrs.Fields())
}

func TestRecorderKindsRejectsUnconfigured(t *testing.T) {
	withDataDir(t)
	cfg := DefaultConfig()
	cfg.Recorder.Kinds = []string{"glucose"}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg.Sensors.Glucose.Transport = TransportMQTT
	assert.NoError(t, cfg.Validate())
}

// =============================================================================
// Clone, Merge and write
// =============================================================================

func TestCloneIsDeep(t *testing.T) {
	withDataDir(t)
	cfg := DefaultConfig()
	cfg.Recorder.Kinds = []string{"heart_rate"}

	clone := cfg.Clone()
	clone.Recorder.Kinds[0] = "glucose"
	clone.Storage.Path = "/elsewhere"

	assert.Equal(t, "heart_rate", cfg.Recorder.Kinds[0])
	assert.NotEqual(t, "/elsewhere", cfg.Storage.Path)
}

func TestMerge(t *testing.T) {
	withDataDir(t)
	base := DefaultConfig()
	override := &Config{
		Storage: StorageConfig{Type: "memory"},
		Sensors: SensorsConfig{Glucose: SensorConfig{Transport: TransportMQTT}},
		Logging: LoggingConfig{Level: "warn"},
	}

	merged := Merge(base, override)
	assert.Equal(t, "memory", merged.Storage.Type)
	assert.Equal(t, base.Storage.Path, merged.Storage.Path)
	assert.Equal(t, TransportMQTT, merged.Sensors.Glucose.Transport)
	assert.Equal(t, 16, merged.Sensors.Glucose.Buffer)
	assert.Equal(t, "warn", merged.Logging.Level)
	assert.Equal(t, "info", base.Logging.Level)
}

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	withDataDir(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotNil(t, cfg)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# ridelink configuration")

	again, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, cfg.Storage, again.Storage)
	assert.Equal(t, cfg.Logging, again.Logging)
}

func TestSaveConfigOmitsPassword(t *testing.T) {
	withDataDir(t)
	cfg := DefaultConfig()
	cfg.MQTT.Password = "hunter2"

	for _, name := range []string{"c.toml", "c.json", "c.yaml"} {
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, SaveConfig(cfg, path))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "hunter2", name)

		loaded, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, cfg.MQTT.Broker, loaded.MQTT.Broker, name)
	}
	assert.Equal(t, "hunter2", cfg.MQTT.Password)
}

func TestLogConfig(t *testing.T) {
	withDataDir(t)
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"

	lc, err := cfg.LogConfig()
	require.NoError(t, err)
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)
	assert.Equal(t, int64(20), lc.MaxSize)
}

// =============================================================================
// Hot reload
// =============================================================================

func TestLoaderReloadsOnWrite(t *testing.T) {
	withDataDir(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveConfig(DefaultConfig(), path))

	loader := NewLoader(path)
	defer loader.Close()
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)

	changed := make(chan *Config, 1)
	loader.OnChange(func(old, new *Config) {
		assert.Equal(t, "info", old.Logging.Level)
		changed <- new
	})
	require.NoError(t, loader.Watch())

	next := DefaultConfig()
	next.Logging.Level = "debug"
	require.NoError(t, SaveConfig(next, path))

	select {
	case got := <-changed:
		assert.Equal(t, "debug", got.Logging.Level)
		assert.Equal(t, "debug", loader.Config().Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload")
	}
}

func TestLoaderKeepsConfigOnInvalidReload(t *testing.T) {
	withDataDir(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveConfig(DefaultConfig(), path))

	loader := NewLoader(path)
	defer loader.Close()
	_, err := loader.Load()
	require.NoError(t, err)
	require.NoError(t, loader.Watch())

	bad := DefaultConfig()
	bad.Storage.Type = "bolt"
	require.NoError(t, SaveConfig(bad, path))

	select {
	case err := <-loader.Errors():
		assert.ErrorIs(t, err, ErrInvalidConfig)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload error")
	}
	assert.Equal(t, "sqlite", loader.Config().Storage.Type)
}
