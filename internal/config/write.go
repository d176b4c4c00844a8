package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const tomlHeader = `# ridelink configuration
#
# Sensor transports: "ble" (needs device_id), "mqtt", "dbus" (heading only)
# or "none". recorder.kinds = [] records every configured kind.
# The broker password is read from RIDELINK_MQTT_PASSWORD.

`

// SaveConfig writes cfg to path in the format chosen by its extension,
// TOML by default. The MQTT password is never written.
func SaveConfig(cfg *Config, path string) error {
	out := cfg.Clone()
	out.MQTT.Password = ""

	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(out, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(out)
	default:
		data, err = encodeToTOML(out)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func encodeToTOML(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(tomlHeader)
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
