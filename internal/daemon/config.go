package daemon

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the optional on-disk daemon configuration (spec.md's ambient
// configuration surface), loaded the way GandalftheGUI-grove's project
// config loads YAML: missing file means defaults, malformed file is an
// error surfaced to the operator rather than silently ignored.
type Config struct {
	MaxConcurrentSpawns  int `yaml:"maxConcurrentSpawns"`
	AdmissionQueueDepth  int `yaml:"admissionQueueDepth"`
	TombstoneRetentionMS int `yaml:"tombstoneRetentionMs"`
}

// DefaultConfig matches the constants used when no config file is present.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSpawns:  4,
		AdmissionQueueDepth:  128,
		TombstoneRetentionMS: 5000,
	}
}

// LoadConfig reads path if it exists, overlaying onto DefaultConfig.
// A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
