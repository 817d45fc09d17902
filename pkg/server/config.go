package server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	MessageAddr     string `yaml:"message_addr"`     // TCP bind address of the message channel (e.g. ":1337")
	FileAddr        string `yaml:"file_addr"`        // TCP bind address of the file relay channel (e.g. ":7331")
	MetricsAddr     string `yaml:"metrics_addr"`     // HTTP bind address for /metrics (empty = disabled)
	CredentialsDB   string `yaml:"credentials_db"`   // SQLite credentials database path (empty = built-in set)
	CredentialsFile string `yaml:"credentials_file"` // YAML credentials file to import into the store on startup
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MessageAddr: ":1337",
		FileAddr:    ":7331",
		MetricsAddr: ":1338",
	}
}

// LoadConfig reads a YAML config file over the defaults. Fields absent
// from the file keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return cfg, fmt.Errorf("server: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("server: parse config: %w", err)
	}
	return cfg, nil
}
