package auth

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CredentialYAML is one user entry in a credentials file. Exactly one
// of Hash and Password must be set; a plaintext password is hashed at
// import time.
type CredentialYAML struct {
	Username string `yaml:"username"`
	Hash     string `yaml:"hash,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// CredentialsConfig is the top-level YAML layout of a credentials file.
type CredentialsConfig struct {
	Users []CredentialYAML `yaml:"users"`
}

// Importer receives credentials parsed from a YAML file. Both
// StaticStore and SQLStore satisfy it.
type Importer interface {
	Put(username, hash string) error
}

// LoadCredentialsYAML reads a credentials YAML file and imports every
// entry into the store.
func LoadCredentialsYAML(path string, store Importer) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return 0, fmt.Errorf("auth: read credentials file: %w", err)
	}
	return ImportCredentialsYAML(data, store)
}

// ImportCredentialsYAML parses YAML data and imports every entry into
// the store. It returns how many credentials were imported.
func ImportCredentialsYAML(data []byte, store Importer) (int, error) {
	var cfg CredentialsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return 0, fmt.Errorf("auth: parse credentials file: %w", err)
	}

	count := 0
	for _, entry := range cfg.Users {
		if entry.Username == "" {
			return count, fmt.Errorf("auth: credentials entry %d has no username", count)
		}
		hash := entry.Hash
		if hash == "" {
			if entry.Password == "" {
				return count, fmt.Errorf("auth: credentials for %q carry neither hash nor password", entry.Username)
			}
			var err error
			hash, err = HashPassword(entry.Password)
			if err != nil {
				return count, err
			}
		}
		if err := store.Put(entry.Username, hash); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
