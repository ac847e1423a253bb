package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configHeader = `# duowal configuration
#
# The two WAL paths should live on distinct physical devices: the log
# tolerates a latent sector error on one device only when the other
# holds an intact copy.
#
# Every value can be overridden with a DUOWAL_* environment variable,
# e.g. DUOWAL_LOGGING_LEVEL=DEBUG.

`

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// WriteDefaultConfig writes a commented default configuration file to
// path. It refuses to overwrite an existing file unless force is set.
func WriteDefaultConfig(path string, force bool) error {
	if path == "" {
		path = DefaultConfigPath()
	}

	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	body, err := yaml.Marshal(GetDefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}

	if err := os.WriteFile(path, append([]byte(configHeader), body...), 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}
