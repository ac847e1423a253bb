// Package config loads and validates duowal configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DUOWAL_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// Environment variables override only keys that appear in the
// configuration file. When no file is found, Load returns the defaults and
// does not consult the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config represents the duowal CLI configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// WAL configures the log pair
	WAL WALConfig `mapstructure:"wal" yaml:"wal"`

	// Metrics contains Prometheus metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is the minimum log level (DEBUG, INFO, WARN, ERROR)
	Level string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR" yaml:"level"`

	// Format selects the output encoding (text or json)
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json" yaml:"format"`

	// Output is "stdout", "stderr", or a file path
	Output string `mapstructure:"output" yaml:"output"`
}

// WALConfig configures the log pair.
//
// The two paths should reside on distinct physical devices; the WAL's
// tolerance of latent sector errors is conditional on that.
type WALConfig struct {
	// PrimaryPath is the primary log file
	PrimaryPath string `mapstructure:"primary_path" validate:"required" yaml:"primary_path"`

	// SecondaryPath is the secondary log file
	SecondaryPath string `mapstructure:"secondary_path" validate:"required,nefield=PrimaryPath" yaml:"secondary_path"`

	// RingEntries is the io_uring submission queue depth
	RingEntries uint32 `mapstructure:"ring_entries" validate:"omitempty,gte=8,lte=4096" yaml:"ring_entries"`

	// VerifyReads enables post-fsync read-back verification
	VerifyReads bool `mapstructure:"verify_reads" yaml:"verify_reads"`
}

// MetricsConfig contains Prometheus metrics configuration.
type MetricsConfig struct {
	// Enabled turns the metrics registry on
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Listen is the address of the /metrics listener, e.g. ":9090"
	Listen string `mapstructure:"listen" validate:"required_if=Enabled true" yaml:"listen"`
}

// GetDefaultConfig returns the configuration used when no file is found.
func GetDefaultConfig() *Config {
	cfg := &Config{
		WAL: WALConfig{
			PrimaryPath:   "/var/lib/duowal/primary.wal",
			SecondaryPath: "/var/lib/duowal/secondary.wal",
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in defaults for any zero-valued fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.WAL.RingEntries == 0 {
		cfg.WAL.RingEntries = 128
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
}

// Load reads configuration from configPath (or the default search path
// when empty), applies environment overrides for the keys present in the
// file, fills in defaults, and validates the result. When no file is
// found it returns GetDefaultConfig() unchanged, without environment
// overrides or validation.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration against its struct tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) && len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("field %s failed %q validation", e.Namespace(), e.Tag())
		}
		return err
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the DUOWAL_ prefix and underscores,
	// e.g. DUOWAL_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DUOWAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error).
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// getConfigDir returns $XDG_CONFIG_HOME/duowal, defaulting XDG_CONFIG_HOME
// to ~/.config.
func getConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "duowal")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "duowal")
}
