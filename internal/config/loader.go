package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. AMCPD_SERVER_TCP_ADDR.
const EnvPrefix = "AMCPD"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load layers defaults, the config file (if present) and AMCPD_*
// environment variables, then fills in paths derived from data_dir.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Seed every key so env overrides apply even without a file.
	defaults, err := json.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			fv := viper.New()
			fv.SetConfigFile(configPath)
			if filepath.Ext(configPath) == "" {
				fv.SetConfigType("json")
			}
			if err := fv.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := v.MergeConfigMap(fv.AllSettings()); err != nil {
				return nil, fmt.Errorf("failed to merge config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.applyPaths(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) applyPaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".amcpd")
	}

	if cfg.Media.Root == "" {
		cfg.Media.Root = filepath.Join(cfg.DataDir, "media")
	}
	if cfg.Data.Path == "" {
		cfg.Data.Path = filepath.Join(cfg.DataDir, "data.db")
	}
	if cfg.Schedule.StorePath == "" {
		cfg.Schedule.StorePath = filepath.Join(cfg.DataDir, "schedule.json")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "amcpd.log")
	}
	if cfg.PIDFile == "" {
		cfg.PIDFile = filepath.Join(cfg.DataDir, "amcpd.pid")
	}
	return nil
}

// Save writes the configuration as JSON to the loader's path.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("no config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("server", cfg.Server)
	v.Set("channels", cfg.Channels)
	v.Set("queue", cfg.Queue)
	v.Set("media", cfg.Media)
	v.Set("data", cfg.Data)
	v.Set("schedule", cfg.Schedule)
	v.Set("logging", cfg.Logging)
	v.Set("tracing", cfg.Tracing)
	v.Set("data_dir", cfg.DataDir)
	v.Set("pid_file", cfg.PIDFile)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".amcpd", "amcpd.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
