package config

import (
	"encoding/json"
	"time"
)

// Config represents the amcpd configuration
type Config struct {
	// AMCP transport
	Server ServerConfig `json:"server" mapstructure:"server"`

	// One entry per playout channel, in channel order
	Channels []ChannelConfig `json:"channels" mapstructure:"channels"`

	// Command queues
	Queue QueueConfig `json:"queue" mapstructure:"queue"`

	// Media folder served by CLS/CINF and checked by LOAD
	Media MediaConfig `json:"media" mapstructure:"media"`

	// Dataset store for DATA
	Data DataConfig `json:"data" mapstructure:"data"`

	// Scheduled commands for SCHEDULE
	Schedule ScheduleConfig `json:"schedule" mapstructure:"schedule"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// OpenTelemetry
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// PID file written by serve and read by status/stop
	PIDFile string `json:"pid_file" mapstructure:"pid_file"`
}

// ServerConfig holds gateway server configuration
type ServerConfig struct {
	TCPAddr         string  `json:"tcp_addr" mapstructure:"tcp_addr"`
	HTTPAddr        string  `json:"http_addr" mapstructure:"http_addr"`
	WebSocket       bool    `json:"websocket" mapstructure:"websocket"`
	RateLimit       float64 `json:"rate_limit" mapstructure:"rate_limit"` // reads per second, 0 = unlimited
	RateBurst       int     `json:"rate_burst" mapstructure:"rate_burst"`
	MaxMessageBytes int     `json:"max_message_bytes" mapstructure:"max_message_bytes"`
	WriteTimeoutMs  int     `json:"write_timeout_ms" mapstructure:"write_timeout_ms"`
}

// ChannelConfig describes one playout channel
type ChannelConfig struct {
	VideoMode string `json:"video_mode" mapstructure:"video_mode"`
}

// QueueConfig holds command queue settings
type QueueConfig struct {
	Capacity         int  `json:"capacity" mapstructure:"capacity"`
	CommandTimeoutMs int  `json:"command_timeout_ms" mapstructure:"command_timeout_ms"` // 0 = none
	WarnAfterMs      int  `json:"warn_after_ms" mapstructure:"warn_after_ms"`
	DrainOnShutdown  bool `json:"drain_on_shutdown" mapstructure:"drain_on_shutdown"`
	StatsIntervalSec int  `json:"stats_interval_sec" mapstructure:"stats_interval_sec"` // 0 = off
}

// MediaConfig holds media catalog settings
type MediaConfig struct {
	Root       string `json:"root" mapstructure:"root"`
	Watch      bool   `json:"watch" mapstructure:"watch"`
	DebounceMs int    `json:"debounce_ms" mapstructure:"debounce_ms"`
}

// DataConfig holds dataset store settings
type DataConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// ScheduleConfig holds scheduled command settings
type ScheduleConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	StorePath string `json:"store_path" mapstructure:"store_path"`
	Timezone  string `json:"timezone" mapstructure:"timezone"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			TCPAddr:         ":5250",
			HTTPAddr:        ":8250",
			WebSocket:       true,
			RateLimit:       0,
			RateBurst:       64,
			MaxMessageBytes: 64 * 1024,
			WriteTimeoutMs:  10000,
		},
		Channels: []ChannelConfig{
			{VideoMode: "1080i5000"},
		},
		Queue: QueueConfig{
			Capacity:         256,
			CommandTimeoutMs: 0,
			WarnAfterMs:      5000,
			DrainOnShutdown:  true,
			StatsIntervalSec: 60,
		},
		Media: MediaConfig{
			Watch:      true,
			DebounceMs: 500,
		},
		Schedule: ScheduleConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "amcpd",
			SampleRatio: 1.0,
		},
	}
}

// VideoModes returns the configured mode of every channel.
func (c *Config) VideoModes() []string {
	modes := make([]string, 0, len(c.Channels))
	for _, ch := range c.Channels {
		modes = append(modes, ch.VideoMode)
	}
	return modes
}

// CommandTimeout is Queue.CommandTimeoutMs as a duration.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Queue.CommandTimeoutMs) * time.Millisecond
}

// WarnAfter is Queue.WarnAfterMs as a duration.
func (c *Config) WarnAfter() time.Duration {
	return time.Duration(c.Queue.WarnAfterMs) * time.Millisecond
}

// StatsInterval is Queue.StatsIntervalSec as a duration.
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.Queue.StatsIntervalSec) * time.Second
}

// WriteTimeout is Server.WriteTimeoutMs as a duration.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Server.WriteTimeoutMs) * time.Millisecond
}

// MediaDebounce is Media.DebounceMs as a duration.
func (c *Config) MediaDebounce() time.Duration {
	return time.Duration(c.Media.DebounceMs) * time.Millisecond
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks the config against the schema and the cross-field rules.
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}
