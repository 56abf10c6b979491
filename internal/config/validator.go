package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/harun/amcpd/pkg/channels"
	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Schema is the JSON Schema every loaded configuration must satisfy.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["server", "channels", "queue", "logging"],
  "properties": {
    "server": {
      "type": "object",
      "properties": {
        "tcp_addr": {"type": "string"},
        "http_addr": {"type": "string"},
        "websocket": {"type": "boolean"},
        "rate_limit": {"type": "number", "minimum": 0},
        "rate_burst": {"type": "integer", "minimum": 0},
        "max_message_bytes": {"type": "integer", "minimum": 256},
        "write_timeout_ms": {"type": "integer", "minimum": 0}
      }
    },
    "channels": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["video_mode"],
        "properties": {
          "video_mode": {"type": "string", "minLength": 1}
        }
      }
    },
    "queue": {
      "type": "object",
      "properties": {
        "capacity": {"type": "integer", "minimum": 1},
        "command_timeout_ms": {"type": "integer", "minimum": 0},
        "warn_after_ms": {"type": "integer", "minimum": 0},
        "drain_on_shutdown": {"type": "boolean"},
        "stats_interval_sec": {"type": "integer", "minimum": 0}
      }
    },
    "media": {
      "type": "object",
      "properties": {
        "root": {"type": "string"},
        "watch": {"type": "boolean"},
        "debounce_ms": {"type": "integer", "minimum": 0}
      }
    },
    "schedule": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "store_path": {"type": "string"},
        "timezone": {"type": "string"}
      }
    },
    "logging": {
      "type": "object",
      "properties": {
        "level": {"enum": ["trace", "debug", "info", "warn", "error"]},
        "max_size": {"type": "integer", "minimum": 0},
        "max_age": {"type": "integer", "minimum": 0}
      }
    },
    "tracing": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "service_name": {"type": "string"},
        "sample_ratio": {"type": "number", "minimum": 0, "maximum": 1}
      }
    }
  }
}`

// Validator validates configuration values
type Validator struct {
	schemaLoader gojsonschema.JSONLoader
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{schemaLoader: gojsonschema.NewStringLoader(Schema)}
}

// Validate runs the schema and every cross-field check and reports all
// failures at once.
func (v *Validator) Validate(cfg *Config) error {
	var errs []error
	if err := v.validateSchema(cfg); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, v.ValidateConfig(cfg)...)
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func (v *Validator) validateSchema(cfg *Config) error {
	result, err := gojsonschema.Validate(v.schemaLoader, gojsonschema.NewGoLoader(cfg))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; "))
}

// ValidateAddr validates a listen address. Empty disables the listener.
func (v *Validator) ValidateAddr(name, addr string) error {
	if addr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s: invalid listen address %q: %w", name, addr, err)
	}
	return nil
}

// ValidateVideoMode validates a channel video mode
func (v *Validator) ValidateVideoMode(mode string) error {
	if !channels.ValidVideoMode(mode) {
		return fmt.Errorf("invalid video mode: %s (must be one of: %s)", mode, strings.Join(channels.VideoModes, ", "))
	}
	return nil
}

// ValidateTimezone validates an IANA zone name. Empty means local time.
func (v *Validator) ValidateTimezone(tz string) error {
	if tz == "" {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("invalid schedule timezone %q: %w", tz, err)
	}
	return nil
}

// ValidateConfig performs the checks a schema cannot express
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if cfg.Server.TCPAddr == "" && cfg.Server.HTTPAddr == "" {
		errs = append(errs, fmt.Errorf("server: tcp_addr and http_addr cannot both be empty"))
	}
	if cfg.Server.WebSocket && cfg.Server.HTTPAddr == "" {
		errs = append(errs, fmt.Errorf("server: websocket requires http_addr"))
	}
	if err := v.ValidateAddr("server.tcp_addr", cfg.Server.TCPAddr); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateAddr("server.http_addr", cfg.Server.HTTPAddr); err != nil {
		errs = append(errs, err)
	}

	for i, ch := range cfg.Channels {
		if err := v.ValidateVideoMode(ch.VideoMode); err != nil {
			errs = append(errs, fmt.Errorf("channel %d: %w", i+1, err))
		}
	}

	if err := v.ValidateTimezone(cfg.Schedule.Timezone); err != nil {
		errs = append(errs, err)
	}

	return errs
}
