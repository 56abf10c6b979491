package daemon

import (
	"fmt"
	"slices"

	"github.com/harun/amcpd/internal/config"
)

// WatchConfig reloads settings from loader's file whenever it changes.
// Only settings that can change on a live server are applied; the rest
// are logged as needing a restart.
func (d *Daemon) WatchConfig(loader *config.Loader) error {
	w, err := config.NewWatcher(loader, d.logger.GetZerolog(), 0, d.ApplyConfig)
	if err != nil {
		return fmt.Errorf("failed to watch config: %w", err)
	}

	d.mu.Lock()
	d.configWatcher = w
	d.mu.Unlock()

	d.logger.Info().Str("path", loader.GetConfigPath()).Msg("Watching config file")
	return nil
}

// ApplyConfig applies the live-reloadable parts of cfg.
func (d *Daemon) ApplyConfig(cfg *config.Config) {
	d.mu.Lock()
	old := d.config
	d.config = cfg
	d.mu.Unlock()

	if cfg.Logging.Level != old.Logging.Level {
		level := d.logger.SetLevel(cfg.Logging.Level)
		d.logger.Info().Str("level", level.String()).Msg("Log level changed")
	}

	if cfg.Server.RateLimit != old.Server.RateLimit || cfg.Server.RateBurst != old.Server.RateBurst {
		d.gatewayServer.SetRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst)
		d.logger.Info().
			Float64("rate_limit", cfg.Server.RateLimit).
			Int("rate_burst", cfg.Server.RateBurst).
			Msg("Client rate limit changed")
	}

	if cfg.Queue.Capacity != old.Queue.Capacity {
		d.queues.SetCapacity(cfg.Queue.Capacity)
		d.logger.Info().Int("capacity", cfg.Queue.Capacity).Msg("Queue capacity changed")
	}

	if cfg.Queue.StatsIntervalSec != old.Queue.StatsIntervalSec {
		d.eventLoop.SetInterval(cfg.StatsInterval())
	}

	var restart []string
	if cfg.Server.TCPAddr != old.Server.TCPAddr || cfg.Server.HTTPAddr != old.Server.HTTPAddr || cfg.Server.WebSocket != old.Server.WebSocket {
		restart = append(restart, "server")
	}
	if !slices.Equal(cfg.VideoModes(), old.VideoModes()) {
		restart = append(restart, "channels")
	}
	if cfg.Media != old.Media {
		restart = append(restart, "media")
	}
	if cfg.Data != old.Data || cfg.Schedule != old.Schedule {
		restart = append(restart, "storage")
	}
	if len(restart) > 0 {
		d.logger.Warn().Strs("sections", restart).Msg("Config changes need a restart to take effect")
	}
}
