package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay is how long the watcher waits after the last write
// before reloading. Editors often write a file in several steps.
const DefaultReloadDelay = 250 * time.Millisecond

// Watcher reloads the config file when it changes and hands every valid
// result to onChange. Invalid files are logged and ignored.
type Watcher struct {
	loader   *Loader
	path     string
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onChange func(*Config)
	delay    time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher watches the loader's config file. The parent directory is
// watched rather than the file so atomic rename-into-place saves are seen.
func NewWatcher(loader *Loader, logger zerolog.Logger, delay time.Duration, onChange func(*Config)) (*Watcher, error) {
	path := loader.GetConfigPath()
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	if delay <= 0 {
		delay = DefaultReloadDelay
	}

	w := &Watcher{
		loader:   loader,
		path:     filepath.Clean(path),
		watcher:  fw,
		logger:   logger.With().Str("component", "config").Logger(),
		onChange: onChange,
		delay:    delay,
		stopCh:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Stop ends the event loop.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Config watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.stopCh:
		return
	default:
	}

	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Warn().Err(err).Str("path", w.path).Msg("Config reload failed")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn().Err(err).Str("path", w.path).Msg("Reloaded config is invalid, keeping current settings")
		return
	}

	w.logger.Info().Str("path", w.path).Msg("Config reloaded")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
