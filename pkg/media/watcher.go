package media

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits after the last change
// before asking for a rescan.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reports changes below a media folder. fsnotify does not recurse,
// so every directory is added on its own and new ones are picked up as
// they are created.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onDirty  func()
	debounce time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher that calls onDirty once changes settle.
func NewWatcher(logger zerolog.Logger, debounce time.Duration, onDirty func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w := &Watcher{
		watcher:  fw,
		logger:   logger,
		onDirty:  onDirty,
		debounce: debounce,
		stopCh:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// WatchTree adds root and every directory below it.
func (w *Watcher) WatchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.watcher.Add(path)
	})
}

// Stop ends the event loop and releases the fsnotify handle.
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
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.WatchTree(event.Name); err != nil {
						w.logger.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch new media directory")
					}
				}
			}

			w.logger.Debug().
				Str("file", filepath.Base(event.Name)).
				Str("op", event.Op.String()).
				Msg("Media change detected")
			w.scheduleDirty()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Media watcher error")

		case <-w.stopCh:
			return
		}
	}
}

// scheduleDirty restarts the debounce timer.
func (w *Watcher) scheduleDirty() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		w.onDirty()
	})
}
