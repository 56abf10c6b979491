package media

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound   = errors.New("media not found")
	ErrNoRoot     = errors.New("media root is required")
	ErrNotWatched = errors.New("catalog is not watching")
)

// Type classifies a media file by extension.
type Type string

const (
	TypeMovie Type = "MOVIE"
	TypeStill Type = "STILL"
	TypeAudio Type = "AUDIO"
)

var extensions = map[string]Type{
	".mov": TypeMovie, ".mp4": TypeMovie, ".mxf": TypeMovie, ".mkv": TypeMovie,
	".avi": TypeMovie, ".webm": TypeMovie, ".ts": TypeMovie, ".m2ts": TypeMovie,
	".png": TypeStill, ".jpg": TypeStill, ".jpeg": TypeStill, ".tga": TypeStill,
	".bmp": TypeStill, ".tiff": TypeStill, ".tif": TypeStill,
	".wav": TypeAudio, ".mp3": TypeAudio, ".flac": TypeAudio, ".aac": TypeAudio,
}

// Item is one indexed media file. Name is the client-facing name: the path
// relative to the root, slash separated, upper case, without extension.
type Item struct {
	Name     string
	Path     string
	Type     Type
	Size     int64
	Modified time.Time
}

// Line renders the item the way CLS and CINF report it.
func (i Item) Line() string {
	return fmt.Sprintf("%q %s %d %s", i.Name, i.Type, i.Size, i.Modified.UTC().Format("20060102150405"))
}

// Config configures a Catalog.
type Config struct {
	Root     string
	Debounce time.Duration
	Logger   *zerolog.Logger
}

// Catalog indexes the media folder.
type Catalog struct {
	root     string
	debounce time.Duration
	logger   zerolog.Logger

	mu       sync.RWMutex
	items    map[string]Item
	scanned  time.Time
	watcher  *Watcher
	onChange func(count int)
}

// NewCatalog creates a catalog and runs the first scan. A missing root is
// created so a fresh install starts with an empty library.
func NewCatalog(cfg Config) (*Catalog, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, ErrNoRoot
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media root: %w", err)
	}

	var base zerolog.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	} else {
		base = log.Logger
	}

	c := &Catalog{
		root:     cfg.Root,
		debounce: cfg.Debounce,
		logger:   base.With().Str("component", "media").Logger(),
		items:    make(map[string]Item),
	}
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

// Root returns the scanned folder.
func (c *Catalog) Root() string {
	return c.root
}

// OnChange registers fn to run after every rescan with the item count.
func (c *Catalog) OnChange(fn func(count int)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Refresh rescans the folder and swaps the index atomically.
func (c *Catalog) Refresh() error {
	items := make(map[string]Item)
	err := filepath.WalkDir(c.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		typ, ok := extensions[strings.ToLower(filepath.Ext(p))]
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// Removed between listing and stat.
			return nil
		}
		rel, err := filepath.Rel(c.root, p)
		if err != nil {
			return nil
		}
		name := normalize(strings.TrimSuffix(rel, filepath.Ext(rel)))
		items[name] = Item{
			Name:     name,
			Path:     p,
			Type:     typ,
			Size:     info.Size(),
			Modified: info.ModTime(),
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan media: %w", err)
	}

	c.mu.Lock()
	c.items = items
	c.scanned = time.Now()
	onChange := c.onChange
	c.mu.Unlock()

	c.logger.Debug().Int("items", len(items)).Msg("Media scanned")
	if onChange != nil {
		onChange(len(items))
	}
	return nil
}

// Watch keeps the index fresh until Close.
func (c *Catalog) Watch() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.watcher != nil {
		return nil
	}
	w, err := NewWatcher(c.logger, c.debounce, func() {
		if err := c.Refresh(); err != nil {
			c.logger.Error().Err(err).Msg("Failed to rescan media")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to create media watcher: %w", err)
	}
	if err := w.WatchTree(c.root); err != nil {
		_ = w.Stop()
		return fmt.Errorf("failed to watch media root: %w", err)
	}
	c.watcher = w
	c.logger.Info().Str("root", c.root).Msg("Watching media folder")
	return nil
}

// Close stops watching.
func (c *Catalog) Close() error {
	c.mu.Lock()
	w := c.watcher
	c.watcher = nil
	c.mu.Unlock()

	if w == nil {
		return ErrNotWatched
	}
	return w.Stop()
}

// Lookup finds an item by client name, ignoring case. The name may carry
// its extension.
func (c *Catalog) Lookup(name string) (Item, error) {
	key := normalize(name)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if it, ok := c.items[key]; ok {
		return it, nil
	}
	if ext := path.Ext(key); ext != "" {
		if it, ok := c.items[strings.TrimSuffix(key, ext)]; ok && strings.EqualFold(filepath.Ext(it.Path), ext) {
			return it, nil
		}
	}
	return Item{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// List returns every item sorted by name. A non-empty prefix limits the
// result to one subfolder.
func (c *Catalog) List(prefix string) []Item {
	prefix = normalize(prefix)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	c.mu.RLock()
	out := make([]Item, 0, len(c.items))
	for name, it := range c.items {
		if prefix == "" || strings.HasPrefix(name, prefix) {
			out = append(out, it)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of indexed items.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// LastScan returns when the index was last rebuilt.
func (c *Catalog) LastScan() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scanned
}

func normalize(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.Trim(name, "/")
	return strings.ToUpper(name)
}
