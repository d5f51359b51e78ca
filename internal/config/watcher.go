package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/fazt-sh/fazt/internal/logging"
)

// Watcher monitors the config file and .env and re-applies the settings
// that are safe to change at runtime (currently the log level).
type Watcher struct {
	mu          sync.RWMutex
	cfg         *Config
	dir         string
	path        string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time
	onReload    func(*Config)
}

// NewWatcher creates a watcher over cfg's config file and data dir.
func NewWatcher(cfg *Config) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		cfg:      cfg,
		dir:      cfg.Storage.DataDir,
		path:     configPath(cfg.Storage.DataDir),
		watcher:  fw,
		stopChan: make(chan struct{}),
	}
	if stat, err := os.Stat(w.path); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w, nil
}

// OnReload registers a callback invoked with the freshly loaded config
// after every successful reload.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// Start begins watching. Falls back to polling when the directory cannot
// be watched (some container filesystems).
func (w *Watcher) Start() {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Falling back to polling for config changes")
		go w.poll()
		return
	}
	if w.dir != filepath.Dir(w.path) {
		// .env lives beside the database, which may not be where the
		// config file is.
		if err := w.watcher.Add(w.dir); err != nil {
			log.Debug().Err(err).Str("path", w.dir).Msg("Not watching the data dir for env changes")
		}
	}

	go w.watch()
	log.Info().Str("path", w.path).Msg("Watching config files for changes")
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

// Reload re-reads the config files and applies runtime-safe settings.
// Exposed so a SIGHUP handler can trigger it directly.
func (w *Watcher) Reload() {
	fresh, err := Load(w.dir)
	if err != nil {
		log.Error().Err(err).Msg("Config reload failed; keeping previous settings")
		return
	}

	w.mu.Lock()
	previousLevel := w.cfg.Logging.Level
	w.cfg = fresh
	callback := w.onReload
	w.mu.Unlock()

	if fresh.Logging.Level != previousLevel {
		logging.SetGlobalLevel(fresh.Logging.Level)
		log.Info().
			Str("from", previousLevel).
			Str("to", fresh.Logging.Level).
			Msg("Applied new log level")
	}

	if callback != nil {
		callback(fresh)
	}
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			base := filepath.Base(event.Name)
			if base != filepath.Base(w.path) && base != ".env" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Let the write settle before re-reading.
			time.Sleep(100 * time.Millisecond)
			log.Info().Str("file", base).Str("event", event.Op.String()).Msg("Detected config change")
			w.Reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(w.path)
			if err != nil {
				continue
			}
			if stat.ModTime().After(w.lastModTime) {
				w.lastModTime = stat.ModTime()
				log.Info().Msg("Detected config change via polling")
				w.Reload()
			}

		case <-w.stopChan:
			return
		}
	}
}
