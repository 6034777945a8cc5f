package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const reloadDebounce = 500 * time.Millisecond

// ReloadFunc is called after the configuration was re-read from disk.
type ReloadFunc func(cfg *Config)

// Watcher reloads a Config when its file changes on disk.
type Watcher struct {
	cfg      *Config
	onReload ReloadFunc
	debounce time.Duration
	logger   zerolog.Logger

	fsw      *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher for cfg's file.
func NewWatcher(cfg *Config, onReload ReloadFunc) *Watcher {
	return &Watcher{
		cfg:      cfg,
		onReload: onReload,
		debounce: reloadDebounce,
		logger:   log.With().Str("component", "config-watcher").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching. The directory is watched rather than the file so
// that editors which replace the file on save are noticed.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	dir := filepath.Dir(w.cfg.Path())
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.fsw = fsw

	w.wg.Add(1)
	go w.loop()

	w.logger.Info().Str("path", w.cfg.Path()).Msg("watching configuration file")
	return nil
}

// Stop ends the watch loop.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.fsw != nil {
			w.fsw.Close()
		}
	})
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	target := filepath.Clean(w.cfg.Path())
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	select {
	case <-w.stopCh:
		return
	default:
	}

	if err := w.cfg.Reload(); err != nil {
		w.logger.Error().Err(err).Msg("failed to reload configuration, keeping previous values")
		return
	}

	result := Validate(w.cfg)
	for _, e := range result.Errors {
		w.logger.Warn().Str("field", e.Field).Msg(e.Message)
	}

	w.logger.Info().Msg("configuration reloaded")
	if w.onReload != nil {
		w.onReload(w.cfg)
	}
}
