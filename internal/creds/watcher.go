package creds

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher observes the credential cache file and emits the freshly parsed
// bundle whenever an external login flow rewrites it. Events are debounced
// because an atomic rename still produces a burst of notifications on some
// platforms.
type Watcher struct {
	cache    *FileCache
	logger   zerolog.Logger
	debounce time.Duration
	updates  chan *Bundle
	watcher  *fsnotify.Watcher
}

func NewWatcher(cache *FileCache, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: rename-based writes replace the
	// inode and a file watch would go stale after the first update.
	if err := fsw.Add(filepath.Dir(cache.Path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		cache:    cache,
		logger:   logger,
		debounce: 250 * time.Millisecond,
		updates:  make(chan *Bundle, 1),
		watcher:  fsw,
	}, nil
}

// Updates delivers reloaded bundles. The channel has capacity one and stale
// bundles are replaced, so readers always see the newest snapshot.
func (w *Watcher) Updates() <-chan *Bundle {
	return w.updates
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	target := filepath.Clean(w.cache.Path)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("credential watcher error")
		}
	}
}

func (w *Watcher) reload() {
	bundle, err := w.cache.Load()
	if err != nil {
		w.logger.Warn().Err(err).Str("path", w.cache.Path).Msg("credential cache changed but reload failed")
		return
	}
	// Replace any undelivered bundle so a slow consumer only sees the
	// latest snapshot.
	for {
		select {
		case w.updates <- bundle:
			w.logger.Info().Str("path", w.cache.Path).Msg("credentials reloaded from cache")
			return
		default:
			select {
			case <-w.updates:
			default:
			}
		}
	}
}
