package registry

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher re-registers every entry of a registry file when it changes.
// Entries removed from the file stay registered; re-registration only adds
// or replaces.
type Watcher struct {
	path     string
	registry *Registry
	debounce time.Duration
	reloaded chan error
}

func NewWatcher(path string, r *Registry) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		registry: r,
		debounce: 100 * time.Millisecond,
		reloaded: make(chan error, 16),
	}
}

// Reloaded receives the outcome of every reload attempt.
func (w *Watcher) Reloaded() <-chan error {
	return w.reloaded
}

// Reload reads the file once and applies it.
func (w *Watcher) Reload() error {
	f, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	return w.registry.Apply(f)
}

// Start watches the file's directory until ctx is done. The directory is
// watched rather than the file so editors that replace it by rename are seen.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.reloaded)

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != w.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(w.debounce)
				} else {
					timer.Reset(w.debounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				err := w.Reload()
				if err != nil {
					log.Error().Err(err).Str("path", w.path).Msg("Registry reload failed")
				} else {
					log.Info().Str("path", w.path).Msg("Registry reloaded")
				}
				select {
				case w.reloaded <- err:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("Registry watcher error")
			}
		}
	}()
	return nil
}
