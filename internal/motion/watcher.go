package motion

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ClipWatcher reloads clip files when they change on disk.
type ClipWatcher struct {
	watcher *fsnotify.Watcher
	amp     AmplifyConfig
	logger  zerolog.Logger

	mu      sync.RWMutex
	targets map[string]func(*Clip) // path -> reload callback
	done    chan struct{}
	stopped chan struct{}
}

// NewClipWatcher creates a watcher. Payload files are amplified with amp.
func NewClipWatcher(amp AmplifyConfig, logger zerolog.Logger) (*ClipWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	cw := &ClipWatcher{
		watcher: watcher,
		amp:     amp,
		logger:  logger.With().Str("component", "motion").Logger(),
		targets: make(map[string]func(*Clip)),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	go cw.watchLoop()

	return cw, nil
}

// Watch calls onReload with the freshly loaded clip each time path is
// written or replaced. The directory is watched so atomic saves are seen.
func (cw *ClipWatcher) Watch(path string, onReload func(*Clip)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()

	if err := cw.watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	cw.targets[abs] = onReload
	return nil
}

func (cw *ClipWatcher) watchLoop() {
	defer close(cw.stopped)
	for {
		select {
		case <-cw.done:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			name, _ := filepath.Abs(event.Name)
			cw.mu.RLock()
			onReload, ok := cw.targets[name]
			cw.mu.RUnlock()
			if !ok {
				continue
			}
			cw.reload(name, onReload)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn().Err(err).Msg("clip watcher error")
		}
	}
}

func (cw *ClipWatcher) reload(path string, onReload func(*Clip)) {
	defer func() {
		if r := recover(); r != nil {
			cw.logger.Error().Interface("panic", r).Str("path", path).Msg("clip reload failed")
		}
	}()
	clip, err := LoadClip(context.Background(), path, cw.amp)
	if err != nil {
		// Partial writes fail to parse; the next event retries.
		cw.logger.Debug().Err(err).Str("path", path).Msg("clip reload failed")
		return
	}
	cw.logger.Info().Str("path", path).Str("clip", clip.Name()).Msg("clip reloaded")
	onReload(clip)
}

// Close stops the watcher.
func (cw *ClipWatcher) Close() error {
	close(cw.done)
	err := cw.watcher.Close()
	<-cw.stopped
	return err
}
