package siteroutes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 100 * time.Millisecond

// configWatcher calls onChange after the config file is written, created or
// replaced. Bursts of events within reloadDebounce trigger one call.
type configWatcher struct {
	// Path of the watched config file
	Path string

	onChange func()
	watcher  *fsnotify.Watcher
	log      *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	closeMu  sync.Mutex
}

func watchConfig(path string, onChange func(), log *zap.Logger) (*configWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	dir := filepath.Dir(abs)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("config directory does not exist: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Editors replace files by rename, so watch the directory, not the file
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &configWatcher{
		Path:     abs,
		onChange: onChange,
		watcher:  watcher,
		log:      log,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.watch(ctx)

	return w, nil
}

func (w *configWatcher) watch(ctx context.Context) {
	defer close(w.done)

	w.log.Debug("starting config watcher", zap.String("path", w.Path))
	defer w.log.Debug("config watcher stopped", zap.String("path", w.Path))

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != w.Path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			w.log.Debug("config file event", zap.String("event", event.Op.String()))
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.onChange()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("config watcher error", zap.Error(err))

		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// Close stops watching. It is safe to call more than once.
func (w *configWatcher) Close() {
	w.closeMu.Lock()
	defer w.closeMu.Unlock()

	if w.cancel == nil {
		return
	}
	w.cancel()
	w.cancel = nil
	<-w.done
	w.watcher.Close()
}
