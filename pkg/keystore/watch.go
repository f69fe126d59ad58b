package keystore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// Watch watches the store's backing directory for changes to its key file
// and triggers a debounced reload. It blocks until ctx is canceled.
// Watching the directory rather than the file catches editor save
// patterns that replace the file via rename, which a direct file watch
// can miss once the original inode is gone.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("keystore: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.Dir()); err != nil {
		return fmt.Errorf("keystore: watch %s: %w", s.Dir(), err)
	}

	debounce := newDebouncer(defaultDebounce)
	defer debounce.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("keystore: watcher events channel closed")
			}
			if ev.Name != s.File() {
				continue
			}
			if ev.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			debounce.trigger(s.Reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("keystore: watcher errors channel closed")
			}
			s.logger.Error("keystore: watcher error", "error", err)
		}
	}
}

type debouncer struct {
	interval time.Duration
	mu       sync.Mutex
	timer    *time.Timer
}

func newDebouncer(interval time.Duration) *debouncer {
	return &debouncer{interval: interval}
}

func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, callback)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
