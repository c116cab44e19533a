package logtail

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// waker paces a follow loop: it fires on every poll tick and, when the
// platform supports it, early on writes to the watched file.
type waker struct {
	ticker  *time.Ticker
	watcher *fsnotify.Watcher
	name    string
}

func newWaker(path string, interval time.Duration, logger *zap.Logger) *waker {
	w := &waker{ticker: time.NewTicker(interval), name: filepath.Clean(path)}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Debug("file notifications unavailable, polling only", zap.Error(err))
		return w
	}
	// Watch the directory so a replaced file is still seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		logger.Debug("cannot watch log directory, polling only", zap.String("path", path), zap.Error(err))
		watcher.Close()
		return w
	}
	w.watcher = watcher
	return w
}

// wait blocks until the next tick or file event, or ctx is done.
func (w *waker) wait(ctx context.Context) error {
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if w.watcher != nil {
		events = w.watcher.Events
		errs = w.watcher.Errors
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.ticker.C:
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == w.name && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				return nil
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		}
	}
}

func (w *waker) close() {
	w.ticker.Stop()
	if w.watcher != nil {
		w.watcher.Close()
	}
}
