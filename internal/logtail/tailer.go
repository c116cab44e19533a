package logtail

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultPollInterval = 500 * time.Millisecond

// MissingLogError is returned when the live log does not exist.
type MissingLogError struct {
	Path string
}

func (e *MissingLogError) Error() string {
	return fmt.Sprintf("Latest log file not found: %s", e.Path)
}

// Tailer caches a session's boot output and watches for the
// startup-completion marker.
type Tailer struct {
	path       string
	cache      *Cache
	poll       time.Duration
	onComplete func()
	logger     *zap.Logger

	once sync.Once
}

type TailerOption func(*Tailer)

// WithPollInterval sets the follow loop's polling floor.
func WithPollInterval(d time.Duration) TailerOption {
	return func(t *Tailer) { t.poll = d }
}

func WithLogger(l *zap.Logger) TailerOption {
	return func(t *Tailer) { t.logger = l }
}

// NewTailer builds a tailer for path that appends into cache and calls
// onComplete at most once when the marker is seen.
func NewTailer(path string, cache *Cache, onComplete func(), opts ...TailerOption) *Tailer {
	t := &Tailer{
		path:       path,
		cache:      cache,
		poll:       DefaultPollInterval,
		onComplete: onComplete,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tailer) complete() {
	t.once.Do(func() {
		t.logger.Info("startup completed", zap.String("log", t.path))
		if t.onComplete != nil {
			t.onComplete()
		}
	})
}

// Run pre-scans the log from the start and, if no completion marker was
// found, follows it until one appears or ctx is done. A missing log is
// reported once and never retried.
func (t *Tailer) Run(ctx context.Context) error {
	found := false
	offset, err := scanLines(t.path, 0, func(line string) bool {
		t.cache.Append(line)
		found = IsStartupComplete(line)
		return !found
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &MissingLogError{Path: t.path}
		}
		return fmt.Errorf("pre-scanning %s: %w", t.path, err)
	}
	if found {
		t.complete()
		return nil
	}

	w := newWaker(t.path, t.poll, t.logger)
	defer w.close()

	for !found {
		if err := w.wait(ctx); err != nil {
			return nil
		}
		offset, err = scanLines(t.path, offset, func(line string) bool {
			t.cache.Append(line)
			found = IsStartupComplete(line)
			return !found
		})
		if err != nil {
			// transient; the next tick retries from the same offset
			t.logger.Debug("reading log", zap.String("log", t.path), zap.Error(err))
		}
	}
	t.complete()
	return nil
}
