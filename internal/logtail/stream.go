package logtail

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"go.uber.org/zap"
)

// Stream delivers a session's log to one consumer: cached boot lines
// first, then lines appended after the stream attached.
type Stream struct {
	Path    string
	Cache   *Cache // may be nil when the session has no cache
	Limiter *Limiter
	Poll    time.Duration
	// Sink delivers one line. An error ends the stream.
	Sink func(line string) error
	// OnDrop is told about every line the limiter discarded.
	OnDrop func()
	Logger *zap.Logger
}

// Run streams until ctx is done or Sink fails. A missing log is reported
// to the sink as a single line.
func (s *Stream) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	poll := s.Poll
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	offset, err := endOffset(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			missing := &MissingLogError{Path: s.Path}
			if serr := s.Sink(missing.Error()); serr != nil {
				return serr
			}
			return missing
		}
		return err
	}

	if s.Cache != nil {
		for _, line := range s.Cache.Drain() {
			if err := s.deliver(line); err != nil {
				return err
			}
		}
		// Live delivery starts from the end of the file as it is now.
		if off, err := endOffset(s.Path); err == nil {
			offset = off
		}
	}

	w := newWaker(s.Path, poll, logger)
	defer w.close()

	for {
		if err := w.wait(ctx); err != nil {
			return nil
		}
		var sinkErr error
		offset, err = scanLines(s.Path, offset, func(line string) bool {
			sinkErr = s.deliver(line)
			return sinkErr == nil
		})
		if sinkErr != nil {
			return sinkErr
		}
		if err != nil {
			logger.Debug("reading log for stream", zap.String("log", s.Path), zap.Error(err))
		}
	}
}

func (s *Stream) deliver(line string) error {
	if s.Limiter == nil {
		return s.Sink(line)
	}
	switch s.Limiter.Admit() {
	case Deliver:
		return s.Sink(line)
	case Warn:
		s.dropped()
		return s.Sink(WarningText)
	default:
		s.dropped()
		return nil
	}
}

func (s *Stream) dropped() {
	if s.OnDrop != nil {
		s.OnDrop()
	}
}
