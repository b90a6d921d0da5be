package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// signalPoll is the fallback poll period for Watch when fsnotify is unavailable.
const signalPoll = 500 * time.Millisecond

// Signal is the shutdown sentinel file. Its existence means a shutdown is in
// progress.
type Signal struct {
	path string
}

func NewSignal(path string) *Signal { return &Signal{path: path} }

func (s *Signal) Path() string { return s.path }

// Touch creates the sentinel. Calling it while the file exists is a no-op.
func (s *Signal) Touch() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(s.path), err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("touch %s: %w", s.path, err)
	}
	return f.Close()
}

// Clear removes the sentinel. A missing file is not an error.
func (s *Signal) Clear() error {
	return removeIfExists(s.path)
}

func (s *Signal) Present() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Watch returns a channel that is closed once the sentinel exists or ctx is
// done. It watches the containing directory with fsnotify and falls back to
// polling when a watcher cannot be created.
func (s *Signal) Watch(ctx context.Context, log *slog.Logger) <-chan struct{} {
	if log == nil {
		log = slog.Default()
	}
	fired := make(chan struct{})
	go func() {
		defer close(fired)
		if s.Present() {
			return
		}
		w, err := s.newWatcher()
		if err != nil {
			log.Debug("signal watcher unavailable, polling", "path", s.path, "error", err)
			s.poll(ctx)
			return
		}
		defer func() { _ = w.Close() }()
		// Re-check after the watch is armed to close the creation race.
		if s.Present() {
			return
		}
		target := filepath.Clean(s.path)
		// The ticker guards against missed events on filesystems without inotify support.
		tick := time.NewTicker(signalPoll)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					s.poll(ctx)
					return
				}
				if filepath.Clean(ev.Name) == target && ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					s.poll(ctx)
					return
				}
				log.Warn("signal watcher error", "error", err)
			case <-tick.C:
				if s.Present() {
					return
				}
			}
		}
	}()
	return fired
}

func (s *Signal) newWatcher() (*fsnotify.Watcher, error) {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, errors.Join(fmt.Errorf("watch %s", dir), err)
	}
	return w, nil
}

func (s *Signal) poll(ctx context.Context) {
	tick := time.NewTicker(signalPoll)
	defer tick.Stop()
	for {
		if s.Present() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}
