package manager

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// tasks runs the background goroutines of one run under a shared context.
type tasks struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func newTasks(parent context.Context, log *slog.Logger) *tasks {
	ctx, cancel := context.WithCancel(parent)
	return &tasks{ctx: ctx, cancel: cancel, log: log}
}

// Go runs fn until the task context is cancelled.
func (t *tasks) Go(name string, fn func(ctx context.Context)) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				t.log.Error("background task panicked", "task", name, "panic", r)
			}
		}()
		fn(t.ctx)
	}()
}

// Schedule registers fn on a cron spec. The scheduler starts on first use.
func (t *tasks) Schedule(name, spec string, fn func(ctx context.Context)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.Err() != nil {
		return t.ctx.Err()
	}
	if t.cron == nil {
		t.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		t.cron.Start()
	}
	_, err := t.cron.AddFunc(spec, func() {
		if t.ctx.Err() != nil {
			return
		}
		t.log.Debug("running scheduled task", "task", name)
		fn(t.ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	return nil
}

// Stop cancels every task and waits for running ones to return.
func (t *tasks) Stop() {
	t.cancel()
	t.mu.Lock()
	c := t.cron
	t.cron = nil
	t.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	t.wg.Wait()
}

// startScheduled starts the update checker and the periodic maintenance jobs.
func (m *Manager) startScheduled() {
	if m.deps != nil {
		check := func(ctx context.Context) {
			if err := m.deps.CheckForUpdates(ctx); err != nil {
				m.log.Warn("dependency update check failed", "error", err)
			}
		}
		m.bg.Go("update-check", check)
		if err := m.bg.Schedule("update-check", m.cfg.UpdateSchedule, check); err != nil {
			m.log.Error("update checker not scheduled", "error", err)
		}
	}
	if m.logDB != nil && m.cfg.LogDBCheckPeriod > 0 {
		spec := "@every " + m.cfg.LogDBCheckPeriod.String()
		if err := m.bg.Schedule("log-db-size", spec, func(context.Context) {
			if _, _, err := m.logDB.CheckSize(m.cfg.MaxLogDBMB); err != nil {
				m.log.Warn("log database size check failed", "error", err)
			}
		}); err != nil {
			m.log.Error("log database size check not scheduled", "error", err)
		}
	}
	if m.content != nil && m.cfg.RescanPeriod > 0 {
		spec := "@every " + m.cfg.RescanPeriod.String()
		if err := m.bg.Schedule("content-rescan", spec, func(ctx context.Context) {
			if err := m.content.ScanAndProcessAllContent(ctx); err != nil {
				m.log.Error("periodic content scan failed", "error", err)
			}
			if err := m.content.ScanAndProcessAllAssets(ctx); err != nil {
				m.log.Error("periodic asset scan failed", "error", err)
			}
		}); err != nil {
			m.log.Error("content rescan not scheduled", "error", err)
		}
	}
}

// HandleNginxStdout stores JSON access-log lines nginx writes to stdout when
// access_log points there. Anything else is logged.
func (m *Manager) HandleNginxStdout(line string) {
	if m.access == nil || !strings.HasPrefix(line, "{") {
		m.log.Info(line, "proc", Nginx)
		return
	}
	if err := m.access.InsertNginxLog(context.Background(), line); err != nil {
		m.log.Warn("failed to store access log line", "error", err)
	}
}

// tailAccessLog follows the nginx access log from its current end and hands
// each new line to the access-log sink.
func (m *Manager) tailAccessLog(ctx context.Context, path string) {
	m.log.Info("tailing nginx access log", "path", path)
	defer m.log.Info("nginx access log tailer stopped")

	var f *os.File
	waitUntil := time.Now().Add(m.tailWait)
	for {
		var err error
		f, err = os.Open(path)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrNotExist) || !time.Now().Before(waitUntil) {
			if ctx.Err() == nil {
				m.log.Error("nginx access log unavailable, tailing disabled", "path", path, "error", err)
			}
			return
		}
		if sleep(ctx, m.tailPoll) != nil {
			return
		}
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		m.log.Error("seek access log", "error", err)
		return
	}

	r := bufio.NewReader(f)
	var partial strings.Builder
	for {
		chunk, err := r.ReadString('\n')
		partial.WriteString(chunk)
		if err == nil {
			line := strings.TrimSpace(partial.String())
			partial.Reset()
			if line != "" {
				if ierr := m.access.InsertNginxLog(ctx, line); ierr != nil && ctx.Err() == nil {
					m.log.Warn("failed to store access log line", "error", ierr)
				}
			}
			continue
		}
		if !errors.Is(err, io.EOF) {
			if ctx.Err() == nil {
				m.log.Error("error while tailing nginx access log", "error", err)
			}
			return
		}
		if sleep(ctx, m.tailPoll) != nil {
			return
		}
	}
}
