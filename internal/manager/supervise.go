package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Hasganter/markdown-web/internal/logsink"
	"github.com/Hasganter/markdown-web/internal/metrics"
	"github.com/Hasganter/markdown-web/internal/process"
)

// Supervise checks the registry every SleepInterval until the shutdown
// signal appears or ctx is cancelled, in which case it returns nil and the
// caller stops the stack. When a critical process cannot be restarted it
// stops the stack itself and returns ErrRestartExhausted.
func (m *Manager) Supervise(ctx context.Context) error {
	interval := m.cfg.SleepInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	m.log.Info("supervisor started, monitoring processes", "interval", interval)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("supervision cancelled")
			return nil
		case <-t.C:
		}
		if m.signal.Present() {
			m.log.Info("shutdown signal detected, leaving supervision loop")
			return nil
		}
		if err := m.tick(ctx); err != nil {
			m.log.Error("supervision stopped", "error", err)
			m.StopAll(context.Background(), Normal)
			return err
		}
	}
}

// tick runs one supervision pass.
func (m *Manager) tick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("supervision tick panicked: %v", r)
		}
	}()

	m.mu.RLock()
	handles := make([]*process.Handle, 0, len(m.registry))
	for _, h := range m.registry {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	for _, h := range handles {
		reason := m.deadReason(h)
		if reason == "" {
			continue
		}
		m.mu.Lock()
		if cur := m.registry[h.Name]; cur == h {
			delete(m.registry, h.Name)
		}
		m.mu.Unlock()
		m.log.Warn("process has stopped", "name", h.Name, "pid", h.PID, "reason", reason)
		metrics.IncCrash(h.Name, reason)
		m.record(logsink.EventCrash, h.Name, h.PID, reason)
		if IsCritical(h.Name) {
			m.mu.Lock()
			m.pending[h.Name] = true
			m.mu.Unlock()
		} else {
			m.log.Info("non-critical process will not be restarted", "name", h.Name)
		}
	}

	m.mu.RLock()
	names := make([]string, 0, len(m.pending))
	for n := range m.pending {
		names = append(names, n)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		if m.AttemptRestart(ctx, name) {
			m.mu.Lock()
			delete(m.pending, name)
			m.mu.Unlock()
			continue
		}
		if st, ok := m.restartState(name); ok && st.Failures >= m.cfg.MaxRestarts {
			return fmt.Errorf("%w: %s failed %d times", ErrRestartExhausted, name, st.Failures)
		}
	}

	pids := m.pids()
	metrics.SetSupervised(len(pids))
	if m.sampler != nil {
		m.sampler.Sample(pids)
	}
	return nil
}

// deadReason classifies h: "" while it runs, otherwise why it is considered dead.
func (m *Manager) deadReason(h *process.Handle) string {
	if done := h.Done(); done != nil {
		select {
		case <-done:
			return "exited"
		default:
		}
	}
	st, err := m.insp.Status(h.PID)
	if err != nil {
		if errors.Is(err, process.ErrNoSuchProcess) {
			return "stopped"
		}
		st = process.StatusUnknown
	}
	if st == process.StatusZombie {
		return "zombie"
	}
	if !m.insp.IsAlive(h.PID) {
		return "stopped"
	}
	if h.StartUnix > 0 {
		if cur := m.insp.StartUnix(h.PID); cur > 0 && cur != h.StartUnix {
			return "pid_reused"
		}
	}
	return ""
}
