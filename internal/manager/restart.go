package manager

import (
	"context"

	"github.com/Hasganter/markdown-web/internal/logsink"
	"github.com/Hasganter/markdown-web/internal/metrics"
)

// AttemptRestart relaunches a critical process unless it is cooling down or
// has used up MaxRestarts. A failure starts a new cooldown.
func (m *Manager) AttemptRestart(ctx context.Context, name string) bool {
	m.mu.Lock()
	st := m.restarts[name]
	if st == nil {
		st = &RestartState{}
		m.restarts[name] = st
	}
	now := m.now()
	if now.Before(st.CooldownUntil) {
		m.mu.Unlock()
		m.log.Debug("process is cooling down, skipping restart", "name", name, "until", st.CooldownUntil)
		metrics.IncRestart(name, "cooldown")
		return false
	}
	failures := st.Failures
	m.mu.Unlock()

	if failures >= m.cfg.MaxRestarts {
		m.log.Error("process has failed too many times, halting restart attempts", "name", name, "failures", failures)
		metrics.IncRestart(name, "exhausted")
		return false
	}
	if ctx.Err() != nil {
		return false
	}

	m.log.Warn("process is down, restarting", "name", name, "attempt", failures+1)
	h, err := m.start(name)
	if err != nil {
		m.mu.Lock()
		st.Failures++
		st.CooldownUntil = now.Add(m.cfg.Cooldown)
		m.mu.Unlock()
		m.log.Error("failed to restart process", "name", name, "failures", failures+1, "cooldown", m.cfg.Cooldown, "error", err)
		metrics.IncRestart(name, "failure")
		m.record(logsink.EventRestartFailed, name, 0, err.Error())
		return false
	}

	m.mu.Lock()
	delete(m.restarts, name)
	m.mu.Unlock()
	metrics.IncRestart(name, "success")
	m.record(logsink.EventRestart, name, h.PID, "")
	m.log.Info("process restarted", "name", name, "pid", h.PID)
	_ = m.writeLedger()
	return true
}

// restartState returns a copy of the restart bookkeeping for name.
func (m *Manager) restartState(name string) (RestartState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.restarts[name]
	if !ok {
		return RestartState{}, false
	}
	return *st, true
}
