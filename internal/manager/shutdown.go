package manager

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/Hasganter/markdown-web/internal/ledger"
	"github.com/Hasganter/markdown-web/internal/logsink"
	"github.com/Hasganter/markdown-web/internal/metrics"
	"github.com/Hasganter/markdown-web/internal/process"
)

// Mode selects where StopAll finds the processes to stop.
type Mode int

const (
	// Normal stops what the PID ledger lists.
	Normal Mode = iota
	// Cleanup stops what this supervisor registered, used after a failed start.
	Cleanup
)

func (m Mode) String() string {
	if m == Cleanup {
		return "cleanup"
	}
	return "normal"
}

const (
	nginxQuitTimeout = 10 * time.Second
	stopPollInterval = 100 * time.Millisecond
	hypercornMaster  = "hypercorn_master"
)

// StopAll stops every process of the stack and its descendants: nginx is
// asked to quit, the rest get SIGTERM, survivors of GracefulTimeout are
// killed. It finally removes the ledger, the shutdown signal and the
// application server pid file. Processes that are already gone are skipped.
func (m *Manager) StopAll(ctx context.Context, mode Mode) {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()
	if m.stopped {
		m.log.Debug("stack already stopped")
		return
	}
	m.log.Info("shutting down", "mode", mode.String())

	if m.bg != nil {
		m.bg.Stop()
	}
	if err := m.signal.Touch(); err != nil {
		m.log.Warn("could not set shutdown signal", "path", m.signal.Path(), "error", err)
	}

	stopSet := m.collectStopSet(mode)

	if err := m.nginxQuit(ctx); err != nil {
		m.log.Warn("nginx graceful quit failed", "error", err)
	} else {
		m.log.Info("nginx graceful quit signal sent")
	}

	for pid, name := range stopSet {
		if m.isNginx(pid, name) {
			continue
		}
		m.log.Debug("sending SIGTERM", "name", name, "pid", pid)
		if err := m.sig.Terminate(pid); err != nil {
			m.log.Warn("terminate failed", "name", name, "pid", pid, "error", err)
		}
	}

	alive := m.waitGone(ctx, stopSet, m.cfg.GracefulTimeout)
	if len(alive) > 0 {
		m.log.Warn("processes did not terminate gracefully, forcing shutdown", "count", len(alive))
		for _, pid := range alive {
			m.log.Warn("killing stubborn process", "name", stopSet[pid], "pid", pid)
			if err := m.sig.Kill(pid); err != nil {
				m.log.Warn("kill failed", "name", stopSet[pid], "pid", pid, "error", err)
			}
		}
		metrics.AddForcedKills(len(alive))
	}

	m.mu.Lock()
	for name, h := range m.registry {
		m.record(logsink.EventStop, name, h.PID, mode.String())
	}
	m.registry = make(map[string]*process.Handle)
	m.pending = make(map[string]bool)
	m.mu.Unlock()
	metrics.SetSupervised(0)

	m.cleanupFiles()
	metrics.IncShutdown(mode.String())
	m.stopped = true
	m.log.Info("shutdown complete", "stopped", len(stopSet))
}

// collectStopSet returns pid->name for the live parents and their live
// descendants, excluding this process.
func (m *Manager) collectStopSet(mode Mode) map[int]string {
	parents := make(map[int]string)
	if mode == Cleanup {
		m.mu.RLock()
		for name, h := range m.registry {
			if m.insp.IsAlive(h.PID) {
				parents[h.PID] = name
			}
		}
		m.mu.RUnlock()
		m.log.Warn("cleaning up processes after a startup failure", "count", len(parents))
	} else if entries, ok := m.ledger.Read(); ok {
		for name, e := range entries {
			if m.liveEntry(e) {
				parents[e.PID] = name
			}
		}
	}

	if pid, err := ledger.ReadPIDFile(m.cfg.HypercornPID); err == nil && m.insp.IsAlive(pid) {
		if _, dup := parents[pid]; !dup {
			parents[pid] = hypercornMaster
		}
	}

	out := make(map[int]string, len(parents))
	for pid, name := range parents {
		out[pid] = name
	}
	for pid, name := range parents {
		kids, err := m.childrenOf(pid)
		if err != nil {
			m.log.Warn("process no longer exists, skipping children", "name", name, "pid", pid)
			continue
		}
		for _, c := range kids {
			if _, seen := out[c]; !seen && m.insp.IsAlive(c) {
				out[c] = name
			}
		}
	}
	delete(out, m.selfPID)
	return out
}

func (m *Manager) childrenOf(pid int) ([]int, error) {
	if !m.insp.IsAlive(pid) {
		return nil, errProcessVanished
	}
	return m.insp.ChildrenOf(pid)
}

// isNginx reports whether pid belongs to nginx by OS process name, falling
// back to the logical name.
func (m *Manager) isNginx(pid int, name string) bool {
	if n, err := m.insp.Name(pid); err == nil && n != "" {
		return strings.Contains(strings.ToLower(n), "nginx")
	}
	return strings.Contains(name, "nginx")
}

// waitGone polls until every pid in set is gone or timeout passes and
// returns the survivors in ascending order.
func (m *Manager) waitGone(ctx context.Context, set map[int]string, timeout time.Duration) []int {
	deadline := time.Now().Add(timeout)
	for {
		var alive []int
		for pid := range set {
			if m.insp.IsAlive(pid) {
				alive = append(alive, pid)
			}
		}
		sort.Ints(alive)
		if len(alive) == 0 || !time.Now().Before(deadline) {
			return alive
		}
		if sleep(ctx, stopPollInterval) != nil {
			return alive
		}
	}
}

func (m *Manager) cleanupFiles() {
	if err := m.ledger.Remove(); err != nil {
		m.log.Warn("could not remove PID ledger", "error", err)
	}
	if err := m.signal.Clear(); err != nil {
		m.log.Warn("could not remove shutdown signal", "error", err)
	}
	if m.cfg.HypercornPID != "" {
		if err := os.Remove(m.cfg.HypercornPID); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.log.Warn("could not remove application server pid file", "error", err)
		}
	}
	m.log.Debug("cleaned up PID and signal files")
}

// quitNginx runs `nginx -s quit -p <bin>`.
func (m *Manager) quitNginx(ctx context.Context) error {
	if m.cfg.NginxExe == "" {
		return nil
	}
	if _, err := os.Stat(m.cfg.NginxExe); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, nginxQuitTimeout)
	defer cancel()
	// #nosec G204 -- executable path comes from configuration
	out, err := exec.CommandContext(ctx, m.cfg.NginxExe, "-s", "quit", "-p", m.cfg.BinDir).CombinedOutput()
	if err != nil && len(out) > 0 {
		return errors.New(strings.TrimSpace(string(out)))
	}
	return err
}
