package manager

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Hasganter/markdown-web/internal/metrics"
)

// AlreadyRunning reports whether the ledger lists a live process.
func (m *Manager) AlreadyRunning() bool {
	entries, ok := m.ledger.Read()
	if !ok {
		return false
	}
	for _, e := range entries {
		if e.PID != m.selfPID && m.liveEntry(e) {
			return true
		}
	}
	return false
}

// StartAll prepares the environment and launches the stack in order. Any
// failure after the first launch attempt runs a cleanup shutdown.
func (m *Manager) StartAll(ctx context.Context) (err error) {
	if m.AlreadyRunning() {
		m.log.Error("application appears to be running; use stop or restart", "ledger", m.ledger.Path())
		return ErrAlreadyRunning
	}
	// anything left on disk belongs to a dead run
	_ = m.ledger.Remove()
	if err := m.signal.Clear(); err != nil {
		m.log.Warn("could not clear stale shutdown signal", "error", err)
	}

	m.stopMu.Lock()
	m.stopped = false
	m.bg = newTasks(ctx, m.log)
	m.stopMu.Unlock()

	started := m.now()
	m.log.Info("application starting")
	defer func() {
		if err != nil {
			m.log.Error("startup failed", "error", err)
			m.StopAll(context.Background(), Cleanup)
		}
	}()

	if m.preLaunch != nil {
		if err := m.preLaunch(ctx); err != nil {
			return fmt.Errorf("before launch: %w", err)
		}
	}
	if err := m.prepare(ctx); err != nil {
		return err
	}
	if err := m.initialScan(ctx); err != nil {
		return err
	}
	for _, st := range launchOrder(m.cfg) {
		if !st.enabled {
			continue
		}
		if _, err := m.start(st.name); err != nil {
			return err
		}
		if settleAfter[st.name] {
			if err := sleep(ctx, m.settle); err != nil {
				return err
			}
		}
		switch st.name {
		case ASGIServer:
			if err := m.waitForApp(ctx); err != nil {
				return err
			}
		case Nginx:
			m.bg.Go("access-log-tailer", func(tctx context.Context) { m.tailAccessLog(tctx, m.cfg.AccessLog) })
		}
	}
	if err := m.writeLedger(); err != nil {
		return err
	}
	m.startScheduled()
	m.log.Info("all processes started", "elapsed", m.now().Sub(started).Round(time.Millisecond))
	return nil
}

func (m *Manager) prepare(ctx context.Context) error {
	if m.deps != nil {
		if m.deps.FirstRun() {
			m.log.Warn("external dependency directory is empty, running initial installation")
			if !m.deps.EnsureAllDependenciesInstalled(ctx) {
				return ErrDependencies
			}
			m.log.Info("initial dependency installation complete")
		}
		if err := m.deps.ApplyPendingInstalls(); err != nil {
			m.log.Error("failed to apply staged dependency updates", "error", err)
		}
	}
	if m.writeCf != nil {
		if err := m.writeCf(); err != nil {
			return fmt.Errorf("%w: write runtime configs: %v", ErrPersistence, err)
		}
	}
	return nil
}

// initialScan hands a fresh lock to the content pipeline and runs both scans.
func (m *Manager) initialScan(ctx context.Context) error {
	if m.content == nil {
		return nil
	}
	m.log.Info("performing initial content and asset scan")
	m.content.InitWorker(&sync.Mutex{})
	if err := m.content.ScanAndProcessAllContent(ctx); err != nil {
		return fmt.Errorf("initial content scan: %w", err)
	}
	if err := m.content.ScanAndProcessAllAssets(ctx); err != nil {
		return fmt.Errorf("initial asset scan: %w", err)
	}
	return nil
}

// waitForApp dials the application server until it accepts a connection or
// the health timeout passes.
func (m *Manager) waitForApp(ctx context.Context) error {
	addr := net.JoinHostPort(m.cfg.WebHost, strconv.Itoa(m.cfg.WebPort))
	m.log.Info("waiting for application server", "addr", addr)
	started := m.now()
	deadline := time.Now().Add(m.cfg.HealthTimeout)
	d := net.Dialer{Timeout: m.dialTimeout}
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			metrics.ObserveHealthCheck("ok", m.now().Sub(started).Seconds())
			m.log.Info("application server is accepting connections", "addr", addr)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !time.Now().Add(m.healthInterval).Before(deadline) {
			metrics.ObserveHealthCheck("timeout", m.now().Sub(started).Seconds())
			m.log.Error("application server did not become available", "addr", addr, "timeout", m.cfg.HealthTimeout)
			return fmt.Errorf("%w: %s after %s", ErrHealthCheckTimeout, addr, m.cfg.HealthTimeout)
		}
		if err := sleep(ctx, m.healthInterval); err != nil {
			return err
		}
	}
}
