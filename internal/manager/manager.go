// Package manager is the supervisor: it starts the process stack in order,
// watches it for crashes, restarts critical members within bounds and tears
// the whole tree down.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Hasganter/markdown-web/internal/ledger"
	"github.com/Hasganter/markdown-web/internal/logsink"
	"github.com/Hasganter/markdown-web/internal/metrics"
	"github.com/Hasganter/markdown-web/internal/process"
)

// Launcher starts one child process from its command template.
type Launcher interface {
	Launch(spec process.Spec) (*process.Handle, error)
}

// DependencyManager installs and updates the external binaries.
type DependencyManager interface {
	FirstRun() bool
	EnsureAllDependenciesInstalled(ctx context.Context) bool
	ApplyPendingInstalls() error
	CheckForUpdates(ctx context.Context) error
}

// ContentPipeline is the content scanner run before the stack starts.
type ContentPipeline interface {
	InitWorker(lock sync.Locker)
	ScanAndProcessAllContent(ctx context.Context) error
	ScanAndProcessAllAssets(ctx context.Context) error
}

// SizeChecker reports the size of the log database.
type SizeChecker interface {
	CheckSize(maxMB int) (float64, bool, error)
}

// Options wires the collaborators. Settings-derived values come from Config;
// nil collaborators are replaced by no-op or host implementations.
type Options struct {
	Config    Config
	Specs     map[string]process.Spec
	Launcher  Launcher
	Inspector process.Inspector
	Signaler  process.Signaler
	Deps      DependencyManager
	Content   ContentPipeline
	AccessLog logsink.Sink
	History   logsink.HistorySink
	LogDB     SizeChecker
	Sampler   *metrics.Sampler
	// WriteConfigs renders runtime config files before the first launch.
	WriteConfigs func() error
	Log          *slog.Logger
}

// RestartState tracks restart attempts of one critical process.
type RestartState struct {
	Failures      int
	CooldownUntil time.Time
}

// Manager owns the registry of running processes.
type Manager struct {
	cfg     Config
	specs   map[string]process.Spec
	launch  Launcher
	insp    process.Inspector
	sig     process.Signaler
	deps    DependencyManager
	content ContentPipeline
	access  logsink.Sink
	history logsink.HistorySink
	logDB   SizeChecker
	sampler *metrics.Sampler
	writeCf func() error
	ledger  *ledger.Ledger
	signal  *ledger.Signal
	log     *slog.Logger
	runID   string

	mu       sync.RWMutex
	registry map[string]*process.Handle
	restarts map[string]*RestartState
	pending  map[string]bool

	stopMu  sync.Mutex
	stopped bool
	bg      *tasks

	now            func() time.Time
	selfPID        int
	settle         time.Duration
	dialTimeout    time.Duration
	healthInterval time.Duration
	tailWait       time.Duration
	tailPoll       time.Duration
	nginxQuit      func(ctx context.Context) error
	preLaunch      func(ctx context.Context) error
}

// BeforeLaunch registers fn to run during StartAll once the stale shutdown
// signal is cleared and before any child process is launched. An error from
// fn aborts the start.
func (m *Manager) BeforeLaunch(fn func(ctx context.Context) error) {
	m.preLaunch = fn
}

func New(opts Options) *Manager {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	runID := uuid.NewString()
	m := &Manager{
		cfg:     opts.Config,
		specs:   opts.Specs,
		launch:  opts.Launcher,
		insp:    opts.Inspector,
		sig:     opts.Signaler,
		deps:    opts.Deps,
		content: opts.Content,
		access:  opts.AccessLog,
		history: opts.History,
		logDB:   opts.LogDB,
		sampler: opts.Sampler,
		writeCf: opts.WriteConfigs,
		log:     log.With("run_id", runID),
		runID:   runID,

		registry: make(map[string]*process.Handle),
		restarts: make(map[string]*RestartState),
		pending:  make(map[string]bool),

		now:            time.Now,
		selfPID:        os.Getpid(),
		settle:         time.Second,
		dialTimeout:    time.Second,
		healthInterval: 500 * time.Millisecond,
		tailWait:       5 * time.Second,
		tailPoll:       200 * time.Millisecond,
	}
	if m.insp == nil {
		m.insp = process.System{}
	}
	if m.sig == nil {
		m.sig = process.System{}
	}
	if m.access == nil {
		m.access = logsink.Discard{}
	}
	if m.history == nil {
		m.history = logsink.Discard{}
	}
	if m.specs == nil {
		m.specs = map[string]process.Spec{}
	}
	m.ledger = ledger.New(m.cfg.PIDFile, m.log)
	m.signal = ledger.NewSignal(m.cfg.SignalFile)
	m.nginxQuit = m.quitNginx
	return m
}

// RunID identifies this supervisor instance in logs and history.
func (m *Manager) RunID() string { return m.runID }

// Signal returns the shutdown sentinel shared with other invocations.
func (m *Manager) Signal() *ledger.Signal { return m.signal }

// Ledger returns the PID ledger.
func (m *Manager) Ledger() *ledger.Ledger { return m.ledger }

// Run starts the stack, supervises it until a shutdown request and stops it.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.StartAll(ctx); err != nil {
		return err
	}
	err := m.Supervise(ctx)
	if err == nil {
		m.StopAll(context.Background(), Normal)
	}
	return err
}

func (m *Manager) spec(name string) (process.Spec, error) {
	sp, ok := m.specs[name]
	if !ok || len(sp.Args) == 0 {
		return process.Spec{}, fmt.Errorf("%w: no command configured for %s", ErrLaunchFailure, name)
	}
	sp.Name = name
	return sp, nil
}

// start launches name and registers it.
func (m *Manager) start(name string) (*process.Handle, error) {
	sp, err := m.spec(name)
	if err != nil {
		metrics.IncLaunchFailure(name)
		return nil, err
	}
	m.log.Info("launching process", "name", name, "command", sp.Args)
	h, err := m.launch.Launch(sp)
	if err != nil {
		metrics.IncLaunchFailure(name)
		m.log.Error("failed to launch process", "name", name, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrLaunchFailure, name, err)
	}
	m.mu.Lock()
	m.registry[name] = h
	n := len(m.registry)
	m.mu.Unlock()
	metrics.IncLaunch(name)
	metrics.SetSupervised(n)
	m.record(logsink.EventLaunch, name, h.PID, "")
	m.log.Info("process started", "name", name, "pid", h.PID)
	return h, nil
}

func (m *Manager) record(t logsink.EventType, name string, pid int, detail string) {
	e := logsink.Event{Type: t, OccurredAt: m.now().UTC(), RunID: m.runID, Name: name, PID: pid, Detail: detail}
	if err := m.history.Send(context.Background(), e); err != nil {
		m.log.Debug("history write failed", "event", t, "name", name, "error", err)
	}
}

// writeLedger persists the registry plus the supervisor's own pid.
func (m *Manager) writeLedger() error {
	m.mu.RLock()
	entries := make(map[string]ledger.Entry, len(m.registry)+1)
	for name, h := range m.registry {
		entries[name] = ledger.Entry{PID: h.PID, StartUnix: h.StartUnix}
	}
	m.mu.RUnlock()
	entries[supervisorEntry] = ledger.Entry{PID: m.selfPID, StartUnix: m.insp.StartUnix(m.selfPID)}
	if err := m.ledger.Write(entries); err != nil {
		m.log.Error("failed to write PID ledger", "path", m.ledger.Path(), "error", err)
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// liveEntry reports whether a ledger row still names the process that wrote it.
func (m *Manager) liveEntry(e ledger.Entry) bool {
	if !m.insp.IsAlive(e.PID) {
		return false
	}
	if e.StartUnix == 0 {
		return true
	}
	cur := m.insp.StartUnix(e.PID)
	return cur == 0 || cur == e.StartUnix
}

// Recover rebuilds the registry from the ledger, keeping only live rows. It
// is used by a supervisor attaching to a stack started by another invocation.
func (m *Manager) Recover() int {
	entries, ok := m.ledger.Read()
	if !ok {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, e := range entries {
		if name == supervisorEntry || !m.liveEntry(e) {
			continue
		}
		m.registry[name] = process.NewHandle(name, e.PID, e.StartUnix)
	}
	return len(m.registry)
}

// ProcessStatus is a point-in-time view of one registered process.
type ProcessStatus struct {
	Name          string    `json:"name"`
	PID           int       `json:"pid"`
	Alive         bool      `json:"alive"`
	Critical      bool      `json:"critical"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	Failures      int       `json:"restart_failures"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	PendingRetry  bool      `json:"pending_restart"`
}

// Status lists registered processes and those waiting for a restart, by name.
func (m *Manager) Status() []ProcessStatus {
	m.mu.RLock()
	out := make([]ProcessStatus, 0, len(m.registry)+len(m.pending))
	for name, h := range m.registry {
		out = append(out, ProcessStatus{
			Name:      name,
			PID:       h.PID,
			Alive:     m.insp.IsAlive(h.PID),
			Critical:  IsCritical(name),
			StartedAt: h.StartedAt,
		})
	}
	for name := range m.pending {
		out = append(out, ProcessStatus{Name: name, Critical: true, PendingRetry: true})
	}
	for i := range out {
		if rs := m.restarts[out[i].Name]; rs != nil {
			out[i].Failures = rs.Failures
			out[i].CooldownUntil = rs.CooldownUntil
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// pids returns the registered name->pid map.
func (m *Manager) pids() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.registry))
	for n, h := range m.registry {
		out[n] = h.PID
	}
	return out
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
