package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Hasganter/markdown-web/internal/process"
)

type fakeProc struct {
	alive    bool
	zombie   bool
	start    int64
	name     string
	children []int
	stubborn bool
}

type fakeOS struct {
	mu    sync.Mutex
	procs map[int]*fakeProc
	terms []int
	kills []int
}

func newFakeOS() *fakeOS { return &fakeOS{procs: map[int]*fakeProc{}} }

func (f *fakeOS) add(pid int, p *fakeProc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.alive = true
	f.procs[pid] = p
}

func (f *fakeOS) die(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p := f.procs[pid]; p != nil {
		p.alive = false
	}
}

func (f *fakeOS) IsAlive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.procs[pid]
	return p != nil && p.alive && !p.zombie
}

func (f *fakeOS) Status(pid int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.procs[pid]
	if p == nil || !p.alive {
		return "", process.ErrNoSuchProcess
	}
	if p.zombie {
		return process.StatusZombie, nil
	}
	return process.StatusRunning, nil
}

func (f *fakeOS) ChildrenOf(pid int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.procs[pid]
	if p == nil || !p.alive {
		return nil, process.ErrNoSuchProcess
	}
	var out []int
	queue := append([]int(nil), p.children...)
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		out = append(out, c)
		if cp := f.procs[c]; cp != nil {
			queue = append(queue, cp.children...)
		}
	}
	return out, nil
}

func (f *fakeOS) Name(pid int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.procs[pid]
	if p == nil {
		return "", process.ErrNoSuchProcess
	}
	return p.name, nil
}

func (f *fakeOS) StartUnix(pid int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p := f.procs[pid]; p != nil {
		return p.start
	}
	return 0
}

func (f *fakeOS) Terminate(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terms = append(f.terms, pid)
	if p := f.procs[pid]; p != nil && !p.stubborn {
		p.alive = false
	}
	return nil
}

func (f *fakeOS) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, pid)
	if p := f.procs[pid]; p != nil {
		p.alive = false
	}
	return nil
}

func (f *fakeOS) terminated() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.terms...)
}

func (f *fakeOS) killed() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.kills...)
}

// fakeLauncher hands out pids from 1000 and registers them with the fake OS.
type fakeLauncher struct {
	os *fakeOS

	mu      sync.Mutex
	next    int
	order   []string
	failFor map[string]bool
	// onLaunch runs before the fake process is registered.
	onLaunch func(spec process.Spec)
}

func newFakeLauncher(os *fakeOS) *fakeLauncher {
	return &fakeLauncher{os: os, next: 1000, failFor: map[string]bool{}}
}

func (l *fakeLauncher) Launch(spec process.Spec) (*process.Handle, error) {
	if l.onLaunch != nil {
		l.onLaunch(spec)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, spec.Name)
	if l.failFor[spec.Name] {
		return nil, fmt.Errorf("exec: %q: executable file not found in $PATH", spec.Args[0])
	}
	l.next++
	pid := l.next
	l.os.add(pid, &fakeProc{start: int64(pid), name: spec.Name})
	return process.NewHandle(spec.Name, pid, int64(pid)), nil
}

func (l *fakeLauncher) setFail(name string, fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failFor[name] = fail
}

func (l *fakeLauncher) launched() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

type fakeDeps struct {
	firstRun bool
	ensureOK bool
	ensured  int
	applied  int
	checks   chan struct{}
	applyErr error
	checkErr error
}

func (d *fakeDeps) FirstRun() bool { return d.firstRun }

func (d *fakeDeps) EnsureAllDependenciesInstalled(context.Context) bool {
	d.ensured++
	return d.ensureOK
}

func (d *fakeDeps) ApplyPendingInstalls() error {
	d.applied++
	return d.applyErr
}

func (d *fakeDeps) CheckForUpdates(context.Context) error {
	if d.checks != nil {
		select {
		case d.checks <- struct{}{}:
		default:
		}
	}
	return d.checkErr
}

type fakeContent struct {
	mu    sync.Mutex
	lock  sync.Locker
	calls []string
	err   error
}

func (c *fakeContent) InitWorker(l sync.Locker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lock = l
	c.calls = append(c.calls, "init")
}

func (c *fakeContent) ScanAndProcessAllContent(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "content")
	return c.err
}

func (c *fakeContent) ScanAndProcessAllAssets(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "assets")
	return nil
}

func (c *fakeContent) history() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) InsertNginxLog(_ context.Context, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	return nil
}

func (s *lineSink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// listen returns a port with a listener accepting connections until the test ends.
func listen(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// closedPort returns a port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

type fixture struct {
	m        *Manager
	os       *fakeOS
	launcher *fakeLauncher
	quits    int
	clock    time.Time
}

func testSpecs() map[string]process.Spec {
	specs := map[string]process.Spec{}
	for _, n := range []string{Loki, Alloy, ContentConverter, ASGIServer, Ngrok, Nginx} {
		specs[n] = process.Spec{Name: n, Args: []string{"/opt/" + n}}
	}
	return specs
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	bin := t.TempDir()
	fos := newFakeOS()
	fl := newFakeLauncher(fos)
	opts := Options{
		Config: Config{
			BinDir:          bin,
			PIDFile:         filepath.Join(bin, "app.pid"),
			SignalFile:      filepath.Join(bin, "shutdown.signal"),
			HypercornPID:    filepath.Join(bin, "hypercorn.pid"),
			AccessLog:       filepath.Join(bin, "logs", "access.log"),
			WebHost:         "127.0.0.1",
			WebPort:         listen(t),
			SleepInterval:   20 * time.Millisecond,
			MaxRestarts:     3,
			Cooldown:        30 * time.Second,
			HealthTimeout:   time.Second,
			GracefulTimeout: 200 * time.Millisecond,
			UpdateSchedule:  "@every 12h",
		},
		Specs:     testSpecs(),
		Launcher:  fl,
		Inspector: fos,
		Signaler:  fos,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f := &fixture{os: fos, launcher: fl, clock: time.Unix(1_700_000_000, 0)}
	m := New(opts)
	m.selfPID = 1
	fos.add(1, &fakeProc{name: "markdown-web"})
	m.settle = 0
	m.healthInterval = 20 * time.Millisecond
	m.dialTimeout = 100 * time.Millisecond
	m.tailWait = time.Second
	m.tailPoll = 10 * time.Millisecond
	m.now = func() time.Time { return f.clock }
	m.nginxQuit = func(context.Context) error {
		f.quits++
		return nil
	}
	f.m = m
	t.Cleanup(func() { m.StopAll(context.Background(), Cleanup) })
	return f
}

func (f *fixture) pidOf(t *testing.T, name string) int {
	t.Helper()
	f.m.mu.RLock()
	defer f.m.mu.RUnlock()
	h, ok := f.m.registry[name]
	require.True(t, ok, "%s not registered", name)
	return h.PID
}

var errBoom = errors.New("boom")
