package manager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hasganter/markdown-web/internal/ledger"
	"github.com/Hasganter/markdown-web/internal/process"
	"github.com/Hasganter/markdown-web/internal/settings"
)

func TestStartAll_OrderAndLedger(t *testing.T) {
	content := &fakeContent{}
	written := 0
	f := newFixture(t, func(o *Options) {
		o.Content = content
		o.WriteConfigs = func() error { written++; return nil }
	})

	require.NoError(t, f.m.StartAll(context.Background()))
	assert.Equal(t, []string{ContentConverter, ASGIServer, Nginx}, f.launcher.launched())
	assert.Equal(t, 1, written)
	assert.Equal(t, []string{"init", "content", "assets"}, content.calls)
	assert.NotNil(t, content.lock)

	entries, ok := f.m.ledger.Read()
	require.True(t, ok)
	assert.Equal(t, []string{ASGIServer, ContentConverter, Nginx, supervisorEntry}, ledger.Names(entries))
	assert.Equal(t, f.pidOf(t, Nginx), entries[Nginx].PID)
	assert.Equal(t, 1, entries[supervisorEntry].PID)
	assert.False(t, f.m.signal.Present())
}

func TestStartAll_PeriodicRescanCoversAssets(t *testing.T) {
	content := &fakeContent{}
	f := newFixture(t, func(o *Options) {
		o.Content = content
		o.Config.RescanPeriod = time.Second
	})
	require.NoError(t, f.m.StartAll(context.Background()))

	require.Eventually(t, func() bool { return len(content.history()) >= 5 }, 5*time.Second, 20*time.Millisecond)
	calls := content.history()
	assert.Equal(t, []string{"init", "content", "assets", "content", "assets"}, calls[:5])
}

func TestStartAll_ControlPlaneServesChildrenAtBoot(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.m.signal.Touch())

	var url string
	f.m.BeforeLaunch(func(ctx context.Context) error {
		assert.False(t, f.m.signal.Present(), "stale signal must be cleared first")
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"LOG_HISTORY_COUNT":"50"}`))
		}))
		t.Cleanup(srv.Close)
		url = srv.URL
		return nil
	})

	var mu sync.Mutex
	codes := map[string]int{}
	f.launcher.onLaunch = func(spec process.Spec) {
		resp, err := http.Get(url + "/config")
		if err != nil {
			return
		}
		_ = resp.Body.Close()
		mu.Lock()
		codes[spec.Name] = resp.StatusCode
		mu.Unlock()
	}

	require.NoError(t, f.m.StartAll(context.Background()))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{ContentConverter: 200, ASGIServer: 200, Nginx: 200}, codes)
}

func TestStartAll_BeforeLaunchFailureAborts(t *testing.T) {
	f := newFixture(t, nil)
	f.m.BeforeLaunch(func(context.Context) error { return errBoom })

	err := f.m.StartAll(context.Background())
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, f.launcher.launched())
	_, ok := f.m.ledger.Read()
	assert.False(t, ok)
}

func TestStartAll_OptionalServices(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Config.LokiEnabled = true
		o.Config.NgrokEnabled = true
	})
	require.NoError(t, f.m.StartAll(context.Background()))
	assert.Equal(t, []string{Loki, Alloy, ContentConverter, ASGIServer, Ngrok, Nginx}, f.launcher.launched())
}

func TestStartAll_AlreadyRunning(t *testing.T) {
	f := newFixture(t, nil)
	f.os.add(4242, &fakeProc{start: 77, name: "nginx"})
	require.NoError(t, f.m.ledger.Write(map[string]ledger.Entry{Nginx: {PID: 4242, StartUnix: 77}}))

	err := f.m.StartAll(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Empty(t, f.launcher.launched())
	assert.Empty(t, f.os.terminated(), "a running instance must not be touched")
	_, ok := f.m.ledger.Read()
	assert.True(t, ok)
}

func TestStartAll_StaleLedgerIsNotRunning(t *testing.T) {
	f := newFixture(t, nil)
	// pid alive but started at another time: reused by an unrelated process
	f.os.add(4242, &fakeProc{start: 99, name: "bash"})
	require.NoError(t, f.m.ledger.Write(map[string]ledger.Entry{Nginx: {PID: 4242, StartUnix: 77}}))
	require.NoError(t, f.m.signal.Touch())

	require.NoError(t, f.m.StartAll(context.Background()))
	assert.False(t, f.m.signal.Present(), "stale signal is cleared on start")
	assert.NotContains(t, f.os.terminated(), 4242)
}

func TestStartAll_LaunchFailureCleansUp(t *testing.T) {
	f := newFixture(t, nil)
	f.launcher.setFail(Nginx, true)

	err := f.m.StartAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLaunchFailure)

	assert.ElementsMatch(t, []int{1001, 1002}, f.os.terminated())
	assert.Empty(t, f.m.Status())
	_, ok := f.m.ledger.Read()
	assert.False(t, ok)
	assert.False(t, f.m.signal.Present())
	assert.Equal(t, 1, f.quits)
}

func TestStartAll_HealthCheckTimeout(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Config.HealthTimeout = 150 * time.Millisecond
	})
	f.m.cfg.WebPort = closedPort(t)

	started := time.Now()
	err := f.m.StartAll(context.Background())
	assert.ErrorIs(t, err, ErrHealthCheckTimeout)
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Equal(t, []string{ContentConverter, ASGIServer}, f.launcher.launched())
	assert.ElementsMatch(t, []int{1001, 1002}, f.os.terminated())
}

func TestStartAll_Dependencies(t *testing.T) {
	deps := &fakeDeps{firstRun: true, ensureOK: false}
	f := newFixture(t, func(o *Options) { o.Deps = deps })
	assert.ErrorIs(t, f.m.StartAll(context.Background()), ErrDependencies)
	assert.Empty(t, f.launcher.launched())
	assert.Equal(t, 0, deps.applied)

	deps = &fakeDeps{firstRun: true, ensureOK: true, applyErr: errBoom, checks: make(chan struct{}, 1)}
	f = newFixture(t, func(o *Options) { o.Deps = deps })
	require.NoError(t, f.m.StartAll(context.Background()), "apply errors are logged only")
	assert.Equal(t, 1, deps.ensured)
	assert.Equal(t, 1, deps.applied)
	select {
	case <-deps.checks:
	case <-time.After(5 * time.Second):
		t.Fatal("update check did not run after start")
	}
}

func TestStartAll_ContentScanFailure(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Content = &fakeContent{err: errBoom} })
	err := f.m.StartAll(context.Background())
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, f.launcher.launched())
}

func TestTick_CrashRestartsCriticalAndRewritesLedger(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.m.StartAll(context.Background()))
	old := f.pidOf(t, Nginx)

	f.os.die(old)
	require.NoError(t, f.m.tick(context.Background()))

	fresh := f.pidOf(t, Nginx)
	assert.NotEqual(t, old, fresh)
	entries, ok := f.m.ledger.Read()
	require.True(t, ok)
	assert.Equal(t, fresh, entries[Nginx].PID)
	_, tracked := f.m.restartState(Nginx)
	assert.False(t, tracked, "success clears restart state")
}

func TestTick_NonCriticalIsNotRestarted(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Config.LokiEnabled = true })
	require.NoError(t, f.m.StartAll(context.Background()))
	f.os.die(f.pidOf(t, Loki))

	require.NoError(t, f.m.tick(context.Background()))
	for _, st := range f.m.Status() {
		assert.NotEqual(t, Loki, st.Name)
	}
	assert.Len(t, f.launcher.launched(), 5)
}

func TestTick_ZombieAndPIDReuse(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.m.StartAll(context.Background()))

	f.os.mu.Lock()
	f.os.procs[f.pidOf(t, ContentConverter)].zombie = true
	f.os.procs[f.pidOf(t, ASGIServer)].start = 5
	f.os.mu.Unlock()

	assert.Equal(t, "zombie", f.m.deadReason(f.m.registry[ContentConverter]))
	assert.Equal(t, "pid_reused", f.m.deadReason(f.m.registry[ASGIServer]))
	assert.Equal(t, "", f.m.deadReason(f.m.registry[Nginx]))
}

func TestRestart_CooldownAndBound(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.m.StartAll(context.Background()))
	f.launcher.setFail(ASGIServer, true)
	f.os.die(f.pidOf(t, ASGIServer))
	attempts := func() int {
		n := 0
		for _, name := range f.launcher.launched() {
			if name == ASGIServer {
				n++
			}
		}
		return n - 1
	}

	require.NoError(t, f.m.tick(context.Background()))
	assert.Equal(t, 1, attempts())
	st, _ := f.m.restartState(ASGIServer)
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, f.clock.Add(30*time.Second), st.CooldownUntil)

	// still cooling down: no attempt
	f.clock = f.clock.Add(10 * time.Second)
	require.NoError(t, f.m.tick(context.Background()))
	assert.Equal(t, 1, attempts())

	f.clock = f.clock.Add(30 * time.Second)
	require.NoError(t, f.m.tick(context.Background()))
	assert.Equal(t, 2, attempts())

	f.clock = f.clock.Add(31 * time.Second)
	err := f.m.tick(context.Background())
	assert.ErrorIs(t, err, ErrRestartExhausted)
	assert.Equal(t, 3, attempts())

	// the ceiling holds even after the cooldown
	f.clock = f.clock.Add(time.Hour)
	assert.False(t, f.m.AttemptRestart(context.Background(), ASGIServer))
	assert.Equal(t, 3, attempts())
}

func TestRestart_RecoversWithinBound(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.m.StartAll(context.Background()))
	f.launcher.setFail(ContentConverter, true)
	f.os.die(f.pidOf(t, ContentConverter))

	require.NoError(t, f.m.tick(context.Background()))
	st := f.m.Status()
	require.Len(t, st, 3)
	assert.Equal(t, ContentConverter, st[1].Name)
	assert.True(t, st[1].PendingRetry)
	assert.Equal(t, 1, st[1].Failures)

	f.launcher.setFail(ContentConverter, false)
	f.clock = f.clock.Add(time.Minute)
	require.NoError(t, f.m.tick(context.Background()))
	f.pidOf(t, ContentConverter)
	_, tracked := f.m.restartState(ContentConverter)
	assert.False(t, tracked)
}

func TestSupervise_ExhaustionStopsStack(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Config.Cooldown = 0 })
	require.NoError(t, f.m.StartAll(context.Background()))
	f.launcher.setFail(Nginx, true)
	nginx := f.pidOf(t, Nginx)
	f.os.die(nginx)

	done := make(chan error, 1)
	go func() { done <- f.m.Supervise(context.Background()) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRestartExhausted)
	case <-time.After(10 * time.Second):
		t.Fatal("supervision did not give up")
	}
	_, ok := f.m.ledger.Read()
	assert.False(t, ok, "ledger removed by shutdown")
	assert.Contains(t, f.os.terminated(), 1001)
}

func TestSupervise_ExitsOnSignalAndContext(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.m.StartAll(context.Background()))

	done := make(chan error, 1)
	go func() { done <- f.m.Supervise(context.Background()) }()
	require.NoError(t, f.m.signal.Touch())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervision ignored the shutdown signal")
	}
	assert.Empty(t, f.os.terminated(), "the caller stops the stack")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, f.m.Supervise(ctx))
}

func TestStopAll_FullTree(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.m.StartAll(context.Background()))
	asgi := f.pidOf(t, ASGIServer)
	nginx := f.pidOf(t, Nginx)

	// asgi_server -> worker -> grandchild (ignores SIGTERM); nginx -> nginx worker
	f.os.add(5001, &fakeProc{name: "python", children: []int{5002}})
	f.os.add(5002, &fakeProc{name: "python", stubborn: true})
	f.os.add(5003, &fakeProc{name: "nginx"})
	f.os.mu.Lock()
	f.os.procs[asgi].children = []int{5001}
	f.os.procs[nginx].children = []int{5003}
	f.os.procs[nginx].name = "nginx"
	f.os.mu.Unlock()
	// application server master from its pid file
	f.os.add(6000, &fakeProc{name: "hypercorn"})
	require.NoError(t, os.WriteFile(f.m.cfg.HypercornPID, []byte(strconv.Itoa(6000)), 0o644))

	f.m.StopAll(context.Background(), Normal)

	terms := f.os.terminated()
	assert.ElementsMatch(t, []int{1001, asgi, 5001, 5002, 6000}, terms)
	assert.NotContains(t, terms, nginx)
	assert.NotContains(t, terms, 5003)
	assert.NotContains(t, terms, 1, "the supervisor never signals itself")
	// survivors: nginx (quit is a no-op here) and the stubborn grandchild
	assert.Equal(t, []int{nginx, 5002, 5003}, f.os.killed())
	assert.Equal(t, 1, f.quits)

	_, ok := f.m.ledger.Read()
	assert.False(t, ok)
	assert.False(t, f.m.signal.Present())
	assert.NoFileExists(t, f.m.cfg.HypercornPID)
	assert.NoFileExists(t, f.m.cfg.PIDFile+ledger.MetaSuffix)
	assert.Empty(t, f.m.Status())

	// second call is a no-op
	f.m.StopAll(context.Background(), Normal)
	assert.Equal(t, 1, f.quits)
}

func TestStopAll_VanishedParentsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.m.ledger.Write(map[string]ledger.Entry{
		Nginx:      {PID: 7001},
		ASGIServer: {PID: 7002},
	}))
	f.os.add(7002, &fakeProc{name: "hypercorn"})

	f.m.StopAll(context.Background(), Normal)
	assert.Equal(t, []int{7002}, f.os.terminated())
	assert.Empty(t, f.os.killed())
}

func TestRecoverAndStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.os.add(8001, &fakeProc{start: 10})
	f.os.add(8002, &fakeProc{start: 11})
	require.NoError(t, f.m.ledger.Write(map[string]ledger.Entry{
		Nginx:            {PID: 8001, StartUnix: 10},
		ASGIServer:       {PID: 8002, StartUnix: 99},
		ContentConverter: {PID: 8003},
		supervisorEntry:  {PID: 1},
	}))

	assert.Equal(t, 1, f.m.Recover())
	st := f.m.Status()
	require.Len(t, st, 1)
	assert.Equal(t, Nginx, st[0].Name)
	assert.True(t, st[0].Alive)
	assert.True(t, st[0].Critical)
}

func TestTailAccessLog(t *testing.T) {
	sink := &lineSink{}
	f := newFixture(t, func(o *Options) { o.AccessLog = sink })
	path := f.m.cfg.AccessLog
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(`{"old":true}`+"\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.m.tailAccessLog(ctx, path)
	}()
	// let the tailer seek to the end before appending
	time.Sleep(100 * time.Millisecond)

	fh, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, _ = fh.WriteString(`{"status": 200}` + "\n\n" + `{"status": `)
	_ = fh.Sync()
	time.Sleep(50 * time.Millisecond)
	_, _ = fh.WriteString("404}\n")
	require.NoError(t, fh.Close())

	require.Eventually(t, func() bool { return len(sink.got()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{`{"status": 200}`, `{"status": 404}`}, sink.got())
	cancel()
	<-done
}

func TestHandleNginxStdout(t *testing.T) {
	sink := &lineSink{}
	f := newFixture(t, func(o *Options) { o.AccessLog = sink })
	f.m.HandleNginxStdout(`{"status": 200}`)
	f.m.HandleNginxStdout("nginx: worker process started")
	assert.Equal(t, []string{`{"status": 200}`}, sink.got())
}

func TestTailAccessLog_MissingFileGivesUp(t *testing.T) {
	f := newFixture(t, nil)
	f.m.tailWait = 50 * time.Millisecond
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.m.tailAccessLog(context.Background(), filepath.Join(t.TempDir(), "none.log"))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tailer kept waiting for a missing file")
	}
}

func TestProcessTable(t *testing.T) {
	base := t.TempDir()
	s, err := settings.Load(settings.Options{BaseDir: base}, nil)
	require.NoError(t, err)
	s.SetProcess(ASGIServer, settings.ProcessOverride{Command: []string{"uvicorn", "src.web.server:app"}, Env: []string{"A=1"}})

	specs := ProcessTable(s)
	require.Len(t, specs, 6)
	bin := filepath.Join(base, "bin")
	assert.Equal(t, Nginx, specs[Nginx].Name)
	assert.Equal(t, []string{settings.Executable(filepath.Join(base, "external", "nginx", "nginx")), "-p", bin}, specs[Nginx].Args)
	assert.Equal(t, bin, specs[Nginx].Dir)
	assert.Equal(t, []string{"uvicorn", "src.web.server:app"}, specs[ASGIServer].Args)
	assert.Equal(t, base, specs[ASGIServer].Dir)
	assert.Equal(t, []string{"A=1"}, specs[ASGIServer].Env)
	assert.Contains(t, specs[Ngrok].Args, "8080")
	assert.Equal(t, []string{"-m", "src.local.script_entry.converter"}, specs[ContentConverter].Args[1:])

	assert.True(t, IsCritical(Nginx))
	assert.True(t, IsCritical(ContentConverter))
	assert.False(t, IsCritical(Loki))
	assert.False(t, IsCritical(Ngrok))
}
