package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Hasganter/markdown-web/internal/deps"
	"github.com/Hasganter/markdown-web/internal/ledger"
	"github.com/Hasganter/markdown-web/internal/manager"
	"github.com/Hasganter/markdown-web/internal/metrics"
	"github.com/Hasganter/markdown-web/internal/server"
	"github.com/Hasganter/markdown-web/pkg/client"
)

// stopPoll is how often stop re-reads the ledger while waiting.
const stopPoll = 250 * time.Millisecond

// command holds the logic behind each cobra command.
type command struct {
	global *GlobalFlags
}

func (c command) load() (*app, error) {
	return loadApp(c.global)
}

// Start runs the stack in the foreground until interrupted.
func (c command) Start(ctx context.Context, f StartFlags) error {
	a, err := c.load()
	if err != nil {
		return err
	}
	defer a.Close()

	if f.Detach {
		pid, err := detach(os.Args[1:], f.LogFile)
		if err != nil {
			return err
		}
		fmt.Printf("Supervisor started in the background with PID %d\n", pid)
		return nil
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		a.log.Warn("failed to register metrics", "error", err)
	}

	st, err := a.newStack()
	if err != nil {
		return err
	}
	defer st.Close()
	mgr := st.mgr

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// children read their settings from the control plane while booting
	router := server.NewRouter(a.store, mgr, nil)
	svc := server.NewService(a.controlPlaneAddr(), router.Handler(), mgr.Signal(), a.log)
	defer func() { _ = svc.Close() }()
	mgr.BeforeLaunch(func(ctx context.Context) error {
		if err := svc.Start(ctx); err != nil {
			a.log.Error("control plane unavailable", "error", err)
		}
		return nil
	})

	if err := mgr.StartAll(ctx); err != nil {
		_ = svc.Close()
		if errors.Is(err, manager.ErrAlreadyRunning) {
			return errors.New("markdown-web is already running; use \"markdown-web stop\" first")
		}
		return fmt.Errorf("start: %w", err)
	}

	a.log.Info("stack running", "run_id", mgr.RunID(), "control_plane", svc.Addr())
	err = mgr.Supervise(ctx)
	if err == nil {
		mgr.StopAll(context.Background(), manager.Normal)
	}
	return err
}

// Stop signals the running supervisor and waits for it, stopping the ledger's
// processes directly when it does not exit in time.
func (c command) Stop(ctx context.Context, f StopFlags) error {
	a, err := c.load()
	if err != nil {
		return err
	}
	defer a.Close()

	obs := a.newObserver()
	if !obs.AlreadyRunning() {
		fmt.Println("markdown-web is not running")
		_ = obs.Ledger().Remove()
		return nil
	}
	if err := obs.Signal().Touch(); err != nil {
		return fmt.Errorf("set shutdown signal: %w", err)
	}
	fmt.Println("Shutdown requested, waiting for the supervisor...")

	if waitLedgerGone(ctx, obs.Ledger(), f.Wait) {
		fmt.Println("Stopped")
		return nil
	}
	a.log.Warn("supervisor did not finish in time, stopping processes directly", "wait", f.Wait)
	obs.StopAll(ctx, manager.Normal)
	fmt.Println("Stopped")
	return nil
}

// waitLedgerGone polls until the ledger file is removed or d elapses.
func waitLedgerGone(ctx context.Context, l *ledger.Ledger, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if _, err := os.Stat(l.Path()); errors.Is(err, os.ErrNotExist) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(stopPoll):
		}
	}
}

// Status prints the processes in the ledger, or the control plane's view with
// --remote.
func (c command) Status(ctx context.Context, f StatusFlags) error {
	a, err := c.load()
	if err != nil {
		return err
	}
	defer a.Close()

	if f.Remote {
		cl := client.New(client.Config{BaseURL: a.controlPlaneURL(f.APIUrl), Timeout: f.APITimeout, Logger: a.log})
		ps, err := cl.Status(ctx)
		if err != nil {
			return fmt.Errorf("query control plane: %w", err)
		}
		printJSON(map[string]any{"processes": ps})
		return nil
	}

	obs := a.newObserver()
	live := obs.Recover()
	ps := obs.Status()
	if len(ps) == 0 {
		fmt.Println("markdown-web is not running")
		return nil
	}
	printJSON(map[string]any{"live": live, "processes": ps})
	return nil
}

// Check verifies the configured executables.
func (c command) Check() error {
	a, err := c.load()
	if err != nil {
		return err
	}
	defer a.Close()
	if !deps.CheckExecutables(a.log, a.executables()) {
		return errors.New("configuration check failed: one or more executables are missing")
	}
	fmt.Println("Configuration check passed")
	return nil
}

// History prints the most recent lifecycle events from the log database.
func (c command) History(ctx context.Context, f HistoryFlags) error {
	a, err := c.load()
	if err != nil {
		return err
	}
	defer a.Close()

	limit := f.Limit
	if limit <= 0 {
		limit = a.store.Int("LOG_HISTORY_COUNT")
	}
	db, err := a.openLogDB()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	events, err := db.RecentHistory(ctx, limit)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	for _, e := range events {
		line := fmt.Sprintf("%s  %-14s %-18s pid=%d", e.OccurredAt.Local().Format(time.DateTime), e.Type, e.Name, e.PID)
		if e.Detail != "" {
			line += "  " + e.Detail
		}
		fmt.Println(line)
	}
	return nil
}
