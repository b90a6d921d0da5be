package main

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Hasganter/markdown-web/internal/content"
	"github.com/Hasganter/markdown-web/internal/deps"
	"github.com/Hasganter/markdown-web/internal/logger"
	"github.com/Hasganter/markdown-web/internal/logsink"
	"github.com/Hasganter/markdown-web/internal/logsink/sqlite"
	"github.com/Hasganter/markdown-web/internal/manager"
	"github.com/Hasganter/markdown-web/internal/metrics"
	"github.com/Hasganter/markdown-web/internal/process"
	"github.com/Hasganter/markdown-web/internal/runtimecfg"
	"github.com/Hasganter/markdown-web/internal/settings"
)

const (
	fetchTimeout  = 10 * time.Minute
	fetchCooldown = 5 * time.Minute
)

// app is the loaded configuration and logger shared by one command run.
type app struct {
	store  *settings.Store
	logCfg logger.Config
	log    *slog.Logger
	closer io.Closer
}

func loadApp(g *GlobalFlags) (*app, error) {
	// settings are loaded before the real logger exists
	boot := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := settings.Load(settings.Options{
		ConfigFile: g.ConfigPath,
		BaseDir:    g.BaseDir,
		EnvFile:    g.EnvFile,
	}, boot)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	logCfg := logger.Config{
		Slog: logger.SlogConfig{
			Level:      store.String(settings.LogLevel),
			Format:     store.String(settings.LogFormat),
			Color:      store.Bool(settings.LogColor),
			TimeStamps: true,
		},
		File: logger.FileConfig{Dir: store.String(settings.LogsDir)},
	}
	if err := os.MkdirAll(logCfg.File.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	log, closer := logCfg.NewSlogger()
	return &app{store: store, logCfg: logCfg, log: log, closer: closer}, nil
}

func (a *app) Close() {
	_ = a.closer.Close()
}

func (a *app) controlPlaneAddr() string {
	return net.JoinHostPort(a.store.String(settings.ConfigAPIHost), strconv.Itoa(a.store.Int(settings.ConfigAPIPort)))
}

func (a *app) controlPlaneURL(override string) string {
	if override != "" {
		return override
	}
	return "http://" + a.controlPlaneAddr()
}

// executables lists the binaries the configured stack launches.
func (a *app) executables() []deps.Executable {
	s := a.store
	exes := []deps.Executable{
		{Name: "Nginx", Path: settings.Executable(s.String(settings.NginxExecutable))},
		{Name: "FFmpeg", Path: settings.Executable(s.String(settings.FFmpegPath))},
	}
	if s.Bool(settings.LokiEnabled) {
		exes = append(exes,
			deps.Executable{Name: "Loki", Path: settings.Executable(s.String(settings.LokiPath))},
			deps.Executable{Name: "Alloy", Path: settings.Executable(s.String(settings.AlloyPath))},
		)
	}
	return exes
}

func (a *app) depsManager() *deps.Manager {
	return deps.New(
		a.store.String(settings.External),
		deps.HostCatalog(),
		deps.NewHTTPFetcher(fetchTimeout, fetchCooldown),
		a.log.With("component", "deps"),
	)
}

func (a *app) openLogDB() (*sqlite.Sink, error) {
	path := a.store.String(settings.LogDBPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log db dir: %w", err)
	}
	db, err := sqlite.New(path, a.log.With("component", "logdb"))
	if err != nil {
		return nil, fmt.Errorf("open log db %s: %w", path, err)
	}
	return db, nil
}

// stack is a Manager wired to every collaborator, plus what must be closed
// once it has stopped.
type stack struct {
	mgr    *manager.Manager
	db     *sqlite.Sink
	access *logsink.Buffered
}

func (s *stack) Close() {
	if s.access != nil {
		_ = s.access.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

// newStack wires the full supervisor used by start.
func (a *app) newStack() (*stack, error) {
	s := a.store
	db, err := a.openLogDB()
	if err != nil {
		return nil, err
	}
	access := logsink.NewBuffered(db,
		s.Int("LOG_BUFFER_SIZE"),
		time.Duration(s.Int("LOG_BUFFER_FLUSH_INTERVAL"))*time.Second,
		a.log.With("component", "access_log"),
	)

	launcher := process.NewLauncher(a.log, a.logCfg)
	pipeline := content.New(content.Config{
		ContentCommand: content.SplitCommand(s.String(settings.ContentScanCommand)),
		AssetCommand:   content.SplitCommand(s.String(settings.AssetScanCommand)),
		Dir:            s.String(settings.BaseDir),
	}, launcher, a.log)

	mgr := manager.New(manager.Options{
		Config:    manager.ConfigFromStore(s),
		Specs:     manager.ProcessTable(s),
		Launcher:  launcher,
		Deps:      a.depsManager(),
		Content:   pipeline,
		AccessLog: access,
		History:   db,
		LogDB:     db,
		Sampler:   metrics.NewSampler(),
		WriteConfigs: func() error {
			_, err := runtimecfg.Write(runtimecfg.FromStore(s), a.log)
			return err
		},
		Log: a.log,
	})
	launcher.HandleLines(manager.Nginx, mgr.HandleNginxStdout)
	return &stack{mgr: mgr, db: db, access: access}, nil
}

// newObserver builds a Manager that only reads and acts on the ledger of
// another supervisor.
func (a *app) newObserver() *manager.Manager {
	return manager.New(manager.Options{
		Config: manager.ConfigFromStore(a.store),
		Log:    a.log,
	})
}
