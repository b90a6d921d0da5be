// Package content drives the external content pipeline: one-shot scans of
// markdown sources and media assets that run as child processes while the
// supervisor holds the pipeline lock.
package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Hasganter/markdown-web/internal/process"
)

// ErrNotInitialized is returned by a scan issued before InitWorker.
var ErrNotInitialized = errors.New("content pipeline not initialized")

// Runner launches a one-shot scan process.
type Runner interface {
	Launch(spec process.Spec) (*process.Handle, error)
}

// Config names the scan commands. An empty command disables that scan.
type Config struct {
	ContentCommand []string
	AssetCommand   []string
	Dir            string
	Env            []string
}

// SplitCommand turns a whitespace separated command line into argv.
func SplitCommand(s string) []string {
	return strings.Fields(s)
}

// Pipeline serialises scans behind the lock handed over by InitWorker.
type Pipeline struct {
	cfg    Config
	runner Runner
	log    *slog.Logger

	mu   sync.Mutex
	lock sync.Locker
}

func New(cfg Config, runner Runner, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{cfg: cfg, runner: runner, log: log.With("component", "content")}
}

// InitWorker installs the lock shared with the rest of this run. Every later
// scan holds it for its whole duration.
func (p *Pipeline) InitWorker(lock sync.Locker) {
	p.mu.Lock()
	p.lock = lock
	p.mu.Unlock()
}

func (p *Pipeline) ScanAndProcessAllContent(ctx context.Context) error {
	return p.scan(ctx, "content_scan", p.cfg.ContentCommand)
}

func (p *Pipeline) ScanAndProcessAllAssets(ctx context.Context) error {
	return p.scan(ctx, "asset_scan", p.cfg.AssetCommand)
}

func (p *Pipeline) scan(ctx context.Context, name string, argv []string) error {
	p.mu.Lock()
	lock := p.lock
	p.mu.Unlock()
	if lock == nil {
		return ErrNotInitialized
	}
	if len(argv) == 0 {
		p.log.Debug("scan disabled", "scan", name)
		return nil
	}

	lock.Lock()
	defer lock.Unlock()

	started := time.Now()
	p.log.Info("starting full scan", "scan", name)
	h, err := p.runner.Launch(process.Spec{Name: name, Args: argv, Dir: p.cfg.Dir, Env: p.cfg.Env})
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if h.Done() == nil {
		return fmt.Errorf("%s: runner returned an unmanaged handle", name)
	}
	select {
	case <-h.Done():
	case <-ctx.Done():
		_ = process.System{}.KillGroup(h.PID)
		<-h.Done()
		return fmt.Errorf("%s: %w", name, ctx.Err())
	}
	if err := h.ExitErr(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	p.log.Info("full scan complete", "scan", name, "elapsed", time.Since(started).Round(time.Millisecond))
	return nil
}
