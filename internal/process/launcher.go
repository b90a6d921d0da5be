package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Hasganter/markdown-web/internal/logger"
)

// LineHandler consumes one decoded stdout line of a child process in place of
// the generic logger.
type LineHandler func(line string)

// Launcher spawns detached child processes and drains their output streams.
type Launcher struct {
	log  *slog.Logger
	logs logger.Config

	mu       sync.RWMutex
	handlers map[string]LineHandler
}

// NewLauncher returns a Launcher that logs child output through log. When
// logs.File.Dir is set, raw output is also copied to rotated per-process files.
func NewLauncher(log *slog.Logger, logs logger.Config) *Launcher {
	if log == nil {
		log = slog.Default()
	}
	return &Launcher{log: log, logs: logs, handlers: make(map[string]LineHandler)}
}

// HandleLines routes stdout lines of the named process to h.
func (l *Launcher) HandleLines(name string, h LineHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h == nil {
		delete(l.handlers, name)
		return
	}
	l.handlers[name] = h
}

func (l *Launcher) handler(name string) LineHandler {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.handlers[name]
}

// Launch starts spec as a detached process. The returned error wraps the
// exec error when the command cannot be found or the OS refuses to spawn it.
func (l *Launcher) Launch(spec Spec) (*Handle, error) {
	cmd, err := spec.BuildCommand()
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", spec.Name, err)
	}
	configureSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("launch %s: stdout pipe: %w", spec.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("launch %s: stderr pipe: %w", spec.Name, err)
	}

	var outW, errW io.WriteCloser
	if ow, ew, werr := l.logs.ProcessWriters(spec.Name); werr != nil {
		l.log.Warn("process log files disabled", "name", spec.Name, "error", werr)
	} else {
		outW, errW = ow, ew
	}

	if err := cmd.Start(); err != nil {
		closeQuietly(outW)
		closeQuietly(errW)
		return nil, fmt.Errorf("launch %s: %w", spec.Name, err)
	}

	pid := cmd.Process.Pid
	h := &Handle{
		Name:      spec.Name,
		PID:       pid,
		StartUnix: procStartUnix(pid),
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}

	plog := l.log.With("proc", spec.Name)
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		pumpLines(stdout, plog, slog.LevelInfo, l.handler(spec.Name), outW)
	}()
	go func() {
		defer readers.Done()
		pumpLines(stderr, plog, slog.LevelError, nil, errW)
	}()
	go func() {
		// Wait closes the pipes, so it must run after both readers hit EOF.
		readers.Wait()
		werr := cmd.Wait()
		closeQuietly(outW)
		closeQuietly(errW)
		h.markExited(werr)
		plog.Debug("process reaped", "pid", pid, "error", werr)
	}()
	return h, nil
}

// pumpLines reads r line by line until EOF. Invalid UTF-8 is replaced and
// blank lines are skipped. Lines go to handle when set, otherwise to log at
// level. tee, when non-nil, receives the raw bytes.
func pumpLines(r io.Reader, log *slog.Logger, level slog.Level, handle LineHandler, tee io.Writer) {
	br := bufio.NewReader(r)
	for {
		raw, err := br.ReadString('\n')
		if raw != "" {
			if tee != nil {
				_, _ = io.WriteString(tee, raw)
			}
			line := strings.TrimSpace(strings.ToValidUTF8(raw, "�"))
			if line != "" {
				if handle != nil {
					callHandler(handle, line, log)
				} else {
					log.Log(context.Background(), level, line)
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("stream reader exited", "error", err)
			}
			return
		}
	}
}

func callHandler(handle LineHandler, line string, log *slog.Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("line handler panicked", "panic", rec)
		}
	}()
	handle(line)
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
