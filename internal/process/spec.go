package process

import (
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Spec is the command template for one logical process.
type Spec struct {
	Name string   `json:"name" mapstructure:"name"`
	Args []string `json:"args" mapstructure:"command"` // argv; Args[0] is the executable
	Dir  string   `json:"dir" mapstructure:"dir"`      // working directory
	Env  []string `json:"env" mapstructure:"env"`      // extra K=V entries appended to the supervisor's env
}

var errEmptyCommand = errors.New("empty command")

// BuildCommand constructs an *exec.Cmd for the spec without invoking a shell.
func (s Spec) BuildCommand() (*exec.Cmd, error) {
	if len(s.Args) == 0 || strings.TrimSpace(s.Args[0]) == "" {
		return nil, errEmptyCommand
	}
	// ok: argv comes from the supervisor's own process table
	// #nosec G204
	cmd := exec.Command(s.Args[0], s.Args[1:]...)
	if s.Dir != "" {
		cmd.Dir = s.Dir
	}
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	return cmd, nil
}

// Handle is the supervisor's reference to one launched (or recovered) OS process.
type Handle struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	StartUnix int64     `json:"start_unix"`
	StartedAt time.Time `json:"started_at"`

	mu      sync.Mutex
	done    chan struct{}
	exitErr error
}

// NewHandle returns a handle for a process the supervisor did not spawn itself,
// for example one rediscovered from the PID ledger. Done returns nil for it.
func NewHandle(name string, pid int, startUnix int64) *Handle {
	return &Handle{Name: name, PID: pid, StartUnix: startUnix}
}

// Done is closed once a process spawned by a Launcher has been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitErr returns the error reported by Wait; valid after Done is closed.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *Handle) markExited(err error) {
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	close(h.done)
}
