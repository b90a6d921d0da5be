package process

import (
	"errors"
	"sort"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ErrNoSuchProcess is returned by Inspector queries for a pid that does not exist.
var ErrNoSuchProcess = errors.New("no such process")

// Process states reported by Inspector.Status. Other values are passed through
// from the platform unchanged.
const (
	StatusRunning = "running"
	StatusZombie  = "zombie"
	StatusUnknown = "unknown"
)

// Inspector answers liveness and ancestry questions about OS processes.
type Inspector interface {
	// IsAlive reports whether pid exists and is not a zombie.
	IsAlive(pid int) bool
	Status(pid int) (string, error)
	// ChildrenOf returns all live descendants of pid, recursively.
	ChildrenOf(pid int) ([]int, error)
	Name(pid int) (string, error)
	// StartUnix returns the start time of pid in Unix seconds, 0 if unknown.
	StartUnix(pid int) int64
}

// Signaler delivers graceful and forceful termination. Both treat a missing
// process as success.
type Signaler interface {
	Terminate(pid int) error
	Kill(pid int) error
}

// System is the gopsutil-backed Inspector and Signaler for the local host.
type System struct{}

var (
	_ Inspector = System{}
	_ Signaler  = System{}
)

func (System) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	if err != nil || !running {
		return false
	}
	st, err := p.Status()
	if err != nil {
		// Status can be unavailable (permissions, platform); existence is enough.
		return true
	}
	return len(st) == 0 || st[0] != gopsproc.Zombie
}

func (System) Status(pid int) (string, error) {
	if pid <= 0 {
		return "", ErrNoSuchProcess
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return "", ErrNoSuchProcess
	}
	st, err := p.Status()
	if err != nil {
		if ok, _ := gopsproc.PidExists(int32(pid)); !ok {
			return "", ErrNoSuchProcess
		}
		return StatusUnknown, nil
	}
	if len(st) == 0 {
		return StatusUnknown, nil
	}
	switch st[0] {
	case gopsproc.Zombie:
		return StatusZombie, nil
	case gopsproc.Running:
		return StatusRunning, nil
	default:
		return st[0], nil
	}
}

func (System) ChildrenOf(pid int) ([]int, error) {
	procs, err := gopsproc.Processes()
	if err != nil {
		return nil, err
	}
	byParent := make(map[int][]int, len(procs))
	for _, p := range procs {
		ppid, err := p.Ppid()
		if err != nil {
			// vanished while listing
			continue
		}
		byParent[int(ppid)] = append(byParent[int(ppid)], int(p.Pid))
	}
	var out []int
	seen := map[int]bool{pid: true}
	queue := []int{pid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range byParent[cur] {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	sort.Ints(out)
	return out, nil
}

func (System) Name(pid int) (string, error) {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return "", ErrNoSuchProcess
	}
	return p.Name()
}

func (System) StartUnix(pid int) int64 { return procStartUnix(pid) }

func (System) Terminate(pid int) error { return terminateProcess(pid) }

func (System) Kill(pid int) error { return killProcess(pid) }

// KillGroup kills the session started for pid along with pid itself.
func (System) KillGroup(pid int) error { return killGroup(pid) }
