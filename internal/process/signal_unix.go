//go:build !windows

package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

// terminateProcess sends SIGTERM. A process that no longer exists is not an error.
func terminateProcess(pid int) error {
	return ignoreGone(unix.Kill(pid, unix.SIGTERM))
}

// killProcess sends SIGKILL. A process that no longer exists is not an error.
func killProcess(pid int) error {
	return ignoreGone(unix.Kill(pid, unix.SIGKILL))
}

// killGroup sends SIGKILL to the process group led by pid, then to pid
// itself in case it left the group.
func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := ignoreGone(unix.Kill(-pid, unix.SIGKILL)); err != nil && !errors.Is(err, unix.EPERM) {
		return err
	}
	return killProcess(pid)
}

func ignoreGone(err error) error {
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
