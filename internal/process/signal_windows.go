//go:build windows

package process

import (
	"errors"

	"golang.org/x/sys/windows"
)

// Windows has no SIGTERM; terminating is the only option for both paths.
func terminateProcess(pid int) error { return killProcess(pid) }

// killGroup kills pid only; children started with CREATE_NEW_PROCESS_GROUP
// are not reachable through a group signal.
func killGroup(pid int) error { return killProcess(pid) }

func killProcess(pid int) error {
	if pid <= 0 {
		return nil
	}
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		// If we can't open the process it has most likely exited already.
		return nil
	}
	defer func() { _ = windows.CloseHandle(h) }()
	if err := windows.TerminateProcess(h, 1); err != nil {
		if errors.Is(err, windows.ERROR_ACCESS_DENIED) {
			// Access denied on TerminateProcess is reported for processes that are exiting.
			return nil
		}
		return err
	}
	return nil
}
