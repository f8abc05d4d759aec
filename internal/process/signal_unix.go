//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// terminateProcess sends SIGTERM to the worker's process group, falling back to
// the single PID when the group is gone. ESRCH counts as success.
func terminateProcess(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, syscall.SIGTERM)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, syscall.SIGTERM)
	}
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// processExists checks if a process exists (for test compatibility)
func processExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
