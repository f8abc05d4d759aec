package process

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

var (
	// ErrExecutableNotFound means the interpreter could not be located before spawning.
	ErrExecutableNotFound = errors.New("executable not found")
	// ErrProcessGone means the target process vanished before or during termination.
	ErrProcessGone = errors.New("process no longer exists")
	// ErrAccessDenied means the OS refused to inspect or signal the process.
	ErrAccessDenied = errors.New("access denied")
	// ErrTerminateTimeout means the process was still alive when the wait expired.
	ErrTerminateTimeout = errors.New("process did not exit in time")
)

// classify maps OS and gopsutil errors onto the package sentinels.
func classify(pid int32, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gopsproc.ErrorProcessNotRunning),
		errors.Is(err, os.ErrProcessDone),
		errors.Is(err, syscall.ESRCH):
		return fmt.Errorf("%w: pid %d: %v", ErrProcessGone, pid, err)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: pid %d: %v", ErrAccessDenied, pid, err)
	default:
		return fmt.Errorf("pid %d: %w", pid, err)
	}
}
