package process

import (
	"fmt"
	"os/exec"
	"sync"
)

// Worker is a launched child process.
type Worker interface {
	// PID returns the OS process identifier.
	PID() int
	// Terminate requests a graceful exit. A process that is already gone is not an error.
	Terminate() error
	// Wait blocks until the process exits and releases its resources.
	// Only one caller may Wait.
	Wait() error
}

// Launcher spawns workers. Implementations must not leave a process running
// when Launch returns an error.
type Launcher interface {
	Launch(spec Spec) (Worker, error)
}

// ExecLauncher launches workers with os/exec.
type ExecLauncher struct{}

// Launch starts the interpreter described by spec in its own process group.
func (ExecLauncher) Launch(spec Spec) (Worker, error) {
	cmd, err := spec.BuildCommand()
	if err != nil {
		closeOutput(spec)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		closeOutput(spec)
		return nil, fmt.Errorf("start %s: %w", spec.String(), err)
	}
	return &execWorker{cmd: cmd, spec: spec}, nil
}

func closeOutput(spec Spec) {
	if spec.Output != nil {
		_ = spec.Output.Close()
	}
}

type execWorker struct {
	cmd       *exec.Cmd
	spec      Spec
	closeOnce sync.Once
}

func (w *execWorker) PID() int { return w.cmd.Process.Pid }

func (w *execWorker) Terminate() error {
	return terminateProcess(w.cmd.Process.Pid)
}

func (w *execWorker) Wait() error {
	err := w.cmd.Wait()
	w.closeOnce.Do(func() { closeOutput(w.spec) })
	return err
}
