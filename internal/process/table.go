package process

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Record is one process-table entry observed during a scan.
type Record struct {
	PID     int32    `json:"pid"`
	Name    string   `json:"name"`
	Cmdline []string `json:"cmdline,omitempty"` // nil when the OS refused to reveal it
}

// Lister enumerates running processes.
type Lister interface {
	List(ctx context.Context) ([]Record, error)
}

// Terminator asks a process to exit and waits up to timeout for it to go away.
// It never escalates to a forceful kill.
type Terminator interface {
	Terminate(ctx context.Context, pid int32, timeout time.Duration) error
}

const defaultPollInterval = 50 * time.Millisecond

// Table is the OS process table backed by gopsutil. It implements Lister and Terminator.
type Table struct {
	PollInterval time.Duration // liveness poll while waiting for exit (default 50ms)
}

// List returns every process whose name can be read. Entries that vanish or
// refuse access mid-scan are skipped; an unreadable command line is reported as nil.
func (t Table) List(ctx context.Context) ([]Record, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]Record, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			slog.Debug("Skipping unreadable process", "pid", p.Pid, "error", err)
			continue
		}
		cmdline, err := p.CmdlineSliceWithContext(ctx)
		if err != nil {
			cmdline = nil
		}
		out = append(out, Record{PID: p.Pid, Name: name, Cmdline: cmdline})
	}
	return out, nil
}

// Terminate sends a graceful termination request to pid and polls until it
// exits, timeout elapses, or ctx is done.
func (t Table) Terminate(ctx context.Context, pid int32, timeout time.Duration) error {
	p, err := gopsproc.NewProcessWithContext(ctx, pid)
	if err != nil {
		return classify(pid, err)
	}
	if err := p.TerminateWithContext(ctx); err != nil {
		return classify(pid, err)
	}

	interval := t.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		running, err := p.IsRunningWithContext(ctx)
		if err != nil || !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: pid %d after %s", ErrTerminateTimeout, pid, timeout)
		case <-ticker.C:
		}
	}
}
