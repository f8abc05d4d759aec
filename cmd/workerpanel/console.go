package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/loykin/workerpanel/internal/config"
	"github.com/loykin/workerpanel/internal/panel"
	"github.com/loykin/workerpanel/internal/supervisor"
)

// consoleTarget is the part of a panel session the console drives.
type consoleTarget interface {
	StartWorker(ctx context.Context) error
	StopWorker(ctx context.Context) error
	Status(ctx context.Context) (panel.Status, error)
	Reap(ctx context.Context) (supervisor.ReapReport, error)
}

const consoleHelp = `Commands:
  start   launch the worker
  stop    stop the worker
  status  show worker state
  reap    terminate leftover worker instances
  help    show this list
  quit    stop the worker and exit`

// runConsole reads one command per line until quit or ctx is done. End of
// input does not end the session; a signal still does.
func runConsole(ctx context.Context, in io.Reader, out io.Writer, t consoleTarget) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if quit := handleCommand(ctx, strings.TrimSpace(line), out, t); quit {
				return nil
			}
		}
	}
}

func handleCommand(ctx context.Context, cmd string, out io.Writer, t consoleTarget) (quit bool) {
	switch strings.ToLower(cmd) {
	case "":
	case "start":
		if err := t.StartWorker(ctx); err != nil {
			_, _ = fmt.Fprintln(out, startMessage(err))
		}
	case "stop":
		if err := t.StopWorker(ctx); err != nil {
			_, _ = fmt.Fprintf(out, "Stop failed: %v\n", err)
		}
	case "status":
		st, err := t.Status(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(out, "Status unavailable: %v\n", err)
			return false
		}
		_, _ = fmt.Fprintln(out, formatStatus(st))
	case "reap":
		rep, err := t.Reap(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(out, "Reap failed: %v\n", err)
			return false
		}
		_, _ = fmt.Fprintln(out, formatReport(rep))
	case "help", "?":
		_, _ = fmt.Fprintln(out, consoleHelp)
	case "quit", "exit":
		return true
	default:
		_, _ = fmt.Fprintf(out, "Unknown command %q. Type \"help\" for commands.\n", cmd)
	}
	return false
}

func startMessage(err error) string {
	switch {
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		return "Worker is already running."
	case errors.Is(err, config.ErrSettingsMissing):
		return "Settings file not found. Create it with \"workerpanel settings set\"."
	case errors.Is(err, config.ErrCredentialMissing):
		return fmt.Sprintf("API key missing: %v", err)
	case errors.Is(err, supervisor.ErrExecutableNotFound):
		return fmt.Sprintf("Interpreter not found: %v", err)
	case errors.Is(err, supervisor.ErrPrecondition):
		return fmt.Sprintf("Cannot start: %v", err)
	default:
		return fmt.Sprintf("Start failed: %v", err)
	}
}

func formatStatus(st panel.Status) string {
	if st.PID == 0 {
		return fmt.Sprintf("Worker %s (log offset %d)", st.State, st.LogCursor.Offset)
	}
	s := fmt.Sprintf("Worker %s, pid %d", st.State, st.PID)
	if st.StartedAt != nil {
		s += ", since " + st.StartedAt.Format("15:04:05")
	}
	if st.Sample != nil {
		s += fmt.Sprintf(", cpu %.1f%%, mem %.1f MB", st.Sample.CPUPercent, st.Sample.MemoryMB)
	}
	return s + fmt.Sprintf(" (log offset %d)", st.LogCursor.Offset)
}
