package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loykin/workerpanel/internal/detector"
	"github.com/loykin/workerpanel/internal/display"
	"github.com/loykin/workerpanel/internal/history"
	"github.com/loykin/workerpanel/internal/metrics"
	"github.com/loykin/workerpanel/internal/process"
)

var (
	// ErrAlreadyRunning is returned by Start while a worker handle is held.
	ErrAlreadyRunning = errors.New("worker already running")
	// ErrPrecondition wraps a failed caller-supplied start check.
	ErrPrecondition = errors.New("start precondition failed")
	// ErrLaunch wraps spawn-time failures.
	ErrLaunch = errors.New("worker launch failed")
	// ErrExecutableNotFound means the interpreter is missing. It also matches ErrLaunch.
	ErrExecutableNotFound = fmt.Errorf("%w: executable not found", ErrLaunch)
)

const DefaultReapTimeout = 3 * time.Second

// Lifecycle is the supervisor's view of the worker.
type Lifecycle string

const (
	Stopped  Lifecycle = "stopped"
	Starting Lifecycle = "starting"
	Running  Lifecycle = "running"
	Stopping Lifecycle = "stopping"
)

// WorkerHandle is the supervised child process.
type WorkerHandle struct {
	PID       int
	Command   string
	Args      []string
	StartedAt time.Time

	worker process.Worker
}

func (h *WorkerHandle) String() string {
	return strings.TrimSpace(h.Command + " " + strings.Join(h.Args, " "))
}

// State is owned by a Supervisor and only touched on the event loop.
type State struct {
	Handle    *WorkerHandle
	Lifecycle Lifecycle
}

// Status is a snapshot for display.
type Status struct {
	State     Lifecycle  `json:"state"`
	PID       int        `json:"pid,omitempty"`
	Command   string     `json:"command,omitempty"`
	Args      []string   `json:"args,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// Precondition is checked by Start before anything is spawned.
type Precondition func() error

// Dispatcher queues callbacks onto the goroutine that owns the supervisor.
type Dispatcher interface {
	Post(fn func()) bool
}

// Config describes the worker and the stray-instance rule.
type Config struct {
	Spec        process.Spec                   // Output is ignored; use Output below
	Output      func() (io.WriteCloser, error) // optional per-launch output capture
	Env         func() []string                // optional per-launch environment; overrides Spec.Env
	Detector    detector.Detector              // stray-instance rule; image "python*" + Spec.Script when nil
	ReapTimeout time.Duration                  // per-candidate wait (default 3s)
	SelfPID     int                            // excluded from reaping (default os.Getpid())
}

// Deps are the collaborators of a Supervisor. Zero values use the OS.
type Deps struct {
	Launcher   process.Launcher
	Lister     process.Lister
	Terminator process.Terminator
	Dispatcher Dispatcher
	Sink       display.Sink
	History    *history.Recorder
}

// Supervisor is the single owner of the worker process. All methods except
// CurrentPID must be called from the dispatcher's goroutine.
type Supervisor struct {
	cfg      Config
	launcher process.Launcher
	lister   process.Lister
	term     process.Terminator
	loop     Dispatcher
	sink     display.Sink
	history  *history.Recorder

	state State
	pid   atomic.Int32
}

// New creates a Supervisor in the Stopped state.
func New(cfg Config, deps Deps) *Supervisor {
	if cfg.ReapTimeout <= 0 {
		cfg.ReapTimeout = DefaultReapTimeout
	}
	if cfg.SelfPID <= 0 {
		cfg.SelfPID = os.Getpid()
	}
	if cfg.Detector == nil {
		cfg.Detector = detector.Worker(detector.DefaultImagePatterns, cfg.Spec.Script, cfg.Spec.WorkDir)
	}
	s := &Supervisor{
		cfg:      cfg,
		launcher: deps.Launcher,
		lister:   deps.Lister,
		term:     deps.Terminator,
		loop:     deps.Dispatcher,
		sink:     deps.Sink,
		history:  deps.History,
		state:    State{Lifecycle: Stopped},
	}
	if s.launcher == nil {
		s.launcher = process.ExecLauncher{}
	}
	if s.lister == nil || s.term == nil {
		table := process.Table{}
		if s.lister == nil {
			s.lister = table
		}
		if s.term == nil {
			s.term = table
		}
	}
	if s.sink == nil {
		s.sink = display.Discard{}
	}
	return s
}

// IsRunning reports whether a worker handle is held.
func (s *Supervisor) IsRunning() bool { return s.state.Handle != nil }

// CurrentPID returns the tracked worker PID or 0. Safe from any goroutine.
func (s *Supervisor) CurrentPID() int32 { return s.pid.Load() }

// Status returns a snapshot of the lifecycle and handle.
func (s *Supervisor) Status() Status {
	st := Status{State: s.state.Lifecycle}
	if h := s.state.Handle; h != nil {
		started := h.StartedAt
		st.PID = h.PID
		st.Command = h.Command
		st.Args = append([]string(nil), h.Args...)
		st.StartedAt = &started
	}
	return st
}

// Start launches the worker. It returns ErrAlreadyRunning without touching the
// existing handle, an ErrPrecondition error when pre fails, and an ErrLaunch
// error (possibly ErrExecutableNotFound) when spawning fails.
func (s *Supervisor) Start(pre Precondition) error {
	if h := s.state.Handle; h != nil {
		metrics.IncWorkerStart("already_running")
		slog.Warn("Worker already running", "pid", h.PID)
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, h.PID)
	}
	if pre != nil {
		if err := pre(); err != nil {
			metrics.IncWorkerStart("precondition")
			slog.Warn("Worker start precondition failed", "error", err)
			return fmt.Errorf("%w: %w", ErrPrecondition, err)
		}
	}

	s.transition(Starting)
	spec := s.cfg.Spec
	spec.Output = nil
	if s.cfg.Env != nil {
		spec.Env = s.cfg.Env()
	}
	if s.cfg.Output != nil {
		w, err := s.cfg.Output()
		if err != nil {
			return s.launchFailed(spec, fmt.Errorf("%w: open worker output: %w", ErrLaunch, err))
		}
		spec.Output = w
	}
	w, err := s.launcher.Launch(spec)
	if err != nil {
		if errors.Is(err, process.ErrExecutableNotFound) {
			return s.launchFailed(spec, fmt.Errorf("%w: %w", ErrExecutableNotFound, err))
		}
		return s.launchFailed(spec, fmt.Errorf("%w: %w", ErrLaunch, err))
	}

	h := &WorkerHandle{
		PID:       w.PID(),
		Command:   spec.Interpreter,
		Args:      spec.Argv(),
		StartedAt: time.Now(),
		worker:    w,
	}
	s.state.Handle = h
	s.pid.Store(int32(h.PID))
	s.transition(Running)
	s.sink.SetControlsEnabled(true)
	metrics.IncWorkerStart("ok")
	metrics.SetWorkerRunning(true)
	s.history.Record(history.Event{Type: history.EventStart, PID: h.PID, Command: spec.String()})
	slog.Info("Started worker", "pid", h.PID, "cmd", spec.String())

	go s.watch(h)
	return nil
}

func (s *Supervisor) launchFailed(spec process.Spec, err error) error {
	s.transition(Stopped)
	metrics.IncWorkerStart("launch")
	slog.Error("Failed to start worker", "cmd", spec.String(), "error", err)
	return err
}

// Stop requests graceful termination and forgets the worker without waiting
// for it to exit. A no-op when nothing is running.
func (s *Supervisor) Stop() {
	h := s.state.Handle
	if h == nil {
		return
	}
	s.transition(Stopping)
	if err := h.worker.Terminate(); err != nil {
		slog.Warn("Terminate request failed", "pid", h.PID, "error", err)
	}
	s.clear()
	metrics.IncWorkerStop()
	s.history.Record(history.Event{Type: history.EventStop, PID: h.PID, Command: h.String()})
	slog.Info("Stopped worker", "pid", h.PID)
}

// watch waits for the worker and reports its exit on the owning goroutine.
func (s *Supervisor) watch(h *WorkerHandle) {
	err := h.worker.Wait()
	if s.loop == nil {
		return
	}
	s.loop.Post(func() { s.exited(h, err) })
}

func (s *Supervisor) exited(h *WorkerHandle, err error) {
	if s.state.Handle != h {
		slog.Debug("Untracked worker exited", "pid", h.PID, "error", err)
		return
	}
	detail := "exit status 0"
	if err != nil {
		detail = err.Error()
	}
	s.clear()
	metrics.IncWorkerExit()
	s.history.Record(history.Event{Type: history.EventExit, PID: h.PID, Command: h.String(), Detail: detail})
	slog.Info("Worker exited", "pid", h.PID, "result", detail)
}

func (s *Supervisor) clear() {
	s.state.Handle = nil
	s.pid.Store(0)
	s.transition(Stopped)
	s.sink.SetControlsEnabled(false)
	metrics.SetWorkerRunning(false)
}

func (s *Supervisor) transition(to Lifecycle) {
	from := s.state.Lifecycle
	if from == to {
		return
	}
	s.state.Lifecycle = to
	metrics.RecordStateTransition(string(from), string(to))
}
