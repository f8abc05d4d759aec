// Package panel wires one control-panel session: the event loop, the worker
// supervisor, the log tail monitor and their sinks.
package panel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/loykin/workerpanel/internal/config"
	"github.com/loykin/workerpanel/internal/detector"
	"github.com/loykin/workerpanel/internal/display"
	"github.com/loykin/workerpanel/internal/env"
	"github.com/loykin/workerpanel/internal/eventloop"
	"github.com/loykin/workerpanel/internal/history"
	"github.com/loykin/workerpanel/internal/history/factory"
	"github.com/loykin/workerpanel/internal/logger"
	"github.com/loykin/workerpanel/internal/metrics"
	"github.com/loykin/workerpanel/internal/process"
	"github.com/loykin/workerpanel/internal/supervisor"
	"github.com/loykin/workerpanel/internal/tail"
)

var (
	ErrAlreadyOpen = errors.New("panel session already open")
	ErrNotOpen     = errors.New("panel session not open")
)

// ProcessTable lists and terminates OS processes.
type ProcessTable interface {
	process.Lister
	process.Terminator
}

// Options replace the OS-facing collaborators of a Session.
type Options struct {
	Console  io.Writer        // receives log text and worker state; nil keeps only the buffer
	Launcher process.Launcher // default process.ExecLauncher
	Table    ProcessTable     // default process.Table
	History  history.Sink     // overrides history.dsn
	SelfPID  int              // default os.Getpid()
	Buffer   int              // retained log chunks (default 1000)
}

// Status is what the panel shows about the worker and the log.
type Status struct {
	supervisor.Status
	Session   string          `json:"session"`
	LogPath   string          `json:"log_path"`
	LogCursor tail.Cursor     `json:"log_cursor"`
	Sample    *metrics.Sample `json:"sample,omitempty"`
}

// Session is one run of the panel. Worker and log state live on its event
// loop; the exported methods marshal onto it and are safe for concurrent use.
type Session struct {
	cfg     *config.Config
	id      string
	logPath string

	loop    *eventloop.Loop
	sup     *supervisor.Supervisor
	mon     *tail.Monitor
	buffer  *display.Buffer
	sink    display.Sink
	history *history.Recorder
	sampler *metrics.WorkerSampler

	settings   *config.Settings // loaded by the last start attempt; loop-owned
	settingsMu sync.Mutex       // serializes settings file updates

	opened    atomic.Bool
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// New assembles a session from cfg. Nothing runs until Open.
func New(cfg *config.Config, opts Options) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("panel config is required")
	}
	s := &Session{
		cfg:     cfg,
		id:      uuid.NewString(),
		logPath: cfg.LogPath(),
		loop:    eventloop.New(0),
		buffer:  display.NewBuffer(opts.Buffer),
	}
	sinks := display.Multi{s.buffer}
	if opts.Console != nil {
		sinks = append(sinks, display.NewConsole(opts.Console))
	}
	s.sink = sinks

	mon, err := tail.New(tail.Config{
		Path:         s.logPath,
		Encodings:    cfg.Log.Encodings,
		MaxReadBytes: cfg.Log.MaxReadBytes,
		Watch:        cfg.Log.Watch,
	}, s.sink)
	if err != nil {
		return nil, fmt.Errorf("log monitor: %w", err)
	}
	s.mon = mon

	hs := opts.History
	if hs == nil && cfg.History.DSN != "" {
		hs, err = factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
	}
	s.history = history.NewRecorder(hs, s.id)

	launcher := opts.Launcher
	if launcher == nil {
		launcher = process.ExecLauncher{}
	}
	var table ProcessTable = process.Table{}
	if opts.Table != nil {
		table = opts.Table
	}

	w := cfg.Worker
	supCfg := supervisor.Config{
		Spec:        process.Spec{Interpreter: w.Interpreter, Script: w.Script, WorkDir: w.WorkDir},
		Env:         s.workerEnv,
		Detector:    detector.Worker(patternsOr(w.ImagePatterns), w.Script, w.WorkDir),
		ReapTimeout: w.ReapTimeout,
		SelfPID:     opts.SelfPID,
	}
	if w.CaptureOutput {
		supCfg.Output = s.openOutput
	}
	s.sup = supervisor.New(supCfg, supervisor.Deps{
		Launcher:   launcher,
		Lister:     table,
		Terminator: table,
		Dispatcher: s.loop,
		Sink:       s.sink,
		History:    s.history,
	})
	s.sampler = metrics.NewWorkerSampler(cfg.Server.SampleInterval, s.sup.CurrentPID)
	return s, nil
}

func patternsOr(p []string) []string {
	if len(p) == 0 {
		return detector.DefaultImagePatterns
	}
	return p
}

// ID is the session identifier stamped on history events.
func (s *Session) ID() string { return s.id }

// Open starts the loop, prepares the log file, clears stray workers left by
// earlier runs and begins tailing.
func (s *Session) Open(ctx context.Context) error {
	if !s.opened.CompareAndSwap(false, true) {
		return ErrAlreadyOpen
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		if err := s.loop.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Event loop stopped", "error", err)
		}
	}()

	if s.cfg.Log.TruncateOnStart {
		if err := truncateLog(s.logPath); err != nil {
			slog.Warn("Failed to reset log file", "path", s.logPath, "error", err)
		}
	}
	rep, err := s.Reap(ctx)
	if err != nil {
		return fmt.Errorf("initial reap: %w", err)
	}
	if rep.Found > 0 {
		slog.Info("Stray workers cleared", "report", rep.String())
	}
	var startErr error
	if err := s.loop.Call(ctx, func() { startErr = s.mon.Start(s.loop, s.cfg.Log.Interval) }); err != nil {
		return err
	}
	if startErr != nil {
		return startErr
	}
	s.sampler.Start(runCtx)
	slog.Info("Panel session opened", "session", s.id, "log", s.logPath, "worker", s.cfg.Worker.Script)
	return nil
}

func truncateLog(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// StartWorker reloads the settings file, checks credentials and launches the
// worker. Errors match supervisor.ErrAlreadyRunning, supervisor.ErrPrecondition
// or supervisor.ErrLaunch. If ctx ends before the loop picks the request up,
// nothing is launched.
func (s *Session) StartWorker(ctx context.Context) error {
	if !s.opened.Load() {
		return ErrNotOpen
	}
	var err error
	if cerr := s.loop.Call(ctx, func() { err = s.sup.Start(s.precondition) }); cerr != nil {
		return cerr
	}
	return err
}

func (s *Session) precondition() error {
	st, err := config.LoadForStart(s.cfg.SettingsPath())
	if err != nil {
		return err
	}
	s.settings = st
	return nil
}

// workerEnv is the OS environment, then the settings, then worker.env.
func (s *Session) workerEnv() []string {
	e := env.New()
	e.FromOS()
	if s.settings != nil {
		e.SetAll(s.settings.Values())
	}
	return e.Merge(s.cfg.Worker.Env)
}

func (s *Session) openOutput() (io.WriteCloser, error) {
	return logger.RotatingWriter(s.logPath, logger.Rotation{
		MaxSizeMB:  s.cfg.Log.MaxSizeMB,
		MaxBackups: s.cfg.Log.MaxBackups,
		MaxAgeDays: s.cfg.Log.MaxAgeDays,
		Compress:   s.cfg.Log.Compress,
	})
}

// StopWorker requests termination of the running worker, if any.
func (s *Session) StopWorker(ctx context.Context) error {
	if !s.opened.Load() {
		return ErrNotOpen
	}
	return s.loop.Call(ctx, s.sup.Stop)
}

// Status snapshots the worker and the log cursor.
func (s *Session) Status(ctx context.Context) (Status, error) {
	if !s.opened.Load() {
		return Status{}, ErrNotOpen
	}
	var st Status
	err := s.loop.Call(ctx, func() {
		st = Status{
			Status:    s.sup.Status(),
			Session:   s.id,
			LogPath:   s.logPath,
			LogCursor: s.mon.Cursor(),
		}
	})
	if err != nil {
		return Status{}, err
	}
	if st.PID > 0 {
		smp, ok := s.sampler.Last()
		if !ok || int(smp.PID) != st.PID {
			smp, ok = s.sampler.Collect(ctx)
		}
		if ok && int(smp.PID) == st.PID {
			st.Sample = &smp
		}
	}
	return st, nil
}

// Reap terminates stray worker instances. The loop is blocked for the scan.
func (s *Session) Reap(ctx context.Context) (supervisor.ReapReport, error) {
	if !s.opened.Load() {
		return supervisor.ReapReport{}, ErrNotOpen
	}
	var rep supervisor.ReapReport
	if err := s.loop.Call(ctx, func() { rep = s.sup.ReapStrayInstances(ctx) }); err != nil {
		return supervisor.ReapReport{}, err
	}
	return rep, nil
}

// Settings returns the settings file with API keys masked.
func (s *Session) Settings() (map[string]string, error) {
	st, err := config.LoadSettings(s.cfg.SettingsPath())
	if err != nil {
		return nil, err
	}
	return st.Masked(), nil
}

// UpdateSettings validates every entry and saves them together. Nothing is
// written when any entry is rejected. A running worker keeps its environment
// until restarted.
func (s *Session) UpdateSettings(values map[string]string) error {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	path := s.cfg.SettingsPath()
	st, err := config.LoadSettings(path)
	if err != nil {
		return err
	}
	var errs []error
	for _, k := range config.Keys {
		if v, ok := values[k]; ok {
			if err := st.Set(k, v); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for k := range values {
		if _, ok := config.Defaults[k]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s", config.ErrUnknownSetting, k))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if err := config.SaveSettings(path, st); err != nil {
		return err
	}
	slog.Info("Settings saved", "path", path, "keys", len(values))
	return nil
}

// LogSince returns buffered log text after seq and the next sequence to ask for.
func (s *Session) LogSince(seq uint64) ([]display.Chunk, uint64) {
	return s.buffer.Since(seq)
}

// Close stops tailing, stops the worker, reaps strays and releases the loop and
// history sink. Idempotent and safe without Open.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.opened.Load() {
			ctx := context.Background()
			if err := s.loop.Call(ctx, s.mon.Stop); err != nil {
				slog.Warn("Failed to stop log monitor on close", "error", err)
			}
			if err := s.loop.Call(ctx, s.sup.Stop); err != nil {
				slog.Warn("Failed to stop worker on close", "error", err)
			}
			var rep supervisor.ReapReport
			if err := s.loop.Call(ctx, func() { rep = s.sup.ReapStrayInstances(ctx) }); err != nil {
				slog.Warn("Final reap skipped", "error", err)
			} else if rep.Found > 0 {
				slog.Info("Stray workers cleared", "report", rep.String())
			}
		}
		s.sampler.Stop()
		if err := s.history.Close(); err != nil {
			slog.Warn("Failed to close history sink", "error", err)
		}
		s.loop.Close()
		s.loop.Wait()
		if s.cancel != nil {
			s.cancel()
		}
		slog.Info("Panel session closed", "session", s.id)
	})
}
