package tail

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/loykin/workerpanel/internal/display"
	"github.com/loykin/workerpanel/internal/eventloop"
	"github.com/loykin/workerpanel/internal/metrics"
)

const (
	DefaultInterval     = 500 * time.Millisecond
	DefaultMaxReadBytes = 4 << 20
)

// Cursor is the read progress into the log file.
type Cursor struct {
	Offset int64 `json:"offset"` // bytes already delivered
	Size   int64 `json:"size"`   // file size seen by the last poll
}

// State is owned by a Monitor and only touched on the event loop.
type State struct {
	Cursor Cursor

	file            os.FileInfo // identity of the file the cursor refers to
	heldSize        int64       // file size when bytes were last held back, -1 if none
	missingReported bool
}

// Config describes what to tail and how.
type Config struct {
	Path         string
	Encodings    []string // decode order; DefaultEncodings when empty
	MaxReadBytes int64    // per-poll read cap (default 4 MiB)
	Watch        bool     // trigger polls on fsnotify events
}

// Monitor tails a single append-mostly log file into a display sink.
type Monitor struct {
	path     string
	decoders []Decoder
	maxRead  int64
	watch    bool
	sink     display.Sink

	state   State
	task    *eventloop.Task
	watcher *watcher
}

// New creates a Monitor. Unknown encoding names are rejected.
func New(cfg Config, sink display.Sink) (*Monitor, error) {
	if cfg.Path == "" {
		return nil, errors.New("log path is required")
	}
	names := cfg.Encodings
	if len(names) == 0 {
		names = DefaultEncodings
	}
	decs, err := LookupDecoders(names)
	if err != nil {
		return nil, err
	}
	maxRead := cfg.MaxReadBytes
	if maxRead <= 0 {
		maxRead = DefaultMaxReadBytes
	}
	if sink == nil {
		sink = display.Discard{}
	}
	m := &Monitor{path: cfg.Path, decoders: decs, maxRead: maxRead, watch: cfg.Watch, sink: sink}
	m.state.heldSize = -1
	return m, nil
}

// Start schedules Poll on loop every interval. It must be called from the loop
// or before the loop runs.
func (m *Monitor) Start(loop *eventloop.Loop, interval time.Duration) error {
	if m.task != nil && !m.task.Stopped() {
		return errors.New("log monitor already started")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	m.task = loop.Every(interval, m.Poll)
	if m.watch {
		w, err := newWatcher(m.path, m.task.Trigger)
		if err != nil {
			slog.Warn("Log file watch disabled", "path", m.path, "error", err)
		} else {
			m.watcher = w
		}
	}
	slog.Info("Log monitor started", "path", m.path, "interval", interval)
	return nil
}

// Stop cancels polling. Safe without Start and safe to repeat.
func (m *Monitor) Stop() {
	if m.task == nil || m.task.Stopped() {
		return
	}
	m.task.Stop()
	if m.watcher != nil {
		m.watcher.Close()
		m.watcher = nil
	}
	slog.Info("Log monitor stopped", "path", m.path)
}

// Cursor returns the current read progress.
func (m *Monitor) Cursor() Cursor { return m.state.Cursor }

// Poll delivers whatever was appended since the previous poll. Failures are
// logged and shown inline; none escape.
func (m *Monitor) Poll() {
	fi, err := os.Stat(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.missing()
			return
		}
		m.ioFailure(err)
		return
	}
	if m.state.missingReported {
		m.state.missingReported = false
		slog.Info("Log file is back", "path", m.path)
	}
	if fi.IsDir() {
		m.ioFailure(fmt.Errorf("%s is a directory", m.path))
		return
	}

	c := &m.state.Cursor
	size := fi.Size()
	switch {
	case m.state.file != nil && !os.SameFile(m.state.file, fi):
		m.reset("rotated")
	case size < c.Offset:
		m.reset("truncated")
	}
	m.state.file = fi
	c.Size = size
	if size == c.Offset {
		return
	}

	n := size - c.Offset
	if n > m.maxRead {
		n = m.maxRead
	}
	buf, err := readAt(m.path, c.Offset, n)
	if err != nil {
		m.ioFailure(err)
		return
	}

	// Held-back bytes are final once the file stopped growing around them.
	atEOF := m.state.heldSize == size && c.Offset+int64(len(buf)) == size
	text, consumed, enc, err := decodeChunk(buf, atEOF, m.decoders)
	if err != nil {
		metrics.IncTailError("undecodable")
		slog.Error("Failed to decode log chunk", "path", m.path, "offset", c.Offset, "bytes", len(buf), "error", err)
		return
	}
	if text != "" {
		m.sink.Append(text)
	}
	c.Offset += int64(consumed)
	m.state.heldSize = -1
	if consumed < len(buf) {
		m.state.heldSize = size
	}
	metrics.IncTailDecode(enc)
	metrics.AddTailBytes(consumed)
}

func (m *Monitor) reset(reason string) {
	slog.Info("Log cursor reset", "path", m.path, "reason", reason, "offset", m.state.Cursor.Offset)
	metrics.IncTailReset(reason)
	m.state.Cursor = Cursor{}
	m.state.heldSize = -1
}

func (m *Monitor) missing() {
	m.state.Cursor = Cursor{}
	m.state.file = nil
	m.state.heldSize = -1
	if m.state.missingReported {
		return
	}
	m.state.missingReported = true
	metrics.IncTailError("missing")
	slog.Warn("Log file not found", "path", m.path)
	m.sink.Append("Log file not found\n")
}

func (m *Monitor) ioFailure(err error) {
	m.state.Cursor = Cursor{}
	m.state.file = nil
	m.state.heldSize = -1
	metrics.IncTailError("io")
	slog.Error("Failed to read log file", "path", m.path, "error", err)
	m.sink.Append(fmt.Sprintf("Error updating log display: %v\n", err))
}

// readAt reads up to n bytes from off. A short read is returned as is.
func readAt(path string, off, n int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	buf := make([]byte, n)
	got, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:got], nil
}
