package display

import (
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Sink receives text for the user-visible log area and the state of the
// start/stop controls. Calls arrive on the event-loop goroutine.
type Sink interface {
	// Append adds text to the end of the log area. Text may span or split lines.
	Append(text string)
	// SetControlsEnabled switches the controls for a running (start disabled,
	// stop enabled) or stopped worker.
	SetControlsEnabled(running bool)
}

// Console writes appended text verbatim to W and renders control state
// changes as colored status lines. Repeated states are printed once.
type Console struct {
	W io.Writer

	mu         sync.Mutex
	atLineHead bool
	running    *bool
}

// NewConsole returns a Console writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{W: w, atLineHead: true}
}

var (
	runningColor = color.New(color.FgGreen, color.Bold)
	stoppedColor = color.New(color.FgYellow)
)

func (c *Console) Append(text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.W, text)
	c.atLineHead = strings.HasSuffix(text, "\n")
}

func (c *Console) SetControlsEnabled(running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running != nil && *c.running == running {
		return
	}
	c.running = &running
	if !c.atLineHead {
		_, _ = io.WriteString(c.W, "\n")
		c.atLineHead = true
	}
	if running {
		_, _ = runningColor.Fprintln(c.W, "[worker running]")
	} else {
		_, _ = stoppedColor.Fprintln(c.W, "[worker stopped]")
	}
}

// Multi fans out to every sink in order.
type Multi []Sink

func (m Multi) Append(text string) {
	for _, s := range m {
		s.Append(text)
	}
}

func (m Multi) SetControlsEnabled(running bool) {
	for _, s := range m {
		s.SetControlsEnabled(running)
	}
}

// Discard drops everything.
type Discard struct{}

func (Discard) Append(string)           {}
func (Discard) SetControlsEnabled(bool) {}
