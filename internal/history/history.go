package history

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
	EventExit  EventType = "exit"
	EventReap  EventType = "reap"
)

// Event is one worker lifecycle event.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Session    string    `json:"session"`
	PID        int       `json:"pid"`
	Command    string    `json:"command"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const sendTimeout = 2 * time.Second

// Recorder stamps events with the session id and writes them to a sink.
// Send failures are logged, never returned. A nil Recorder drops everything.
type Recorder struct {
	sink    Sink
	session string
}

// NewRecorder returns a Recorder for sink, or nil when sink is nil.
func NewRecorder(sink Sink, session string) *Recorder {
	if sink == nil {
		return nil
	}
	return &Recorder{sink: sink, session: session}
}

// Record writes e synchronously with a short timeout.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	if e.Session == "" {
		e.Session = r.session
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := r.sink.Send(ctx, e); err != nil {
		slog.Warn("Failed to record history event", "event", e.Type, "pid", e.PID, "error", err)
	}
}

// Close closes the sink when it holds resources.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	if c, ok := r.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
