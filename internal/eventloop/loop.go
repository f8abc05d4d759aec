package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned when work is submitted to a loop that has shut down.
var ErrClosed = errors.New("event loop closed")

const defaultQueueSize = 64

// Loop runs posted callbacks one at a time on a single goroutine.
// State that is only touched from callbacks needs no further locking.
type Loop struct {
	queue     chan func()
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
	running   atomic.Bool
}

// New returns a loop with a queue of the given size (default 64 when <= 0).
func New(queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Loop{
		queue:  make(chan func(), queueSize),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// Run executes callbacks until ctx is cancelled or Close is called.
// It must be called at most once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("event loop already running")
	}
	defer close(l.exited)
	for {
		select {
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		case <-l.done:
			return nil
		case fn := <-l.queue:
			l.invoke(fn)
		}
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event loop callback panicked", "panic", r)
		}
	}()
	fn()
}

// Post enqueues fn. It reports false when the loop has shut down.
// Post blocks while the queue is full, so callbacks should not post in bulk.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Call runs fn on the loop and waits for it to finish.
// It must not be called from a loop callback. When ctx ends before fn starts,
// fn is skipped and ctx.Err() is returned; a callback already running is not
// interrupted.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	var skipped bool
	if !l.Post(func() {
		defer close(finished)
		if ctx.Err() != nil {
			skipped = true
			return
		}
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		if skipped {
			return ctx.Err()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// fn may still be queued behind the shutdown; it will never run.
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close stops the loop. Callbacks still queued are dropped. Idempotent.
func (l *Loop) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Wait blocks until Run has returned. It returns immediately when Run was never called.
func (l *Loop) Wait() {
	if !l.running.Load() {
		return
	}
	<-l.exited
}

// Done is closed once the loop shuts down.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Task is a repeating callback scheduled on a Loop.
type Task struct {
	loop     *Loop
	fn       func()
	stop     chan struct{}
	trigger  chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	pending  atomic.Bool
}

// Every schedules fn on the loop every d. At most one run is queued at a time,
// so a slow callback never piles up ticks.
func (l *Loop) Every(d time.Duration, fn func()) *Task {
	t := &Task{
		loop:    l,
		fn:      fn,
		stop:    make(chan struct{}),
		trigger: make(chan struct{}, 1),
	}
	go t.tick(d)
	return t
}

func (t *Task) tick(d time.Duration) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-t.loop.done:
			return
		case <-ticker.C:
			t.schedule()
		case <-t.trigger:
			t.schedule()
		}
	}
}

func (t *Task) schedule() {
	if t.stopped.Load() || !t.pending.CompareAndSwap(false, true) {
		return
	}
	if !t.loop.Post(t.run) {
		t.pending.Store(false)
	}
}

func (t *Task) run() {
	t.pending.Store(false)
	if t.stopped.Load() {
		return
	}
	t.fn()
}

// Trigger requests a run as soon as possible, coalescing with any pending tick.
func (t *Task) Trigger() {
	if t == nil || t.stopped.Load() {
		return
	}
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// Stop cancels the task. When called on the loop, no further run starts.
// Idempotent and nil-safe.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		close(t.stop)
	})
}

// Stopped reports whether Stop has been called.
func (t *Task) Stopped() bool { return t != nil && t.stopped.Load() }
