package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loykin/workerpanel/internal/process"
)

type fakeWorker struct {
	pid        int
	mu         sync.Mutex
	terminates int
	exit       chan error
}

func newFakeWorker(pid int) *fakeWorker { return &fakeWorker{pid: pid, exit: make(chan error, 1)} }

func (w *fakeWorker) PID() int { return w.pid }

func (w *fakeWorker) Terminate() error {
	w.mu.Lock()
	w.terminates++
	w.mu.Unlock()
	return nil
}

func (w *fakeWorker) Wait() error { return <-w.exit }

func (w *fakeWorker) terminateCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terminates
}

type fakeLauncher struct {
	err     error
	nextPID int
	specs   []process.Spec
	workers []*fakeWorker
}

func (l *fakeLauncher) Launch(spec process.Spec) (process.Worker, error) {
	l.specs = append(l.specs, spec)
	if l.err != nil {
		if spec.Output != nil {
			_ = spec.Output.Close()
		}
		return nil, l.err
	}
	l.nextPID++
	w := newFakeWorker(1000 + l.nextPID)
	l.workers = append(l.workers, w)
	return w, nil
}

// queue is a Dispatcher whose callbacks run only when the test drains it.
type queue struct {
	mu  sync.Mutex
	fns []func()
}

func (q *queue) Post(fn func()) bool {
	q.mu.Lock()
	q.fns = append(q.fns, fn)
	q.mu.Unlock()
	return true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fns)
}

func (q *queue) drain() {
	q.mu.Lock()
	fns := q.fns
	q.fns = nil
	q.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type controlSink struct {
	text  []string
	state []bool
}

func (c *controlSink) Append(s string)             { c.text = append(c.text, s) }
func (c *controlSink) SetControlsEnabled(run bool) { c.state = append(c.state, run) }

func (c *controlSink) last() (bool, bool) {
	if len(c.state) == 0 {
		return false, false
	}
	return c.state[len(c.state)-1], true
}

// fakeTable is an in-memory process table.
type fakeTable struct {
	records    []process.Record
	listErr    error
	results    map[int32]error
	panicOn    int32
	terminated []int32
}

func (f *fakeTable) List(context.Context) ([]process.Record, error) {
	return f.records, f.listErr
}

func (f *fakeTable) Terminate(_ context.Context, pid int32, _ time.Duration) error {
	if f.panicOn != 0 && pid == f.panicOn {
		panic("boom")
	}
	f.terminated = append(f.terminated, pid)
	if err, ok := f.results[pid]; ok {
		return err
	}
	return nil
}

var errSpawn = errors.New("fork/exec: resource temporarily unavailable")
