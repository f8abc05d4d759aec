package tail

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// watcher nudges the monitor when the log file changes. The parent directory is
// watched so that the file can be replaced or recreated.
type watcher struct {
	fsw       *fsnotify.Watcher
	target    string
	nudge     func()
	closeOnce sync.Once
	done      sync.WaitGroup
}

func newWatcher(path string, nudge func()) (*watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w := &watcher{fsw: fsw, target: abs, nudge: nudge}
	w.done.Add(1)
	go w.loop()
	return w, nil
}

func (w *watcher) loop() {
	defer w.done.Done()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				w.nudge()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Debug("Log watcher error", "path", w.target, "error", err)
		}
	}
}

func (w *watcher) Close() {
	w.closeOnce.Do(func() {
		_ = w.fsw.Close()
		w.done.Wait()
	})
}
