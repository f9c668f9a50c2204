// Package watch converts score archives as they appear in a directory.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/FocuswithJustin/msczkit/internal/logging"
	"github.com/FocuswithJustin/msczkit/internal/mscz"
)

// DefaultDebounce is how long a file must stay quiet before it is handled.
const DefaultDebounce = 500 * time.Millisecond

// Handler processes one settled file. Errors are logged and counted; they
// never stop the watcher.
type Handler func(ctx context.Context, path string) error

// Stats counts watcher activity.
type Stats struct {
	Events   int
	Handled  int
	Failed   int
	Errors   int
	LastPath string
}

// Watcher runs Handler for every archive created in, written to or moved
// into Dir.
type Watcher struct {
	Dir      string
	Handler  Handler
	Debounce time.Duration
	Workers  int

	mu       sync.Mutex
	pending  map[string]time.Time
	inflight map[string]bool
	stats    Stats
	ready    chan struct{}
}

// New returns a watcher on dir with default settings.
func New(dir string, h Handler) *Watcher {
	return &Watcher{Dir: dir, Handler: h, ready: make(chan struct{})}
}

// Ready is closed once the directory is being watched.
func (w *Watcher) Ready() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ready == nil {
		w.ready = make(chan struct{})
	}
	return w.ready
}

// Stats returns a snapshot of the counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Run watches until ctx is cancelled, then waits for running handlers and
// returns nil. It fails only when the directory cannot be watched.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.Dir); err != nil {
		return err
	}

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	workers := w.Workers
	if workers <= 0 {
		workers = 1
	}

	w.mu.Lock()
	w.pending = make(map[string]time.Time)
	w.inflight = make(map[string]bool)
	if w.ready == nil {
		w.ready = make(chan struct{})
	}
	close(w.ready)
	w.mu.Unlock()
	logging.InfoContext(ctx, "watch_started", "dir", w.Dir)

	var g errgroup.Group
	g.SetLimit(workers)
	defer g.Wait()

	tick := time.NewTicker(debounce / 5)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.InfoContext(ctx, "watch_stopped", "dir", w.Dir)
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.observe(ev)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.WarnContext(ctx, "watch_error", "dir", w.Dir, "error", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case now := <-tick.C:
			w.dispatch(now, debounce, func(path string) bool {
				return g.TryGo(func() error {
					w.handle(ctx, path)
					return nil
				})
			})
		}
	}
}

func (w *Watcher) observe(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if !strings.EqualFold(filepath.Ext(ev.Name), mscz.ArchiveExt) || strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return
	}
	w.mu.Lock()
	w.pending[ev.Name] = time.Now()
	w.stats.Events++
	w.mu.Unlock()
}

// dispatch hands paths quiet for at least debounce, and not already being
// handled, to start. When start reports the pool is full the remaining paths
// stay pending for a later tick, so the event loop never blocks on workers.
func (w *Watcher) dispatch(now time.Time, debounce time.Duration, start func(path string) bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, seen := range w.pending {
		if now.Sub(seen) < debounce || w.inflight[path] {
			continue
		}
		if !start(path) {
			return
		}
		delete(w.pending, path)
		w.inflight[path] = true
	}
}

func (w *Watcher) handle(ctx context.Context, path string) {
	defer func() {
		w.mu.Lock()
		delete(w.inflight, path)
		w.mu.Unlock()
	}()

	if fi, err := os.Stat(path); err != nil || !fi.Mode().IsRegular() {
		return
	}
	err := w.Handler(ctx, path)

	w.mu.Lock()
	w.stats.LastPath = path
	if err != nil {
		w.stats.Failed++
	} else {
		w.stats.Handled++
	}
	w.mu.Unlock()

	if err != nil {
		logging.WarnContext(ctx, "watch_handler_failed", "path", path, "error", err)
	}
}
