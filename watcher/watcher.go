// Package watcher turns a raw filesystem event stream into debounced
// incremental index passes: events reset a quiet-window timer, and only a
// full quiet window triggers the pipeline. Health telemetry is the only
// mutable state the watcher owns.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"sdl/clock"
)

// DefaultDebounce is the quiet window before a batch triggers a pass.
const DefaultDebounce = 500 * time.Millisecond

// staleAfter is how long without events before health reports stale.
const staleAfter = 60 * time.Second

// Stall retry budget: a broken event stream is transient — the watcher
// reconnects with backoff and only an exhausted budget surfaces ErrStalled.
const (
	stallRetries = 3
	stallBackoff = time.Second
)

// ErrStalled marks a watcher whose event stream kept dying through the whole
// retry budget.
var ErrStalled = errors.New("watcher: stalled")

// errStreamClosed is the per-attempt failure the supervision loop retries.
var errStreamClosed = errors.New("watcher: event stream closed")

// Health is the per-repo watcher telemetry.
type Health struct {
	LastEventAt time.Time `json:"lastEventAt"`
	Errors      int       `json:"errors"`
	Stale       bool      `json:"stale"`
	Active      bool      `json:"active"`
}

// Trigger runs one incremental pass; the watcher never cares about the
// result beyond logging.
type Trigger func(ctx context.Context) error

// Watcher follows one repository tree.
type Watcher struct {
	repoID   string
	root     string
	debounce time.Duration
	clk      clock.Clock
	trigger  Trigger
	logger   *log.Logger
	// backoff между реконнектами; поле, чтобы тесты не спали секундами.
	stallBackoff time.Duration

	mu        sync.Mutex
	lastEvent time.Time
	errors    int
	active    bool
}

func New(repoID, root string, debounce time.Duration, clk clock.Clock, trigger Trigger, logger *log.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if clk == nil {
		clk = clock.System
	}
	if logger == nil {
		logger = log.New(os.Stderr, "watcher: ", log.LstdFlags)
	}
	return &Watcher{
		repoID:       repoID,
		root:         root,
		debounce:     debounce,
		clk:          clk,
		trigger:      trigger,
		logger:       logger,
		stallBackoff: stallBackoff,
	}
}

// Run watches until the context ends, reconnecting the event stream when it
// dies. Stalls surface only after the retry budget.
func (w *Watcher) Run(ctx context.Context) error {
	return w.supervise(ctx, w.runOnce)
}

// supervise is the stall-retry loop, separated so tests can drive it with a
// synthetic runOnce.
func (w *Watcher) supervise(ctx context.Context, runOnce func(context.Context) error) error {
	backoff := w.stallBackoff
	var err error
	for attempt := 0; attempt < stallRetries; attempt++ {
		err = runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			return nil
		}
		w.recordError(err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %v", ErrStalled, err)
}

// runOnce attaches one fsnotify stream. Directories created during the run
// are added to the watch set on the fly.
func (w *Watcher) runOnce(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := w.addTree(fsw, w.root); err != nil {
		return err
	}

	w.mu.Lock()
	w.active = true
	w.lastEvent = w.clk.Now()
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.active = false
		w.mu.Unlock()
	}()

	return w.loop(ctx, fsw.Events, fsw.Errors, fsw)
}

// loop is the debounce core, separated so tests can drive it with synthetic
// channels (fsw may be nil then).
func (w *Watcher) loop(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error, fsw *fsnotify.Watcher) error {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return errStreamClosed
			}
			if w.skip(ev) {
				continue
			}
			w.mu.Lock()
			w.lastEvent = w.clk.Now()
			w.mu.Unlock()

			if fsw != nil && ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(fsw, ev.Name); err != nil {
						w.recordError(err)
					}
				}
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case err, ok := <-errs:
			if !ok {
				return errStreamClosed
			}
			w.recordError(err)

		case <-fire:
			timer = nil
			fire = nil
			if err := w.trigger(ctx); err != nil {
				w.recordError(err)
			}
		}
	}
}

func (w *Watcher) skip(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return true
	}
	base := filepath.Base(ev.Name)
	if base == ".git" || strings.Contains(ev.Name, string(filepath.Separator)+".git"+string(filepath.Separator)) {
		return true
	}
	// Editor temp artifacts churn constantly.
	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, ".tmp") {
		return true
	}
	return false
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // races with deletions are expected
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return fs.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			w.logger.Printf("watch %s: %v", path, err)
		}
		return nil
	})
}

func (w *Watcher) recordError(err error) {
	w.logger.Printf("%s: %v", w.repoID, err)
	w.mu.Lock()
	w.errors++
	w.mu.Unlock()
}

// Health reports telemetry; stale means an active watcher saw nothing for
// over a minute.
func (w *Watcher) Health() Health {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := Health{
		LastEventAt: w.lastEvent,
		Errors:      w.errors,
		Active:      w.active,
	}
	if w.active && w.clk.Now().Sub(w.lastEvent) > staleAfter {
		h.Stale = true
	}
	return h
}
