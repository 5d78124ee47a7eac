package compiler

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/forgepack/forgepack/compilation"
	"github.com/forgepack/forgepack/records"
)

// WatchOptions configures a watch session (spec.md §4.8).
type WatchOptions struct {
	// Paths are the files and directories fsnotify watches directly.
	// Watching a directory does not recurse; callers add every directory
	// that can gain or lose a relevant file.
	Paths []string
	// AggregateTimeout debounces a burst of filesystem events into a
	// single rebuild. Zero means no debounce — each event triggers a
	// rebuild immediately.
	AggregateTimeout time.Duration
}

// Watching drives repeated compiles in response to filesystem change
// events (spec.md §4.8), replacing the Compiler's single Run with a
// standing session. Obtained from Compiler.Watch; stopped with Close.
type Watching struct {
	compiler         *Compiler
	handler          func(*compilation.Stats, error)
	watcher          *fsnotify.Watcher
	aggregateTimeout time.Duration

	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}
}

// Watch starts a watch session: it triggers an immediate build, then
// rebuilds on every debounced batch of filesystem changes until Close is
// called (spec.md §4.8). Only one build or watch session may be active on
// a Compiler at a time (spec.md §8, invariant 7).
func (c *Compiler) Watch(ctx context.Context, opts WatchOptions, handler func(*compilation.Stats, error)) (*Watching, error) {
	if err := c.beginRun(); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return nil, err
	}
	for _, p := range opts.Paths {
		if addErr := fsw.Add(p); addErr != nil {
			fsw.Close()
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			return nil, addErr
		}
	}

	c.watchMode = true

	w := &Watching{
		compiler:         c,
		handler:          handler,
		watcher:          fsw,
		aggregateTimeout: opts.AggregateTimeout,
		closeCh:          make(chan struct{}),
		doneCh:           make(chan struct{}),
	}

	go w.loop(ctx)
	w.triggerBuild(ctx)

	return w, nil
}

// Close stops the watch session: the filesystem watcher is torn down, the
// watchClose hook fires, and the Compiler is freed for another Run or
// Watch call. Close does not shut the cache down — that remains
// Compiler.Close's job (spec.md §4.5).
func (w *Watching) Close() {
	w.closeOnce.Do(func() {
		close(w.closeCh)
		<-w.doneCh

		c := w.compiler
		c.Hooks.WatchClose.Call(struct{}{})

		c.mu.Lock()
		c.running = false
		c.watchMode = false
		c.mu.Unlock()
	})
}

func (w *Watching) loop(ctx context.Context) {
	defer w.watcher.Close()
	defer close(w.doneCh)

	var timer *time.Timer
	var timerCh <-chan time.Time
	pending := map[string]int64{}

	resetTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.NewTimer(w.aggregateTimeout)
		timerCh = timer.C
	}

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			now := time.Now().UnixNano()
			c := w.compiler
			if ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0 {
				c.RemovedFiles[ev.Name] = true
				delete(c.ModifiedFiles, ev.Name)
			} else {
				c.ModifiedFiles[ev.Name] = true
				delete(c.RemovedFiles, ev.Name)
			}
			c.FileTimestamps[ev.Name] = now
			pending[ev.Name] = now
			resetTimer()

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

		case <-timerCh:
			timerCh = nil
			for name, t := range pending {
				w.compiler.Hooks.Invalid.Call(InvalidArgs{Filename: name, ChangeTime: t})
			}
			pending = map[string]int64{}
			w.triggerBuild(ctx)

		case <-w.closeCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// triggerBuild runs one compile cycle within the watch session: unlike
// Run, it fires watchRun in place of beforeRun/run and never clears the
// Compiler's running flag — that stays held for the session's whole
// lifetime (spec.md §4.8).
func (w *Watching) triggerBuild(ctx context.Context) {
	c := w.compiler
	c.startTime = time.Now()

	finalize := c.watchFinalizer(w.handler)

	if c.idle {
		if err := c.Cache.EndIdle(ctx); err != nil {
			finalize(nil, err)
			return
		}
		c.idle = false
	}

	if err := c.Hooks.WatchRun.CallAsync(ctx, c); err != nil {
		finalize(nil, err)
		return
	}

	store, err := records.Read(c.FS.Intermediate, c.RecordsInputPath)
	if err != nil {
		finalize(nil, err)
		return
	}
	c.Records = store

	c.compile(ctx, func(comp compilation.Compilation, err error) {
		c.onCompiled(ctx, comp, err, finalize)
	})
}

// watchFinalizer mirrors finalizer but leaves the running flag untouched,
// since a watch session keeps it held between builds (spec.md §4.8).
func (c *Compiler) watchFinalizer(handler func(*compilation.Stats, error)) func(*compilation.Stats, error) {
	return func(stats *compilation.Stats, err error) {
		c.Cache.BeginIdle()
		c.mu.Lock()
		c.idle = true
		c.mu.Unlock()

		if err != nil {
			c.Hooks.Failed.Call(err)
		}
		if handler != nil {
			handler(stats, err)
		}
		c.Hooks.AfterDone.Call(stats)
	}
}
