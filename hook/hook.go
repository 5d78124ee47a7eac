// Package hook implements the typed extension-point registry plugins tap
// into. Four hook kinds are provided — SyncHook, SyncBailHook,
// AsyncSeriesHook, and AsyncParallelHook — mirroring the four dispatch
// semantics a module-bundling driver needs: fire-and-forget observation,
// short-circuiting decisions, sequential async pipelines, and fanned-out
// async work.
//
// A Hook's parameter shape is fixed at construction via its Go type
// parameter; the set of hooks on a Compiler is frozen once the Compiler is
// built (see the compiler package), only each hook's tap list mutates.
package hook

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
)

// TapOptions controls where a tap lands in the invocation order relative to
// its peers. The zero value places a tap at stage 0, ordered by
// registration.
type TapOptions struct {
	// Stage orders taps within a hook; lower stages run first. Ties break
	// by registration order.
	Stage int
	// Before names taps that must run after this one. Best-effort: applied
	// as a single reordering pass over the stage-sorted list.
	Before []string
}

type tap[F any] struct {
	name  string
	fn    F
	opts  TapOptions
	index int // registration order; order() breaks stage ties by slice position via a stable sort
}

// order returns tap indices sorted per spec.md §4.1: stage ascending (ties
// broken by registration order), then a best-effort pass honoring Before.
func order[F any](taps []tap[F]) []int {
	idx := make([]int, len(taps))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return taps[idx[a]].opts.Stage < taps[idx[b]].opts.Stage
	})

	pos := make(map[string]int, len(idx))
	for p, i := range idx {
		pos[taps[i].name] = p
	}

	for p, i := range idx {
		for _, before := range taps[i].opts.Before {
			target, ok := pos[before]
			if !ok || target >= p {
				continue
			}
			// Move i to just before target, shifting the run between.
			moved := idx[p]
			copy(idx[target+1:p+1], idx[target:p])
			idx[target] = moved
			for q := target; q <= p; q++ {
				pos[taps[idx[q]].name] = q
			}
		}
	}
	return idx
}

// ArgumentError reports misuse at a hook-bus API boundary, e.g. tapping a
// hook with an empty name.
type ArgumentError struct {
	Reason string
}

func (e *ArgumentError) Error() string { return "hook: argument error: " + e.Reason }

func requireName(name string) error {
	if name == "" {
		return &ArgumentError{Reason: "tap name must not be empty"}
	}
	return nil
}

// SyncHook invokes its taps in order; no tap result flows back to the
// caller. A tap failure propagates out of Call immediately.
type SyncHook[T any] struct {
	taps []tap[func(T) error]
}

// Tap registers a plain synchronous subscriber.
func (h *SyncHook[T]) Tap(name string, fn func(T) error, opts ...TapOptions) error {
	if err := requireName(name); err != nil {
		return err
	}
	h.taps = append(h.taps, tap[func(T) error]{name: name, fn: fn, opts: firstOpts(opts), index: len(h.taps)})
	return nil
}

// Call invokes every tap in order, stopping and returning the first error.
func (h *SyncHook[T]) Call(arg T) error {
	for _, i := range order(h.taps) {
		if err := h.taps[i].fn(arg); err != nil {
			return fmt.Errorf("tap %q: %w", h.taps[i].name, err)
		}
	}
	return nil
}

// Taps returns the registered tap names in invocation order, for tests and
// diagnostics.
func (h *SyncHook[T]) Taps() []string {
	return names(h.taps)
}

// Clone copies the tap list into a fresh hook of the same shape. Used by
// the Child Compiler to inherit taps from its parent (spec.md §4.6).
func (h *SyncHook[T]) Clone() *SyncHook[T] {
	c := &SyncHook[T]{taps: make([]tap[func(T) error], len(h.taps))}
	copy(c.taps, h.taps)
	return c
}

// SyncBailHook invokes taps in order; the first tap to return ok=true
// short-circuits the hook with that value.
type SyncBailHook[T any, R any] struct {
	taps []tap[func(T) (R, bool)]
}

func (h *SyncBailHook[T, R]) Tap(name string, fn func(T) (R, bool), opts ...TapOptions) error {
	if err := requireName(name); err != nil {
		return err
	}
	h.taps = append(h.taps, tap[func(T) (R, bool)]{name: name, fn: fn, opts: firstOpts(opts), index: len(h.taps)})
	return nil
}

// Call returns the first tap's defined result, or the zero value and false
// if every tap declined an opinion.
func (h *SyncBailHook[T, R]) Call(arg T) (R, bool) {
	for _, i := range order(h.taps) {
		if r, ok := h.taps[i].fn(arg); ok {
			return r, true
		}
	}
	var zero R
	return zero, false
}

func (h *SyncBailHook[T, R]) Taps() []string { return names(h.taps) }

func (h *SyncBailHook[T, R]) Clone() *SyncBailHook[T, R] {
	c := &SyncBailHook[T, R]{taps: make([]tap[func(T) (R, bool)], len(h.taps))}
	copy(c.taps, h.taps)
	return c
}

// AsyncSeriesHook invokes taps sequentially, awaiting each before starting
// the next. Any tap failure aborts the series and is returned.
type AsyncSeriesHook[T any] struct {
	taps []tap[func(context.Context, T) error]
}

func (h *AsyncSeriesHook[T]) Tap(name string, fn func(context.Context, T) error, opts ...TapOptions) error {
	if err := requireName(name); err != nil {
		return err
	}
	h.taps = append(h.taps, tap[func(context.Context, T) error]{name: name, fn: fn, opts: firstOpts(opts), index: len(h.taps)})
	return nil
}

func (h *AsyncSeriesHook[T]) CallAsync(ctx context.Context, arg T) error {
	for _, i := range order(h.taps) {
		if err := h.taps[i].fn(ctx, arg); err != nil {
			return &HookTapFailure{Tap: h.taps[i].name, Err: err}
		}
	}
	return nil
}

func (h *AsyncSeriesHook[T]) Taps() []string { return names(h.taps) }

func (h *AsyncSeriesHook[T]) Clone() *AsyncSeriesHook[T] {
	c := &AsyncSeriesHook[T]{taps: make([]tap[func(context.Context, T) error], len(h.taps))}
	copy(c.taps, h.taps)
	return c
}

// AsyncParallelHook starts every tap concurrently and completes once all
// have completed, aggregating any failures.
type AsyncParallelHook[T any] struct {
	taps []tap[func(context.Context, T) error]
}

func (h *AsyncParallelHook[T]) Tap(name string, fn func(context.Context, T) error, opts ...TapOptions) error {
	if err := requireName(name); err != nil {
		return err
	}
	h.taps = append(h.taps, tap[func(context.Context, T) error]{name: name, fn: fn, opts: firstOpts(opts), index: len(h.taps)})
	return nil
}

func (h *AsyncParallelHook[T]) CallAsync(ctx context.Context, arg T) error {
	order := order(h.taps)
	errs := make([]error, len(order))
	done := make(chan int, len(order))
	for slot, i := range order {
		i, slot := i, slot
		go func() {
			if err := h.taps[i].fn(ctx, arg); err != nil {
				errs[slot] = &HookTapFailure{Tap: h.taps[i].name, Err: err}
			}
			done <- slot
		}()
	}
	for range order {
		<-done
	}
	var merged error
	for _, err := range errs {
		if err != nil {
			merged = multierror.Append(merged, err)
		}
	}
	return merged
}

func (h *AsyncParallelHook[T]) Taps() []string { return names(h.taps) }

func (h *AsyncParallelHook[T]) Clone() *AsyncParallelHook[T] {
	c := &AsyncParallelHook[T]{taps: make([]tap[func(context.Context, T) error], len(h.taps))}
	copy(c.taps, h.taps)
	return c
}

// HookTapFailure wraps a failure surfaced by a tap through an async hook
// (spec.md §7).
type HookTapFailure struct {
	Tap string
	Err error
}

func (e *HookTapFailure) Error() string { return fmt.Sprintf("tap %q: %v", e.Tap, e.Err) }
func (e *HookTapFailure) Unwrap() error { return e.Err }

func firstOpts(opts []TapOptions) TapOptions {
	if len(opts) == 0 {
		return TapOptions{}
	}
	return opts[0]
}

func names[F any](taps []tap[F]) []string {
	out := make([]string, len(taps))
	for i, t := range taps {
		out[i] = t.name
	}
	return out
}
