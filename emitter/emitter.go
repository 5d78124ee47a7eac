// Package emitter implements the Asset Emission Engine (spec.md §4.4): a
// bounded-concurrency writer with write-skip, content-compare, and
// case-collision detection.
//
// The write protocol mirrors the per-asset shape spec.md §4.4 lays out
// step by step; the concurrency bound (15 in-flight writes) is enforced
// with golang.org/x/sync/errgroup's Group.SetLimit; the first failing write
// is the error EmitAssets returns.
package emitter

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/forgepack/forgepack/compilation"
	"github.com/forgepack/forgepack/hook"
	"github.com/forgepack/forgepack/iofs"
)

// Concurrency is the fixed bound on in-flight write-protocol invocations
// per emission (spec.md §4.4, "Concurrency bound").
const Concurrency = 15

// Options configures one emission pass.
type Options struct {
	// CompareBeforeEmit enables step 9 of the write protocol: when the
	// target already exists at the same size, byte-compare before
	// deciding to skip the write.
	CompareBeforeEmit bool
}

// CaseCollisionError reports two asset names resolving to target paths
// that collide on a case-insensitive filesystem, or to the very same path
// because they differ only in a ?query suffix (spec.md §7,
// "CaseCollision").
type CaseCollisionError struct {
	Existing string
	New      string
}

func (e *CaseCollisionError) Error() string {
	return fmt.Sprintf("emitter: case collision between %q and %q", e.Existing, e.New)
}

// IOFailure wraps an underlying filesystem error (spec.md §7, "IOFailure").
type IOFailure struct {
	Op   string
	Path string
	Err  error
}

func (e *IOFailure) Error() string { return fmt.Sprintf("emitter: %s %s: %v", e.Op, e.Path, e.Err) }
func (e *IOFailure) Unwrap() error { return e.Err }

// sourceEntry is the per-Source cache record spec.md §3 describes as
// assetEmittingSourceCache's value shape.
type sourceEntry struct {
	sizeOnly  *compilation.SizeOnlySource
	writtenTo map[string]int64
}

// Cache holds the per-compiler, cross-build emission state spec.md §3
// attributes to the Compiler: assetEmittingWrittenFiles and
// assetEmittingSourceCache. It outlives any single emission pass.
type Cache struct {
	mu           sync.Mutex
	writtenFiles map[string]int64 // targetPath -> generation, non-decreasing (invariant 1)
	bySource     map[compilation.Source]*sourceEntry
}

// NewCache returns an empty Cache — the state a freshly constructed
// Compiler starts with.
func NewCache() *Cache {
	return &Cache{
		writtenFiles: make(map[string]int64),
		bySource:     make(map[compilation.Source]*sourceEntry),
	}
}

func (c *Cache) generation(targetPath string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.writtenFiles[targetPath]
	return g, ok
}

// sameAsWritten reports whether source is already known to have been
// written to targetPath at generation gen (spec.md §4.4 step 7). Guarded by
// mu since entry.writtenTo is shared with concurrent writeOne calls for
// other assets of the same Source.
func (c *Cache) sameAsWritten(source compilation.Source, targetPath string, gen int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.bySource[source]
	if !ok {
		return false
	}
	written, ok := e.writtenTo[targetPath]
	return ok && written == gen
}

// sizeOnlyFor returns the shared SizeOnlySource surrogate for source,
// creating it on first use (spec.md §4.4 step 12). Guarded by mu for the
// same reason as sameAsWritten.
func (c *Cache) sizeOnlyFor(source compilation.Source, size int64) *compilation.SizeOnlySource {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryForLocked(source)
	if e.sizeOnly == nil {
		e.sizeOnly = compilation.NewSizeOnlySource(size)
	}
	return e.sizeOnly
}

func (c *Cache) recordWrite(source compilation.Source, targetPath string, gen int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writtenFiles[targetPath] = gen
	c.entryForLocked(source).writtenTo[targetPath] = gen
}

func (c *Cache) entryForLocked(source compilation.Source) *sourceEntry {
	e, ok := c.bySource[source]
	if !ok {
		e = &sourceEntry{writtenTo: make(map[string]int64)}
		c.bySource[source] = e
	}
	return e
}

// Forget drops a source's cache entry, e.g. when a Compilation seal step
// knows it will never reference that Source again (spec.md §9,
// "Source-identity cache").
func (c *Cache) Forget(source compilation.Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bySource, source)
}

// AssetEmittedEvent is the payload of the assetEmitted hook
// (spec.md §4.4 step 11c).
type AssetEmittedEvent struct {
	File        string
	Content     []byte
	Source      compilation.Source
	OutputPath  string
	Compilation compilation.Compilation
	TargetPath  string
}

// Engine performs emission passes against a single output filesystem.
type Engine struct {
	Output afero.Fs
	Logger logr.Logger

	// AssetEmitted is dispatched async-series for every successfully
	// written (or compare-skipped) asset (spec.md §6 hook catalogue).
	AssetEmitted *hook.AsyncSeriesHook[AssetEmittedEvent]
}

// New constructs an Engine bound to output. assetEmitted may be nil, in
// which case step 11c of the write protocol is skipped.
func New(output afero.Fs, logger logr.Logger, assetEmitted *hook.AsyncSeriesHook[AssetEmittedEvent]) *Engine {
	return &Engine{Output: output, Logger: logger, AssetEmitted: assetEmitted}
}

// writeOutcome carries what happened to one asset's write protocol so its
// Compilation mutations (MarkEmitted, MarkComparedForEmit, UpdateAsset) can
// be applied on the caller's goroutine after every write-protocol
// invocation has finished, rather than from inside the bounded worker pool
// (spec.md §5: "no shared-mutable state between parallel threads" — comp is
// shared across every in-flight asset write, so it must not be mutated
// concurrently from the pool's goroutines).
type writeOutcome struct {
	name     string
	emitted  bool
	compared bool
	sizeOnly *compilation.SizeOnlySource
	info     compilation.AssetInfo
}

// EmitAssets runs the write protocol over every asset comp currently holds,
// bounded by Concurrency concurrent writes (spec.md §4.4). Compilation
// mutations are collected per asset and applied sequentially once every
// write has completed, so comp itself is never touched from more than one
// goroutine at a time.
func (e *Engine) EmitAssets(ctx context.Context, comp compilation.Compilation, cache *Cache, outputPath string, opts Options) error {
	if err := iofs.MkdirAll(e.Output, outputPath); err != nil {
		return err
	}

	assets := comp.GetAssets()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(Concurrency)

	var collideMu sync.Mutex
	seenLower := make(map[string]string, len(assets))
	outcomes := make([]*writeOutcome, len(assets))

	for i, asset := range assets {
		i, asset := i, asset
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			outcome, err := e.writeOne(gctx, comp, cache, outputPath, asset, opts, &collideMu, seenLower)
			if err != nil {
				return err
			}
			outcomes[i] = outcome
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for _, outcome := range outcomes {
		if outcome == nil {
			continue
		}
		if outcome.compared {
			comp.MarkComparedForEmit(outcome.name)
		}
		if outcome.emitted {
			comp.MarkEmitted(outcome.name)
		}
		if outcome.sizeOnly != nil {
			comp.UpdateAsset(outcome.name, outcome.sizeOnly, outcome.info)
		}
	}

	return nil
}

// writeOne runs the write protocol for a single asset. comp is threaded
// through only to populate the read-only assetEmitted event payload
// (spec.md §4.4 step 11c, "compilation") — writeOne never calls any of
// comp's mutator methods itself; EmitAssets applies every mutation
// sequentially from outcome once the whole pool has finished.
func (e *Engine) writeOne(
	ctx context.Context,
	comp compilation.Compilation,
	cache *Cache,
	outputPath string,
	asset compilation.Asset,
	opts Options,
	collideMu *sync.Mutex,
	seenLower map[string]string,
) (*writeOutcome, error) {
	// Step 1: strip any ?query suffix.
	targetFile := asset.Name
	if i := strings.IndexByte(targetFile, '?'); i >= 0 {
		targetFile = targetFile[:i]
	}

	// Step 2: create the parent directory if the target nests.
	if dir := filepath.Dir(targetFile); dir != "." && dir != "/" {
		if err := iofs.MkdirAll(e.Output, filepath.Join(outputPath, dir)); err != nil {
			return nil, &IOFailure{Op: "mkdir", Path: filepath.Join(outputPath, dir), Err: err}
		}
	}

	// Step 3.
	targetPath := filepath.Join(outputPath, targetFile)

	// Step 4: case-collision check, scoped to this emission. A second asset
	// landing on an already-claimed lowercased path collides, including one
	// whose name differs only in its ?query suffix (same targetPath).
	lower := strings.ToLower(targetPath)
	collideMu.Lock()
	if existing, ok := seenLower[lower]; ok {
		collideMu.Unlock()
		return nil, &CaseCollisionError{Existing: existing, New: targetPath}
	}
	seenLower[lower] = targetPath
	collideMu.Unlock()

	outcome := &writeOutcome{name: asset.Name}

	// Step 6.
	gen, hasGen := cache.generation(targetPath)

	// Step 7: skip-if-same-source.
	if hasGen && cache.sameAsWritten(asset.Source, targetPath, gen) {
		outcome.sizeOnly, outcome.info = e.sizeOnlySurrogate(cache, asset)
		return outcome, nil
	}

	shouldWrite := true

	// Step 8/9: immutable-untouched and compare-before-emit only apply
	// when this compiler has never written this target path before.
	if !hasGen {
		if asset.Info.Immutable || opts.CompareBeforeEmit {
			equal, existed, err := e.compareExisting(targetPath, asset.Source)
			if err != nil {
				return nil, err
			}
			if existed && equal {
				outcome.compared = true
				shouldWrite = false
			}
		}
	}
	// Watch-mode fast path (spec.md §4.4): a generation already exists and
	// the source is mutable — skip straight to write without comparing.

	content, err := contentOf(asset.Source)
	if err != nil {
		return nil, fmt.Errorf("emitter: reading source for %q: %w", asset.Name, err)
	}

	// Step 11b: a fresh write bumps the path's generation; a
	// compare-skip (which only reaches here when no generation existed
	// yet) starts the path at generation 1.
	newGen := int64(1)
	if shouldWrite && hasGen {
		newGen = gen + 1
	}

	if shouldWrite {
		if err := afero.WriteFile(e.Output, targetPath, content, 0o644); err != nil {
			return nil, &IOFailure{Op: "write", Path: targetPath, Err: err}
		}
		outcome.emitted = true
	}

	cache.recordWrite(asset.Source, targetPath, newGen)

	if e.AssetEmitted != nil {
		if err := e.AssetEmitted.CallAsync(ctx, AssetEmittedEvent{
			File:        asset.Name,
			Content:     content,
			Source:      asset.Source,
			OutputPath:  outputPath,
			Compilation: comp,
			TargetPath:  targetPath,
		}); err != nil {
			return nil, err
		}
	}

	outcome.sizeOnly, outcome.info = e.sizeOnlySurrogate(cache, asset)
	return outcome, nil
}

// sizeOnlySurrogate implements write-protocol step 12: the surrogate
// installed in place of the original Source is shared across every asset
// backed by the same Source, so it's looked up through Cache (which
// guards it with its own mutex) rather than cached per-call.
func (e *Engine) sizeOnlySurrogate(cache *Cache, asset compilation.Asset) (*compilation.SizeOnlySource, compilation.AssetInfo) {
	sizeOnly := cache.sizeOnlyFor(asset.Source, asset.Source.Size())
	return sizeOnly, compilation.AssetInfo{
		Immutable: asset.Info.Immutable,
		Size:      sizeOnly.SizeBytes,
	}
}

// compareExisting implements write-protocol step 9: stat the target, and
// if it's a file of the same size, byte-compare its contents against the
// new source.
func (e *Engine) compareExisting(targetPath string, source compilation.Source) (equal bool, existed bool, err error) {
	info, statErr := e.Output.Stat(targetPath)
	if statErr != nil {
		return false, false, nil
	}
	if info.IsDir() {
		return false, true, nil
	}

	newContent, err := contentOf(source)
	if err != nil {
		return false, true, fmt.Errorf("emitter: reading source for compare: %w", err)
	}
	if info.Size() != int64(len(newContent)) {
		return false, true, nil
	}

	existing, readErr := afero.ReadFile(e.Output, targetPath)
	if readErr != nil {
		return false, true, &IOFailure{Op: "read", Path: targetPath, Err: readErr}
	}
	return bytes.Equal(existing, newContent), true, nil
}

// contentOf implements write-protocol step 10: prefer a buffer-yielding
// method, otherwise coerce via the source's Content().
func contentOf(source compilation.Source) ([]byte, error) {
	if buf, ok := source.Buffer(); ok {
		return buf, nil
	}
	return source.Content()
}
