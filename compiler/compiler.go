// Package compiler implements the Compiler Driver (spec.md §4.5): the
// state machine that sequences a build through its hook-bound lifecycle,
// the Child Compiler composition spec.md §4.6 describes, and the
// infrastructure-logger surface of spec.md §4.7.
//
// Building the module graph itself — resolution, parsing, chunking — is
// out of scope (spec.md §1); callers supply a NewCompilationFunc that
// produces a compilation.Compilation, and this package drives the rest:
// hook sequencing, records persistence, asset emission, and the
// additional-pass and child-compiler protocols built on top of it.
package compiler

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/forgepack/forgepack/compilation"
	"github.com/forgepack/forgepack/emitter"
	"github.com/forgepack/forgepack/iofs"
	"github.com/forgepack/forgepack/records"
)

// NewCompilationFunc constructs the Compilation for one compile pass. The
// embedder owning module-graph construction supplies this; the driver
// only calls it and drives the result through Finish/Seal (spec.md §4.5).
type NewCompilationFunc func(c *Compiler, params *CompileParams) (compilation.Compilation, error)

// Compiler drives one build's lifecycle (spec.md §3, §4.5). A Compiler
// constructed directly via New is a root compiler; CreateChildCompiler
// produces subtree compilers that share much of the root's state
// (spec.md §4.6).
type Compiler struct {
	Context string
	Root    *Compiler
	Options *Options

	OutputPath        string
	RecordsInputPath  string
	RecordsOutputPath string
	Records           *records.Store

	Cache compilation.Cache
	FS    iofs.Set

	ModifiedFiles     map[string]bool
	RemovedFiles      map[string]bool
	FileTimestamps    map[string]int64
	ContextTimestamps map[string]int64

	CompilerPath string

	Emission *emitter.Cache
	Hooks    *Hooks

	// ParentCompilation is non-nil exactly when this Compiler is a child
	// (spec.md §4.6); IsChild reports on it.
	ParentCompilation compilation.Compilation

	baseLogger logr.Logger

	newCompilation NewCompilationFunc

	mu         sync.Mutex
	running    bool
	idle       bool
	watchMode  bool
	startTime  time.Time
}

// New constructs a top-level Compiler. newCompilation supplies the
// module-graph builder the driver has no business constructing itself
// (spec.md §1, §6).
func New(opts *Options, fs iofs.Set, cache compilation.Cache, logger logr.Logger, newCompilation NewCompilationFunc) *Compiler {
	c := &Compiler{
		Context:           opts.Context,
		Options:           opts,
		OutputPath:        opts.OutputPath,
		RecordsInputPath:  opts.RecordsInputPath,
		RecordsOutputPath: opts.RecordsOutputPath,
		Records:           records.Empty(),
		Cache:             cache,
		FS:                fs,
		ModifiedFiles:     map[string]bool{},
		RemovedFiles:      map[string]bool{},
		FileTimestamps:    map[string]int64{},
		ContextTimestamps: map[string]int64{},
		Emission:          emitter.NewCache(),
		Hooks:             NewHooks(),
		baseLogger:        logger,
		newCompilation:    newCompilation,
		idle:              true,
	}
	c.Root = c
	return c
}

// IsChild reports whether this Compiler was produced by CreateChildCompiler
// (spec.md §4.6).
func (c *Compiler) IsChild() bool { return c.ParentCompilation != nil }

// Run performs a single, non-watch build (spec.md §4.5). callback is
// invoked exactly once, from finalize, whether the build succeeded or
// failed. Run returns a *ConcurrentBuildError immediately, without calling
// callback, if a build is already running on this Compiler.
func (c *Compiler) Run(ctx context.Context, callback func(*compilation.Stats, error)) error {
	if err := c.beginRun(); err != nil {
		return err
	}
	c.startTime = time.Now()

	finalize := c.finalizer(ctx, callback)

	if c.idle {
		if err := c.Cache.EndIdle(ctx); err != nil {
			finalize(nil, err)
			return nil
		}
		c.idle = false
	}

	if err := c.Hooks.BeforeRun.CallAsync(ctx, c); err != nil {
		finalize(nil, err)
		return nil
	}
	if err := c.Hooks.Run.CallAsync(ctx, c); err != nil {
		finalize(nil, err)
		return nil
	}

	store, err := records.Read(c.FS.Intermediate, c.RecordsInputPath)
	if err != nil {
		finalize(nil, err)
		return nil
	}
	c.Records = store

	return c.compile(ctx, func(comp compilation.Compilation, err error) {
		c.onCompiled(ctx, comp, err, finalize)
	})
}

// beginRun atomically claims the running flag, returning
// *ConcurrentBuildError if a build is already in flight (spec.md §8,
// invariant 7).
func (c *Compiler) beginRun() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return &ConcurrentBuildError{}
	}
	c.running = true
	return nil
}

// finalizer returns the once-only finalize closure for a single Run/watch
// iteration (spec.md §4.5, "finalize"): it restores idle state, clears
// running, fires failed/afterDone, and invokes callback exactly once.
func (c *Compiler) finalizer(ctx context.Context, callback func(*compilation.Stats, error)) func(*compilation.Stats, error) {
	var once sync.Once
	return func(stats *compilation.Stats, err error) {
		once.Do(func() {
			c.Cache.BeginIdle()
			c.mu.Lock()
			c.idle = true
			c.running = false
			c.mu.Unlock()

			if err != nil {
				c.Hooks.Failed.Call(err)
			}
			if callback != nil {
				callback(stats, err)
			}
			c.Hooks.AfterDone.Call(stats)
		})
	}
}

// compile runs one pass through beforeCompile -> compile -> thisCompilation
// -> compilation -> make -> finishMake -> finish -> seal -> afterCompile
// (spec.md §4.5). callback receives the sealed Compilation, or an error if
// any stage failed.
func (c *Compiler) compile(ctx context.Context, callback func(compilation.Compilation, error)) error {
	nmf := compilation.NewNormalModuleFactory(c.CompilerPath + "normalModuleFactory")
	cmf := compilation.NewContextModuleFactory(c.CompilerPath + "contextModuleFactory")
	c.Hooks.NormalModuleFactory.Call(nmf)
	c.Hooks.ContextModuleFactory.Call(cmf)

	params := &CompileParams{NormalModuleFactory: nmf, ContextModuleFactory: cmf}

	if err := c.Hooks.BeforeCompile.CallAsync(ctx, params); err != nil {
		callback(nil, err)
		return nil
	}
	if err := c.Hooks.Compile.Call(params); err != nil {
		callback(nil, err)
		return nil
	}

	comp, err := c.newCompilation(c, params)
	if err != nil {
		callback(nil, err)
		return nil
	}

	cp := CompilationParams{Compilation: comp, Params: params}
	if err := c.Hooks.ThisCompilation.Call(cp); err != nil {
		callback(nil, err)
		return nil
	}
	if err := c.Hooks.Compilation.Call(cp); err != nil {
		callback(nil, err)
		return nil
	}

	if err := c.Hooks.Make.CallAsync(ctx, comp); err != nil {
		callback(nil, err)
		return nil
	}
	if err := c.Hooks.FinishMake.CallAsync(ctx, comp); err != nil {
		callback(nil, err)
		return nil
	}

	if err := comp.Finish(ctx); err != nil {
		callback(nil, err)
		return nil
	}
	if err := comp.Seal(ctx); err != nil {
		callback(nil, err)
		return nil
	}

	if err := c.Hooks.AfterCompile.CallAsync(ctx, comp); err != nil {
		callback(nil, err)
		return nil
	}

	callback(comp, nil)
	return nil
}

// onCompiled implements the post-compile half of spec.md §4.5: shouldEmit,
// emission, the additional-pass loop, records persistence, and done.
func (c *Compiler) onCompiled(ctx context.Context, comp compilation.Compilation, err error, finalize func(*compilation.Stats, error)) {
	if err != nil {
		finalize(nil, err)
		return
	}

	emit := true
	if v, ok := c.Hooks.ShouldEmit.Call(comp); ok {
		emit = v
	}

	// shouldEmit == false skips emission, the additional-pass loop, and
	// records persistence entirely: stamp times, fire done, finalise
	// (spec.md §4.5, "Consult shouldEmit... if it returns false, skip
	// emission... fire done then finalise").
	if !emit {
		stats := c.seal(comp, nil)
		if err := c.Hooks.Done.CallAsync(ctx, stats); err != nil {
			finalize(stats, err)
			return
		}
		finalize(stats, nil)
		return
	}

	if err := c.emitAssets(ctx, comp); err != nil {
		finalize(nil, err)
		return
	}

	if comp.NeedsAdditionalPass() {
		stats := c.seal(comp, nil)
		if err := c.Hooks.Done.CallAsync(ctx, stats); err != nil {
			finalize(stats, err)
			return
		}
		if err := c.Hooks.AdditionalPass.CallAsync(ctx, struct{}{}); err != nil {
			finalize(stats, err)
			return
		}
		if err := c.compile(ctx, func(next compilation.Compilation, err error) {
			c.onCompiled(ctx, next, err, finalize)
		}); err != nil {
			finalize(stats, err)
		}
		return
	}

	if err := c.Cache.StoreBuildDependencies(ctx, comp.BuildDependencies()); err != nil {
		finalize(nil, err)
		return
	}

	if err := records.Write(c.FS.Intermediate, c.RecordsOutputPath, c.Records); err != nil {
		finalize(nil, err)
		return
	}

	stats := c.seal(comp, nil)
	if err := c.Hooks.Done.CallAsync(ctx, stats); err != nil {
		finalize(stats, err)
		return
	}
	finalize(stats, nil)
}

func (c *Compiler) seal(comp compilation.Compilation, err error) *compilation.Stats {
	comp.SetTimes(c.startTime, time.Now())
	return compilation.NewStats(comp, err)
}

// emitAssets runs the emit hook, the Asset Emission Engine, then afterEmit
// (spec.md §4.4, §4.5).
func (c *Compiler) emitAssets(ctx context.Context, comp compilation.Compilation) error {
	if err := c.Hooks.Emit.CallAsync(ctx, comp); err != nil {
		return err
	}

	eng := emitter.New(c.FS.Output, c.infraLogger("emitter"), &c.Hooks.AssetEmitted)
	opts := emitter.Options{CompareBeforeEmit: c.Options.Output.CompareBeforeEmit}
	if err := eng.EmitAssets(ctx, comp, c.Emission, c.OutputPath, opts); err != nil {
		return err
	}

	return c.Hooks.AfterEmit.CallAsync(ctx, comp)
}

// Close shuts the compiler's cache down (spec.md §4.5, "close"). It is the
// caller's responsibility not to call Close while a build is running.
func (c *Compiler) Close(ctx context.Context) error {
	if err := c.Cache.Shutdown(ctx); err != nil {
		return &ShutdownError{Err: err}
	}
	return nil
}

// RunAsChild performs one compile pass and, for a child compiler, folds
// its result back into the parent (spec.md §4.5, "runAsChild"): every
// asset is re-emitted through the parent's EmitAsset, and the chunks of
// every entrypoint, collected in entrypoint order, are returned alongside
// the finished Compilation.
func (c *Compiler) RunAsChild(ctx context.Context) ([]compilation.Chunk, compilation.Compilation, error) {
	var result compilation.Compilation
	var compileErr error

	if err := c.compile(ctx, func(comp compilation.Compilation, err error) {
		result = comp
		compileErr = err
	}); err != nil {
		return nil, nil, err
	}
	if compileErr != nil {
		return nil, nil, compileErr
	}

	if c.ParentCompilation != nil {
		for _, asset := range result.GetAssets() {
			c.ParentCompilation.EmitAsset(asset.Name, asset.Source, asset.Info)
		}
	}

	var entries []compilation.Chunk
	for _, ep := range result.Entrypoints() {
		entries = append(entries, ep.Chunks...)
	}
	return entries, result, nil
}
