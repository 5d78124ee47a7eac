package compiler

import (
	"github.com/forgepack/forgepack/compilation"
	"github.com/forgepack/forgepack/emitter"
	"github.com/forgepack/forgepack/hook"
)

// CompileParams carries the module-factory identities a single compile
// pass constructs (spec.md §6, "compile(params)").
type CompileParams struct {
	NormalModuleFactory  *compilation.NormalModuleFactory
	ContextModuleFactory *compilation.ContextModuleFactory
}

// CompilationParams is the payload handed to thisCompilation/compilation
// (spec.md §6).
type CompilationParams struct {
	Compilation compilation.Compilation
	Params      *CompileParams
}

// EntryOptionArgs is the payload handed to entryOption taps.
type EntryOptionArgs struct {
	Context string
	Entry   any
}

// InvalidArgs is the payload handed to invalid taps when a watched file
// changes (spec.md §4.8).
type InvalidArgs struct {
	Filename   string
	ChangeTime int64
}

// InfrastructureLogArgs is the payload handed to infrastructureLog taps
// (spec.md §4.7).
type InfrastructureLogArgs struct {
	Origin string
	Type   string
	Args   []any
}

// Hooks is the frozen catalogue of extension points a Compiler exposes
// (spec.md §6). The set of hooks never changes after construction; only
// each hook's tap list does.
type Hooks struct {
	Initialize       hook.SyncHook[struct{}]
	Environment      hook.SyncHook[struct{}]
	AfterEnvironment hook.SyncHook[struct{}]
	AfterPlugins     hook.SyncHook[*Compiler]
	AfterResolvers   hook.SyncHook[*Compiler]
	EntryOption      hook.SyncBailHook[EntryOptionArgs, bool]

	ShouldEmit        hook.SyncBailHook[compilation.Compilation, bool]
	InfrastructureLog hook.SyncBailHook[InfrastructureLogArgs, bool]

	ThisCompilation       hook.SyncHook[CompilationParams]
	Compilation           hook.SyncHook[CompilationParams]
	NormalModuleFactory   hook.SyncHook[*compilation.NormalModuleFactory]
	ContextModuleFactory  hook.SyncHook[*compilation.ContextModuleFactory]
	Compile               hook.SyncHook[*CompileParams]
	ChildCompiler         hook.SyncHook[*Compiler]
	Invalid               hook.SyncHook[InvalidArgs]
	WatchClose            hook.SyncHook[struct{}]
	Failed                hook.SyncHook[error]
	AfterDone             hook.SyncHook[*compilation.Stats]

	BeforeRun     hook.AsyncSeriesHook[*Compiler]
	Run           hook.AsyncSeriesHook[*Compiler]
	WatchRun      hook.AsyncSeriesHook[*Compiler]
	BeforeCompile hook.AsyncSeriesHook[*CompileParams]
	AfterCompile  hook.AsyncSeriesHook[compilation.Compilation]
	FinishMake    hook.AsyncSeriesHook[compilation.Compilation]
	Emit          hook.AsyncSeriesHook[compilation.Compilation]
	AfterEmit     hook.AsyncSeriesHook[compilation.Compilation]
	AssetEmitted  hook.AsyncSeriesHook[emitter.AssetEmittedEvent]
	Done          hook.AsyncSeriesHook[*compilation.Stats]
	AdditionalPass hook.AsyncSeriesHook[struct{}]

	Make hook.AsyncParallelHook[compilation.Compilation]
}

// NewHooks returns a catalogue with every hook empty — the state a freshly
// constructed top-level Compiler starts with.
func NewHooks() *Hooks { return &Hooks{} }

// excludedFromChildInheritance is the set of hooks createChildCompiler
// leaves untapped on the child rather than copying from the parent
// (spec.md §4.6): these name the part of the build lifecycle a child
// compiler runs for itself, not on the parent's behalf.
var excludedFromChildInheritance = map[string]bool{
	"make": true, "compile": true, "emit": true, "afterEmit": true,
	"invalid": true, "done": true, "thisCompilation": true,
}

// inheritInto copies every tap list from h into dst except the hooks in
// excludedFromChildInheritance (spec.md §4.6, §8 invariant 6).
func (h *Hooks) inheritInto(dst *Hooks) {
	dst.Initialize = *h.Initialize.Clone()
	dst.Environment = *h.Environment.Clone()
	dst.AfterEnvironment = *h.AfterEnvironment.Clone()
	dst.AfterPlugins = *h.AfterPlugins.Clone()
	dst.AfterResolvers = *h.AfterResolvers.Clone()
	dst.EntryOption = *h.EntryOption.Clone()

	dst.ShouldEmit = *h.ShouldEmit.Clone()
	dst.InfrastructureLog = *h.InfrastructureLog.Clone()

	dst.Compilation = *h.Compilation.Clone()
	dst.NormalModuleFactory = *h.NormalModuleFactory.Clone()
	dst.ContextModuleFactory = *h.ContextModuleFactory.Clone()
	dst.ChildCompiler = *h.ChildCompiler.Clone()
	dst.WatchClose = *h.WatchClose.Clone()
	dst.Failed = *h.Failed.Clone()
	dst.AfterDone = *h.AfterDone.Clone()

	dst.BeforeRun = *h.BeforeRun.Clone()
	dst.Run = *h.Run.Clone()
	dst.WatchRun = *h.WatchRun.Clone()
	dst.BeforeCompile = *h.BeforeCompile.Clone()
	dst.AfterCompile = *h.AfterCompile.Clone()
	dst.FinishMake = *h.FinishMake.Clone()
	dst.AssetEmitted = *h.AssetEmitted.Clone()
	dst.AdditionalPass = *h.AdditionalPass.Clone()

	// Compile, Make, Emit, AfterEmit, Invalid, Done, and ThisCompilation are
	// deliberately left empty on dst: excludedFromChildInheritance.
}
