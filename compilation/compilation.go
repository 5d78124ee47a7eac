// Package compilation describes the external collaborators spec.md §6
// names but treats as out of scope: Compilation, Source, SizeOnlySource,
// the module-factory identities, Cache, and Stats. This repo implements
// only their contracts — module graph construction, resolution, chunking,
// and bytecode generation (spec.md §1 Non-goals) live elsewhere.
package compilation

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
)

// Source is an opaque producer of byte content for an emitted asset
// (spec.md GLOSSARY). Implementations are expected to be reference types so
// they can be used as an identity key (spec.md §3,
// "assetEmittingSourceCache: weak mapping from Source to ...").
type Source interface {
	// Buffer returns raw bytes directly when the source can produce them
	// without going through a string, and whether it could.
	Buffer() ([]byte, bool)
	// Content returns the source's byte content, coercing from a string
	// form via UTF-8 when Buffer is unavailable (spec.md §4.4 step 10).
	Content() ([]byte, error)
	// Size reports the byte length Content() would return.
	Size() int64
}

// SizeOnlySource is the placeholder installed after a successful
// materialisation so the concrete Source can be reclaimed (spec.md §4.4
// step 12, GLOSSARY "SizeOnlySource").
type SizeOnlySource struct {
	SizeBytes int64
}

func NewSizeOnlySource(size int64) *SizeOnlySource { return &SizeOnlySource{SizeBytes: size} }

func (s *SizeOnlySource) Buffer() ([]byte, bool) { return nil, false }
func (s *SizeOnlySource) Content() ([]byte, error) {
	return nil, errors.New("compilation: size-only source retains no content")
}
func (s *SizeOnlySource) Size() int64 { return s.SizeBytes }

// AssetInfo carries per-asset metadata (spec.md §3, "AssetEntry").
type AssetInfo struct {
	// Immutable indicates the source has no in-place mutation semantics —
	// once written, a given Source's bytes at a given path never change.
	Immutable bool
	// Size is set on the surrogate installed by the emission engine after
	// a successful write (spec.md §4.4 step 12); callers populating a
	// fresh asset leave it zero.
	Size int64
}

// Asset is the unit the Asset Emission Engine consumes (spec.md §3,
// "AssetEntry").
type Asset struct {
	Name   string
	Source Source
	Info   AssetInfo
}

// Chunk and Entrypoint back runAsChild's "collects entry chunks across
// entrypoints" step (spec.md §4.5). Their internals are out of scope;
// only their shape as an iterable of chunks matters here.
type Chunk struct {
	ID string
}

type Entrypoint struct {
	Name   string
	Chunks []Chunk
}

// Compilation is the finished module graph this core drives emission and
// records persistence from (spec.md §6). Construction, sealing, and
// resolution are out of scope (spec.md §1); the driver consumes this
// surface only.
type Compilation interface {
	Name() string

	GetAssets() []Asset
	UpdateAsset(name string, source Source, info AssetInfo)
	EmitAsset(name string, source Source, info AssetInfo)

	// MarkEmitted and MarkComparedForEmit record into the emittedAssets /
	// comparedForEmitAssets sets spec.md §3 attributes to the
	// Compilation.
	MarkEmitted(name string)
	MarkComparedForEmit(name string)

	Finish(ctx context.Context) error
	Seal(ctx context.Context) error

	GetLogger(name string) logr.Logger

	// NeedsAdditionalPass answers the needAdditionalPass hook
	// (spec.md §4.5 step 2).
	NeedsAdditionalPass() bool

	Entrypoints() []Entrypoint

	// SetBuildDependencies records what the cache should persist on the
	// final pass (spec.md §9, "build dependencies are only stored on the
	// final pass"). BuildDependencies returns what was recorded, read back
	// by the driver when the final pass hands off to the cache.
	SetBuildDependencies(deps []string)
	BuildDependencies() []string

	// NotifyChildCompiler fires this compilation's childCompiler hook
	// (spec.md §4.6). child is the newly constructed child compiler;
	// typed as any to avoid an import cycle with the compiler package.
	NotifyChildCompiler(child any, name string, index int)

	StartTime() time.Time
	EndTime() time.Time
	SetTimes(start, end time.Time)
}

// NormalModuleFactory, ContextModuleFactory, and ResolverFactory are
// opaque constructors (spec.md §6): only their identity flows through the
// compiler's normalModuleFactory/contextModuleFactory hooks. Module
// resolution itself is out of scope (spec.md §1).
type NormalModuleFactory struct{ id string }
type ContextModuleFactory struct{ id string }
type ResolverFactory struct{ id string }

func NewNormalModuleFactory(id string) *NormalModuleFactory   { return &NormalModuleFactory{id: id} }
func NewContextModuleFactory(id string) *ContextModuleFactory { return &ContextModuleFactory{id: id} }
func NewResolverFactory(id string) *ResolverFactory           { return &ResolverFactory{id: id} }

// Cache is the opaque cross-build cache handle (spec.md §3, §6). Its
// active/idle transitions gate I/O and hook dispatch per spec.md invariant
// 2.
type Cache interface {
	BeginIdle()
	EndIdle(ctx context.Context) error
	StoreBuildDependencies(ctx context.Context, deps []string) error
	Shutdown(ctx context.Context) error
}

// ShutdownError reports a cache that failed to shut down on Close
// (spec.md §7, "ShutdownError").
type ShutdownError struct {
	Err error
}

func (e *ShutdownError) Error() string { return "compilation: cache shutdown failed: " + e.Err.Error() }
func (e *ShutdownError) Unwrap() error { return e.Err }

// Stats is constructed once per completed compilation and is otherwise
// opaque to the driver (spec.md §6).
type Stats struct {
	Compilation Compilation
	Err         error
}

func NewStats(c Compilation, err error) *Stats {
	return &Stats{Compilation: c, Err: err}
}
