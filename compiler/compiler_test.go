package compiler

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"

	"github.com/forgepack/forgepack/compilation"
	"github.com/forgepack/forgepack/iofs"
)

func testFS() iofs.Set {
	mem := afero.NewMemMapFs()
	return iofs.Set{Input: mem, Output: mem, Intermediate: mem, Watch: mem}
}

func newCompilationFor(comps ...*compilation.Fake) NewCompilationFunc {
	i := 0
	return func(c *Compiler, params *CompileParams) (compilation.Compilation, error) {
		comp := comps[i]
		if i < len(comps)-1 {
			i++
		}
		return comp, nil
	}
}

// TestRunHappyPath exercises the full beforeCompile..afterCompile and
// shouldEmit..done sequence end to end, asserting the compiler is idle and
// free again once the callback fires.
func TestRunHappyPath(t *testing.T) {
	comp := compilation.NewFake("main")
	comp.AddAsset("a.js", compilation.NewStringSource("A"), compilation.AssetInfo{})

	c := New(&Options{Context: "/src", OutputPath: "/out"}, testFS(), compilation.NewNoopCache(), logr.Discard(), newCompilationFor(comp))

	var gotStats *compilation.Stats
	var gotErr error
	done := make(chan struct{})
	if err := c.Run(context.Background(), func(stats *compilation.Stats, err error) {
		gotStats, gotErr = stats, err
		close(done)
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-done

	if gotErr != nil {
		t.Fatalf("unexpected run error: %v", gotErr)
	}
	if gotStats == nil || gotStats.Compilation != comp {
		t.Fatal("expected stats wrapping the produced compilation")
	}
	if !comp.Emitted()["a.js"] {
		t.Error("expected a.js to have been emitted")
	}
	if c.running {
		t.Error("expected running to be cleared after finalize")
	}
	if !c.idle {
		t.Error("expected idle to be restored after finalize")
	}
}

// TestShouldEmitFalseSkipsEmissionAndRecords covers spec.md §4.5: a
// shouldEmit tap returning false must skip emission, additional-pass
// handling, StoreBuildDependencies, and the records write entirely — only
// done/afterDone still fire.
func TestShouldEmitFalseSkipsEmissionAndRecords(t *testing.T) {
	comp := compilation.NewFake("main")
	comp.AddAsset("a.js", compilation.NewStringSource("A"), compilation.AssetInfo{})

	deps := &countingDepsCache{}
	c := New(&Options{Context: "/src", OutputPath: "/out", RecordsOutputPath: "/out/records.json"},
		testFS(), deps, logr.Discard(), newCompilationFor(comp))

	c.Hooks.ShouldEmit.Tap("never", func(compilation.Compilation) (bool, bool) { return false, true })

	var doneCount int
	c.Hooks.Done.Tap("count", func(ctx context.Context, stats *compilation.Stats) error {
		doneCount++
		return nil
	})

	done := make(chan struct{})
	var gotErr error
	if err := c.Run(context.Background(), func(stats *compilation.Stats, err error) {
		gotErr = err
		close(done)
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-done

	if gotErr != nil {
		t.Fatalf("unexpected run error: %v", gotErr)
	}
	if comp.Emitted()["a.js"] {
		t.Error("expected no emission when shouldEmit returns false")
	}
	if doneCount != 1 {
		t.Errorf("done hook fired %d times, want 1", doneCount)
	}
	if deps.stored {
		t.Error("expected StoreBuildDependencies not to be called when emission was skipped")
	}
	if exists, _ := afero.Exists(c.FS.Intermediate, "/out/records.json"); exists {
		t.Error("expected no records file to be written when emission was skipped")
	}
}

type countingDepsCache struct {
	stored bool
}

func (c *countingDepsCache) BeginIdle() {}
func (c *countingDepsCache) EndIdle(ctx context.Context) error { return nil }
func (c *countingDepsCache) StoreBuildDependencies(ctx context.Context, deps []string) error {
	c.stored = true
	return nil
}
func (c *countingDepsCache) Shutdown(ctx context.Context) error { return nil }

// TestConcurrentRunRejected covers invariant 7 (spec.md §8): a second Run
// while one is in flight fails immediately with ConcurrentBuildError,
// without invoking its callback.
func TestConcurrentRunRejected(t *testing.T) {
	blocking := make(chan struct{})
	comp := compilation.NewFake("main")

	fake := &blockingCache{unblock: blocking}
	c := New(&Options{Context: "/src"}, testFS(), fake, logr.Discard(), newCompilationFor(comp))
	c.idle = true

	go c.Run(context.Background(), func(*compilation.Stats, error) {})
	// Give the first Run a chance to claim the running flag.
	time.Sleep(10 * time.Millisecond)

	called := false
	err := c.Run(context.Background(), func(*compilation.Stats, error) { called = true })
	if err == nil {
		t.Fatal("expected ConcurrentBuildError")
	}
	if _, ok := err.(*ConcurrentBuildError); !ok {
		t.Fatalf("got %T, want *ConcurrentBuildError", err)
	}
	if called {
		t.Error("second Run's callback must not run")
	}
	close(blocking)
}

type blockingCache struct {
	unblock chan struct{}
}

func (b *blockingCache) BeginIdle() {}
func (b *blockingCache) EndIdle(ctx context.Context) error {
	<-b.unblock
	return nil
}
func (b *blockingCache) StoreBuildDependencies(ctx context.Context, deps []string) error { return nil }
func (b *blockingCache) Shutdown(ctx context.Context) error                              { return nil }

// TestAdditionalPass covers scenario S6 (spec.md §8): a compilation
// reporting needsAdditionalPass triggers a second compile cycle before
// records/done settle, and the caller only sees the final stats.
func TestAdditionalPass(t *testing.T) {
	first := compilation.NewFake("main")
	first.SetNeedsAdditionalPass(true)
	second := compilation.NewFake("main")

	c := New(&Options{Context: "/src", OutputPath: "/out"}, testFS(), compilation.NewNoopCache(), logr.Discard(), newCompilationFor(first, second))

	var doneCount int
	var finalStats *compilation.Stats
	done := make(chan struct{})
	c.Hooks.Done.Tap("count", func(ctx context.Context, stats *compilation.Stats) error {
		doneCount++
		return nil
	})

	if err := c.Run(context.Background(), func(stats *compilation.Stats, err error) {
		finalStats = stats
		close(done)
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-done

	if doneCount != 2 {
		t.Errorf("done hook fired %d times, want 2 (one per pass)", doneCount)
	}
	if finalStats == nil || finalStats.Compilation != second {
		t.Error("expected the callback to receive the second pass's stats")
	}
}

// TestChildHookInheritanceExcludesLifecycleHooks covers invariant 6
// (spec.md §8): a child compiler inherits a parent's tap on an ordinary
// hook but not on one of the excluded lifecycle hooks.
func TestChildHookInheritanceExcludesLifecycleHooks(t *testing.T) {
	parentComp := compilation.NewFake("main")
	c := New(&Options{Context: "/src"}, testFS(), compilation.NewNoopCache(), logr.Discard(), newCompilationFor(parentComp))

	c.Hooks.AfterPlugins.Tap("inherited", func(*Compiler) error { return nil })
	c.Hooks.Done.Tap("excluded", func(ctx context.Context, stats *compilation.Stats) error { return nil })

	child, err := c.CreateChildCompiler(parentComp, "sub", 0, OutputOptions{})
	if err != nil {
		t.Fatalf("CreateChildCompiler: %v", err)
	}

	if got := child.Hooks.AfterPlugins.Taps(); len(got) != 1 || got[0] != "inherited" {
		t.Errorf("AfterPlugins taps = %v, want [inherited]", got)
	}
	if got := child.Hooks.Done.Taps(); len(got) != 0 {
		t.Errorf("Done taps = %v, want none (excluded from inheritance)", got)
	}
}

// TestChildSharesChangeTrackingState covers the sharing half of spec.md
// §4.6: a child's ModifiedFiles map is the same map as its parent's.
func TestChildSharesChangeTrackingState(t *testing.T) {
	parentComp := compilation.NewFake("main")
	c := New(&Options{Context: "/src"}, testFS(), compilation.NewNoopCache(), logr.Discard(), newCompilationFor(parentComp))

	child, err := c.CreateChildCompiler(parentComp, "sub", 0, OutputOptions{})
	if err != nil {
		t.Fatalf("CreateChildCompiler: %v", err)
	}

	child.ModifiedFiles["x.ts"] = true
	if !c.ModifiedFiles["x.ts"] {
		t.Error("expected parent to observe a change recorded through the child")
	}
	if child.Cache != c.Cache {
		t.Error("expected the child to share the parent's cache handle")
	}
	if child.Root != c.Root {
		t.Error("expected the child's root to be the top-level compiler")
	}
}

// TestChildRecordsAliasParentSubtree covers the records-slicing half of
// spec.md §4.6: writes through a child's Records are visible in the
// parent's tree at records[name][index].
func TestChildRecordsAliasParentSubtree(t *testing.T) {
	parentComp := compilation.NewFake("main")
	c := New(&Options{Context: "/src"}, testFS(), compilation.NewNoopCache(), logr.Discard(), newCompilationFor(parentComp))

	child, err := c.CreateChildCompiler(parentComp, "html-plugin", 0, OutputOptions{})
	if err != nil {
		t.Fatalf("CreateChildCompiler: %v", err)
	}

	childRoot, ok := child.Records.Value.(map[string]any)
	if !ok {
		t.Fatal("expected child records value to be a map")
	}
	childRoot["moduleIds"] = []any{"a", "b"}

	parentRoot := c.Records.Value.(map[string]any)
	arr, ok := parentRoot["html-plugin"].([]any)
	if !ok || len(arr) != 1 {
		t.Fatalf("parent records[html-plugin] = %#v, want a 1-element array", parentRoot["html-plugin"])
	}
	slot := arr[0].(map[string]any)
	if _, ok := slot["moduleIds"]; !ok {
		t.Error("expected the child's write to be visible through the parent's aliased subtree")
	}
}

// TestGetInfrastructureLoggerRejectsEmptyName covers spec.md §4.7.
func TestGetInfrastructureLoggerRejectsEmptyName(t *testing.T) {
	c := New(&Options{Context: "/src"}, testFS(), compilation.NewNoopCache(), logr.Discard(), newCompilationFor(compilation.NewFake("main")))

	if _, err := c.GetInfrastructureLogger(""); err == nil {
		t.Fatal("expected an ArgumentError for an empty name")
	}

	if _, err := c.GetInfrastructureLogger(func() string { return "" }); err != nil {
		t.Fatal("a thunk's name must not be resolved or rejected at registration")
	}
}

// TestNewDefaultLoggerIsUsable covers the zap/zapr-backed fallback logger
// spec.md §4.7's "installed infrastructure logger" resolves to when no
// tap claims a message.
func TestNewDefaultLoggerIsUsable(t *testing.T) {
	l, err := NewDefaultLogger()
	if err != nil {
		t.Fatalf("NewDefaultLogger: %v", err)
	}
	l.Info("compiler starting", "packages", 7)
}

// TestInfrastructureLogHookCanClaimMessages covers spec.md §4.7: a tap on
// infrastructureLog that returns true suppresses the fallback logger.
func TestInfrastructureLogHookCanClaimMessages(t *testing.T) {
	c := New(&Options{Context: "/src"}, testFS(), compilation.NewNoopCache(), logr.Discard(), newCompilationFor(compilation.NewFake("main")))

	var captured InfrastructureLogArgs
	c.Hooks.InfrastructureLog.Tap("capture", func(a InfrastructureLogArgs) (bool, bool) {
		captured = a
		return true, true
	})

	l, err := c.GetInfrastructureLogger("watcher")
	if err != nil {
		t.Fatalf("GetInfrastructureLogger: %v", err)
	}
	l.Info("hello")

	if captured.Origin != "watcher" || captured.Type != "info" {
		t.Errorf("captured = %+v, want origin=watcher type=info", captured)
	}
}
