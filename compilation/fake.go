package compilation

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

// Fake is a minimal in-memory Compilation used by this repo's own tests
// and by embedders wiring the driver end-to-end before a real module-graph
// implementation exists. It is not part of the compiled-artifact contract
// spec.md §6 describes — just a stand-in for the collaborator spec.md
// treats as out of scope.
type Fake struct {
	name                 string
	assets               map[string]Asset
	order                []string
	emitted              map[string]bool
	comparedForEmit      map[string]bool
	needsAdditionalPass  bool
	additionalPassCalled bool
	entrypoints          []Entrypoint
	buildDeps            []string
	childNotifications   []ChildNotification
	start, end           time.Time
}

type ChildNotification struct {
	Child any
	Name  string
	Index int
}

func NewFake(name string) *Fake {
	return &Fake{
		name:            name,
		assets:          map[string]Asset{},
		emitted:         map[string]bool{},
		comparedForEmit: map[string]bool{},
	}
}

func (f *Fake) Name() string { return f.name }

// AddAsset registers an asset for emission. Intended for test setup, not
// part of the Compilation interface.
func (f *Fake) AddAsset(name string, source Source, info AssetInfo) {
	if _, exists := f.assets[name]; !exists {
		f.order = append(f.order, name)
	}
	f.assets[name] = Asset{Name: name, Source: source, Info: info}
}

func (f *Fake) GetAssets() []Asset {
	out := make([]Asset, 0, len(f.order))
	for _, name := range f.order {
		out = append(out, f.assets[name])
	}
	return out
}

func (f *Fake) UpdateAsset(name string, source Source, info AssetInfo) {
	if a, ok := f.assets[name]; ok {
		a.Source = source
		a.Info = info
		f.assets[name] = a
	}
}

func (f *Fake) EmitAsset(name string, source Source, info AssetInfo) {
	f.AddAsset(name, source, info)
}

func (f *Fake) MarkEmitted(name string)         { f.emitted[name] = true }
func (f *Fake) MarkComparedForEmit(name string)  { f.comparedForEmit[name] = true }
func (f *Fake) Emitted() map[string]bool         { return f.emitted }
func (f *Fake) ComparedForEmit() map[string]bool { return f.comparedForEmit }

func (f *Fake) Finish(ctx context.Context) error { return nil }
func (f *Fake) Seal(ctx context.Context) error   { return nil }

func (f *Fake) GetLogger(name string) logr.Logger { return logr.Discard() }

// SetNeedsAdditionalPass configures the scripted result of
// NeedsAdditionalPass for the scenario in spec.md §8, S6: true once, then
// false.
func (f *Fake) SetNeedsAdditionalPass(v bool) { f.needsAdditionalPass = v }

func (f *Fake) NeedsAdditionalPass() bool {
	v := f.needsAdditionalPass
	f.needsAdditionalPass = false
	return v
}

func (f *Fake) Entrypoints() []Entrypoint { return f.entrypoints }
func (f *Fake) SetEntrypoints(eps []Entrypoint) { f.entrypoints = eps }

func (f *Fake) SetBuildDependencies(deps []string) { f.buildDeps = deps }
func (f *Fake) BuildDependencies() []string         { return f.buildDeps }

func (f *Fake) NotifyChildCompiler(child any, name string, index int) {
	f.childNotifications = append(f.childNotifications, ChildNotification{Child: child, Name: name, Index: index})
}
func (f *Fake) ChildNotifications() []ChildNotification { return f.childNotifications }

func (f *Fake) StartTime() time.Time { return f.start }
func (f *Fake) EndTime() time.Time   { return f.end }
func (f *Fake) SetTimes(start, end time.Time) {
	f.start = start
	f.end = end
}

// NoopCache is a Cache implementation that does nothing, for embedders and
// tests that don't need cross-build caching.
type NoopCache struct {
	idle bool
}

func NewNoopCache() *NoopCache { return &NoopCache{} }

func (c *NoopCache) BeginIdle() { c.idle = true }
func (c *NoopCache) EndIdle(ctx context.Context) error {
	c.idle = false
	return nil
}
func (c *NoopCache) StoreBuildDependencies(ctx context.Context, deps []string) error { return nil }
func (c *NoopCache) Shutdown(ctx context.Context) error                             { return nil }
