package compiler

import (
	"strconv"

	"github.com/forgepack/forgepack/compilation"
	"github.com/forgepack/forgepack/emitter"
	"github.com/forgepack/forgepack/iofs"
	"github.com/forgepack/forgepack/records"
)

// Plugin is anything CreateChildCompiler can apply to the child before
// handing it back: either a bare function or an object exposing Apply,
// mirroring the two plugin shapes spec.md §4.1 allows a tap registrar to
// take.
type Plugin interface {
	Apply(c *Compiler) error
}

// PluginFunc adapts a plain function to Plugin.
type PluginFunc func(c *Compiler) error

func (f PluginFunc) Apply(c *Compiler) error { return f(c) }

// CreateChildCompiler builds a subtree Compiler sharing most of c's state
// (spec.md §4.6): filesystem handles (output excluded — a child never
// owns its own output filesystem), change-tracking maps, cache, and root
// pointer are shared by reference; compilerPath is extended; records are
// sliced into an aliased subtree; hooks are inherited except the set
// excludedFromChildInheritance names; options are shallow-merged with
// outputOverlay replacing Options.Output.
func (c *Compiler) CreateChildCompiler(comp compilation.Compilation, name string, index int, outputOverlay OutputOptions, plugins ...Plugin) (*Compiler, error) {
	child := &Compiler{
		Context:           c.Context,
		Root:              c.Root,
		OutputPath:        c.OutputPath,
		RecordsInputPath:  c.RecordsInputPath,
		RecordsOutputPath: c.RecordsOutputPath,
		Cache:             c.Cache,
		FS: iofs.Set{
			Input:        c.FS.Input,
			Output:       nil,
			Intermediate: c.FS.Intermediate,
			Watch:        c.FS.Watch,
		},
		ModifiedFiles:     c.ModifiedFiles,
		RemovedFiles:      c.RemovedFiles,
		FileTimestamps:    c.FileTimestamps,
		ContextTimestamps: c.ContextTimestamps,
		CompilerPath:      c.CompilerPath + name + "|" + strconv.Itoa(index) + "|",
		Emission:          emitter.NewCache(),
		Hooks:             NewHooks(),
		ParentCompilation: comp,
		baseLogger:        c.baseLogger,
		newCompilation:    c.newCompilation,
		idle:              true,
	}

	mergedOpts := *c.Options
	mergedOpts.Output = outputOverlay
	child.Options = &mergedOpts

	child.Records = sliceChildRecords(c.Records, name, index)

	c.Hooks.inheritInto(child.Hooks)

	for _, p := range plugins {
		if err := p.Apply(child); err != nil {
			return nil, err
		}
	}

	comp.NotifyChildCompiler(child, name, index)
	c.Hooks.ChildCompiler.Call(child)

	return child, nil
}

// sliceChildRecords implements the records-subtree aliasing spec.md §4.6
// describes: parent.records[name] is an array, indexed by this child's
// position among siblings of the same name; the returned Store's Value IS
// that array slot's map, so writes through it are visible to the parent
// (and to a second child created with the same name/index) without any
// copy step.
func sliceChildRecords(parent *records.Store, name string, index int) *records.Store {
	root, ok := parent.Value.(map[string]any)
	if !ok {
		root = map[string]any{}
		parent.Value = root
	}

	var arr []any
	if existing, ok := root[name]; ok {
		arr, _ = existing.([]any)
	}
	for len(arr) <= index {
		arr = append(arr, map[string]any{})
	}
	root[name] = arr

	slot, ok := arr[index].(map[string]any)
	if !ok {
		slot = map[string]any{}
		arr[index] = slot
	}
	return &records.Store{Value: slot}
}
