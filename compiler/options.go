package compiler

// Options configures a Compiler (spec.md §3, §4). Everything except
// Context is optional; the embedder owning module-graph construction is
// expected to fill in more by the time it calls newCompilation.
type Options struct {
	// Context is the base directory compile-time file paths are resolved
	// against.
	Context string

	// OutputPath is the directory assets are emitted under.
	OutputPath string

	// RecordsInputPath and RecordsOutputPath locate the records sidecar
	// (spec.md §4.2). Either may be empty.
	RecordsInputPath  string
	RecordsOutputPath string

	Output OutputOptions
}

// OutputOptions is the subset of Options a child compiler's overlay
// replaces wholesale (spec.md §4.6).
type OutputOptions struct {
	// CompareBeforeEmit enables write-protocol step 9 (spec.md §4.4).
	CompareBeforeEmit bool
}
