// Package records implements the cross-build JSON sidecar described in
// spec.md §4.2: a stable-key JSON value loaded at the start of a build and
// persisted at the end, used by plugins to carry identity information
// (module ids, chunk ids, ...) from one build to the next.
//
// Canonicalisation follows spec.md §3: every object-valued node is
// serialised with its keys in sorted order, 2-space indentation —
// `encoding/json`'s always-sorted map marshaling is what buildcache.Save
// (the teacher's sibling cache sidecar) relies on for its own
// `.tsgonest-cache` file; go-json-experiment/json's v2 API doesn't sort by
// default, so this package asks for it explicitly via json.Deterministic,
// making the same guarantee hold for an open, plugin-defined JSON tree
// instead of one fixed struct.
package records

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/spf13/afero"
)

// Store holds the in-memory records tree for one compiler. Value is a JSON
// value — typically a map[string]any at the root, with plugin-defined
// subtrees underneath. For a child compiler, Value aliases a subtree of the
// parent's Store (see compiler.Compiler.CreateChildCompiler).
type Store struct {
	Value any
}

// Empty returns a fresh, empty records store — the state after readRecords
// runs with no recordsInputPath configured (spec.md §4.2).
func Empty() *Store {
	return &Store{Value: map[string]any{}}
}

// ParseError reports a JSON failure reading the records sidecar
// (spec.md §7, "RecordsParse").
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("records: parsing %s: %v", e.Path, e.Err)
}
func (e *ParseError) Unwrap() error { return e.Err }

// IOFailure wraps an underlying filesystem error encountered while reading
// or writing the sidecar (spec.md §7, "IOFailure").
type IOFailure struct {
	Op   string
	Path string
	Err  error
}

func (e *IOFailure) Error() string {
	return fmt.Sprintf("records: %s %s: %v", e.Op, e.Path, e.Err)
}
func (e *IOFailure) Unwrap() error { return e.Err }

// Read implements readRecords (spec.md §4.2). An unset inputPath yields an
// empty store. A missing file is treated as empty records, not an error. A
// JSON parse failure surfaces as *ParseError.
func Read(fs afero.Fs, inputPath string) (*Store, error) {
	if inputPath == "" {
		return Empty(), nil
	}

	data, err := afero.ReadFile(fs, inputPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Empty(), nil
		}
		return nil, &IOFailure{Op: "read", Path: inputPath, Err: err}
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &ParseError{Path: inputPath, Err: err}
	}
	return &Store{Value: v}, nil
}

// Write implements emitRecords (spec.md §4.2). An unset outputPath is a
// no-op. The target directory is created recursively, and the value is
// serialised with 2-space indentation and sorted object keys at every
// depth (spec.md §3, §8 invariant 5).
func Write(fs afero.Fs, outputPath string, s *Store) error {
	if outputPath == "" {
		return nil
	}

	if err := fs.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return &IOFailure{Op: "mkdir", Path: filepath.Dir(outputPath), Err: err}
	}

	data, err := MarshalCanonical(s.Value)
	if err != nil {
		return fmt.Errorf("records: marshaling %s: %w", outputPath, err)
	}

	if err := afero.WriteFile(fs, outputPath, data, 0o644); err != nil {
		return &IOFailure{Op: "write", Path: outputPath, Err: err}
	}
	return nil
}

// MarshalCanonical serialises v the way emitRecords requires: 2-space
// indent, object keys sorted at every depth. go-json-experiment/json's v2
// default is unordered map iteration (unlike encoding/json's always-sorted
// maps), so json.Deterministic(true) is required alongside
// jsontext.WithIndent to get the sorted-keys guarantee spec.md §4.2 and §8
// invariant 5 ask for.
func MarshalCanonical(v any) ([]byte, error) {
	return json.Marshal(v, jsontext.WithIndent("  "), json.Deterministic(true))
}
