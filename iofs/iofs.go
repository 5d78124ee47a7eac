// Package iofs is the Filesystem Abstraction (spec.md §4.3): the four
// filesystem surfaces a Compiler wires (input, output, intermediate,
// watch), plus the one algorithmic helper the core owns itself — recursive
// mkdir with the exact tolerance rules spec.md §4.3 spells out.
//
// Each surface is an afero.Fs, the same abstract-filesystem interface
// kedacore-keda's configuration loader runs against (afero.NewOsFs() in
// production, afero.NewMemMapFs() under test) — which is exactly the
// "any may be null until wired" / swappable-backend shape spec.md §3
// describes for Compiler's filesystem handles.
package iofs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Set bundles the four filesystem handles a Compiler owns (spec.md §3).
// Any field may be nil until wired by the embedder.
type Set struct {
	Input        afero.Fs
	Output       afero.Fs
	Intermediate afero.Fs
	Watch        afero.Fs
}

// IOFailure wraps an OS error surfaced from one of the filesystem surfaces
// (spec.md §7, "IOFailure").
type IOFailure struct {
	Op   string
	Path string
	Err  error
}

func (e *IOFailure) Error() string {
	return fmt.Sprintf("iofs: %s %s: %v", e.Op, e.Path, e.Err)
}
func (e *IOFailure) Unwrap() error { return e.Err }

// NotADirectoryError is returned by MkdirAll when a path component exists
// but is not a directory.
type NotADirectoryError struct {
	Path string
}

func (e *NotADirectoryError) Error() string {
	return fmt.Sprintf("iofs: %s exists and is not a directory", e.Path)
}

// MkdirAll creates dir and every missing ancestor, in order, tolerating an
// ancestor that already exists as a directory and failing if one exists as
// something else (spec.md §4.3).
func MkdirAll(fs afero.Fs, dir string) error {
	clean := filepath.Clean(dir)
	if clean == "." || clean == string(filepath.Separator) || clean == "" {
		return nil
	}

	parent := filepath.Dir(clean)
	if parent != clean {
		if err := MkdirAll(fs, parent); err != nil {
			return err
		}
	}

	info, err := fs.Stat(clean)
	if err == nil {
		if !info.IsDir() {
			return &NotADirectoryError{Path: clean}
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return &IOFailure{Op: "stat", Path: clean, Err: err}
	}

	if err := fs.Mkdir(clean, 0o755); err != nil {
		// Tolerate a concurrent creator winning the race.
		if info, statErr := fs.Stat(clean); statErr == nil && info.IsDir() {
			return nil
		}
		return &IOFailure{Op: "mkdir", Path: clean, Err: err}
	}
	return nil
}

// Join joins path elements using the platform separator — the one path
// helper the core needs beyond the standard library's own filepath.Join,
// kept here so callers depend on iofs rather than filepath directly.
func Join(elem ...string) string { return filepath.Join(elem...) }

// Dirname returns all but the last element of path.
func Dirname(path string) string { return filepath.Dir(path) }
