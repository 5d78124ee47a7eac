package compiler

import "fmt"

// ConcurrentBuildError reports a run or watch entered while a build is
// already running (spec.md §7, §8 invariant 7).
type ConcurrentBuildError struct{}

func (e *ConcurrentBuildError) Error() string {
	return "compiler: a build is already running on this compiler"
}

// ArgumentError reports misuse at a compiler API boundary, e.g. an empty
// or non-string infrastructure-logger name passed to
// GetInfrastructureLogger (spec.md §4.7).
type ArgumentError struct {
	Reason string
}

func (e *ArgumentError) Error() string { return "compiler: argument error: " + e.Reason }

// ShutdownError reports the underlying cache failing to shut down on
// Close (spec.md §7).
type ShutdownError struct {
	Err error
}

func (e *ShutdownError) Error() string { return fmt.Sprintf("compiler: shutdown failed: %v", e.Err) }
func (e *ShutdownError) Unwrap() error { return e.Err }
