package compiler

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// NewDefaultLogger builds the logr.Logger a Compiler falls back to when no
// infrastructureLog tap claims a message (spec.md §4.7): a zap production
// logger, fronted through zapr the way kedacore-keda wires its manager's
// base logger. Embedders that want a different backend construct their
// own logr.Logger and pass it to New instead.
func NewDefaultLogger() (logr.Logger, error) {
	zl, err := zap.NewProduction()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(zl), nil
}

// GetInfrastructureLogger returns a logr.Logger for build-tooling
// diagnostics — progress, cache hits, plugin timing — as opposed to a
// Compilation's own warnings/errors (spec.md §4.7). name may be a string
// or a func() string; a thunk is resolved lazily, on the first message
// actually logged, so a plugin can pass an expensive-to-compute name
// without paying for it on a silent run. An empty string name is rejected
// with *ArgumentError; a thunk that resolves to an empty name is not
// reported as an error, and its messages are logged under the origin
// "(unnamed)".
//
// Every message is offered to the infrastructureLog hook first
// (origin, level, args); only when no tap claims it does it fall through
// to the installed logger.
func (c *Compiler) GetInfrastructureLogger(name any) (logr.Logger, error) {
	resolve, err := nameResolver(name)
	if err != nil {
		return logr.Logger{}, err
	}
	return logr.New(&infraSink{compiler: c, origins: &originResolver{resolve: resolve}}), nil
}

// infraLogger is GetInfrastructureLogger for internal callers that supply
// a fixed, non-empty name and have no error path of their own.
func (c *Compiler) infraLogger(name string) logr.Logger {
	l, _ := c.GetInfrastructureLogger(name)
	return l
}

func nameResolver(name any) (func() (string, error), error) {
	switch v := name.(type) {
	case string:
		if v == "" {
			return nil, &ArgumentError{Reason: "infrastructure logger name must not be empty"}
		}
		return func() (string, error) { return v, nil }, nil
	case func() string:
		return func() (string, error) {
			resolved := v()
			if resolved == "" {
				return "", &ArgumentError{Reason: "infrastructure logger name thunk returned an empty name"}
			}
			return resolved, nil
		}, nil
	default:
		return nil, &ArgumentError{Reason: "infrastructure logger name must be a string or a func() string"}
	}
}

// originResolver lazily resolves a logger's base name exactly once, shared
// across every WithName-derived sink so a thunk name is never invoked twice
// (spec.md §4.7, "resolved lazily on first message").
type originResolver struct {
	once     sync.Once
	resolve  func() (string, error)
	resolved string
	err      error
}

func (r *originResolver) get() (string, error) {
	r.once.Do(func() {
		r.resolved, r.err = r.resolve()
	})
	return r.resolved, r.err
}

// infraSink implements logr.LogSink, routing every message through the
// owning Compiler's infrastructureLog hook before falling back to its
// base logger (spec.md §4.7).
type infraSink struct {
	compiler *Compiler
	origins  *originResolver

	name string // accumulated WithName chain below the resolved origin
}

func (s *infraSink) origin() string {
	resolved, err := s.origins.get()
	if err != nil {
		return "(unnamed)"
	}
	if s.name == "" {
		return resolved
	}
	return resolved + "/" + s.name
}

func (s *infraSink) Init(info logr.RuntimeInfo) {}
func (s *infraSink) Enabled(level int) bool      { return true }

func (s *infraSink) Info(level int, msg string, kv ...any) {
	origin := s.origin()
	if _, ok := s.compiler.Hooks.InfrastructureLog.Call(InfrastructureLogArgs{
		Origin: origin, Type: "info", Args: append([]any{msg}, kv...),
	}); ok {
		return
	}
	s.compiler.baseLogger.WithName(origin).V(level).Info(msg, kv...)
}

func (s *infraSink) Error(err error, msg string, kv ...any) {
	origin := s.origin()
	if _, ok := s.compiler.Hooks.InfrastructureLog.Call(InfrastructureLogArgs{
		Origin: origin, Type: "error", Args: append([]any{msg, err}, kv...),
	}); ok {
		return
	}
	s.compiler.baseLogger.WithName(origin).Error(err, msg, kv...)
}

func (s *infraSink) WithValues(kv ...any) logr.LogSink { return s }

func (s *infraSink) WithName(name string) logr.LogSink {
	next := name
	if s.name != "" {
		next = s.name + "/" + name
	}
	return &infraSink{compiler: s.compiler, origins: s.origins, name: next}
}
